package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeStatic}); err == nil {
		t.Fatalf("期望静态模式缺少令牌时报错")
	}
	if _, err := NewService(Config{Mode: ModeStatic, Tokens: []Token{{Name: "ci", Token: "  "}}}); err == nil {
		t.Fatalf("期望空白令牌报错")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("期望未知模式报错")
	}
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("空配置应退化为禁用模式: %v", err)
	}
	if svc.Mode() != ModeDisabled {
		t.Fatalf("期望禁用模式, 实际 %s", svc.Mode())
	}
}

func TestAuthenticateRequestStaticTokens(t *testing.T) {
	svc, err := NewService(Config{
		Mode: ModeStatic,
		Tokens: []Token{
			{Name: "ci", Token: "secret-a"},
			{Token: "secret-b"},
		},
	})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}

	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer secret-a")
	if err != nil {
		t.Fatalf("合法令牌认证失败: %v", err)
	}
	if subject.Name != "ci" {
		t.Fatalf("期望主体 ci, 实际 %s", subject.Name)
	}

	// 头部大小写不敏感，未命名令牌获得顺序名。
	subject, err = svc.AuthenticateRequest(ctx, "bearer secret-b")
	if err != nil {
		t.Fatalf("小写 bearer 认证失败: %v", err)
	}
	if subject.Name != "token-2" {
		t.Fatalf("期望主体 token-2, 实际 %s", subject.Name)
	}

	if _, err := svc.AuthenticateRequest(ctx, "Bearer wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("期望 ErrInvalidToken, 实际 %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, ""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("期望 ErrMissingToken, 实际 %v", err)
	}
	if _, err := svc.AuthenticateRequest(ctx, "Basic secret-a"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("期望非 Bearer 头返回 ErrMissingToken, 实际 %v", err)
	}
}

func TestAuthenticateRequestDisabled(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}
	if _, err := svc.AuthenticateRequest(context.Background(), "Bearer any"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("期望 ErrDisabled, 实际 %v", err)
	}

	var nilSvc *Service
	if nilSvc.Mode() != ModeDisabled {
		t.Fatalf("nil 服务应视为禁用")
	}
}

func TestMiddlewareGuardsRequests(t *testing.T) {
	svc, err := NewService(Config{
		Mode:   ModeStatic,
		Tokens: []Token{{Name: "ops", Token: "secret"}},
	})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}

	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{AuditEvent: "sessions"})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = SubjectFromContext(r.Context())
			w.WriteHeader(http.StatusNoContent)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("缺少令牌应返回 401, 实际 %d", rec.Code)
	}
	if seen != nil {
		t.Fatalf("未认证请求不应到达处理器")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("非法令牌应返回 401, 实际 %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("合法令牌应放行, 实际 %d", rec.Code)
	}
	if seen == nil || seen.Name != "ops" {
		t.Fatalf("期望上下文主体 ops, 实际 %+v", seen)
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(Config{Mode: ModeDisabled})
	if err != nil {
		t.Fatalf("构造服务失败: %v", err)
	}

	called := false
	handler := svc.Middleware(MiddlewareConfig{})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusOK)
		}),
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if !called || rec.Code != http.StatusOK {
		t.Fatalf("禁用模式应直接放行, called=%v code=%d", called, rec.Code)
	}
}
