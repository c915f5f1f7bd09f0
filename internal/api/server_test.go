package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenMCP-Search/internal/auth"
	"OpenMCP-Search/internal/session"
)

func newTestServer(t *testing.T) (*Server, *session.MemoryStore, *session.Service) {
	t.Helper()
	store := session.NewMemoryStore()
	svc := session.NewService(store, session.NewMemoryQueue(16), 3)
	return NewServer(":0", svc), store, svc
}

func decodeSession(t *testing.T, body []byte) session.Session {
	t.Helper()
	var got session.Session
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return got
}

func decodeErrorCode(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Code
}

func TestHandleSubmitAndDetail(t *testing.T) {
	server, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(`{"query":"找最近的错误日志"}`))
	rec := httptest.NewRecorder()
	server.handleSessions(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusAccepted)
	}
	created := decodeSession(t, rec.Body.Bytes())
	if created.ID == "" || created.Status != session.StatusQueued {
		t.Fatalf("unexpected created session: %+v", created)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+created.ID, nil)
	rec = httptest.NewRecorder()
	server.handleSessionDetail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	got := decodeSession(t, rec.Body.Bytes())
	if got.ID != created.ID || got.Query != "找最近的错误日志" {
		t.Fatalf("unexpected session detail: %+v", got)
	}
}

func TestHandleSessionDetailErrors(t *testing.T) {
	server, _, _ := newTestServer(t)

	t.Run("invalid method", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/sess-1", nil)
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/", nil)
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/missing", nil)
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
		if code := decodeErrorCode(t, rec.Body.Bytes()); code != "SESSION_NOT_FOUND" {
			t.Fatalf("unexpected error code: %s", code)
		}
	})

	t.Run("nested path", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/sess-1/unknown", nil)
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
		}
	})
}

func TestHandleInput(t *testing.T) {
	server, store, svc := newTestServer(t)
	ctx := context.Background()

	sess, err := svc.Submit(ctx, session.SubmitRequest{Query: "检索服务状态"})
	if err != nil {
		t.Fatalf("submit session: %v", err)
	}

	t.Run("not awaiting", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/input", strings.NewReader(`{"input":"继续"}`))
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusConflict {
			t.Fatalf("expected status %d, got %d", http.StatusConflict, rec.Code)
		}
	})

	if _, err := store.Claim(ctx, sess.ID); err != nil {
		t.Fatalf("claim session: %v", err)
	}
	if err := store.MarkAwaitingInput(ctx, sess.ID, "需要补充条件"); err != nil {
		t.Fatalf("mark awaiting: %v", err)
	}

	t.Run("blank input", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/input", strings.NewReader(`{"input":"  "}`))
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		if code := decodeErrorCode(t, rec.Body.Bytes()); code != "SESSION_VALIDATION_FAILED" {
			t.Fatalf("unexpected error code: %s", code)
		}
	})

	t.Run("accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/"+sess.ID+"/input", strings.NewReader(`{"input":"按错误类型统计"}`))
		rec := httptest.NewRecorder()

		server.handleSessionDetail(rec, req)

		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
		}
		got := decodeSession(t, rec.Body.Bytes())
		if got.PendingInput != "按错误类型统计" {
			t.Fatalf("unexpected pending input: %+v", got)
		}
	})
}

func TestHandleListAndStats(t *testing.T) {
	server, store, svc := newTestServer(t)
	ctx := context.Background()

	first, err := svc.Submit(ctx, session.SubmitRequest{Query: "查询一"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Submit(ctx, session.SubmitRequest{Query: "查询二"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := store.Claim(ctx, first.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkCompleted(ctx, first.ID, "答案"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	t.Run("list filtered", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?status=queued", nil)
		rec := httptest.NewRecorder()

		server.handleSessions(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: %d", rec.Code)
		}
		var sessions []session.Session
		if err := json.Unmarshal(rec.Body.Bytes(), &sessions); err != nil {
			t.Fatalf("decode sessions: %v", err)
		}
		if len(sessions) != 1 || sessions[0].Status != session.StatusQueued {
			t.Fatalf("unexpected list result: %+v", sessions)
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions?status=banana", nil)
		rec := httptest.NewRecorder()

		server.handleSessions(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("stats", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		rec := httptest.NewRecorder()

		server.handleStats(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status code: %d", rec.Code)
		}
		var stats session.SessionStats
		if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
			t.Fatalf("decode stats: %v", err)
		}
		if stats.Total != 2 || stats.Completed != 1 || stats.Queued != 1 {
			t.Fatalf("unexpected stats: %+v", stats)
		}
	})

	t.Run("invalid limit", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats?limit=abc", nil)
		rec := httptest.NewRecorder()

		server.handleStats(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})
}

func TestRoutesWithAuth(t *testing.T) {
	store := session.NewMemoryStore()
	svc := session.NewService(store, session.NewMemoryQueue(16), 3)
	authSvc, err := auth.NewService(auth.Config{
		Mode:   auth.ModeStatic,
		Tokens: []auth.Token{{Name: "ops", Token: "secret"}},
	})
	if err != nil {
		t.Fatalf("auth service: %v", err)
	}
	server := NewServer(":0", svc, WithAuthService(authSvc))

	ts := httptest.NewServer(server.routes())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health endpoint should skip auth, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/api/v1/stats")
	if err != nil {
		t.Fatalf("stats request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/stats", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authorized request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	var stats session.SessionStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("expected empty stats, got %+v", stats)
	}
}
