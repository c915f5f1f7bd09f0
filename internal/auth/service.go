package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"OpenMCP-Search/pkg/logger"
)

// Service 负责 HTTP 端点的身份验证。
type Service struct {
	mode   Mode
	tokens []staticToken
	audit  *slog.Logger
}

// staticToken 保存单个静态令牌的摘要，原始令牌在构造后即丢弃。
type staticToken struct {
	name   string
	digest [sha256.Size]byte
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:  mode,
		audit: logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeStatic:
		if len(cfg.Tokens) == 0 {
			return nil, errors.New("static mode requires at least one token")
		}
		svc.tokens = make([]staticToken, 0, len(cfg.Tokens))
		for i, tok := range cfg.Tokens {
			secret := strings.TrimSpace(tok.Token)
			if secret == "" {
				return nil, fmt.Errorf("token %d has an empty value", i+1)
			}
			name := strings.TrimSpace(tok.Name)
			if name == "" {
				name = fmt.Sprintf("token-%d", i+1)
			}
			svc.tokens = append(svc.tokens, staticToken{
				name:   name,
				digest: sha256.Sum256([]byte(secret)),
			})
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode 返回当前身份认证服务的工作模式。
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// AuthenticateRequest 验证传入请求的授权头，并返回相应的主体信息。
func (s *Service) AuthenticateRequest(ctx context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return nil, ErrDisabled
	}
	parts := strings.SplitN(strings.TrimSpace(authorization), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return nil, ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return nil, ErrMissingToken
	}
	digest := sha256.Sum256([]byte(token))
	for _, candidate := range s.tokens {
		if subtle.ConstantTimeCompare(candidate.digest[:], digest[:]) == 1 {
			return &Subject{Name: candidate.name}, nil
		}
	}
	return nil, ErrInvalidToken
}
