package session

import (
	"context"

	xerrors "OpenMCP-Search/internal/errors"
)

// Store 定义会话状态存取接口。
type Store interface {
	Create(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Claim(ctx context.Context, id string) (*Session, error)
	MarkAwaitingInput(ctx context.Context, id string, answer string) error
	MarkCompleted(ctx context.Context, id string, answer string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	SetPendingInput(ctx context.Context, id string, input string) error
	List(ctx context.Context, opts ListOptions) ([]*Session, error)
	Stats(ctx context.Context, opts ListOptions) (SessionStats, error)
	Close() error
}
