package session

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/pkg/logger"
)

// SubmitRequest 描述创建会话所需的参数。
type SubmitRequest struct {
	ID       string         `json:"id,omitempty"`
	Query    string         `json:"query"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Service 负责会话的创建、反馈与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造会话服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的会话并推送到队列。
// 携带已存在 ID 的请求直接返回现有会话，方便调用方幂等重试。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Session, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, xerrors.New(CodeSessionValidation, "会话问题不能为空")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}

	sessionID := strings.TrimSpace(req.ID)
	if sessionID != "" {
		sess, err := s.store.Get(ctx, sessionID)
		if err == nil {
			return sess, nil
		}
		if !stdErrors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	sess := &Session{
		ID:         sessionID,
		Query:      req.Query,
		Metadata:   cloneMetadata(req.Metadata),
		Status:     StatusQueued,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, sess); err != nil {
		if stdErrors.Is(err, ErrSessionConflict) {
			existing, getErr := s.store.Get(ctx, sessionID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrSessionNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, sessionID); err != nil {
		logger.L().Error("会话入队失败", slog.Any("error", err), slog.String("session_id", sessionID))
		wrapped := xerrors.Wrap(CodeSessionPublish, err, "发布会话到队列失败")
		_ = s.store.MarkFailed(ctx, sessionID, CodeSessionPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("会话入队成功",
		slog.String("session_id", sessionID),
		slog.String("query", sess.Query),
		slog.Int("max_retries", sess.MaxRetries),
	)
	return sess, nil
}

// ProvideInput 接收用户对等待反馈会话的补充输入并重新排队。
func (s *Service) ProvideInput(ctx context.Context, id, input string) (*Session, error) {
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}
	if strings.TrimSpace(id) == "" {
		return nil, xerrors.New(CodeSessionValidation, "会话 ID 不能为空")
	}
	if strings.TrimSpace(input) == "" {
		return nil, xerrors.New(CodeSessionValidation, "补充内容不能为空")
	}
	if err := s.store.SetPendingInput(ctx, id, input); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("会话重新入队失败", slog.Any("error", err), slog.String("session_id", id))
		return nil, xerrors.Wrap(CodeSessionPublish, err, "发布会话到队列失败")
	}
	logger.Audit().Info("会话收到用户反馈", slog.String("session_id", id))
	return s.store.Get(ctx, id)
}

// RecoverInterrupted 重新入队进程重启前遗留在 running 状态的会话。
// 中断的会话先转为可重试的失败状态，再发布到队列等待下一次领取。
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	if s.store == nil || s.producer == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "会话服务未初始化")
	}

	recovered := 0
	for {
		sessions, err := s.store.List(ctx, buildListOptions([]ListOption{
			WithStatuses(StatusRunning),
			WithLimit(100),
		}))
		if err != nil {
			return recovered, err
		}
		if len(sessions) == 0 {
			return recovered, nil
		}
		for _, sess := range sessions {
			if err := s.store.MarkFailed(ctx, sess.ID, CodeSessionProcessing, "会话执行被进程重启中断", false); err != nil {
				return recovered, err
			}
			if err := s.producer.Publish(ctx, sess.ID); err != nil {
				return recovered, xerrors.Wrap(CodeSessionPublish, err, "重投中断会话失败")
			}
			recovered++
			logger.Audit().Warn("恢复中断会话",
				slog.String("session_id", sess.ID),
				slog.Int("attempts", sess.Attempts),
			)
		}
	}
}

// Get 返回指定会话的状态。
func (s *Service) Get(ctx context.Context, id string) (*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的会话列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Session, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的会话统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (SessionStats, error) {
	if s.store == nil {
		return SessionStats{}, xerrors.New(xerrors.CodeInitializationFailure, "会话存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilSettled 在指定间隔内轮询，直到会话结束或等待用户反馈。
// 已写入补充输入但尚未被领取的会话视为未就绪，继续等待。
func (s *Service) WaitUntilSettled(ctx context.Context, id string, interval time.Duration) (*Session, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch sess.Status {
		case StatusCompleted, StatusFailed:
			return sess, nil
		case StatusAwaitingInput:
			if sess.PendingInput == "" {
				return sess, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
