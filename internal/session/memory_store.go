package session

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
)

// MemoryStore 以内存方式保存会话状态，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "session 不能为空")
	}
	if sess.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if _, ok := m.sessions[sess.ID]; ok {
		return ErrSessionConflict
	}
	now := time.Now().Unix()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	m.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// Get 返回会话。
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// Claim 将会话状态更新为运行中。
// 等待反馈的会话只有在收到补充输入后才能被领取。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	switch sess.Status {
	case StatusCompleted:
		return cloneSession(sess), ErrSessionCompleted
	case StatusRunning:
		return cloneSession(sess), ErrSessionConflict
	case StatusAwaitingInput:
		if strings.TrimSpace(sess.PendingInput) == "" {
			return cloneSession(sess), ErrSessionConflict
		}
	}
	if sess.Attempts >= sess.MaxRetries {
		return cloneSession(sess), ErrSessionExhausted
	}
	sess.Status = StatusRunning
	sess.Attempts++
	sess.LastError = ""
	sess.ErrorCode = ""
	sess.UpdatedAt = time.Now().Unix()
	return cloneSession(sess), nil
}

// MarkAwaitingInput 记录阶段性回答并等待用户反馈。
// 每轮对话结束后重置重试计数，下一轮获得完整的重试额度。
func (m *MemoryStore) MarkAwaitingInput(_ context.Context, id string, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Status = StatusAwaitingInput
	sess.Answer = answer
	sess.PendingInput = ""
	sess.Turns++
	sess.Attempts = 0
	sess.LastError = ""
	sess.ErrorCode = ""
	sess.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkCompleted 记录最终回答并结束会话。
func (m *MemoryStore) MarkCompleted(_ context.Context, id string, answer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Status = StatusCompleted
	sess.Answer = answer
	sess.PendingInput = ""
	sess.Turns++
	sess.LastError = ""
	sess.ErrorCode = ""
	sess.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记会话失败，terminal 为真时耗尽剩余重试额度。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Status = StatusFailed
	sess.LastError = lastError
	sess.ErrorCode = string(code)
	if terminal && sess.Attempts < sess.MaxRetries {
		sess.Attempts = sess.MaxRetries
	}
	sess.UpdatedAt = time.Now().Unix()
	return nil
}

// SetPendingInput 暂存用户的补充输入，仅对等待反馈的会话有效。
func (m *MemoryStore) SetPendingInput(_ context.Context, id string, input string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if strings.TrimSpace(input) == "" {
		return xerrors.New(CodeSessionValidation, "补充内容不能为空")
	}
	switch sess.Status {
	case StatusCompleted:
		return ErrSessionCompleted
	case StatusAwaitingInput:
	default:
		return ErrSessionNotAwaiting
	}
	sess.PendingInput = input
	sess.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回最近会话。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if !matchesListFilters(sess, opts) {
			continue
		}
		results = append(results, cloneSession(sess))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Session{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的会话数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (SessionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := SessionStats{}
	for _, sess := range m.sessions {
		if !matchesListFilters(sess, opts) {
			continue
		}
		stats.Total++
		switch sess.Status {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusAwaitingInput:
			stats.AwaitingInput++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
		if sess.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = sess.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (sess.UpdatedAt != 0 && sess.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = sess.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneSession(sess *Session) *Session {
	clone := *sess
	clone.Metadata = cloneMetadata(sess.Metadata)
	return &clone
}

func matchesListFilters(sess *Session, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if sess.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && sess.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && sess.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.HasAnswer != nil && (sess.Answer != "") != *opts.HasAnswer {
		return false
	}
	if opts.Query != "" && !matchesQuery(sess, opts.Query) {
		return false
	}
	return true
}

func matchesQuery(sess *Session, query string) bool {
	needle := strings.ToLower(query)
	for _, field := range []string{sess.ID, sess.Query, sess.Answer, sess.LastError} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
