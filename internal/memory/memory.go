// Package memory 维护会话内的对话记忆。记忆是只追加的轮次日志，
// 编排器在每轮问答结束后写入，规划与分析阶段读取最近若干轮作为上下文。
package memory

import (
	"context"
	"sync"
	"time"
)

// Turn 描述一轮完整的问答。
type Turn struct {
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink 把完成的轮次透写到持久化仓库。透写失败不影响内存日志。
type Sink interface {
	SaveTurn(ctx context.Context, sessionID string, turn Turn) error
}

// Log 是一个会话的对话记忆。零值不可用，必须通过 NewLog 创建。
type Log struct {
	mu        sync.Mutex
	sessionID string
	turns     []Turn
	limit     int
	sink      Sink
}

// Option 配置 Log 的可选行为。
type Option func(*Log)

// WithLimit 限制日志保留的最大轮数，0 表示不限制。
// 超出上限时丢弃最早的轮次。
func WithLimit(limit int) Option {
	return func(l *Log) {
		if limit > 0 {
			l.limit = limit
		}
	}
}

// WithSink 为日志配置持久化透写目标。
func WithSink(sink Sink) Option {
	return func(l *Log) {
		l.sink = sink
	}
}

// NewLog 创建一个空的对话记忆。sessionID 仅用于透写时标记归属。
func NewLog(sessionID string, opts ...Option) *Log {
	l := &Log{sessionID: sessionID}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append 追加一轮问答。返回的错误仅表示透写失败，内存日志总是已更新。
func (l *Log) Append(ctx context.Context, input, output string) error {
	turn := Turn{
		Input:     input,
		Output:    output,
		CreatedAt: time.Now(),
	}

	l.mu.Lock()
	l.turns = append(l.turns, turn)
	if l.limit > 0 && len(l.turns) > l.limit {
		overflow := len(l.turns) - l.limit
		l.turns = append([]Turn(nil), l.turns[overflow:]...)
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		return sink.SaveTurn(ctx, l.sessionID, turn)
	}
	return nil
}

// Restore 用历史轮次重建内存日志，不触发透写。进程重启后由调用方
// 从持久化仓库取回轮次并恢复上下文。超出保留上限时只保留最近的部分。
func (l *Log) Restore(turns []Turn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.turns = append([]Turn(nil), turns...)
	if l.limit > 0 && len(l.turns) > l.limit {
		overflow := len(l.turns) - l.limit
		l.turns = append([]Turn(nil), l.turns[overflow:]...)
	}
}

// Recent 返回最近 n 轮问答的副本，n<=0 时返回全部。
func (l *Log) Recent(n int) []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > len(l.turns) {
		n = len(l.turns)
	}
	out := make([]Turn, n)
	copy(out, l.turns[len(l.turns)-n:])
	return out
}

// All 返回全部轮次的副本。
func (l *Log) All() []Turn {
	return l.Recent(0)
}

// Len 返回当前记录的轮数。
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}
