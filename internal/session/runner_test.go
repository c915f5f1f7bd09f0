package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"OpenMCP-Search/internal/agent"
	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/llm"
	"OpenMCP-Search/internal/mcp"
	"OpenMCP-Search/internal/observability/alerting"
)

type scriptedLLM struct {
	planErr error
	latency time.Duration
}

func (s *scriptedLLM) Plan(ctx context.Context, req llm.PlanRequest) (*llm.PlanResult, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.planErr != nil {
		return nil, s.planErr
	}
	return &llm.PlanResult{Tasks: []string{"检索 " + req.Query}}, nil
}

func (s *scriptedLLM) Analyze(_ context.Context, _ llm.AnalyzeRequest) (*llm.AnalyzeResult, error) {
	return &llm.AnalyzeResult{Command: "health", Params: map[string]any{}}, nil
}

func (s *scriptedLLM) Format(_ context.Context, req llm.FormatRequest) (string, error) {
	return "回答: " + req.Task, nil
}

type toolStub struct{}

func (toolStub) Call(_ context.Context, _ string, _ map[string]any) *mcp.Response {
	return mcp.OK(map[string]any{"status": "green"})
}

func (toolStub) Tools() map[string]mcp.ToolInfo {
	return map[string]mcp.ToolInfo{"health": {Description: "集群健康状态"}}
}

func newTestFactory(llmClient llm.Client) AgentFactory {
	return func(_ context.Context, _ string) (*agent.Orchestrator, error) {
		return agent.New(toolStub{}, llmClient), nil
	}
}

type captureDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (c *captureDispatcher) Notify(_ context.Context, event alerting.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureDispatcher) stages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	stages := make([]string, 0, len(c.events))
	for _, event := range c.events {
		stages = append(stages, event.Metadata["stage"])
	}
	return stages
}

type staticRecovery struct {
	answer string
}

func (s *staticRecovery) Recover(_ context.Context, _ *Session, _ error) (string, error) {
	return s.answer, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestRunnerHandlesConcurrentSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	service := NewService(store, queue, 3)
	runner := NewRunner(newTestFactory(&scriptedLLM{latency: 5 * time.Millisecond}), store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("runner exited: %v", err)
		}
	}()

	total := 40
	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		sess, err := service.Submit(ctx, SubmitRequest{Query: fmt.Sprintf("问题-%d", i)})
		if err != nil {
			t.Fatalf("提交会话失败: %v", err)
		}
		ids = append(ids, sess.ID)
	}

	waitFor(t, func() bool {
		stats, err := store.Stats(ctx, ListOptions{})
		return err == nil && stats.AwaitingInput == total
	})

	for _, id := range ids {
		if _, err := service.ProvideInput(ctx, id, "满意"); err != nil {
			t.Fatalf("反馈失败: %v", err)
		}
	}

	waitFor(t, func() bool {
		stats, err := store.Stats(ctx, ListOptions{})
		return err == nil && stats.Completed == total && runner.ActiveSessions() == 0
	})
}

func TestRunnerFeedbackContinuesConversation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	service := NewService(store, queue, 3)
	runner := NewRunner(newTestFactory(&scriptedLLM{}), store, queue, queue, WithWorkerCount(1))

	go func() {
		if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("runner exited: %v", err)
		}
	}()

	sess, err := service.Submit(ctx, SubmitRequest{Query: "找最近的错误日志"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	settled, err := service.WaitUntilSettled(ctx, sess.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait first turn: %v", err)
	}
	if settled.Status != StatusAwaitingInput {
		t.Fatalf("expected awaiting input, got %s", settled.Status)
	}
	if settled.Answer != "回答: 检索 找最近的错误日志" {
		t.Fatalf("unexpected first answer: %q", settled.Answer)
	}

	if _, err := service.ProvideInput(ctx, sess.ID, "再按错误类型统计一下"); err != nil {
		t.Fatalf("provide input: %v", err)
	}
	settled, err = service.WaitUntilSettled(ctx, sess.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait second turn: %v", err)
	}
	if settled.Status != StatusAwaitingInput {
		t.Fatalf("expected awaiting input again, got %s", settled.Status)
	}
	if settled.Answer != "回答: 检索 再按错误类型统计一下" {
		t.Fatalf("unexpected second answer: %q", settled.Answer)
	}
	if settled.Turns != 2 {
		t.Fatalf("expected 2 turns, got %d", settled.Turns)
	}
	secondAnswer := settled.Answer

	if _, err := service.ProvideInput(ctx, sess.ID, "满意"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	settled, err = service.WaitUntilSettled(ctx, sess.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait completion: %v", err)
	}
	if settled.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", settled.Status)
	}
	if settled.Answer != secondAnswer {
		t.Fatalf("final answer should be preserved, got %q", settled.Answer)
	}
	if settled.Turns != 3 {
		t.Fatalf("expected 3 settled turns, got %d", settled.Turns)
	}

	waitFor(t, func() bool { return runner.ActiveSessions() == 0 })
}

func TestRunnerRetriesUntilExhausted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	alerts := &captureDispatcher{}
	service := NewService(store, queue, 2)
	failing := &scriptedLLM{planErr: xerrors.New(xerrors.CodeExecutorFailure, "模型过载")}
	runner := NewRunner(newTestFactory(failing), store, queue, queue,
		WithWorkerCount(1),
		WithAlertDispatcher(alerts),
	)

	go func() {
		if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("runner exited: %v", err)
		}
	}()

	sess, err := service.Submit(ctx, SubmitRequest{Query: "会失败的问题"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitFor(t, func() bool {
		got, err := store.Get(ctx, sess.ID)
		return err == nil && got.Status == StatusFailed && got.Attempts == 2
	})

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ErrorCode != string(xerrors.CodeExecutorFailure) {
		t.Fatalf("unexpected error code: %s", got.ErrorCode)
	}

	stages := alerts.stages()
	hasRetry, hasTerminal := false, false
	for _, stage := range stages {
		switch stage {
		case "retry":
			hasRetry = true
		case "terminal":
			hasTerminal = true
		}
	}
	if !hasRetry || !hasTerminal {
		t.Fatalf("expected retry and terminal alerts, got %v", stages)
	}

	waitFor(t, func() bool { return runner.ActiveSessions() == 0 })
}

func TestRunnerRecoveryFallback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(64)
	alerts := &captureDispatcher{}
	service := NewService(store, queue, 3)
	failing := &scriptedLLM{planErr: xerrors.New(xerrors.CodeInvalidArgument, "问题无法解析")}
	runner := NewRunner(newTestFactory(failing), store, queue, queue,
		WithWorkerCount(1),
		WithRecoveryHandler(&staticRecovery{answer: "抱歉，服务暂时不可用，请稍后再试。"}),
		WithAlertDispatcher(alerts),
	)

	go func() {
		if err := runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("runner exited: %v", err)
		}
	}()

	sess, err := service.Submit(ctx, SubmitRequest{Query: "???"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	settled, err := service.WaitUntilSettled(ctx, sess.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if settled.Status != StatusCompleted {
		t.Fatalf("expected degraded completion, got %s", settled.Status)
	}
	if settled.Answer != "抱歉，服务暂时不可用，请稍后再试。" {
		t.Fatalf("unexpected fallback answer: %q", settled.Answer)
	}

	stages := alerts.stages()
	hasDegraded := false
	for _, stage := range stages {
		if stage == "degraded" {
			hasDegraded = true
		}
	}
	if !hasDegraded {
		t.Fatalf("expected degraded alert, got %v", stages)
	}
}
