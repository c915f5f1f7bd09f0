package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/llm"
	"OpenMCP-Search/internal/mcp"
	"OpenMCP-Search/internal/search"
)

type stubLLM struct {
	plans    []*llm.PlanResult
	analyses []*llm.AnalyzeResult
	answers  []string

	planErr    error
	analyzeErr error
	formatErr  error
	wait       time.Duration

	planCalls    int
	analyzeCalls int
	formatCalls  int

	planReqs   []llm.PlanRequest
	formatReqs []llm.FormatRequest
}

func (s *stubLLM) pause(ctx context.Context) error {
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *stubLLM) Plan(ctx context.Context, req llm.PlanRequest) (*llm.PlanResult, error) {
	s.planCalls++
	s.planReqs = append(s.planReqs, req)
	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	if s.planErr != nil {
		return nil, s.planErr
	}
	if len(s.plans) == 0 {
		return &llm.PlanResult{}, nil
	}
	result := s.plans[0]
	s.plans = s.plans[1:]
	return result, nil
}

func (s *stubLLM) Analyze(ctx context.Context, req llm.AnalyzeRequest) (*llm.AnalyzeResult, error) {
	s.analyzeCalls++
	if err := s.pause(ctx); err != nil {
		return nil, err
	}
	if s.analyzeErr != nil {
		return nil, s.analyzeErr
	}
	if len(s.analyses) == 0 {
		return nil, errors.New("no scripted analysis")
	}
	result := s.analyses[0]
	s.analyses = s.analyses[1:]
	return result, nil
}

func (s *stubLLM) Format(ctx context.Context, req llm.FormatRequest) (string, error) {
	s.formatCalls++
	s.formatReqs = append(s.formatReqs, req)
	if err := s.pause(ctx); err != nil {
		return "", err
	}
	if s.formatErr != nil {
		return "", s.formatErr
	}
	if len(s.answers) == 0 {
		return "好的", nil
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	return answer, nil
}

type stubTools struct {
	infos     map[string]mcp.ToolInfo
	responses map[string]*mcp.Response
	calls     []string
}

func (s *stubTools) Call(_ context.Context, command string, _ map[string]any) *mcp.Response {
	s.calls = append(s.calls, command)
	if resp, ok := s.responses[command]; ok {
		return resp
	}
	return &mcp.Response{Status: mcp.StatusError, Message: fmt.Sprintf("Unknown command: %s", command)}
}

func (s *stubTools) Tools() map[string]mcp.ToolInfo {
	if s.infos != nil {
		return s.infos
	}
	return map[string]mcp.ToolInfo{
		"search":  {Description: "搜索文档"},
		"indices": {Description: "列出索引"},
	}
}

func makeHits(n int) []search.Hit {
	hits := make([]search.Hit, n)
	for i := range hits {
		hits[i] = search.Hit{
			Index:  "logs",
			ID:     fmt.Sprintf("doc-%d", i),
			Source: map[string]any{"seq": i},
		}
	}
	return hits
}

func TestRunTwoTasksThenFeedback(t *testing.T) {
	llmClient := &stubLLM{
		plans: []*llm.PlanResult{
			{Thoughts: []string{"需要两步"}, Tasks: []string{"查索引", "查文档"}},
		},
		analyses: []*llm.AnalyzeResult{
			{Command: "indices", Params: map[string]any{}},
			{Command: "document", Params: map[string]any{"index": "logs", "id": "doc-1"}},
		},
		answers: []string{"答一", "答二"},
	}
	tools := &stubTools{
		responses: map[string]*mcp.Response{
			"indices":  mcp.OK([]map[string]any{{"index": "logs"}}),
			"document": mcp.OK(map[string]any{"_id": "doc-1"}),
		},
	}

	orch := New(tools, llmClient)
	outcome, err := orch.Run(context.Background(), "查询集群里的日志")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.AwaitingInput {
		t.Fatalf("expected awaiting input, got %+v", outcome)
	}
	if outcome.Answer != "答一\n\n答二" {
		t.Fatalf("unexpected answer: %q", outcome.Answer)
	}
	if !orch.Awaiting() {
		t.Fatalf("orchestrator should report awaiting state")
	}
	if got := orch.Memory().Len(); got != 2 {
		t.Fatalf("expected 2 memory turns, got %d", got)
	}

	final, err := orch.Resume(context.Background(), "满意")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if final.AwaitingInput {
		t.Fatalf("expected session to finish")
	}
	if final.Answer != "答一\n\n答二" {
		t.Fatalf("unexpected final answer: %q", final.Answer)
	}

	if _, err := orch.Resume(context.Background(), "again"); err == nil {
		t.Fatalf("expected error when resuming a finished session")
	}
}

func TestResumeWithNewQueryPreservesMemory(t *testing.T) {
	llmClient := &stubLLM{
		plans: []*llm.PlanResult{
			{Tasks: []string{"查索引"}},
			{Tasks: []string{"再查索引"}},
		},
		analyses: []*llm.AnalyzeResult{
			{Command: "indices"},
			{Command: "indices"},
		},
		answers: []string{"第一轮", "第二轮"},
	}
	tools := &stubTools{
		responses: map[string]*mcp.Response{
			"indices": mcp.OK([]map[string]any{{"index": "logs"}}),
		},
	}

	orch := New(tools, llmClient)
	if _, err := orch.Run(context.Background(), "有哪些索引"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	outcome, err := orch.Resume(context.Background(), "换个角度再看看")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !outcome.AwaitingInput || outcome.Answer != "第二轮" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	if llmClient.planCalls != 2 {
		t.Fatalf("expected replanning, got %d plan calls", llmClient.planCalls)
	}
	if len(llmClient.planReqs[1].History) != 1 {
		t.Fatalf("second plan should see previous turn, got %d entries", len(llmClient.planReqs[1].History))
	}
	if got := orch.Memory().Len(); got != 2 {
		t.Fatalf("expected 2 memory turns, got %d", got)
	}
}

func TestSearchSummarizationAndCache(t *testing.T) {
	hits := makeHits(12)
	llmClient := &stubLLM{
		plans:    []*llm.PlanResult{{Tasks: []string{"检索错误日志"}}},
		analyses: []*llm.AnalyzeResult{{Command: "search", Params: map[string]any{"index": "logs", "query": "error"}}},
	}
	tools := &stubTools{
		responses: map[string]*mcp.Response{
			"search": mcp.OK(search.Result{Total: 12, Hits: hits}),
		},
	}

	orch := New(tools, llmClient)
	if _, err := orch.Run(context.Background(), "找出错误日志"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(llmClient.formatReqs) != 1 {
		t.Fatalf("expected 1 format call, got %d", len(llmClient.formatReqs))
	}
	summary, ok := llmClient.formatReqs[0].Response.(map[string]any)
	if !ok {
		t.Fatalf("expected summarized result, got %T", llmClient.formatReqs[0].Response)
	}
	if summary["total_hits"] != 12 || summary["shown_hits"] != 5 || summary["omitted_hits"] != 7 {
		t.Fatalf("unexpected summary counters: %+v", summary)
	}
	if summary["available_pages"] != 3 || summary["current_page"] != 1 {
		t.Fatalf("unexpected summary paging: %+v", summary)
	}
	shown, ok := summary["hits"].([]search.Hit)
	if !ok || len(shown) != 5 || shown[0].ID != "doc-0" {
		t.Fatalf("unexpected shown hits: %+v", summary["hits"])
	}

	cache := orch.state.Cache
	if cache == nil || len(cache.CompleteResults) != 12 || cache.CurrentPage != 1 {
		t.Fatalf("unexpected cache: %+v", cache)
	}
	if cache.SourceIndex != "logs" || cache.SourceQuery != "error" {
		t.Fatalf("cache provenance missing: %+v", cache)
	}
}

func TestNextPageServedFromCache(t *testing.T) {
	hits := makeHits(12)
	llmClient := &stubLLM{
		plans: []*llm.PlanResult{
			{Tasks: []string{"检索错误日志"}},
			{Tasks: []string{"next page"}},
		},
		analyses: []*llm.AnalyzeResult{
			{Command: "search", Params: map[string]any{"index": "logs", "query": "error"}},
		},
	}
	tools := &stubTools{
		responses: map[string]*mcp.Response{
			"search": mcp.OK(search.Result{Total: 12, Hits: hits}),
		},
	}

	orch := New(tools, llmClient)
	if _, err := orch.Run(context.Background(), "找出错误日志"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := orch.Resume(context.Background(), "show me the next page"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if llmClient.analyzeCalls != 1 {
		t.Fatalf("pagination should not invoke analysis, got %d calls", llmClient.analyzeCalls)
	}
	if len(tools.calls) != 1 || tools.calls[0] != "search" {
		t.Fatalf("pagination should not hit the tool server, calls: %v", tools.calls)
	}

	view, ok := llmClient.formatReqs[1].Response.(map[string]any)
	if !ok {
		t.Fatalf("expected page view, got %T", llmClient.formatReqs[1].Response)
	}
	if view["current_page"] != 2 || view["total_hits"] != 12 {
		t.Fatalf("unexpected page view: %+v", view)
	}
	window, ok := view["hits"].([]search.Hit)
	if !ok || len(window) != 5 || window[0].ID != "doc-5" || window[4].ID != "doc-9" {
		t.Fatalf("unexpected page window: %+v", view["hits"])
	}
	if orch.state.Cache.CurrentPage != 2 {
		t.Fatalf("cache page not advanced: %d", orch.state.Cache.CurrentPage)
	}
}

func TestPageBeyondRangeReturnsEmptyWindow(t *testing.T) {
	hits := makeHits(4)
	llmClient := &stubLLM{
		plans: []*llm.PlanResult{
			{Tasks: []string{"检索错误日志"}},
			{Tasks: []string{"下一页"}},
		},
		analyses: []*llm.AnalyzeResult{
			{Command: "search", Params: map[string]any{"index": "logs", "query": "error"}},
		},
	}
	tools := &stubTools{
		responses: map[string]*mcp.Response{
			"search": mcp.OK(search.Result{Total: 4, Hits: hits}),
		},
	}

	orch := New(tools, llmClient)
	if _, err := orch.Run(context.Background(), "找出错误日志"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := orch.Resume(context.Background(), "下一页"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	view, ok := llmClient.formatReqs[1].Response.(map[string]any)
	if !ok {
		t.Fatalf("expected page view, got %T", llmClient.formatReqs[1].Response)
	}
	window, ok := view["hits"].([]search.Hit)
	if !ok || len(window) != 0 {
		t.Fatalf("expected empty window beyond range, got %+v", view["hits"])
	}
	if view["total_hits"] != 4 {
		t.Fatalf("unexpected total: %+v", view)
	}
}

func TestNextPageWithoutCacheFallsBackToAnalysis(t *testing.T) {
	llmClient := &stubLLM{
		plans:    []*llm.PlanResult{{Tasks: []string{"next page"}}},
		analyses: []*llm.AnalyzeResult{{Command: "indices"}},
	}
	tools := &stubTools{
		responses: map[string]*mcp.Response{
			"indices": mcp.OK([]map[string]any{{"index": "logs"}}),
		},
	}

	orch := New(tools, llmClient)
	if _, err := orch.Run(context.Background(), "show me the next page"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if llmClient.analyzeCalls != 1 {
		t.Fatalf("expected normal analysis without cache, got %d calls", llmClient.analyzeCalls)
	}
	if len(tools.calls) != 1 || tools.calls[0] != "indices" {
		t.Fatalf("unexpected tool calls: %v", tools.calls)
	}
}

func TestEmptyPlanFinishesRun(t *testing.T) {
	llmClient := &stubLLM{
		plans: []*llm.PlanResult{{Thoughts: []string{"这个问题不需要查询索引"}}},
	}
	orch := New(&stubTools{}, llmClient)

	outcome, err := orch.Run(context.Background(), "你好")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome.AwaitingInput {
		t.Fatalf("empty plan should finish the run")
	}
	if outcome.Answer != "这个问题不需要查询索引" {
		t.Fatalf("unexpected answer: %q", outcome.Answer)
	}
}

func TestPlanParseErrorProducesApology(t *testing.T) {
	llmClient := &stubLLM{
		planErr: xerrors.New(llm.CodePlanParse, "bad json"),
	}
	orch := New(&stubTools{}, llmClient)

	outcome, err := orch.Run(context.Background(), "查询日志")
	if err != nil {
		t.Fatalf("parse failure should not surface as error: %v", err)
	}
	if outcome.AwaitingInput {
		t.Fatalf("expected terminal outcome")
	}
	if !strings.Contains(outcome.Answer, "抱歉") {
		t.Fatalf("expected apologetic answer, got %q", outcome.Answer)
	}
}

func TestAnalyzeParseErrorProducesApology(t *testing.T) {
	llmClient := &stubLLM{
		plans:      []*llm.PlanResult{{Tasks: []string{"查索引"}}},
		analyzeErr: xerrors.New(llm.CodeAnalyzeParse, "bad json"),
	}
	orch := New(&stubTools{}, llmClient)

	outcome, err := orch.Run(context.Background(), "查询日志")
	if err != nil {
		t.Fatalf("parse failure should not surface as error: %v", err)
	}
	if !strings.Contains(outcome.Answer, "抱歉") {
		t.Fatalf("expected apologetic answer, got %q", outcome.Answer)
	}
}

func TestToolErrorResponseFlowsToAnswer(t *testing.T) {
	llmClient := &stubLLM{
		plans:    []*llm.PlanResult{{Tasks: []string{"查健康"}}},
		analyses: []*llm.AnalyzeResult{{Command: "health"}},
		answers:  []string{"集群暂时不可用"},
	}
	tools := &stubTools{
		responses: map[string]*mcp.Response{
			"health": {Status: mcp.StatusError, Message: "连接后端失败"},
		},
	}

	orch := New(tools, llmClient)
	outcome, err := orch.Run(context.Background(), "集群健康吗")
	if err != nil {
		t.Fatalf("tool error should not abort the run: %v", err)
	}
	if !outcome.AwaitingInput || outcome.Answer != "集群暂时不可用" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	resp, ok := llmClient.formatReqs[0].Response.(*mcp.Response)
	if !ok || resp.Message != "连接后端失败" {
		t.Fatalf("format should see the error response, got %+v", llmClient.formatReqs[0].Response)
	}
}

func TestLLMTimeout(t *testing.T) {
	llmClient := &stubLLM{wait: 50 * time.Millisecond}
	orch := New(&stubTools{}, llmClient, WithLLMTimeout(10*time.Millisecond))

	_, err := orch.Run(context.Background(), "查询日志")
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline exceeded, got %v", err)
	}
}

func TestRunValidation(t *testing.T) {
	orch := New(&stubTools{}, &stubLLM{})
	if _, err := orch.Run(context.Background(), "   "); err == nil {
		t.Fatalf("expected error for empty query")
	}

	if _, err := orch.Resume(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error when resuming before run")
	}
}
