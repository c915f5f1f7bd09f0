package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/knowledge"
	"OpenMCP-Search/internal/llm"
	"OpenMCP-Search/internal/mcp"
	"OpenMCP-Search/internal/memory"
	"OpenMCP-Search/internal/search"
)

// ToolCaller 抽象工具服务调用，方便在测试中注入伪实现。*mcp.Client 满足该接口。
type ToolCaller interface {
	Call(ctx context.Context, command string, params map[string]any) *mcp.Response
	Tools() map[string]mcp.ToolInfo
}

// CommandPage 是翻页伪命令。它由编排器在缓存上本地执行，不发往工具服务，
// 因此也不允许注册同名工具。
const CommandPage = "page"

// defaultMemoryDepth 是推理时携带的历史轮数的默认值。
const defaultMemoryDepth = 5

// Orchestrator 驱动 规划-分析-执行-作答 的状态机，是系统的业务核心。
// 非并发安全，由调用方（通常是会话运行器）串行驱动。
type Orchestrator struct {
	tools       ToolCaller
	llmClient   llm.Client
	mem         *memory.Log
	knowledge   knowledge.Provider
	maxItems    int
	memoryDepth int
	llmTimeout  time.Duration
	state       *State
}

// Option 定义可选的编排器配置。
type Option func(*Orchestrator)

// WithMaxItems 设置检索结果摘要的展示条数，同时决定翻页的页大小。
func WithMaxItems(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxItems = n
		}
	}
}

// WithMemoryDepth 设置推理时携带的历史轮数。
func WithMemoryDepth(depth int) Option {
	return func(o *Orchestrator) {
		o.memoryDepth = depth
	}
}

// WithKnowledgeProvider 配置知识库，用于在分析前补充工具使用提示。
func WithKnowledgeProvider(provider knowledge.Provider) Option {
	return func(o *Orchestrator) {
		o.knowledge = provider
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout <= 0 {
			o.llmTimeout = 0
			return
		}
		o.llmTimeout = timeout
	}
}

// WithMemory 复用外部创建的对话记忆，例如带持久化透写的实例。
func WithMemory(log *memory.Log) Option {
	return func(o *Orchestrator) {
		o.mem = log
	}
}

// New 创建一个编排器。
func New(tools ToolCaller, llmClient llm.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tools:       tools,
		llmClient:   llmClient,
		maxItems:    DefaultMaxItems,
		memoryDepth: defaultMemoryDepth,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.memoryDepth <= 0 {
		o.memoryDepth = defaultMemoryDepth
	}
	if o.mem == nil {
		o.mem = memory.NewLog("")
	}
	return o
}

// Outcome 描述一次推进的结果。AwaitingInput 为真时 Answer 是阶段性回答，
// 会话应挂起等待用户反馈。
type Outcome struct {
	Answer        string
	AwaitingInput bool
}

// Run 处理一个新问题，驱动状态机直到结束或等待反馈。
func (o *Orchestrator) Run(ctx context.Context, query string) (*Outcome, error) {
	if o.llmClient == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型客户端")
	}
	if o.tools == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置工具客户端")
	}
	if strings.TrimSpace(query) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	o.state = newState(strings.TrimSpace(query))
	return o.loop(ctx)
}

// Resume 在等待反馈的会话上继续。空输入或肯定答复结束会话，
// 其余输入作为新问题带着既有记忆重新规划。
func (o *Orchestrator) Resume(ctx context.Context, input string) (*Outcome, error) {
	if o.state == nil || o.state.Status != StatusNeedFeedback {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话未处于等待反馈状态")
	}

	trimmed := strings.TrimSpace(input)
	if trimmed == "" || isAffirmative(trimmed) {
		o.state.Status = StatusDone
		return &Outcome{Answer: o.state.Answer}, nil
	}

	o.state.resetForQuery(trimmed)
	return o.loop(ctx)
}

// Awaiting 报告会话是否在等待用户反馈。
func (o *Orchestrator) Awaiting() bool {
	return o.state != nil && o.state.Status == StatusNeedFeedback
}

// Memory 暴露对话记忆，供持久化或统计使用。
func (o *Orchestrator) Memory() *memory.Log {
	return o.mem
}

func (o *Orchestrator) loop(ctx context.Context) (*Outcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch o.state.Status {
		case StatusPlanning, StatusContinuing:
			if err := o.plan(ctx); err != nil {
				return nil, err
			}
		case StatusExecuting:
			if err := o.step(ctx); err != nil {
				return nil, err
			}
		case StatusNeedFeedback:
			return &Outcome{Answer: o.state.Answer, AwaitingInput: true}, nil
		case StatusDone:
			return &Outcome{Answer: o.state.Answer}, nil
		default:
			return nil, xerrors.Newf(xerrors.CodeExecutorFailure, "未知状态: %s", o.state.Status)
		}
	}
}

// plan 把当前问题拆解为任务队列。解析失败不算致命错误，
// 转为致歉回答并结束会话。
func (o *Orchestrator) plan(ctx context.Context) error {
	llmCtx, cancel := o.llmContext(ctx)
	defer cancel()

	result, err := o.llmClient.Plan(llmCtx, llm.PlanRequest{
		Query:   o.state.Query,
		History: o.history(),
		Tools:   o.toolCards(),
	})
	if err != nil {
		if xerrors.CodeOf(err) == llm.CodePlanParse {
			o.appendAnswer("抱歉，我没能把这个问题拆解成可执行的任务，请换个说法再试。")
			o.state.Status = StatusDone
			return nil
		}
		return wrapLLMError(err, "大模型规划失败")
	}

	o.state.Thoughts = append(o.state.Thoughts, result.Thoughts...)
	o.state.Tasks = filterTasks(result.Tasks)

	if !o.state.popTask() {
		if len(result.Thoughts) > 0 {
			o.appendAnswer(strings.Join(result.Thoughts, "\n"))
		} else {
			o.appendAnswer("这个问题没有产出可执行的检索任务，请补充更具体的需求。")
		}
		o.state.Status = StatusDone
		return nil
	}

	o.state.Status = StatusExecuting
	return nil
}

// step 把当前任务走完 分析-执行-作答 一个来回。
func (o *Orchestrator) step(ctx context.Context) error {
	if err := o.analyze(ctx); err != nil {
		return err
	}
	if o.state.Status != StatusExecuting {
		return nil
	}

	result := o.execute(ctx)
	return o.format(ctx, result)
}

// analyze 为当前任务选出下一个命令。存在检索缓存且当前任务带有翻页意图时，
// 直接构造翻页命令，不调用大模型。
func (o *Orchestrator) analyze(ctx context.Context) error {
	if o.state.Cache != nil && wantsNextPage(o.state.CurrentTask) {
		o.state.PendingCommand = CommandPage
		o.state.PendingParams = map[string]any{"page": o.state.Cache.CurrentPage + 1}
		return nil
	}

	llmCtx, cancel := o.llmContext(ctx)
	defer cancel()

	result, err := o.llmClient.Analyze(llmCtx, llm.AnalyzeRequest{
		Query:     o.state.Query,
		Task:      o.state.CurrentTask,
		History:   o.history(),
		Tools:     o.toolCards(),
		Knowledge: o.collectKnowledge(),
		Context:   o.promptContext(),
	})
	if err != nil {
		if xerrors.CodeOf(err) == llm.CodeAnalyzeParse {
			o.appendAnswer("抱歉，我没能为当前任务选出有效的工具指令，请稍后重试。")
			o.state.Status = StatusDone
			return nil
		}
		return wrapLLMError(err, "大模型分析失败")
	}

	o.state.Thoughts = append(o.state.Thoughts, result.Thoughts...)
	o.state.PendingCommand = result.Command
	o.state.PendingParams = result.Params
	return nil
}

// execute 执行待定命令。翻页命令在缓存上本地切片，其余命令转发工具服务。
// 工具返回的错误响应不终止会话，原样交给作答阶段解释。
func (o *Orchestrator) execute(ctx context.Context) any {
	command := o.state.PendingCommand
	params := o.state.PendingParams
	o.state.PendingCommand = ""
	o.state.PendingParams = nil

	if command == CommandPage && o.state.Cache != nil {
		page := intFromParams(params, "page", o.state.Cache.CurrentPage+1)
		view := pageView(o.state.Cache, page, o.maxItems)
		o.state.Cache.CurrentPage = page
		return view
	}

	resp := o.tools.Call(ctx, command, params)
	if resp == nil {
		return &mcp.Response{Status: mcp.StatusError, Message: "工具服务无响应"}
	}
	if !resp.IsOK() {
		return resp
	}

	switch command {
	case "search":
		var result search.Result
		if err := resp.DecodeData(&result); err != nil {
			return resp
		}
		o.state.Cache = &SearchCache{
			SourceIndex:     stringFromParams(params, "index"),
			SourceQuery:     stringFromParams(params, "query"),
			CompleteResults: result.Hits,
			CurrentPage:     1,
		}
		return summarizeSearch(result, o.maxItems)
	case "indices":
		o.state.Context["last_indices"] = resp.Data
	case "document":
		o.state.Context["last_document"] = resp.Data
	}
	return resp
}

// format 把执行结果润色为回答，写入记忆，并推进到下一个任务或等待反馈。
func (o *Orchestrator) format(ctx context.Context, result any) error {
	llmCtx, cancel := o.llmContext(ctx)
	defer cancel()

	answer, err := o.llmClient.Format(llmCtx, llm.FormatRequest{
		Query:    o.state.Query,
		Task:     o.state.CurrentTask,
		Response: result,
		History:  o.history(),
		Context:  o.promptContext(),
	})
	if err != nil || strings.TrimSpace(answer) == "" {
		// 作答失败时退化为原始结果。
		answer = renderRaw(result)
	}

	o.appendAnswer(answer)
	// 透写失败只影响持久化，不影响会话推进。
	_ = o.mem.Append(ctx, o.state.Query, answer)

	if !o.state.popTask() {
		o.state.Status = StatusNeedFeedback
	}
	return nil
}

func (o *Orchestrator) llmContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.llmTimeout > 0 {
		return context.WithTimeout(ctx, o.llmTimeout)
	}
	return ctx, func() {}
}

func (o *Orchestrator) history() []llm.HistoryEntry {
	turns := o.mem.Recent(o.memoryDepth)
	if len(turns) == 0 {
		return nil
	}
	entries := make([]llm.HistoryEntry, 0, len(turns))
	for _, turn := range turns {
		entries = append(entries, llm.HistoryEntry{Input: turn.Input, Output: turn.Output})
	}
	return entries
}

func (o *Orchestrator) toolCards() []llm.ToolCard {
	infos := o.tools.Tools()
	names := make([]string, 0, len(infos))
	for name := range infos {
		names = append(names, name)
	}
	sort.Strings(names)

	cards := make([]llm.ToolCard, 0, len(names))
	for _, name := range names {
		info := infos[name]
		cards = append(cards, llm.ToolCard{
			Name:        name,
			Description: info.Description,
			Parameters:  info.Parameters,
		})
	}
	return cards
}

func (o *Orchestrator) collectKnowledge() []llm.KnowledgeCard {
	if o.knowledge == nil {
		return nil
	}

	snippets := o.knowledge.Query(o.state.Query, o.state.CurrentTask)
	if len(snippets) == 0 {
		return nil
	}

	cards := make([]llm.KnowledgeCard, 0, len(snippets))
	for _, snippet := range snippets {
		if strings.TrimSpace(snippet.Title) == "" && strings.TrimSpace(snippet.Content) == "" {
			continue
		}
		cards = append(cards, llm.KnowledgeCard{
			Title:   snippet.Title,
			Content: snippet.Content,
		})
	}
	return cards
}

// promptContext 构造提供给分析与作答阶段的工作区数据。
// 检索缓存只暴露摘要信息，完整命中留在本地。
func (o *Orchestrator) promptContext() map[string]any {
	if len(o.state.Context) == 0 && o.state.Cache == nil {
		return nil
	}

	out := make(map[string]any, len(o.state.Context)+1)
	for key, value := range o.state.Context {
		out[key] = value
	}
	if cache := o.state.Cache; cache != nil {
		out["search_cache"] = map[string]any{
			"source_index":  cache.SourceIndex,
			"source_query":  cache.SourceQuery,
			"total_results": len(cache.CompleteResults),
			"current_page":  cache.CurrentPage,
		}
	}
	return out
}

func (o *Orchestrator) appendAnswer(answer string) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return
	}
	if o.state.Answer == "" {
		o.state.Answer = answer
		return
	}
	o.state.Answer += "\n\n" + answer
}

func wrapLLMError(err error, message string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "大模型推理超时")
	}
	return xerrors.Wrap(xerrors.CodeExecutorFailure, err, message)
}

var affirmatives = map[string]struct{}{
	"y":    {},
	"yes":  {},
	"ok":   {},
	"okay": {},
	"done": {},
	"好":    {},
	"好的":   {},
	"可以":   {},
	"满意":   {},
	"没问题":  {},
}

func isAffirmative(input string) bool {
	_, ok := affirmatives[strings.ToLower(strings.TrimSpace(input))]
	return ok
}

func filterTasks(tasks []string) []string {
	out := make([]string, 0, len(tasks))
	for _, task := range tasks {
		if trimmed := strings.TrimSpace(task); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func renderRaw(result any) string {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(encoded)
}

func intFromParams(params map[string]any, key string, fallback int) int {
	value, ok := params[key]
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func stringFromParams(params map[string]any, key string) string {
	if value, ok := params[key]; ok {
		if s, ok := value.(string); ok {
			return s
		}
	}
	return ""
}
