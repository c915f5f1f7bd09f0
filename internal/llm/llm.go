package llm

import (
	"context"

	xerrors "OpenMCP-Search/internal/errors"
)

// 推理输出解析失败的错误码。规划与分析阶段分别持有独立的错误码，
// 方便上层对不同阶段的失败做出不同的兜底回答。
const (
	CodePlanParse    xerrors.Code = "PLAN_PARSE"
	CodeAnalyzeParse xerrors.Code = "ANALYZE_PARSE"
)

func init() {
	xerrors.Register(CodePlanParse, xerrors.Attributes{
		Message:  "规划输出不符合约定格式",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeAnalyzeParse, xerrors.Attributes{
		Message:  "分析输出不符合约定格式",
		Severity: xerrors.SeverityWarning,
	})
}

// HistoryEntry 描述一轮已完成的问答，为推理提供上下文记忆。
type HistoryEntry struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// ToolCard 描述一个可调用工具的公开元数据。
type ToolCard struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  map[string]string `json:"parameters,omitempty"`
}

// KnowledgeCard 表示提供给大模型的知识切片。
type KnowledgeCard struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// PlanRequest 携带规划阶段所需的上下文。
type PlanRequest struct {
	Query   string
	History []HistoryEntry
	Tools   []ToolCard
}

// PlanResult 是规划阶段的结构化输出：待执行的任务队列。
type PlanResult struct {
	Thoughts []string `json:"thoughts"`
	Tasks    []string `json:"tasks"`
}

// AnalyzeRequest 携带分析阶段所需的上下文。Context 中存放编排器累积的
// 工作区数据，例如最近一次查询到的索引列表。
type AnalyzeRequest struct {
	Query     string
	Task      string
	History   []HistoryEntry
	Tools     []ToolCard
	Knowledge []KnowledgeCard
	Context   map[string]any
}

// AnalyzeResult 是分析阶段的结构化输出：选中的命令及其参数。
type AnalyzeResult struct {
	Thoughts []string       `json:"thoughts"`
	Command  string         `json:"command"`
	Params   map[string]any `json:"params"`
}

// FormatRequest 携带作答阶段所需的上下文。Response 为工具返回的原始数据，
// 由具体实现序列化后交给模型润色。
type FormatRequest struct {
	Query    string
	Task     string
	Response any
	History  []HistoryEntry
	Context  map[string]any
}

// Client 定义推理服务的三个阶段。实现方可以对接远程 API，
// 也可以桥接本地进程。
type Client interface {
	// Plan 把用户问题拆解为任务队列。
	Plan(ctx context.Context, req PlanRequest) (*PlanResult, error)
	// Analyze 针对当前任务选出下一个要执行的命令。
	Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResult, error)
	// Format 把工具结果润色为面向用户的回答。
	Format(ctx context.Context, req FormatRequest) (string, error)
}
