package agent

import (
	"OpenMCP-Search/internal/search"
)

// Status 表示编排器状态机当前所处的阶段。
type Status string

const (
	// StatusPlanning 等待把用户问题拆解为任务队列。
	StatusPlanning Status = "planning"
	// StatusExecuting 正在逐个执行任务。
	StatusExecuting Status = "executing"
	// StatusNeedFeedback 所有任务已完成，等待用户反馈。
	StatusNeedFeedback Status = "need_feedback"
	// StatusContinuing 收到新问题，带着已有记忆重新规划。
	StatusContinuing Status = "continuing"
	// StatusDone 会话结束。
	StatusDone Status = "done"
)

// SearchCache 缓存最近一次检索的完整命中，翻页请求直接在本地切片，
// 不再访问工具服务。
type SearchCache struct {
	SourceIndex     string       `json:"source_index"`
	SourceQuery     string       `json:"source_query"`
	CompleteResults []search.Hit `json:"complete_results"`
	CurrentPage     int          `json:"current_page"`
}

// State 聚合一次会话运行期间的全部可变数据。记忆与上下文跨问题保留，
// 任务队列与答案在每次重新规划时清空。
type State struct {
	Query          string
	Status         Status
	Thoughts       []string
	Tasks          []string
	CurrentTask    string
	PendingCommand string
	PendingParams  map[string]any
	Answer         string
	Context        map[string]any
	Cache          *SearchCache
}

func newState(query string) *State {
	return &State{
		Query:   query,
		Status:  StatusPlanning,
		Context: make(map[string]any),
	}
}

// resetForQuery 清空单轮数据，保留记忆性字段，供 continuing 状态复用。
func (s *State) resetForQuery(query string) {
	s.Query = query
	s.Status = StatusContinuing
	s.Thoughts = nil
	s.Tasks = nil
	s.CurrentTask = ""
	s.PendingCommand = ""
	s.PendingParams = nil
	s.Answer = ""
}

// popTask 取出队首任务，队列为空时返回 false。
func (s *State) popTask() bool {
	if len(s.Tasks) == 0 {
		s.CurrentTask = ""
		return false
	}
	s.CurrentTask = s.Tasks[0]
	s.Tasks = s.Tasks[1:]
	return true
}
