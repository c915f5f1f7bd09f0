package session

// SessionStats 聚合了会话状态的统计信息，常用于仪表盘或健康检查。
type SessionStats struct {
	Total           int   `json:"total"`
	Queued          int   `json:"queued"`
	Running         int   `json:"running"`
	AwaitingInput   int   `json:"awaiting_input"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}
