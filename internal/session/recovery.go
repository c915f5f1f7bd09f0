package session

import "context"

// RecoveryHandler 定义了会话执行失败时的补偿策略。
type RecoveryHandler interface {
	// Recover 尝试根据失败原因给出降级回答。
	// 返回的回答将作为会话结果写入存储；若返回空字符串则继续按照失败流程处理。
	Recover(ctx context.Context, sess *Session, cause error) (string, error)
}
