package session

import (
	stdErrors "errors"

	xerrors "OpenMCP-Search/internal/errors"
)

// Status 表示会话在生命周期中的状态。
type Status string

const (
	StatusQueued        Status = "queued"
	StatusRunning       Status = "running"
	StatusAwaitingInput Status = "awaiting_input"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Session 描述了一次排队执行的检索问答会话。
// 会话在给出阶段性回答后进入 awaiting_input 状态等待用户反馈，
// 用户确认满意后才会最终进入 completed。
type Session struct {
	ID           string         `json:"id"`
	Query        string         `json:"query"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       Status         `json:"status"`
	Answer       string         `json:"answer,omitempty"`
	PendingInput string         `json:"pending_input,omitempty"`
	Turns        int            `json:"turns"`
	Attempts     int            `json:"attempts"`
	MaxRetries   int            `json:"max_retries"`
	LastError    string         `json:"last_error,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
	CreatedAt    int64          `json:"created_at"`
	UpdatedAt    int64          `json:"updated_at"`
}

var (
	// ErrSessionNotFound 表示指定的会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionConflict 表示会话在当前状态下无法进行所请求的操作。
	ErrSessionConflict = xerrors.New(CodeSessionConflict, "session conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrSessionCompleted 表示会话已经结束。
	ErrSessionCompleted = xerrors.New(CodeSessionCompleted, "session already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrSessionExhausted 表示会话的重试次数已经耗尽。
	ErrSessionExhausted = xerrors.New(CodeSessionExhausted, "session retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrSessionNotAwaiting 表示会话当前并不等待补充输入。
	ErrSessionNotAwaiting = xerrors.New(CodeSessionNotAwaiting, "session not awaiting input", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeSessionNotFound    xerrors.Code = "SESSION_NOT_FOUND"
	CodeSessionConflict    xerrors.Code = "SESSION_CONFLICT"
	CodeSessionCompleted   xerrors.Code = "SESSION_COMPLETED"
	CodeSessionExhausted   xerrors.Code = "SESSION_RETRIES_EXHAUSTED"
	CodeSessionNotAwaiting xerrors.Code = "SESSION_NOT_AWAITING_INPUT"
	CodeSessionValidation  xerrors.Code = "SESSION_VALIDATION_FAILED"
	CodeSessionPublish     xerrors.Code = "SESSION_PUBLISH_FAILED"
	CodeSessionProcessing  xerrors.Code = "SESSION_PROCESSING_FAILED"
	CodeSessionCompensate  xerrors.Code = "SESSION_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionConflict, xerrors.Attributes{
		Message:   "session conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionCompleted, xerrors.Attributes{
		Message:   "session already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionExhausted, xerrors.Attributes{
		Message:   "session retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSessionNotAwaiting, xerrors.Attributes{
		Message:   "session not awaiting input",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionValidation, xerrors.Attributes{
		Message:   "session validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionPublish, xerrors.Attributes{
		Message:   "failed to publish session",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSessionProcessing, xerrors.Attributes{
		Message:   "session processing failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSessionCompensate, xerrors.Attributes{
		Message:   "session compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsSessionError 判断错误是否为统一会话错误。
func IsSessionError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrSessionNotFound) {
		return target == CodeSessionNotFound
	}
	if stdErrors.Is(err, ErrSessionConflict) {
		return target == CodeSessionConflict
	}
	if stdErrors.Is(err, ErrSessionCompleted) {
		return target == CodeSessionCompleted
	}
	if stdErrors.Is(err, ErrSessionExhausted) {
		return target == CodeSessionExhausted
	}
	if stdErrors.Is(err, ErrSessionNotAwaiting) {
		return target == CodeSessionNotAwaiting
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

// IsValidStatus 检查给定的会话状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusRunning, StatusAwaitingInput, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}
