package session

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"OpenMCP-Search/internal/agent"
	xerrors "OpenMCP-Search/internal/errors"
	"OpenMCP-Search/internal/observability/alerting"
	"OpenMCP-Search/internal/observability/metrics"
	"OpenMCP-Search/pkg/logger"
)

// AgentFactory 为指定会话构造一个编排器实例。
// 工厂负责注入工具客户端、模型客户端与会话记忆等依赖。
type AgentFactory func(ctx context.Context, sessionID string) (*agent.Orchestrator, error)

// Runner 负责从队列消费会话并驱动编排器执行。
// 正在进行的会话在内存中保留各自的编排器，等待用户反馈时继续使用。
type Runner struct {
	agents      AgentFactory
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher

	mu     sync.Mutex
	active map[string]*agent.Orchestrator
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithRunnerLogger 指定日志输出。
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) RunnerOption {
	return func(r *Runner) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler RecoveryHandler) RunnerOption {
	return func(r *Runner) {
		r.recovery = handler
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) RunnerOption {
	return func(r *Runner) {
		r.alerter = dispatcher
	}
}

// NewRunner 构造 Runner。
func NewRunner(agents AgentFactory, store Store, consumer Consumer, producer Producer, opts ...RunnerOption) *Runner {
	r := &Runner{
		agents:      agents,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		active:      make(map[string]*agent.Orchestrator),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.workerCount <= 0 {
		r.workerCount = 1
	}
	return r
}

// Start 启动会话处理循环。
func (r *Runner) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置会话消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

// ActiveSessions 返回当前驻留在内存中的会话数量。
func (r *Runner) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) handle(ctx context.Context, sessionID string) error {
	if r.store == nil || r.agents == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "会话处理器未初始化")
	}
	sess, err := r.store.Claim(ctx, sessionID)
	if err != nil {
		if stdErrors.Is(err, ErrSessionNotFound) || stdErrors.Is(err, ErrSessionCompleted) ||
			stdErrors.Is(err, ErrSessionExhausted) || stdErrors.Is(err, ErrSessionConflict) {
			r.logDebug("跳过会话", slog.String("session_id", sessionID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取会话失败", slog.Any("error", err), slog.String("session_id", sessionID))
		r.emitAlert(ctx, &Session{ID: sessionID}, CodeSessionProcessing, err, "claim")
		return err
	}

	started := time.Now()
	outcome, runErr := r.drive(ctx, sess)
	if runErr != nil {
		return r.handleRunFailure(ctx, sess, runErr, started)
	}

	if outcome != nil && outcome.AwaitingInput {
		if err := r.store.MarkAwaitingInput(ctx, sess.ID, outcome.Answer); err != nil {
			return r.handleStoreFailure(ctx, sess, err)
		}
		metrics.ObserveSessionTurn("awaiting_input", time.Since(started))
		logger.Audit().Info("会话等待用户反馈",
			slog.String("session_id", sess.ID),
			slog.String("query", sess.Query),
		)
		return nil
	}

	answer := ""
	if outcome != nil {
		answer = outcome.Answer
	}
	if err := r.store.MarkCompleted(ctx, sess.ID, answer); err != nil {
		return r.handleStoreFailure(ctx, sess, err)
	}
	r.release(sess.ID)
	metrics.ObserveSessionTurn("completed", time.Since(started))
	logger.Audit().Info("会话执行完成",
		slog.String("session_id", sess.ID),
		slog.String("query", sess.Query),
		slog.Int("turns", sess.Turns+1),
	)
	return nil
}

// drive 找到或构造会话对应的编排器并推进一轮对话。
func (r *Runner) drive(ctx context.Context, sess *Session) (*agent.Outcome, error) {
	orc := r.lookup(sess.ID)
	if orc == nil {
		built, err := r.agents(ctx, sess.ID)
		if err != nil {
			return nil, xerrors.Wrap(CodeSessionProcessing, err, "构造会话编排器失败")
		}
		if built == nil {
			return nil, xerrors.New(CodeSessionProcessing, "会话编排器不可用")
		}
		orc = built
		r.admit(sess.ID, orc)
	}

	input := strings.TrimSpace(sess.PendingInput)
	if input != "" && orc.Awaiting() {
		return orc.Resume(ctx, input)
	}
	if input != "" {
		// 进程重启后无法续接被打断的对话，补充输入按新问题继续。
		return orc.Run(ctx, input)
	}
	return orc.Run(ctx, sess.Query)
}

func (r *Runner) handleRunFailure(ctx context.Context, sess *Session, runErr error, started time.Time) error {
	code := xerrors.CodeOf(runErr)
	if code == xerrors.CodeUnknown {
		code = CodeSessionProcessing
	}
	retryable := xerrors.RetryableError(runErr)
	terminal := sess.Attempts >= sess.MaxRetries || !retryable

	if !retryable && r.recovery != nil {
		fallback, recErr := r.recovery.Recover(ctx, sess, runErr)
		if recErr != nil {
			wrapped := xerrors.Wrap(CodeSessionCompensate, recErr, "会话补偿失败")
			logger.L().Error("执行补偿逻辑失败",
				slog.Any("error", wrapped),
				slog.String("session_id", sess.ID))
			r.emitAlert(ctx, sess, CodeSessionCompensate, wrapped, "compensate")
		} else if strings.TrimSpace(fallback) != "" {
			if err := r.store.MarkCompleted(ctx, sess.ID, fallback); err != nil {
				return r.handleStoreFailure(ctx, sess, err)
			}
			r.release(sess.ID)
			metrics.ObserveSessionTurn("degraded", time.Since(started))
			logger.Audit().Warn("会话降级完成",
				slog.String("session_id", sess.ID),
				slog.String("query", sess.Query),
				slog.String("answer", fallback),
			)
			r.emitAlert(ctx, sess, code, runErr, "degraded")
			return nil
		}
	}

	if storeErr := r.store.MarkFailed(ctx, sess.ID, code, runErr.Error(), terminal); storeErr != nil {
		logger.L().Error("标记会话失败状态出错", slog.Any("error", storeErr), slog.String("session_id", sess.ID))
		return storeErr
	}
	if terminal {
		r.release(sess.ID)
		metrics.ObserveSessionTurn("failed", time.Since(started))
	} else {
		metrics.ObserveSessionTurn("retried", time.Since(started))
	}
	logger.Audit().Warn("会话执行失败",
		slog.String("session_id", sess.ID),
		slog.String("query", sess.Query),
		slog.Bool("terminal", terminal),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", sess.Attempts),
		slog.Int("max_retries", sess.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	r.emitAlert(ctx, sess, code, runErr, stage)

	if retryable && !terminal {
		if pubErr := r.producer.Publish(ctx, sess.ID); pubErr != nil {
			return xerrors.Wrap(CodeSessionPublish, pubErr, fmt.Sprintf("会话 %s 重投失败", sess.ID))
		}
		r.logDebug("会话已重新排队", slog.String("session_id", sess.ID), slog.Int("attempts", sess.Attempts))
	}
	return nil
}

// handleStoreFailure 在写结果失败后回写失败状态并重投会话。
func (r *Runner) handleStoreFailure(ctx context.Context, sess *Session, cause error) error {
	logger.L().Error("写入会话结果失败", slog.Any("error", cause), slog.String("session_id", sess.ID))
	if storeErr := r.store.MarkFailed(ctx, sess.ID, CodeSessionProcessing, cause.Error(), false); storeErr != nil {
		logger.L().Error("回写失败状态出错", slog.Any("error", storeErr), slog.String("session_id", sess.ID))
		return storeErr
	}
	if pubErr := r.producer.Publish(ctx, sess.ID); pubErr != nil {
		return xerrors.Wrap(CodeSessionPublish, pubErr, fmt.Sprintf("会话 %s 在写结果失败后重投失败", sess.ID))
	}
	logger.Audit().Warn("会话结果写入失败后重试",
		slog.String("session_id", sess.ID),
		slog.String("query", sess.Query),
		slog.String("error", cause.Error()),
	)
	return nil
}

func (r *Runner) lookup(id string) *agent.Orchestrator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[id]
}

func (r *Runner) admit(id string, orc *agent.Orchestrator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[id] = orc
	metrics.SetActiveSessions(len(r.active))
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, id)
	metrics.SetActiveSessions(len(r.active))
}

func (r *Runner) logDebug(msg string, attrs ...slog.Attr) {
	if r.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		r.logger.Debug(msg, args...)
	}
}

func (r *Runner) emitAlert(ctx context.Context, sess *Session, code xerrors.Code, cause error, stage string) {
	if r == nil || r.alerter == nil || sess == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		SessionID:  sess.ID,
		Attempts:   sess.Attempts,
		MaxRetries: sess.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := r.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("session_id", sess.ID),
			slog.String("stage", stage),
		)
	}
}
