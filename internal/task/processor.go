package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/internal/orchestrator"
	"OpenMCP-Orchestrator/internal/recovery"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Runner 定义了处理器所需的编排能力，*orchestrator.Orchestrator 即为实现。
type Runner interface {
	Run(ctx context.Context, ectx *execctx.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Resume(ctx context.Context, ectx *execctx.Context, req orchestrator.Request, partial *recovery.PartialResult) (*orchestrator.Result, error)
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    recovery.Handler
	emitter     events.Emitter
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler 配置失败补偿策略。
func WithRecoveryHandler(handler recovery.Handler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithProcessorEmitter 配置作业事件的接收方。
func WithProcessorEmitter(emitter events.Emitter) ProcessorOption {
	return func(p *Processor) {
		if emitter != nil {
			p.emitter = emitter
		}
	}
}

// NewProcessor 构造 Processor。未配置补偿策略时使用 recovery.DefaultHandler。
func NewProcessor(runner Runner, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		recovery:    recovery.DefaultHandler{},
		emitter:     events.Nop,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 取消。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.runner == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logDebug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	ectx, err := execctx.FromSnapshot(task.Context)
	if err != nil {
		return p.finish(ctx, task, Failure{Code: CodeTaskValidation, Mode: xerrors.ModeUser, Message: err.Error()}, true)
	}
	// 每次尝试使用新的 request_id，trace_id 保持不变。
	ectx = ectx.WithRequest(execctx.NewRequestID())

	var result *orchestrator.Result
	if task.Partial != nil && task.Partial.Recoverable() {
		result, err = p.runner.Resume(ctx, ectx, task.Request, task.Partial)
	} else {
		result, err = p.runner.Run(ctx, ectx, task.Request)
	}
	if err != nil {
		return p.handleExecutionFailure(ctx, task, err)
	}

	if err := p.store.MarkSucceeded(ctx, task.ID, *result); err != nil {
		logger.L().Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Info("任务执行成功",
		slog.String("task_id", task.ID),
		slog.String("trace_id", task.TraceID),
		slog.String("plan_id", result.PlanID),
		slog.Bool("resumed", result.Resumed),
	)
	p.emit(ctx, events.TypeJobCompleted, task, map[string]any{
		"status":  string(StatusSucceeded),
		"resumed": result.Resumed,
	})
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	if ctx.Err() != nil {
		// 消费者关闭导致的取消不计为失败，任务回到 pending 等待重新投递。
		requeue := Failure{Code: xerrors.CodeCancelled, Mode: xerrors.ModeUser, Message: execErr.Error(), Partial: task.Partial}
		if err := p.store.MarkFailed(context.WithoutCancel(ctx), task.ID, requeue, false); err != nil {
			logger.L().Error("回写取消状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		}
		return ctx.Err()
	}

	mode := xerrors.ModeOf(execErr)
	var partial *recovery.PartialResult
	if f, ok := orchestrator.AsFailure(execErr); ok {
		mode = f.Mode
		partial = f.Partial
	}
	if partial == nil && mode.Recoverable() {
		partial = recovery.Capture(nil, nil, mode)
		partial.TraceID = task.TraceID
	}
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	failure := Failure{Code: code, Mode: mode, Message: execErr.Error(), Partial: partial}

	decision := recovery.Decision{Action: recovery.ActionAbort}
	if p.recovery != nil {
		d, recErr := p.recovery.Recover(ctx, partial, execErr)
		if recErr != nil {
			wrapped := xerrors.Wrap(CodeTaskCompensate, recErr, "任务补偿失败")
			logger.L().Error("执行补偿逻辑失败", slog.Any("error", wrapped), slog.String("task_id", task.ID))
		} else {
			decision = d
		}
	}

	exhausted := task.Attempts >= task.MaxRetries
	switch {
	case decision.Action == recovery.ActionResume && !exhausted:
		if err := p.store.MarkFailed(ctx, task.ID, failure, false); err != nil {
			logger.L().Error("保存部分结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
			return err
		}
		if pubErr := p.producer.Publish(ctx, task.ID); pubErr != nil {
			return xerrors.Wrap(CodeTaskPublish, pubErr, fmt.Sprintf("任务 %s 重投失败", task.ID))
		}
		logger.Audit().Warn("任务失败后重新排队",
			slog.String("task_id", task.ID),
			slog.String("failure_mode", string(mode)),
			slog.String("strategy", decision.Strategy),
			slog.Int("attempts", task.Attempts),
			slog.Int("max_retries", task.MaxRetries),
		)
		p.emit(ctx, events.TypeJobRequeued, task, map[string]any{
			"failure_mode": string(mode),
			"strategy":     decision.Strategy,
			"attempts":     task.Attempts,
		})
		return nil

	case decision.Action == recovery.ActionDegrade:
		result := orchestrator.Result{TraceID: task.TraceID, Output: decision.Output}
		if partial != nil {
			result.PlanID = partial.PlanID
			result.Steps = partial.CompletedSteps
		}
		if err := p.store.MarkDegraded(ctx, task.ID, result, failure); err != nil {
			logger.L().Error("记录降级结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
			return err
		}
		logger.Audit().Warn("任务降级完成",
			slog.String("task_id", task.ID),
			slog.String("failure_mode", string(mode)),
			slog.Int("completed_steps", len(result.Steps)),
		)
		p.emit(ctx, events.TypeJobCompleted, task, map[string]any{
			"status":       string(StatusDegraded),
			"failure_mode": string(mode),
		})
		return nil
	}

	if exhausted {
		failure.Code = CodeTaskExhausted
		failure.Message = fmt.Sprintf("重试次数已耗尽: %s", execErr.Error())
	}
	return p.finish(ctx, task, failure, true)
}

func (p *Processor) finish(ctx context.Context, task *Task, failure Failure, terminal bool) error {
	if err := p.store.MarkFailed(ctx, task.ID, failure, terminal); err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("任务执行失败",
		slog.String("task_id", task.ID),
		slog.String("trace_id", task.TraceID),
		slog.String("error", failure.Message),
		slog.String("error_code", string(failure.Code)),
		slog.String("failure_mode", string(failure.Mode)),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	p.emit(ctx, events.TypeJobFailed, task, map[string]any{
		"error_code":   string(failure.Code),
		"failure_mode": string(failure.Mode),
		"message":      failure.Message,
		"attempts":     task.Attempts,
		"max_retries":  task.MaxRetries,
	})
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emit(ctx context.Context, typ events.Type, task *Task, metadata map[string]any) {
	metadata["task_id"] = task.ID
	if err := p.emitter.Emit(context.WithoutCancel(ctx), events.New(typ, task.TraceID, "task", metadata)); err != nil {
		logger.L().Warn("作业事件发送失败", slog.Any("error", err), slog.String("task_id", task.ID))
	}
}
