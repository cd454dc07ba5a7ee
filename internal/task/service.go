package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/internal/orchestrator"
	"OpenMCP-Orchestrator/internal/planning"
	"OpenMCP-Orchestrator/pkg/logger"
)

// SubmitRequest 是提交异步编排作业的输入。
type SubmitRequest struct {
	ID             string           `json:"id,omitempty"`
	Goal           string           `json:"goal"`
	Steps          []planning.Step  `json:"steps"`
	Limits         *planning.Limits `json:"limits,omitempty"`
	TraceID        string           `json:"trace_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	SessionID      string           `json:"session_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	MemoryScope    string           `json:"memory_scope,omitempty"`
}

// Service 负责任务的创建与查询。
type Service struct {
	store         Store
	producer      Producer
	maxRetries    int
	defaultLimits planning.Limits
	emitter       events.Emitter
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithDefaultLimits 设置请求未携带预算时使用的上限。
func WithDefaultLimits(limits planning.Limits) ServiceOption {
	return func(s *Service) { s.defaultLimits = limits }
}

// WithServiceEmitter 设置作业事件的接收方。
func WithServiceEmitter(emitter events.Emitter) ServiceOption {
	return func(s *Service) {
		if emitter != nil {
			s.emitter = emitter
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, maxRetries int, opts ...ServiceOption) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	s := &Service{store: store, producer: producer, maxRetries: maxRetries, emitter: events.Nop}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 创建一个新的任务并推送到队列。相同 ID 的重复提交返回已有任务。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Task, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务目标不能为空")
	}
	if len(req.Steps) == 0 {
		return nil, xerrors.New(CodeTaskValidation, "任务至少需要一个步骤")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		task, err := s.store.Get(ctx, taskID)
		if err == nil {
			return task, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	ectx, err := s.contextFor(req)
	if err != nil {
		return nil, xerrors.Wrap(CodeTaskValidation, err, "构造执行上下文失败")
	}
	limits := s.defaultLimits
	if req.Limits != nil {
		limits = *req.Limits
	}

	task := &Task{
		ID:         taskID,
		TraceID:    ectx.TraceID(),
		Goal:       req.Goal,
		Request:    orchestrator.Request{Steps: append([]planning.Step(nil), req.Steps...), Limits: limits},
		Context:    ectx.Snapshot(),
		Status:     StatusPending,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrTaskNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, taskID); err != nil {
		logger.L().Error("任务入队失败", slog.Any("error", err), slog.String("task_id", taskID))
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		_ = s.store.MarkFailed(ctx, taskID, Failure{Code: CodeTaskPublish, Mode: xerrors.ModeSystem, Message: wrapped.Error()}, true)
		return nil, wrapped
	}
	logger.Audit().Info("任务入队成功",
		slog.String("task_id", taskID),
		slog.String("trace_id", task.TraceID),
		slog.String("goal", task.Goal),
		slog.Int("steps", len(task.Request.Steps)),
		slog.Int("max_retries", task.MaxRetries),
	)
	_ = s.emitter.Emit(ctx, events.New(events.TypeJobSubmitted, task.TraceID, "task", map[string]any{
		"task_id": taskID,
		"steps":   len(task.Request.Steps),
	}))
	return task, nil
}

func (s *Service) contextFor(req SubmitRequest) (*execctx.Context, error) {
	opts := []execctx.Option{
		execctx.WithIntent(req.Goal),
		execctx.WithUserID(req.UserID),
		execctx.WithSessionID(req.SessionID),
		execctx.WithConversationID(req.ConversationID),
		execctx.WithMemoryScopeOption(req.MemoryScope),
	}
	if traceID := strings.TrimSpace(req.TraceID); traceID != "" {
		return execctx.New(traceID, execctx.NewRequestID(), opts...)
	}
	return execctx.Start(req.Goal, opts...), nil
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态直到结束或 ctx 到期。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.Finished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
