package routing

import (
	"context"
	"log/slog"

	"OpenMCP-Orchestrator/internal/audit"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/internal/planning"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Decision 是一次路由的结果。
type Decision struct {
	Policy string
	Worker Worker
	Losers []Worker
}

// Authority 持有 Worker 注册表与唯一的策略实例。
type Authority struct {
	policy  Policy
	tracker LoadTracker
	trail   *audit.Trail
	emitter events.Emitter
	workers []Worker
}

// Option 定义可选配置。
type Option func(*Authority)

// WithEmitter 设置事件下游。
func WithEmitter(e events.Emitter) Option {
	return func(a *Authority) {
		if e != nil {
			a.emitter = e
		}
	}
}

// WithLoadTracker 指定 Acquire/Release 使用的负载计数器。
func WithLoadTracker(t LoadTracker) Option {
	return func(a *Authority) {
		if t != nil {
			a.tracker = t
		}
	}
}

// NewAuthority 构造 Authority。负载计数器默认沿用 LoadBalanced 策略自身的计数器。
func NewAuthority(policy Policy, workers []Worker, trail *audit.Trail, opts ...Option) *Authority {
	if policy == nil {
		policy = NewRoundRobin()
	}
	if trail == nil {
		trail = audit.NewTrail(nil)
	}
	a := &Authority{
		policy:  policy,
		trail:   trail,
		emitter: events.Nop,
		workers: append([]Worker(nil), workers...),
	}
	if lb, ok := policy.(*LoadBalanced); ok {
		a.tracker = lb.Tracker()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.tracker == nil {
		a.tracker = NewMemoryLoadTracker()
	}
	return a
}

// PolicyName 返回当前策略名称。
func (a *Authority) PolicyName() string { return a.policy.Name() }

// Workers 返回注册的 Worker 副本。
func (a *Authority) Workers() []Worker { return append([]Worker(nil), a.workers...) }

// Route 为步骤选择 Worker，并把策略名与落选候选写入审计。
func (a *Authority) Route(ctx context.Context, ectx *execctx.Context, step planning.Step) (Decision, error) {
	return a.RouteAmong(ctx, ectx, step, a.workers)
}

// RouteAmong 在给定候选集合内路由，用于恢复时排除失败过的 Worker。
func (a *Authority) RouteAmong(ctx context.Context, ectx *execctx.Context, step planning.Step, workers []Worker) (Decision, error) {
	log := logger.Named("routing").With(ectx.Attrs()...)
	chosen, losers, err := a.policy.Select(ctx, step, workers)
	if err != nil {
		log.Warn("路由失败", slog.Int("step", step.Index), slog.String("policy", a.policy.Name()), slog.Any("error", err))
		if _, recErr := a.trail.RecordRouting(ctx, ectx.TraceID(), map[string]any{
			"step":       step.Index,
			"tool":       step.Tool,
			"policy":     a.policy.Name(),
			"outcome":    "no_eligible_worker",
			"candidates": ids(workers),
		}, err.Error()); recErr != nil {
			return Decision{}, recErr
		}
		return Decision{}, err
	}

	if _, err := a.trail.RecordRouting(ctx, ectx.TraceID(), map[string]any{
		"step":     step.Index,
		"tool":     step.Tool,
		"policy":   a.policy.Name(),
		"worker":   chosen.ID,
		"losers":   ids(losers),
		"required": step.RequiredCapabilities,
	}, "由策略 "+a.policy.Name()+" 选出"); err != nil {
		return Decision{}, err
	}
	if err := a.emitter.Emit(ctx, events.New(events.TypeRouteDecision, ectx.TraceID(), "routing", map[string]any{
		"step":   step.Index,
		"policy": a.policy.Name(),
		"worker": chosen.ID,
		"losers": len(losers),
	})); err != nil {
		log.Warn("路由事件发送失败", slog.Any("error", err))
	}
	log.Debug("路由完成", slog.Int("step", step.Index), slog.String("worker", chosen.ID))
	return Decision{Policy: a.policy.Name(), Worker: chosen, Losers: losers}, nil
}

// Acquire 在步骤开始执行时增加 Worker 在途计数。
func (a *Authority) Acquire(ctx context.Context, w Worker) error {
	return a.tracker.Acquire(ctx, w.ID)
}

// Release 在步骤结束后减少在途计数，使用独立的 context 保证取消时也能释放。
func (a *Authority) Release(ctx context.Context, w Worker) {
	if err := a.tracker.Release(context.WithoutCancel(ctx), w.ID); err != nil {
		logger.L().Warn("释放 Worker 负载失败", slog.String("worker", w.ID), slog.Any("error", err))
	}
}

func ids(workers []Worker) []string {
	out := make([]string, len(workers))
	for i, w := range workers {
		out[i] = w.ID
	}
	return out
}
