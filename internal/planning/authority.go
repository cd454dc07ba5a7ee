package planning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Orchestrator/internal/audit"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Authority 是计划状态机的唯一入口。
type Authority struct {
	trail   *audit.Trail
	emitter events.Emitter
	clock   func() time.Time
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

// WithClock 替换时间源。
func WithClock(clock func() time.Time) Option {
	return func(a *Authority) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// NewAuthority 构造 Authority。trail 为 nil 时使用内存审计。
func NewAuthority(trail *audit.Trail, opts ...Option) *Authority {
	if trail == nil {
		trail = audit.NewTrail(nil)
	}
	a := &Authority{trail: trail, emitter: events.Nop, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// CreatePlan 用外部规划器给出的步骤创建处于 CREATED 阶段的计划。
func (a *Authority) CreatePlan(ctx context.Context, ectx *execctx.Context, steps []Step, limits Limits) (*Plan, error) {
	if ectx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少执行上下文")
	}
	copied := make([]Step, len(steps))
	copy(copied, steps)
	plan := &Plan{
		ID:        uuid.NewString(),
		TraceID:   ectx.TraceID(),
		Steps:     copied,
		Budget:    NewBudget(ectx.TraceID(), limits, a.emitter),
		CreatedAt: a.clock().UTC(),
		stage:     StageCreated,
	}

	tools := make([]string, len(copied))
	for i, s := range copied {
		tools[i] = s.Tool
	}
	if _, err := a.trail.RecordPlan(ctx, plan.TraceID, map[string]any{
		"plan_id":    plan.ID,
		"action":     "create",
		"stage":      string(StageCreated),
		"step_count": len(copied),
		"tools":      tools,
		"request_id": ectx.RequestID(),
	}, "计划已由外部规划器生成"); err != nil {
		return nil, err
	}

	a.emit(ctx, events.New(events.TypePlanCreated, plan.TraceID, "planning", map[string]any{
		"plan_id":    plan.ID,
		"step_count": len(copied),
	}))
	logger.Named("planning").Info("计划已创建", append(ectx.Attrs(), slog.String("plan_id", plan.ID), slog.Int("steps", len(copied)))...)
	return plan, nil
}

// Validate 校验步骤顺序、工具名与预算可行性，成功后推进到 VALIDATED。
// 失败时返回 *ValidationError，计划保持 CREATED。
func (a *Authority) Validate(ctx context.Context, plan *Plan) error {
	if plan == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划为空")
	}
	plan.mu.Lock()
	defer plan.mu.Unlock()

	switch plan.stage {
	case StageCreated:
	case StageValidated:
		_, err := a.trail.RecordPlan(ctx, plan.TraceID, map[string]any{
			"plan_id": plan.ID,
			"action":  "validate",
			"outcome": "noop",
		}, "计划已校验")
		return err
	default:
		return a.reject(ctx, plan, StageValidated, "阶段只能向前推进")
	}

	problems := inspect(plan)
	if len(problems) > 0 {
		if _, err := a.trail.RecordPlan(ctx, plan.TraceID, map[string]any{
			"plan_id":  plan.ID,
			"action":   "validate",
			"outcome":  "rejected",
			"problems": problems,
		}, "计划校验未通过"); err != nil {
			return err
		}
		logger.Named("planning").Warn("计划校验未通过",
			slog.String("trace_id", plan.TraceID),
			slog.String("plan_id", plan.ID),
			slog.Any("problems", problems))
		return &ValidationError{PlanID: plan.ID, Problems: problems}
	}

	if _, err := a.trail.RecordPlan(ctx, plan.TraceID, map[string]any{
		"plan_id": plan.ID,
		"action":  "validate",
		"outcome": "accepted",
		"from":    string(plan.stage),
		"to":      string(StageValidated),
	}, "步骤有序且预算可行"); err != nil {
		return err
	}
	plan.stage = StageValidated
	return nil
}

func inspect(plan *Plan) []string {
	var problems []string
	if len(plan.Steps) == 0 {
		problems = append(problems, "计划不包含任何步骤")
	}
	var (
		cost   float64
		tokens int64
	)
	for i, step := range plan.Steps {
		if i > 0 && step.Index <= plan.Steps[i-1].Index {
			problems = append(problems, fmt.Sprintf("步骤 %d 的序号 %d 未严格递增", i, step.Index))
		}
		if strings.TrimSpace(step.Tool) == "" {
			problems = append(problems, fmt.Sprintf("步骤 %d 缺少工具名称", step.Index))
		}
		if step.EstimatedCost < 0 || step.EstimatedTokens < 0 {
			problems = append(problems, fmt.Sprintf("步骤 %d 的预估值为负数", step.Index))
		}
		cost += step.EstimatedCost
		tokens += step.EstimatedTokens
	}
	if plan.Budget == nil {
		return problems
	}
	limits := plan.Budget.Limits()
	if limits.CostCeiling > 0 && cost > limits.CostCeiling {
		problems = append(problems, fmt.Sprintf("预估成本 %.4f 超出上限 %.4f", cost, limits.CostCeiling))
	}
	if limits.CallCeiling > 0 && int64(len(plan.Steps)) > limits.CallCeiling {
		problems = append(problems, fmt.Sprintf("步骤数 %d 超出调用上限 %d", len(plan.Steps), limits.CallCeiling))
	}
	if limits.TokenCeiling > 0 && tokens > limits.TokenCeiling {
		problems = append(problems, fmt.Sprintf("预估 token %d 超出上限 %d", tokens, limits.TokenCeiling))
	}
	return problems
}

// Transition 把计划推进到 target。重复推进到当前阶段是空操作；
// 回退或离开终态返回 *InvalidTransitionError。
func (a *Authority) Transition(ctx context.Context, plan *Plan, target Stage) error {
	if plan == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "计划为空")
	}
	plan.mu.Lock()
	defer plan.mu.Unlock()

	from := plan.stage
	noop, ok := checkTransition(from, target)
	if !ok {
		return a.reject(ctx, plan, target, "阶段只能向前推进")
	}
	// VALIDATED 只能由 Validate 在检查通过后写入。
	if target == StageValidated && !noop {
		return a.reject(ctx, plan, target, "进入 VALIDATED 必须经过 Validate")
	}

	payload := map[string]any{
		"plan_id": plan.ID,
		"action":  "transition",
		"from":    string(from),
		"to":      string(target),
		"noop":    noop,
	}
	if plan.Budget != nil && (target == StageCompleted || target == StageFailed) {
		usage := plan.Budget.Snapshot()
		payload["usage"] = map[string]any{"cost": usage.Cost, "calls": usage.Calls, "tokens": usage.Tokens}
	}
	reasoning := fmt.Sprintf("%s -> %s", from, target)
	if noop {
		reasoning = "阶段未变化"
	}
	if _, err := a.trail.RecordPlan(ctx, plan.TraceID, payload, reasoning); err != nil {
		return err
	}
	plan.stage = target
	return nil
}

// reject 记录被拒绝的阶段变更，调用方必须持有 plan.mu。
func (a *Authority) reject(ctx context.Context, plan *Plan, target Stage, reasoning string) error {
	logger.Named("planning").Warn("非法的阶段变更",
		slog.String("trace_id", plan.TraceID),
		slog.String("plan_id", plan.ID),
		slog.String("from", string(plan.stage)),
		slog.String("to", string(target)))
	if _, err := a.trail.RecordPlan(ctx, plan.TraceID, map[string]any{
		"plan_id": plan.ID,
		"action":  "transition",
		"outcome": "rejected",
		"from":    string(plan.stage),
		"to":      string(target),
	}, reasoning); err != nil {
		return err
	}
	return &InvalidTransitionError{PlanID: plan.ID, From: plan.stage, To: target}
}

func (a *Authority) emit(ctx context.Context, evt events.Event) {
	if err := a.emitter.Emit(ctx, evt); err != nil {
		logger.L().Warn("计划事件发送失败", slog.Any("error", err), slog.String("trace_id", evt.TraceID))
	}
}
