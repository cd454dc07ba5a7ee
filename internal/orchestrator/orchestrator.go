package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Orchestrator/internal/approval"
	"OpenMCP-Orchestrator/internal/audit"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/observability/events"
	"OpenMCP-Orchestrator/internal/planning"
	"OpenMCP-Orchestrator/internal/recovery"
	"OpenMCP-Orchestrator/internal/retry"
	"OpenMCP-Orchestrator/internal/routing"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Deps 是编排器依赖的组件。Executor 与 Routing 必填，其余有默认实现。
type Deps struct {
	Executor   Executor
	Routing    *routing.Authority
	Planning   *planning.Authority
	Approval   *approval.Gate
	Trail      *audit.Trail
	Retry      retry.Policy
	Emitter    events.Emitter
	Aggregator Aggregator
}

// Orchestrator 驱动单次编排。实例可被并发调用，每次调用拥有独立的计划与预算。
type Orchestrator struct {
	deps   Deps
	doOpts []retry.DoOption
	now    func() time.Time
}

// Option 定义可选配置。
type Option func(*Orchestrator)

// WithRetryOptions 透传给 retry.Do，例如注入无等待的 Sleeper。
func WithRetryOptions(opts ...retry.DoOption) Option {
	return func(o *Orchestrator) {
		o.doOpts = append(o.doOpts, opts...)
	}
}

// WithClock 替换用于计算耗时的时间源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 构造编排器。
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少 Executor")
	}
	if deps.Routing == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "编排器缺少 RoutingAuthority")
	}
	if deps.Emitter == nil {
		deps.Emitter = events.Nop
	}
	if deps.Trail == nil {
		deps.Trail = audit.NewTrail(nil)
	}
	if deps.Planning == nil {
		deps.Planning = planning.NewAuthority(deps.Trail, planning.WithEmitter(deps.Emitter))
	}
	if deps.Approval == nil {
		gate, err := approval.NewGate(approval.Policy{}, approval.WithEmitter(deps.Emitter))
		if err != nil {
			return nil, err
		}
		deps.Approval = gate
	}
	if deps.Retry.MaxAttempts == 0 {
		p, err := retry.NewPolicy(retry.Config{})
		if err != nil {
			return nil, err
		}
		deps.Retry = p
	}
	if deps.Aggregator == nil {
		deps.Aggregator = OrderedAggregator{}
	}
	o := &Orchestrator{deps: deps, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Trail 返回编排器使用的审计链。
func (o *Orchestrator) Trail() *audit.Trail { return o.deps.Trail }

// run 是一次编排的可变状态，只属于单个调用。
type run struct {
	ectx        *execctx.Context
	plan        *planning.Plan
	assignments map[int]routing.Decision
	log         *slog.Logger
}

// Run 执行完整的编排流程。失败时返回 *Failure。
func (o *Orchestrator) Run(ctx context.Context, ectx *execctx.Context, req Request) (*Result, error) {
	return o.execute(ctx, ectx, req, nil)
}

// Resume 使用 PartialResult 继续一个失败的编排，已完成步骤不会重新执行。
func (o *Orchestrator) Resume(ctx context.Context, ectx *execctx.Context, req Request, partial *recovery.PartialResult) (*Result, error) {
	if partial == nil {
		return nil, newFailure(StageInitialize, traceOf(ectx), "", xerrors.New(xerrors.CodeInvalidArgument, "缺少 PartialResult"), nil)
	}
	if partial.Consumed() {
		return nil, newFailure(StageInitialize, traceOf(ectx), partial.PlanID, recovery.ErrPartialConsumed, nil)
	}
	if !partial.Recoverable() {
		return nil, newFailure(StageInitialize, traceOf(ectx), partial.PlanID,
			xerrors.New(recovery.CodePartialUnrecoverable, "失败模式不可恢复", xerrors.WithMode(partial.FailureMode)), nil)
	}
	return o.execute(ctx, ectx, req, partial)
}

func (o *Orchestrator) execute(ctx context.Context, ectx *execctx.Context, req Request, partial *recovery.PartialResult) (*Result, error) {
	// initialize
	if ectx == nil {
		return nil, newFailure(StageInitialize, "", "", xerrors.New(xerrors.CodeInvalidArgument, "缺少执行上下文"), nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, newFailure(StageInitialize, ectx.TraceID(), "", xerrors.Wrap(xerrors.CodeCancelled, err, "编排开始前已取消"), nil)
	}
	r := &run{
		ectx:        ectx,
		assignments: make(map[int]routing.Decision, len(req.Steps)),
		log:         logger.Named("orchestrator").With(ectx.Attrs()...),
	}
	r.log.Info("编排开始", slog.Int("steps", len(req.Steps)), slog.Bool("resume", partial != nil))

	// plan
	plan, err := o.deps.Planning.CreatePlan(ctx, ectx, req.Steps, req.Limits)
	if err != nil {
		return nil, newFailure(StagePlan, ectx.TraceID(), "", err, nil)
	}
	r.plan = plan
	if err := o.deps.Planning.Validate(ctx, plan); err != nil {
		return nil, o.fail(ctx, r, StagePlan, err, nil)
	}

	// route
	for _, step := range plan.Steps {
		if partial != nil && partial.Completed(step.Index) {
			continue
		}
		decision, err := o.deps.Routing.Route(ctx, ectx, step)
		if err != nil {
			return nil, o.fail(ctx, r, StageRoute, err, partialOrFresh(partial))
		}
		r.assignments[step.Index] = decision
	}

	// execute
	if err := o.deps.Planning.Transition(ctx, plan, planning.StageExecuting); err != nil {
		return nil, o.fail(ctx, r, StageExecute, err, partialOrFresh(partial))
	}
	var completed []recovery.CompletedStep
	if partial != nil {
		completed, err = recovery.ExecuteFromPartial(ctx, plan.Steps, partial, func(ctx context.Context, step planning.Step, baseline map[string]any) (recovery.CompletedStep, error) {
			return o.runStep(ctx, r, step, baseline)
		})
	} else {
		completed, err = o.runAll(ctx, r)
	}
	if err != nil {
		return nil, o.fail(ctx, r, StageExecute, err, capture(completed))
	}

	// aggregate
	output, err := o.deps.Aggregator.Aggregate(ctx, completed)
	if err != nil {
		return nil, o.fail(ctx, r, StageAggregate, err, capture(completed))
	}

	// complete
	if err := o.deps.Planning.Transition(ctx, plan, planning.StageCompleted); err != nil {
		return nil, newFailure(StageComplete, ectx.TraceID(), plan.ID, err, nil)
	}
	r.log.Info("编排完成", slog.String("plan_id", plan.ID), slog.Int("steps", len(completed)))
	return &Result{
		PlanID:  plan.ID,
		TraceID: ectx.TraceID(),
		Output:  output,
		Steps:   completed,
		Usage:   plan.Budget.Snapshot(),
		Resumed: partial != nil,
	}, nil
}

func (o *Orchestrator) runAll(ctx context.Context, r *run) ([]recovery.CompletedStep, error) {
	var (
		completed []recovery.CompletedStep
		baseline  map[string]any
	)
	for _, step := range r.plan.Steps {
		if err := ctx.Err(); err != nil {
			return completed, xerrors.Wrap(xerrors.CodeCancelled, err, "编排已取消，停止下发新步骤")
		}
		out, err := o.runStep(ctx, r, step, baseline)
		if err != nil {
			return completed, err
		}
		completed = append(completed, out)
		baseline = out.Output
	}
	return completed, nil
}

// runStep 依次经过审批、预算、带重试的执行与审计。
func (o *Orchestrator) runStep(ctx context.Context, r *run, step planning.Step, baseline map[string]any) (recovery.CompletedStep, error) {
	decision, ok := r.assignments[step.Index]
	if !ok {
		return recovery.CompletedStep{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("步骤 %d 未被路由", step.Index))
	}

	if step.RequiresApproval {
		if err := o.awaitApproval(ctx, r, step); err != nil {
			o.recordExecution(ctx, r, step, decision.Worker.ID, 0, err)
			return recovery.CompletedStep{}, err
		}
	}

	input := mergeInput(step.Input, baseline)
	worker := decision.Worker
	failed := map[string]bool{}
	out, attempts, err := retry.Do(ctx, o.deps.Retry, func(ctx context.Context, attempt int) (map[string]any, error) {
		if attempt > 1 && failed[worker.ID] {
			worker = o.reroute(ctx, r, step, worker, failed)
		}
		// 每次尝试都是一次真实的工具调用，按次扣减；block 拒绝不可重试，直接结束重试循环。
		if _, err := r.plan.Budget.Consume(ctx, step.EstimatedCost, 1, step.EstimatedTokens); err != nil {
			return nil, err
		}
		out, err := o.invoke(ctx, r, step, worker, attempt, input)
		if err != nil && xerrors.ModeOf(err) == xerrors.ModeAgent {
			failed[worker.ID] = true
		}
		return out, err
	}, o.doOpts...)
	if err == nil && ctx.Err() != nil {
		err = xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "编排已取消，丢弃在途步骤结果")
	}
	o.recordExecution(ctx, r, step, worker.ID, attempts, err)
	if err != nil {
		return recovery.CompletedStep{}, err
	}
	return recovery.CompletedStep{Index: step.Index, Tool: step.Tool, Worker: worker.ID, Output: out}, nil
}

// invoke 在 Worker 负载计数内执行一次工具调用。调用不受取消影响，完成后由调用方决定是否丢弃。
func (o *Orchestrator) invoke(ctx context.Context, r *run, step planning.Step, worker routing.Worker, attempt int, input map[string]any) (map[string]any, error) {
	if err := o.deps.Routing.Acquire(ctx, worker); err != nil {
		return nil, err
	}
	defer o.deps.Routing.Release(ctx, worker)

	o.emit(ctx, events.New(events.TypeToolCallStart, r.ectx.TraceID(), "orchestrator", map[string]any{
		"step": step.Index, "tool": step.Tool, "worker": worker.ID, "attempt": attempt,
	}))
	started := o.now()
	out, err := o.deps.Executor.Invoke(context.WithoutCancel(ctx), step.Tool, input, r.ectx)
	elapsed := o.now().Sub(started)
	meta := map[string]any{
		"step":        step.Index,
		"tool":        step.Tool,
		"worker":      worker.ID,
		"attempt":     attempt,
		"duration_ms": float64(elapsed) / float64(time.Millisecond),
	}
	if err != nil {
		meta["error"] = err.Error()
		meta["mode"] = string(xerrors.ModeOf(err))
		o.emit(ctx, events.New(events.TypeToolCallError, r.ectx.TraceID(), "orchestrator", meta))
		r.log.Warn("工具调用失败", slog.Int("step", step.Index), slog.String("tool", step.Tool), slog.Int("attempt", attempt), slog.Any("error", err))
		return nil, err
	}
	o.emit(ctx, events.New(events.TypeToolCallComplete, r.ectx.TraceID(), "orchestrator", meta))
	return out, nil
}

// reroute 在 AGENT 失败后换一个未失败过的 Worker，没有候选时沿用原 Worker。
func (o *Orchestrator) reroute(ctx context.Context, r *run, step planning.Step, current routing.Worker, failed map[string]bool) routing.Worker {
	var candidates []routing.Worker
	for _, w := range o.deps.Routing.Workers() {
		if !failed[w.ID] {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return current
	}
	decision, err := o.deps.Routing.RouteAmong(ctx, r.ectx, step, candidates)
	if err != nil {
		return current
	}
	r.assignments[step.Index] = decision
	return decision.Worker
}

func (o *Orchestrator) awaitApproval(ctx context.Context, r *run, step planning.Step) error {
	req, err := o.deps.Approval.RequestApproval(ctx, r.ectx, fmt.Sprintf("%s#%d", step.Tool, step.Index))
	if err != nil {
		return err
	}
	if _, err := o.deps.Approval.WaitForApproval(ctx, req.ID, 0); err != nil {
		return err
	}
	final, _ := o.deps.Approval.Get(req.ID)
	return approval.Denied(final)
}

func (o *Orchestrator) recordExecution(ctx context.Context, r *run, step planning.Step, worker string, attempts int, err error) {
	payload := map[string]any{
		"plan_id":  r.plan.ID,
		"step":     step.Index,
		"tool":     step.Tool,
		"worker":   worker,
		"attempts": attempts,
		"outcome":  "success",
	}
	reasoning := "步骤执行成功"
	if err != nil {
		payload["outcome"] = "failed"
		payload["mode"] = string(xerrors.ModeOf(err))
		payload["code"] = string(xerrors.CodeOf(err))
		reasoning = err.Error()
	}
	// 审计写入不随编排取消而中断。
	if _, recErr := o.deps.Trail.RecordExecution(context.WithoutCancel(ctx), r.ectx.TraceID(), payload, reasoning); recErr != nil {
		r.log.Error("记录执行决策失败", slog.Any("error", recErr))
	}
}

func (o *Orchestrator) fail(ctx context.Context, r *run, stage Stage, cause error, partial *recovery.PartialResult) error {
	f := newFailure(stage, r.ectx.TraceID(), r.plan.ID, cause, partial)
	if err := o.deps.Planning.Transition(context.WithoutCancel(ctx), r.plan, planning.StageFailed); err != nil {
		r.log.Warn("计划标记失败出错", slog.Any("error", err))
	}
	if f.Partial != nil {
		if idx, ok := failedStep(r.plan.Steps, f.Partial); ok {
			f.Partial.FailedStep = &idx
			if d, ok := r.assignments[idx]; ok {
				f.Partial.FailedWorker = d.Worker.ID
			}
		}
	}
	r.log.Error("编排失败",
		slog.String("stage", string(stage)),
		slog.String("mode", string(f.Mode)),
		slog.Bool("recoverable", f.Recoverable),
		slog.Any("error", cause))
	return f
}

func (o *Orchestrator) emit(ctx context.Context, evt events.Event) {
	if err := o.deps.Emitter.Emit(ctx, evt); err != nil {
		logger.L().Warn("编排事件发送失败", slog.Any("error", err), slog.String("trace_id", evt.TraceID))
	}
}

func traceOf(ectx *execctx.Context) string {
	if ectx == nil {
		return ""
	}
	return ectx.TraceID()
}

func partialOrFresh(p *recovery.PartialResult) *recovery.PartialResult {
	if p != nil && !p.Consumed() {
		return p
	}
	var completed []recovery.CompletedStep
	var last map[string]any
	if p != nil {
		completed = p.CompletedSteps
		last = p.LastSuccessfulOutput
	}
	return recovery.Capture(completed, last, "")
}

func capture(completed []recovery.CompletedStep) *recovery.PartialResult {
	var last map[string]any
	if n := len(completed); n > 0 {
		last = completed[n-1].Output
	}
	return recovery.Capture(completed, last, "")
}

func failedStep(steps []planning.Step, p *recovery.PartialResult) (int, bool) {
	for _, s := range steps {
		if !p.Completed(s.Index) {
			return s.Index, true
		}
	}
	return 0, false
}

// mergeInput 把上一步输出作为 previous 注入到当前步骤输入，不修改原始 map。
func mergeInput(input, baseline map[string]any) map[string]any {
	merged := make(map[string]any, len(input)+1)
	for k, v := range input {
		merged[k] = v
	}
	if baseline != nil {
		merged["previous"] = baseline
	}
	return merged
}
