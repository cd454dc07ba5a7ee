package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/planning"
	"OpenMCP-Orchestrator/internal/recovery"
)

// Stage 是编排生命周期中的阶段。
type Stage string

const (
	StageInitialize Stage = "initialize"
	StagePlan       Stage = "plan"
	StageRoute      Stage = "route"
	StageExecute    Stage = "execute"
	StageAggregate  Stage = "aggregate"
	StageComplete   Stage = "complete"
)

// Executor 是外部工具执行边界。失败应携带可解析的失败模式。
type Executor interface {
	Invoke(ctx context.Context, tool string, input map[string]any, ectx *execctx.Context) (map[string]any, error)
}

// ExecutorFunc 允许普通函数充当 Executor。
type ExecutorFunc func(ctx context.Context, tool string, input map[string]any, ectx *execctx.Context) (map[string]any, error)

// Invoke 实现 Executor。
func (f ExecutorFunc) Invoke(ctx context.Context, tool string, input map[string]any, ectx *execctx.Context) (map[string]any, error) {
	return f(ctx, tool, input, ectx)
}

// Aggregator 合并各步骤输出。
type Aggregator interface {
	Aggregate(ctx context.Context, steps []recovery.CompletedStep) (map[string]any, error)
}

// OrderedAggregator 按步骤序号输出列表，并把最后一步的输出作为 final。
type OrderedAggregator struct{}

// Aggregate 实现 Aggregator。
func (OrderedAggregator) Aggregate(_ context.Context, steps []recovery.CompletedStep) (map[string]any, error) {
	list := make([]map[string]any, len(steps))
	for i, s := range steps {
		list[i] = map[string]any{
			"index":  s.Index,
			"tool":   s.Tool,
			"worker": s.Worker,
			"output": s.Output,
		}
	}
	out := map[string]any{"steps": list}
	if n := len(steps); n > 0 {
		out["final"] = steps[n-1].Output
	}
	return out, nil
}

// Request 是一次编排的输入：外部规划器给出的步骤与预算。
type Request struct {
	Steps  []planning.Step `json:"steps"`
	Limits planning.Limits `json:"limits"`
}

// Result 是成功编排的输出。
type Result struct {
	PlanID  string                   `json:"plan_id"`
	TraceID string                   `json:"trace_id"`
	Output  map[string]any           `json:"output"`
	Steps   []recovery.CompletedStep `json:"steps"`
	Usage   planning.Usage           `json:"usage"`
	Resumed bool                     `json:"resumed,omitempty"`
}

// Failure 是编排失败时返回给调用方的结构化错误。
type Failure struct {
	Stage       Stage
	Mode        xerrors.FailureMode
	Recoverable bool
	Partial     *recovery.PartialResult
	PlanID      string
	TraceID     string
	Cause       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("编排在 %s 阶段失败 (mode=%s, recoverable=%t): %v", f.Stage, f.Mode, f.Recoverable, f.Cause)
}

// Unwrap 返回原始原因。
func (f *Failure) Unwrap() error { return f.Cause }

// AsFailure 从错误链中取出 *Failure。
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if stdErrors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func newFailure(stage Stage, traceID, planID string, cause error, partial *recovery.PartialResult) *Failure {
	mode := xerrors.ModeOf(cause)
	f := &Failure{
		Stage:       stage,
		Mode:        mode,
		Recoverable: mode.Recoverable(),
		PlanID:      planID,
		TraceID:     traceID,
		Cause:       cause,
	}
	if f.Recoverable && partial != nil {
		partial.FailureMode = mode
		partial.PlanID = planID
		partial.TraceID = traceID
		f.Partial = partial
	}
	return f
}
