// Package recovery 保存失败时的执行进度，并支持从断点恢复。
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/planning"
	"OpenMCP-Orchestrator/pkg/logger"
)

// 恢复策略名称。
const (
	StrategyRetry           = "retry"
	StrategyRetryBackoff    = "retry_with_backoff"
	StrategyReduceBatchSize = "reduce_batch_size"
	StrategyReroute         = "reroute_to_different_worker"
)

// Strategies 根据失败模式返回有序的恢复建议，终态模式返回空列表。
func Strategies(mode xerrors.FailureMode) []string {
	switch mode {
	case xerrors.ModeResource:
		return []string{StrategyRetryBackoff, StrategyReduceBatchSize}
	case xerrors.ModeAgent:
		return []string{StrategyRetry, StrategyReroute}
	case xerrors.ModeSystem:
		return []string{StrategyRetryBackoff, StrategyReroute}
	default:
		return []string{}
	}
}

// CompletedStep 是一个已成功执行的步骤。
type CompletedStep struct {
	Index  int            `json:"index"`
	Tool   string         `json:"tool"`
	Worker string         `json:"worker,omitempty"`
	Output map[string]any `json:"output,omitempty"`
}

// PartialResult 是可恢复失败时捕获的进度，只能被消费一次。
type PartialResult struct {
	PlanID               string              `json:"plan_id,omitempty"`
	TraceID              string              `json:"trace_id,omitempty"`
	CompletedSteps       []CompletedStep     `json:"completed_steps"`
	LastSuccessfulOutput map[string]any      `json:"last_successful_output,omitempty"`
	FailureMode          xerrors.FailureMode `json:"failure_mode"`
	FailedStep           *int                `json:"failed_step,omitempty"`
	FailedWorker         string              `json:"failed_worker,omitempty"`

	consumed atomic.Bool
}

// Capture 复制已完成步骤并构造 PartialResult。
func Capture(completed []CompletedStep, lastOutput map[string]any, mode xerrors.FailureMode) *PartialResult {
	return &PartialResult{
		CompletedSteps:       append([]CompletedStep(nil), completed...),
		LastSuccessfulOutput: lastOutput,
		FailureMode:          mode,
	}
}

// Recoverable 由失败模式推导：AGENT、RESOURCE 与 SYSTEM 可恢复。
func (p *PartialResult) Recoverable() bool {
	return p != nil && p.FailureMode.Recoverable()
}

// RecoveryStrategies 返回该失败的恢复建议。
func (p *PartialResult) RecoveryStrategies() []string {
	if p == nil {
		return []string{}
	}
	return Strategies(p.FailureMode)
}

// Consumed 表示 PartialResult 是否已被用于恢复。
func (p *PartialResult) Consumed() bool { return p.consumed.Load() }

// Completed 判断步骤是否已完成。
func (p *PartialResult) Completed(index int) bool {
	for _, s := range p.CompletedSteps {
		if s.Index == index {
			return true
		}
	}
	return false
}

const (
	CodePartialConsumed      xerrors.Code = "PARTIAL_RESULT_CONSUMED"
	CodePartialUnrecoverable xerrors.Code = "PARTIAL_RESULT_UNRECOVERABLE"
)

func init() {
	xerrors.Register(CodePartialConsumed, xerrors.Attributes{
		Message:  "partial result already consumed",
		Severity: xerrors.SeverityWarning,
		Mode:     xerrors.ModeUser,
	})
	xerrors.Register(CodePartialUnrecoverable, xerrors.Attributes{
		Message:  "partial result is not recoverable",
		Severity: xerrors.SeverityInfo,
		Mode:     xerrors.ModePolicy,
	})
}

// ErrPartialConsumed 表示同一个 PartialResult 被第二次用于恢复。
var ErrPartialConsumed = xerrors.New(CodePartialConsumed, "")

// StepFunc 执行单个步骤，baseline 为上一个成功步骤的输出。
type StepFunc func(ctx context.Context, step planning.Step, baseline map[string]any) (CompletedStep, error)

// ExecuteFromPartial 从断点之后继续执行，已完成的步骤绝不会被重新执行。
// 返回值包含之前与本次完成的全部步骤；失败时返回截至失败前的进度。
func ExecuteFromPartial(ctx context.Context, steps []planning.Step, partial *PartialResult, run StepFunc) ([]CompletedStep, error) {
	if partial == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "缺少 PartialResult")
	}
	if !partial.Recoverable() {
		return nil, xerrors.New(CodePartialUnrecoverable,
			fmt.Sprintf("失败模式 %s 不可恢复", partial.FailureMode),
			xerrors.WithMode(partial.FailureMode))
	}
	if !partial.consumed.CompareAndSwap(false, true) {
		return nil, ErrPartialConsumed
	}

	done := append([]CompletedStep(nil), partial.CompletedSteps...)
	baseline := partial.LastSuccessfulOutput
	log := logger.Named("recovery")
	for _, step := range steps {
		if partial.Completed(step.Index) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return done, xerrors.Wrap(xerrors.CodeCancelled, err, "恢复执行被取消")
		}
		out, err := run(ctx, step, baseline)
		if err != nil {
			log.Warn("恢复执行中断",
				slog.String("trace_id", partial.TraceID),
				slog.Int("step", step.Index),
				slog.Any("error", err))
			return done, err
		}
		out.Index = step.Index
		if out.Tool == "" {
			out.Tool = step.Tool
		}
		done = append(done, out)
		baseline = out.Output
	}
	log.Info("恢复执行完成",
		slog.String("trace_id", partial.TraceID),
		slog.Int("resumed_from", len(partial.CompletedSteps)),
		slog.Int("total", len(done)))
	return done, nil
}
