package planning

import (
	"fmt"
	"strings"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

const (
	CodePlanValidation    xerrors.Code = "PLAN_VALIDATION_FAILED"
	CodeInvalidTransition xerrors.Code = "INVALID_TRANSITION"
	CodeBudgetExceeded    xerrors.Code = "BUDGET_EXCEEDED"
)

func init() {
	xerrors.Register(CodePlanValidation, xerrors.Attributes{
		Message:  "plan validation failed",
		Severity: xerrors.SeverityInfo,
		Mode:     xerrors.ModeUser,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "invalid plan stage transition",
		Severity: xerrors.SeverityWarning,
		Mode:     xerrors.ModeSystem,
		Alert:    true,
	})
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:  "tool budget exceeded",
		Severity: xerrors.SeverityWarning,
		Mode:     xerrors.ModeResource,
	})
}

// ValidationError 汇总计划校验发现的全部问题。
type ValidationError struct {
	PlanID   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("计划 %s 校验失败: %s", e.PlanID, strings.Join(e.Problems, "; "))
}

// Unwrap 让 errors.As 能解析出统一错误码。
func (e *ValidationError) Unwrap() error {
	return xerrors.New(CodePlanValidation, strings.Join(e.Problems, "; "), xerrors.WithMetadata("plan_id", e.PlanID))
}

// InvalidTransitionError 表示非法的阶段变更。
type InvalidTransitionError struct {
	PlanID string
	From   Stage
	To     Stage
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("计划 %s 无法从 %s 变更到 %s", e.PlanID, e.From, e.To)
}

// Unwrap 让 errors.As 能解析出统一错误码。
func (e *InvalidTransitionError) Unwrap() error {
	return xerrors.New(CodeInvalidTransition, e.Error(), xerrors.WithRetryable(false))
}
