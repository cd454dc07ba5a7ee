package recovery

import "context"

// Action 是失败任务的后续处理方式。
type Action string

const (
	// ActionResume 表示重新入队并从断点恢复。
	ActionResume Action = "resume"
	// ActionDegrade 表示以已完成部分作为降级结果结束任务。
	ActionDegrade Action = "degrade"
	// ActionAbort 表示按失败处理。
	ActionAbort Action = "abort"
)

// Decision 是 Handler 的处理结论。
type Decision struct {
	Action   Action         `json:"action"`
	Strategy string         `json:"strategy,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
}

// Handler 决定失败任务如何补偿或降级。
type Handler interface {
	Recover(ctx context.Context, partial *PartialResult, cause error) (Decision, error)
}

// DefaultHandler 对可恢复失败给出恢复建议；不可恢复时在 DegradeOnTerminal 开启且已有输出的情况下降级。
type DefaultHandler struct {
	DegradeOnTerminal bool
}

// Recover 实现 Handler。
func (h DefaultHandler) Recover(_ context.Context, partial *PartialResult, _ error) (Decision, error) {
	if partial == nil {
		return Decision{Action: ActionAbort}, nil
	}
	if partial.Recoverable() && !partial.Consumed() {
		return Decision{Action: ActionResume, Strategy: partial.RecoveryStrategies()[0]}, nil
	}
	if h.DegradeOnTerminal && len(partial.CompletedSteps) > 0 {
		return Decision{Action: ActionDegrade, Output: partial.LastSuccessfulOutput}, nil
	}
	return Decision{Action: ActionAbort}, nil
}

var _ Handler = DefaultHandler{}
