package task

import (
	"bytes"
	"encoding/json"
	stdErrors "errors"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/orchestrator"
	"OpenMCP-Orchestrator/internal/recovery"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusDegraded  Status = "degraded"
	StatusFailed    Status = "failed"
)

// Task 描述了排队执行的编排作业。
type Task struct {
	ID          string                  `json:"id"`
	TraceID     string                  `json:"trace_id"`
	Goal        string                  `json:"goal"`
	Request     orchestrator.Request    `json:"request"`
	Context     execctx.Snapshot        `json:"context"`
	Status      Status                  `json:"status"`
	Attempts    int                     `json:"attempts"`
	MaxRetries  int                     `json:"max_retries"`
	LastError   string                  `json:"last_error,omitempty"`
	ErrorCode   string                  `json:"error_code,omitempty"`
	FailureMode xerrors.FailureMode     `json:"failure_mode,omitempty"`
	Result      *orchestrator.Result    `json:"result,omitempty"`
	Partial     *recovery.PartialResult `json:"partial,omitempty"`
	CreatedAt   int64                   `json:"created_at"`
	UpdatedAt   int64                   `json:"updated_at"`
}

// Failure 是写回存储的失败信息。
type Failure struct {
	Code    xerrors.Code
	Mode    xerrors.FailureMode
	Message string
	Partial *recovery.PartialResult
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经结束。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskCompensate xerrors.Code = "TASK_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
		Mode:     xerrors.ModeUser,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
		Mode:     xerrors.ModeSystem,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
		Mode:     xerrors.ModeSystem,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Mode:     xerrors.ModeSystem,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
		Mode:     xerrors.ModeUser,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Mode:      xerrors.ModeSystem,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Mode:      xerrors.ModeSystem,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskCompensate, xerrors.Attributes{
		Message:  "task compensation failed",
		Severity: xerrors.SeverityCritical,
		Mode:     xerrors.ModeSystem,
		Alert:    true,
	})
}

// IsTaskError 判断错误是否为指定的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return stdErrors.Is(err, xerrors.New(target, ""))
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusDegraded, StatusFailed:
		return true
	default:
		return false
	}
}

// Finished 表示任务已经到达终态。
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusDegraded || s == StatusFailed
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Request = cloneRequest(task.Request)
	if task.Result != nil {
		resultCopy := *task.Result
		clone.Result = &resultCopy
	}
	clone.Partial = clonePartial(task.Partial)
	return &clone
}

func cloneRequest(req orchestrator.Request) orchestrator.Request {
	out := orchestrator.Request{Limits: req.Limits}
	if req.Steps != nil {
		out.Steps = append(out.Steps, req.Steps...)
	}
	return out
}

// clonePartial 经由 JSON 复制部分结果，与持久化往返的语义保持一致：消费标记不被保存。
func clonePartial(p *recovery.PartialResult) *recovery.PartialResult {
	if p == nil {
		return nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	decoded, err := decodePartial(raw)
	if err != nil {
		return nil
	}
	return decoded
}

func decodePartial(raw []byte) (*recovery.PartialResult, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var p recovery.PartialResult
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
