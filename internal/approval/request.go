package approval

import (
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Status 表示审批请求的状态。
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExpired  Status = "EXPIRED"
)

// Terminal 表示状态已不可变。
func (s Status) Terminal() bool { return s != StatusPending && s != "" }

// Request 是一次审批请求的快照。
type Request struct {
	ID         string        `json:"id"`
	Operation  string        `json:"operation"`
	TraceID    string        `json:"trace_id"`
	RequestID  string        `json:"request_id"`
	Status     Status        `json:"status"`
	OnTimeout  TimeoutAction `json:"on_timeout,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	ResolvedAt time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

const (
	CodeAlreadyResolved xerrors.Code = "APPROVAL_ALREADY_RESOLVED"
	CodeApprovalDenied  xerrors.Code = "APPROVAL_DENIED"
)

func init() {
	xerrors.Register(CodeAlreadyResolved, xerrors.Attributes{
		Message:  "approval request already resolved",
		Severity: xerrors.SeverityInfo,
		Mode:     xerrors.ModeUser,
	})
	xerrors.Register(CodeApprovalDenied, xerrors.Attributes{
		Message:  "approval denied",
		Severity: xerrors.SeverityWarning,
		Mode:     xerrors.ModePolicy,
	})
}

// ErrAlreadyResolved 可与 errors.Is 一起使用，匹配所有迟到的决议。
var ErrAlreadyResolved = xerrors.New(CodeAlreadyResolved, "")

// Denied 把非批准的终态转换为 POLICY 模式错误，批准时返回 nil。
func Denied(req Request) error {
	switch req.Status {
	case StatusApproved:
		return nil
	case StatusRejected:
		return xerrors.New(CodeApprovalDenied, "审批被拒绝: "+req.Reason,
			xerrors.WithMetadata("approval_id", req.ID), xerrors.WithMetadata("status", string(req.Status)))
	default:
		return xerrors.New(CodeApprovalDenied, "审批未在期限内通过",
			xerrors.WithMetadata("approval_id", req.ID), xerrors.WithMetadata("status", string(req.Status)))
	}
}
