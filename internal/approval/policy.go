package approval

import (
	"fmt"
	"strings"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// TimeoutAction 决定无人决议时超时的结果。
type TimeoutAction string

const (
	// TimeoutExpire 表示超时后请求过期，调用方视为拒绝。
	TimeoutExpire TimeoutAction = "expire"
	// TimeoutApprove 表示超时后自动批准。
	TimeoutApprove TimeoutAction = "approve"
)

// Policy 描述审批闸门的行为。RequireApproval 为 true 时必须显式指定 OnTimeout。
type Policy struct {
	RequireApproval bool          `yaml:"require_approval" json:"require_approval"`
	Timeout         time.Duration `yaml:"timeout" json:"timeout"`
	OnTimeout       TimeoutAction `yaml:"on_timeout" json:"on_timeout"`
}

// Validate 检查策略完整性。
func (p Policy) Validate() error {
	if !p.RequireApproval {
		return nil
	}
	if p.Timeout <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "审批超时时间必须大于 0")
	}
	switch TimeoutAction(strings.ToLower(string(p.OnTimeout))) {
	case TimeoutExpire, TimeoutApprove:
		return nil
	case "":
		return xerrors.New(xerrors.CodeInvalidArgument, "需要审批时必须显式设置 on_timeout (expire 或 approve)")
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的 on_timeout: %s", p.OnTimeout))
	}
}

func (p Policy) timeoutStatus() Status {
	if TimeoutAction(strings.ToLower(string(p.OnTimeout))) == TimeoutApprove {
		return StatusApproved
	}
	return StatusExpired
}
