package errors

import (
	"context"
	stdErrors "errors"
	"strings"
)

// FailureMode 是所有组件共享的失败分类。
type FailureMode string

const (
	// ModeAgent 表示执行中的智能体给出了错误结果。
	ModeAgent FailureMode = "AGENT"
	// ModeSystem 表示基础设施或运行时故障。
	ModeSystem FailureMode = "SYSTEM"
	// ModeResource 表示预算、配额或容量耗尽。
	ModeResource FailureMode = "RESOURCE"
	// ModePolicy 表示治理或审批拒绝。
	ModePolicy FailureMode = "POLICY"
	// ModeUser 表示调用方提供了非法输入。
	ModeUser FailureMode = "USER"
)

// Terminal 表示该模式的失败永远不应重试。
func (m FailureMode) Terminal() bool {
	return m == ModePolicy || m == ModeUser
}

// Recoverable 表示该模式的失败可以通过部分结果恢复。
func (m FailureMode) Recoverable() bool {
	switch m {
	case ModeAgent, ModeResource, ModeSystem:
		return true
	default:
		return false
	}
}

// Valid 检查失败模式是否为支持的枚举值。
func (m FailureMode) Valid() bool {
	switch m {
	case ModeAgent, ModeSystem, ModeResource, ModePolicy, ModeUser:
		return true
	default:
		return false
	}
}

// ParseMode 将字符串解析为失败模式，大小写不敏感。
func ParseMode(raw string) (FailureMode, bool) {
	mode := FailureMode(strings.ToUpper(strings.TrimSpace(raw)))
	return mode, mode.Valid()
}

// ModeOf 返回任意 error 的失败模式。未注册的错误视为 SYSTEM，调用方取消视为 USER。
func ModeOf(err error) FailureMode {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Mode()
	}
	if stdErrors.Is(err, context.Canceled) {
		return ModeUser
	}
	return ModeSystem
}
