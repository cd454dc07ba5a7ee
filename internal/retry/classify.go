package retry

import (
	"context"
	stdErrors "errors"
	"net"
	"syscall"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

// Class 是失败分类结果。
type Class int

const (
	// Terminal 表示永远不应重试。
	Terminal Class = iota
	// Transient 表示可以在退避后重试。
	Transient
)

func (c Class) String() string {
	if c == Transient {
		return "transient"
	}
	return "terminal"
}

// StatusError 由执行器在收到带状态码的上游响应时返回。
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "upstream status error"
}

func (e *StatusError) Unwrap() error { return e.Err }

// Classify 将错误映射到 transient 或 terminal。
//
// POLICY 与 USER 模式优先判定为 terminal，错误码注册表声明可重试的直接判定为 transient；
// 其后依次检查超时、连接错误，最后才回退到裸状态码。
func Classify(err error) Class {
	if err == nil {
		return Terminal
	}
	coded, hasCode := xerrors.From(err)
	if hasCode {
		if coded.Mode().Terminal() {
			return Terminal
		}
		if coded.Retryable() {
			return Transient
		}
	}
	if stdErrors.Is(err, context.Canceled) {
		return Terminal
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return Transient
	}

	var netErr net.Error
	if stdErrors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	var opErr *net.OpError
	if stdErrors.As(err, &opErr) {
		return Transient
	}
	if stdErrors.Is(err, syscall.ECONNRESET) || stdErrors.Is(err, syscall.ECONNREFUSED) || stdErrors.Is(err, syscall.EPIPE) {
		return Transient
	}

	var statusErr *StatusError
	if !hasCode && stdErrors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 || statusErr.StatusCode == 429 {
			return Transient
		}
		return Terminal
	}

	return Terminal
}
