package retry

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/pkg/logger"
)

// Sleeper 等待 d 或直到 ctx 结束。
type Sleeper func(ctx context.Context, d time.Duration) error

// DoOption 定义 Do 的可选配置。
type DoOption func(*doOptions)

type doOptions struct {
	sleep   Sleeper
	onRetry func(attempt int, delay time.Duration, err error)
}

// WithSleeper 替换等待实现，测试中可注入无等待版本。
func WithSleeper(s Sleeper) DoOption {
	return func(o *doOptions) {
		if s != nil {
			o.sleep = s
		}
	}
}

// WithOnRetry 在每次退避前回调。
func WithOnRetry(fn func(attempt int, delay time.Duration, err error)) DoOption {
	return func(o *doOptions) {
		o.onRetry = fn
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func contextError(err error, msg string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, msg)
	}
	return xerrors.Wrap(xerrors.CodeCancelled, err, msg)
}

// Do 按策略执行 fn，返回最后一次结果以及实际尝试次数。
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (T, error), opts ...DoOption) (T, int, error) {
	o := doOptions{sleep: sleepContext}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt - 1, contextError(err, "执行已取消")
		}
		out, err := fn(ctx, attempt)
		if err == nil {
			return out, attempt, nil
		}
		if !p.ShouldRetry(err, attempt) {
			return zero, attempt, err
		}
		delay := p.Delay(attempt)
		if o.onRetry != nil {
			o.onRetry(attempt, delay, err)
		}
		logger.L().Debug("准备重试",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if serr := o.sleep(ctx, delay); serr != nil {
			return zero, attempt, contextError(serr, "退避等待被中断")
		}
	}
}
