package retry

import (
	"context"
	stdErrors "errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline", context.DeadlineExceeded, Transient},
		{"net timeout", timeoutErr{}, Transient},
		{"op error", &net.OpError{Op: "dial", Err: stdErrors.New("refused")}, Transient},
		{"conn reset", syscall.ECONNRESET, Transient},
		{"5xx", &StatusError{StatusCode: 503}, Transient},
		{"429", &StatusError{StatusCode: 429}, Transient},
		{"4xx", &StatusError{StatusCode: 400}, Terminal},
		{"agent output over 4xx", xerrors.Wrap(xerrors.CodeAgentOutput, &StatusError{StatusCode: 422}, ""), Transient},
		{"resource mode over 2xx", xerrors.Wrap(xerrors.CodeExecutorFailure, &StatusError{StatusCode: 200}, "", xerrors.WithMode(xerrors.ModeResource)), Transient},
		{"invalid argument over 4xx", xerrors.Wrap(xerrors.CodeInvalidArgument, &StatusError{StatusCode: 400}, ""), Terminal},
		{"non retryable code over 5xx", xerrors.Wrap(xerrors.CodeConflict, &StatusError{StatusCode: 503}, ""), Terminal},
		{"registry retryable", xerrors.New(xerrors.CodeUnavailable, ""), Transient},
		{"validation", xerrors.New(xerrors.CodeInvalidArgument, ""), Terminal},
		{"permission", xerrors.New(xerrors.CodePermissionDenied, ""), Terminal},
		{"policy wraps timeout", xerrors.Wrap(xerrors.CodeTimeout, context.DeadlineExceeded, "", xerrors.WithMode(xerrors.ModePolicy)), Terminal},
		{"cancelled", context.Canceled, Terminal},
		{"plain", stdErrors.New("boom"), Terminal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy(Config{Strategy: "NONE", MaxAttempts: 5, BaseDelay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Zero(t, p.Delay(1))

	_, err = NewPolicy(Config{Strategy: "fibonacci"})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = NewPolicy(Config{Strategy: "exponential", Multiplier: 0.5})
	require.Error(t, err)
}

func TestDelay(t *testing.T) {
	exp, err := NewPolicy(Config{Strategy: "exponential", BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 200*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 800*time.Millisecond, exp.Delay(4))
	assert.Equal(t, time.Second, exp.Delay(5))
	assert.Equal(t, time.Second, exp.Delay(5000))

	lin, err := NewPolicy(Config{Strategy: "linear", BaseDelay: 300 * time.Millisecond, MaxDelay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 300*time.Millisecond, lin.Delay(1))
	assert.Equal(t, 900*time.Millisecond, lin.Delay(3))
	assert.Equal(t, time.Second, lin.Delay(4))
	assert.Equal(t, time.Second, lin.Delay(1<<40))
}

func TestShouldRetryStopsAtMaxAttempts(t *testing.T) {
	p, err := NewPolicy(Config{Strategy: "linear", MaxAttempts: 3})
	require.NoError(t, err)
	transient := xerrors.New(xerrors.CodeTimeout, "")
	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3))
	assert.False(t, p.ShouldRetry(xerrors.New(xerrors.CodeInvalidArgument, ""), 1))
	assert.False(t, p.ShouldRetry(nil, 1))
}

func TestDoTimeoutTwiceThenSuccess(t *testing.T) {
	p, err := NewPolicy(Config{Strategy: "exponential", MaxAttempts: 3, BaseDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	var delays []time.Duration
	calls := 0
	out, attempts, err := Do(context.Background(), p, func(context.Context, int) (string, error) {
		calls++
		if calls < 3 {
			return "", context.DeadlineExceeded
		}
		return "done", nil
	}, WithSleeper(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))

	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestDoSurfacesTerminalImmediately(t *testing.T) {
	p, err := NewPolicy(Config{MaxAttempts: 5})
	require.NoError(t, err)
	retried := false
	_, attempts, err := Do(context.Background(), p, func(context.Context, int) (int, error) {
		return 0, xerrors.New(xerrors.CodePermissionDenied, "nope")
	}, WithOnRetry(func(int, time.Duration, error) { retried = true }))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.False(t, retried)
	assert.Equal(t, xerrors.ModePolicy, xerrors.ModeOf(err))
}

func TestDoHonorsCancellationDuringBackoff(t *testing.T) {
	p, err := NewPolicy(Config{MaxAttempts: 5, BaseDelay: time.Hour})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	_, _, err = Do(ctx, p, func(context.Context, int) (int, error) {
		cancel()
		return 0, xerrors.New(xerrors.CodeUnavailable, "")
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(err))
}

func TestPolicyIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	errs := []error{
		context.DeadlineExceeded,
		xerrors.New(xerrors.CodeInvalidArgument, ""),
		xerrors.New(xerrors.CodeQuotaExhausted, ""),
		&StatusError{StatusCode: 502},
	}
	strategies := []string{"exponential", "linear", "none"}

	properties.Property("ShouldRetry and Delay are pure", prop.ForAll(
		func(strategy, errIdx, attempt, maxAttempts int, baseMs int64) bool {
			p, err := NewPolicy(Config{
				Strategy:    strategies[strategy],
				MaxAttempts: maxAttempts,
				BaseDelay:   time.Duration(baseMs) * time.Millisecond,
				MaxDelay:    5 * time.Second,
				Multiplier:  1.5,
			})
			if err != nil {
				return false
			}
			e := errs[errIdx]
			first, firstDelay := p.ShouldRetry(e, attempt), p.Delay(attempt)
			for i := 0; i < 3; i++ {
				if p.ShouldRetry(e, attempt) != first || p.Delay(attempt) != firstDelay {
					return false
				}
			}
			return firstDelay <= p.MaxDelay && (attempt < p.MaxAttempts || !first)
		},
		gen.IntRange(0, len(strategies)-1),
		gen.IntRange(0, len(errs)-1),
		gen.IntRange(1, 64),
		gen.IntRange(1, 10),
		gen.Int64Range(1, 2000),
	))

	properties.TestingRun(t)
}
