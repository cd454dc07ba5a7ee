package recovery

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/planning"
)

func fourSteps() []planning.Step {
	return []planning.Step{
		{Index: 1, Tool: "fetch"},
		{Index: 2, Tool: "parse"},
		{Index: 3, Tool: "enrich"},
		{Index: 4, Tool: "store"},
	}
}

func TestStrategies(t *testing.T) {
	assert.Equal(t, []string{"retry_with_backoff", "reduce_batch_size"}, Strategies(xerrors.ModeResource))
	assert.Equal(t, []string{"retry", "reroute_to_different_worker"}, Strategies(xerrors.ModeAgent))
	assert.Equal(t, []string{"retry_with_backoff", "reroute_to_different_worker"}, Strategies(xerrors.ModeSystem))
	assert.Empty(t, Strategies(xerrors.ModePolicy))
	assert.Empty(t, Strategies(xerrors.ModeUser))
}

func TestResumeRunsOnlyRemainingSteps(t *testing.T) {
	completed := []CompletedStep{
		{Index: 1, Tool: "fetch", Output: map[string]any{"n": 1}},
		{Index: 2, Tool: "parse", Output: map[string]any{"n": 2}},
	}
	partial := Capture(completed, completed[1].Output, xerrors.ModeResource)
	require.Len(t, partial.CompletedSteps, 2)
	require.True(t, partial.Recoverable())

	var ran []int
	var baselines []any
	done, err := ExecuteFromPartial(context.Background(), fourSteps(), partial,
		func(_ context.Context, step planning.Step, baseline map[string]any) (CompletedStep, error) {
			ran = append(ran, step.Index)
			baselines = append(baselines, baseline["n"])
			return CompletedStep{Output: map[string]any{"n": step.Index}}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, ran)
	assert.Equal(t, []any{2, 3}, baselines)
	require.Len(t, done, 4)
	assert.Equal(t, "store", done[3].Tool)

	_, err = ExecuteFromPartial(context.Background(), fourSteps(), partial, nil)
	assert.ErrorIs(t, err, ErrPartialConsumed)
}

func TestResumeRefusesTerminalModes(t *testing.T) {
	partial := Capture(nil, nil, xerrors.ModePolicy)
	assert.False(t, partial.Recoverable())
	_, err := ExecuteFromPartial(context.Background(), fourSteps(), partial, nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.ModePolicy, xerrors.ModeOf(err))
	assert.False(t, partial.Consumed())
}

func TestResumeStopsAtFailure(t *testing.T) {
	partial := Capture([]CompletedStep{{Index: 1}}, nil, xerrors.ModeAgent)
	boom := stdErrors.New("boom")
	done, err := ExecuteFromPartial(context.Background(), fourSteps(), partial,
		func(_ context.Context, step planning.Step, _ map[string]any) (CompletedStep, error) {
			if step.Index == 3 {
				return CompletedStep{}, boom
			}
			return CompletedStep{}, nil
		})
	assert.ErrorIs(t, err, boom)
	require.Len(t, done, 2)
	assert.Equal(t, 2, done[1].Index)
}

func TestPartialResultSurvivesJSON(t *testing.T) {
	failed := 3
	partial := Capture([]CompletedStep{{Index: 1, Tool: "a"}}, map[string]any{"k": "v"}, xerrors.ModeSystem)
	partial.FailedStep = &failed
	raw, err := json.Marshal(partial)
	require.NoError(t, err)

	var decoded PartialResult
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, xerrors.ModeSystem, decoded.FailureMode)
	assert.True(t, decoded.Completed(1))
	assert.Equal(t, 3, *decoded.FailedStep)
	assert.False(t, decoded.Consumed())
}

func TestDefaultHandler(t *testing.T) {
	ctx := context.Background()
	d, err := DefaultHandler{}.Recover(ctx, Capture(nil, nil, xerrors.ModeResource), nil)
	require.NoError(t, err)
	assert.Equal(t, ActionResume, d.Action)
	assert.Equal(t, StrategyRetryBackoff, d.Strategy)

	terminal := Capture([]CompletedStep{{Index: 1}}, map[string]any{"x": 1}, xerrors.ModeUser)
	d, err = DefaultHandler{}.Recover(ctx, terminal, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionAbort, d.Action)

	d, err = DefaultHandler{DegradeOnTerminal: true}.Recover(ctx, terminal, nil)
	require.NoError(t, err)
	assert.Equal(t, ActionDegrade, d.Action)
	assert.Equal(t, 1, d.Output["x"])
}
