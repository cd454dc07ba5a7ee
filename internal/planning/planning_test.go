package planning

import (
	"context"
	stdErrors "errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Orchestrator/internal/audit"
	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/execctx"
	"OpenMCP-Orchestrator/internal/observability/events"
)

func newAuthority(t *testing.T) (*Authority, *audit.Trail, *events.Recorder) {
	t.Helper()
	trail := audit.NewTrail(audit.NewMemoryStore())
	rec := &events.Recorder{}
	return NewAuthority(trail, WithEmitter(rec)), trail, rec
}

func testContext(t *testing.T) *execctx.Context {
	t.Helper()
	ectx, err := execctx.New("trace-plan", "req-1", execctx.WithIntent("summarise"))
	require.NoError(t, err)
	return ectx
}

func threeSteps() []Step {
	return []Step{
		{Index: 1, Tool: "search", EstimatedCost: 1, EstimatedTokens: 100},
		{Index: 2, Tool: "fetch", EstimatedCost: 2, EstimatedTokens: 200},
		{Index: 5, Tool: "summarise", EstimatedCost: 1, EstimatedTokens: 300},
	}
}

func TestCreateAndValidatePlan(t *testing.T) {
	ctx := context.Background()
	auth, trail, rec := newAuthority(t)

	plan, err := auth.CreatePlan(ctx, testContext(t), threeSteps(), Limits{CostCeiling: 10, CallCeiling: 3, TokenCeiling: 1000})
	require.NoError(t, err)
	assert.Equal(t, StageCreated, plan.Stage())
	assert.Equal(t, 1, rec.Count(events.TypePlanCreated))

	require.NoError(t, auth.Validate(ctx, plan))
	assert.Equal(t, StageValidated, plan.Stage())
	require.NoError(t, auth.Validate(ctx, plan))

	history, err := trail.GetTraceHistory(ctx, "trace-plan")
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, r := range history {
		assert.Equal(t, audit.DecisionPlanning, r.Type)
	}
	assert.Equal(t, "accepted", history[1].Payload["outcome"])
}

func TestValidateFailureLeavesPlanCreated(t *testing.T) {
	cases := []struct {
		name   string
		steps  []Step
		limits Limits
	}{
		{"duplicate index", []Step{{Index: 1, Tool: "a"}, {Index: 1, Tool: "b"}}, Limits{}},
		{"decreasing index", []Step{{Index: 2, Tool: "a"}, {Index: 1, Tool: "b"}}, Limits{}},
		{"empty tool", []Step{{Index: 1, Tool: "  "}}, Limits{}},
		{"cost over ceiling", threeSteps(), Limits{CostCeiling: 3}},
		{"too many calls", threeSteps(), Limits{CallCeiling: 2}},
		{"tokens over ceiling", threeSteps(), Limits{TokenCeiling: 500}},
		{"no steps", nil, Limits{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			auth, _, _ := newAuthority(t)
			plan, err := auth.CreatePlan(ctx, testContext(t), tc.steps, tc.limits)
			require.NoError(t, err)

			err = auth.Validate(ctx, plan)
			var verr *ValidationError
			require.True(t, stdErrors.As(err, &verr), "got %v", err)
			assert.NotEmpty(t, verr.Problems)
			assert.Equal(t, xerrors.ModeUser, xerrors.ModeOf(err))
			assert.Equal(t, CodePlanValidation, xerrors.CodeOf(err))
			assert.Equal(t, StageCreated, plan.Stage())
		})
	}
}

func TestTransitionRules(t *testing.T) {
	cases := []struct {
		from, to Stage
		ok       bool
	}{
		{StageCreated, StageCreated, true},
		{StageCreated, StageValidated, false},
		{StageValidated, StageValidated, true},
		{StageCreated, StageExecuting, false},
		{StageCreated, StageFailed, true},
		{StageValidated, StageExecuting, true},
		{StageValidated, StageCreated, false},
		{StageExecuting, StageCompleted, true},
		{StageExecuting, StageFailed, true},
		{StageExecuting, StageValidated, false},
		{StageCompleted, StageCompleted, true},
		{StageCompleted, StageFailed, false},
		{StageFailed, StageExecuting, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to), func(t *testing.T) {
			auth, _, _ := newAuthority(t)
			plan := Restore("p1", "trace", threeSteps(), tc.from, nil)
			err := auth.Transition(context.Background(), plan, tc.to)
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.to, plan.Stage())
				return
			}
			var terr *InvalidTransitionError
			require.True(t, stdErrors.As(err, &terr))
			assert.Equal(t, xerrors.ModeSystem, xerrors.ModeOf(err))
			assert.False(t, xerrors.RetryableError(err))
			assert.Equal(t, tc.from, plan.Stage())
		})
	}
}

func TestBudgetBlockRejectsThirdCall(t *testing.T) {
	rec := &events.Recorder{}
	budget := NewBudget("trace", Limits{CallCeiling: 2, Policy: PolicyBlock}, rec)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		decision, err := budget.Consume(ctx, 0, 1, 0)
		require.NoError(t, err)
		assert.Equal(t, DecisionAllowed, decision)
	}
	decision, err := budget.Consume(ctx, 0, 1, 0)
	require.Error(t, err)
	assert.Equal(t, DecisionRejected, decision)
	assert.Equal(t, xerrors.ModeResource, xerrors.ModeOf(err))
	assert.Equal(t, int64(2), budget.Snapshot().Calls)
	assert.Equal(t, 1, rec.Count(events.TypeBudgetExceeded))
	assert.Equal(t, 1, rec.Count(events.TypeBudgetWarning))
}

func TestBudgetWarnPolicyEmitsBeforeApplying(t *testing.T) {
	rec := &events.Recorder{}
	budget := NewBudget("trace", Limits{CostCeiling: 1, Policy: PolicyWarn}, rec)

	decision, err := budget.Consume(context.Background(), 1.5, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, DecisionWarned, decision)
	assert.InDelta(t, 1.5, budget.Snapshot().Cost, 1e-9)

	evts := rec.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, events.TypeBudgetWarning, evts[0].Type)
	assert.Equal(t, events.TypeBudgetExceeded, evts[1].Type)
	assert.Equal(t, "cost", evts[1].Metadata["dimension"])
}

func TestBudgetRejectsNegativeAmounts(t *testing.T) {
	_, err := NewBudget("trace", Limits{}, nil).Consume(context.Background(), -1, 0, 0)
	require.Error(t, err)
	assert.Equal(t, xerrors.ModeUser, xerrors.ModeOf(err))
}

func TestParseBudgetPolicy(t *testing.T) {
	p, err := ParseBudgetPolicy(" WARN ")
	require.NoError(t, err)
	assert.Equal(t, PolicyWarn, p)
	p, err = ParseBudgetPolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyBlock, p)
	_, err = ParseBudgetPolicy("soft")
	assert.Error(t, err)
}

var allStages = []Stage{StageCreated, StageValidated, StageExecuting, StageCompleted, StageFailed}

func TestStageMonotonicityProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("transitions never move backwards and repeats are no-ops", prop.ForAll(
		func(targets []int) bool {
			auth := NewAuthority(nil)
			plan := Restore("p", "trace", nil, StageCreated, nil)
			for _, idx := range targets {
				before := plan.Stage()
				target := allStages[idx]
				err := auth.Transition(context.Background(), plan, target)
				after := plan.Stage()
				if after.rank() < before.rank() {
					return false
				}
				if target == before && (err != nil || after != before) {
					return false
				}
				if err != nil && after != before {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(allStages)-1)),
	))

	properties.TestingRun(t)
}

func TestBudgetProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	const ceiling = 10

	properties.Property("block never exceeds the ceiling", prop.ForAll(
		func(calls []int64) bool {
			budget := NewBudget("trace", Limits{CallCeiling: ceiling, Policy: PolicyBlock}, nil)
			for _, c := range calls {
				_, _ = budget.Consume(context.Background(), 0, c, 0)
				if budget.Snapshot().Calls > ceiling {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(0, 6)),
	))

	properties.Property("warn emits exactly one warning per crossing", prop.ForAll(
		func(calls []int64) bool {
			rec := &events.Recorder{}
			budget := NewBudget("trace", Limits{CallCeiling: ceiling, WarnThreshold: 0.8, Policy: PolicyWarn}, rec)
			var total int64
			for _, c := range calls {
				total += c
				if _, err := budget.Consume(context.Background(), 0, c, 0); err != nil {
					return false
				}
			}
			want := 0
			if total >= 8 {
				want = 1
			}
			return rec.Count(events.TypeBudgetWarning) == want && budget.Snapshot().Calls == total
		},
		gen.SliceOf(gen.Int64Range(0, 6)),
	))

	properties.TestingRun(t)
}

func TestTransitionCannotSkipValidation(t *testing.T) {
	auth, _, _ := newAuthority(t)
	plan := Restore("p1", "trace", threeSteps(), StageCreated, nil)

	err := auth.Transition(context.Background(), plan, StageValidated)
	var terr *InvalidTransitionError
	require.True(t, stdErrors.As(err, &terr))
	assert.Equal(t, StageCreated, plan.Stage())

	require.NoError(t, auth.Validate(context.Background(), plan))
	assert.Equal(t, StageValidated, plan.Stage())
	require.NoError(t, auth.Transition(context.Background(), plan, StageExecuting))
}
