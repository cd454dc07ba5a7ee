package routing

import (
	"context"
	"sync"
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
	"OpenMCP-Orchestrator/internal/planning"
)

func pool(n int) []Worker {
	workers := make([]Worker, n)
	for i := range workers {
		workers[i] = Worker{ID: string(rune('a' + i))}
	}
	return workers
}

func TestNewPolicy(t *testing.T) {
	for _, name := range []string{"round_robin", "CAPABILITY", "load_balanced", ""} {
		p, err := NewPolicy(name, nil)
		require.NoError(t, err, name)
		assert.NotEmpty(t, p.Name())
	}
	_, err := NewPolicy("random", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.ModeUser, xerrors.ModeOf(err))
}

func TestNoEligibleWorkerIsSystemFailure(t *testing.T) {
	step := planning.Step{Index: 3, Tool: "x", RequiredCapabilities: []string{"gpu"}}
	for _, p := range []Policy{NewRoundRobin(), NewCapabilityBased(), NewLoadBalanced(NewMemoryLoadTracker())} {
		t.Run(p.Name(), func(t *testing.T) {
			var workers []Worker
			if p.Name() == PolicyCapability {
				workers = []Worker{{ID: "cpu-only", Capabilities: []string{"cpu"}}}
			}
			_, _, err := p.Select(context.Background(), step, workers)
			require.Error(t, err)
			assert.Equal(t, CodeNoEligibleWorker, xerrors.CodeOf(err))
			assert.Equal(t, xerrors.ModeSystem, xerrors.ModeOf(err))
		})
	}
}

func TestCapabilityBasedPrefersDeclarationOrder(t *testing.T) {
	workers := []Worker{
		{ID: "w1", Capabilities: []string{"search"}},
		{ID: "w2", Capabilities: []string{"search", "browse"}},
		{ID: "w3", Capabilities: []string{"browse", "search", "code"}},
	}
	chosen, losers, err := NewCapabilityBased().Select(context.Background(),
		planning.Step{Index: 1, RequiredCapabilities: []string{"browse", "search"}}, workers)
	require.NoError(t, err)
	assert.Equal(t, "w2", chosen.ID)
	assert.Len(t, losers, 2)
}

func TestLoadBalancedBreaksTiesRoundRobin(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryLoadTracker()
	lb := NewLoadBalanced(tracker)
	workers := pool(3)
	require.NoError(t, tracker.Acquire(ctx, "a"))

	var picks []string
	for i := 0; i < 4; i++ {
		w, _, err := lb.Select(ctx, planning.Step{Index: i}, workers)
		require.NoError(t, err)
		picks = append(picks, w.ID)
	}
	assert.Equal(t, []string{"b", "c", "b", "c"}, picks)

	require.NoError(t, tracker.Acquire(ctx, "b"))
	require.NoError(t, tracker.Acquire(ctx, "b"))
	w, _, err := lb.Select(ctx, planning.Step{}, workers)
	require.NoError(t, err)
	assert.Equal(t, "c", w.ID)
}

func TestMemoryLoadTrackerNeverNegative(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryLoadTracker()
	require.NoError(t, tracker.Release(ctx, "a"))
	loads, err := tracker.Loads(ctx, []string{"a"})
	require.NoError(t, err)
	assert.Zero(t, loads["a"])
}

func TestRoundRobinConcurrentSelectionsStayFair(t *testing.T) {
	rr := NewRoundRobin()
	workers := pool(3)
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w, _, err := rr.Select(context.Background(), planning.Step{}, workers)
				if err != nil {
					t.Errorf("select: %v", err)
					return
				}
				mu.Lock()
				counts[w.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for _, w := range workers {
		assert.InDelta(t, 800/3, counts[w.ID], 1)
	}
}

func TestRoundRobinFairnessProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("every worker is picked floor(n/w) or ceil(n/w) times", prop.ForAll(
		func(w, extra int) bool {
			n := w + extra
			rr := NewRoundRobin()
			workers := pool(w)
			counts := make(map[string]int, w)
			for i := 0; i < n; i++ {
				chosen, losers, err := rr.Select(context.Background(), planning.Step{}, workers)
				if err != nil || len(losers) != w-1 {
					return false
				}
				counts[chosen.ID]++
			}
			lo, hi := n/w, (n+w-1)/w
			for _, worker := range workers {
				if c := counts[worker.ID]; c < lo || c > hi {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 12),
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

func TestAuthorityRecordsRoutingDecision(t *testing.T) {
	ctx := context.Background()
	trail := audit.NewTrail(audit.NewMemoryStore())
	rec := &events.Recorder{}
	ectx, err := execctx.New("trace-route", "req")
	require.NoError(t, err)

	auth := NewAuthority(NewRoundRobin(), pool(3), trail, WithEmitter(rec))
	decision, err := auth.Route(ctx, ectx, planning.Step{Index: 1, Tool: "search"})
	require.NoError(t, err)
	assert.Equal(t, "a", decision.Worker.ID)
	assert.Equal(t, 1, rec.Count(events.TypeRouteDecision))

	history, err := trail.GetTraceHistory(ctx, "trace-route")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, audit.DecisionRouting, history[0].Type)
	assert.Equal(t, PolicyRoundRobin, history[0].Payload["policy"])
	assert.Equal(t, []any{"b", "c"}, history[0].Payload["losers"])
}

func TestAuthorityRecordsFailedRouting(t *testing.T) {
	ctx := context.Background()
	trail := audit.NewTrail(nil)
	ectx, err := execctx.New("trace-none", "req")
	require.NoError(t, err)

	_, err = NewAuthority(NewCapabilityBased(), pool(2), trail).
		Route(ctx, ectx, planning.Step{Index: 1, RequiredCapabilities: []string{"gpu"}})
	require.Error(t, err)

	history, err := trail.GetTraceHistory(ctx, "trace-none")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "no_eligible_worker", history[0].Payload["outcome"])
}

func TestAuthoritySharesLoadBalancedTracker(t *testing.T) {
	ctx := context.Background()
	policy := NewLoadBalanced(NewMemoryLoadTracker())
	auth := NewAuthority(policy, pool(2), nil)
	ectx, err := execctx.New("trace", "req")
	require.NoError(t, err)

	first, err := auth.Route(ctx, ectx, planning.Step{Index: 1})
	require.NoError(t, err)
	require.NoError(t, auth.Acquire(ctx, first.Worker))

	second, err := auth.Route(ctx, ectx, planning.Step{Index: 2})
	require.NoError(t, err)
	assert.NotEqual(t, first.Worker.ID, second.Worker.ID)

	auth.Release(ctx, first.Worker)
	loads, err := policy.Tracker().Loads(ctx, []string{first.Worker.ID})
	require.NoError(t, err)
	assert.Zero(t, loads[first.Worker.ID])
}
