package audit

import (
	"context"
	stdErrors "errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/storage/sqldb"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	file, err := NewFileStore(filepath.Join(t.TempDir(), "audit", "decisions.jsonl"))
	require.NoError(t, err)

	lite, err := OpenSQLStore(ctx, sqldb.Config{
		Dialect: sqldb.DialectSQLite,
		DSN:     fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	require.NoError(t, err)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"file":   file,
		"sqlite": lite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestTrailHistoryInInsertionOrder(t *testing.T) {
	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			trail := NewTrail(store)

			_, err := trail.RecordPlan(ctx, "trace-a", map[string]any{"plan_id": "p1", "steps": 3}, "plan validated")
			require.NoError(t, err)
			_, err = trail.RecordRouting(ctx, "trace-a", map[string]any{"policy": "round_robin", "losers": []string{"w2"}}, "picked w1")
			require.NoError(t, err)
			_, err = trail.RecordPlan(ctx, "trace-b", nil, "other trace")
			require.NoError(t, err)
			_, err = trail.RecordExecution(ctx, "trace-a", map[string]any{"step": 0, "outcome": "success"}, "tool ok")
			require.NoError(t, err)

			history, err := trail.GetTraceHistory(ctx, "trace-a")
			require.NoError(t, err)
			require.Len(t, history, 3)
			assert.Equal(t, DecisionPlanning, history[0].Type)
			assert.Equal(t, DecisionRouting, history[1].Type)
			assert.Equal(t, DecisionExecution, history[2].Type)
			for i, rec := range history {
				assert.Equal(t, int64(i+1), rec.Sequence)
			}
			assert.Equal(t, "round_robin", history[1].Payload["policy"])
			assert.NoError(t, trail.Verify(ctx, "trace-a"))
			assert.NoError(t, trail.Verify(ctx, "trace-b"))
		})
	}
}

func TestTrailExpireRemovesWholeTraces(t *testing.T) {
	for name, store := range backends(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			clock := now
			trail := NewTrail(store, WithClock(func() time.Time { return clock }))

			_, err := trail.RecordPlan(ctx, "old", nil, "old")
			require.NoError(t, err)
			clock = now.Add(48 * time.Hour)
			_, err = trail.RecordPlan(ctx, "fresh", nil, "fresh")
			require.NoError(t, err)

			removed, err := trail.ExpireBefore(ctx, now.Add(24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)

			old, err := trail.GetTraceHistory(ctx, "old")
			require.NoError(t, err)
			assert.Empty(t, old)

			_, err = trail.RecordExecution(ctx, "fresh", nil, "after expiry")
			require.NoError(t, err)
			assert.NoError(t, trail.Verify(ctx, "fresh"))
		})
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	trail := NewTrail(store)
	for i := 0; i < 3; i++ {
		_, err := trail.RecordExecution(ctx, "trace", map[string]any{"step": i}, "ok")
		require.NoError(t, err)
	}

	store.mu.Lock()
	store.traces["trace"][1].Reasoning = "rewritten"
	store.mu.Unlock()

	err := trail.Verify(ctx, "trace")
	require.Error(t, err)
	assert.Equal(t, CodeAuditTampered, xerrors.CodeOf(err))
}

func TestFileStoreReopenContinuesChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "decisions.jsonl")

	first, err := NewFileStore(path)
	require.NoError(t, err)
	_, err = NewTrail(first).RecordPlan(ctx, "trace", nil, "one")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewFileStore(path)
	require.NoError(t, err)
	defer second.Close()
	trail := NewTrail(second)
	rec, err := trail.RecordPlan(ctx, "trace", nil, "two")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence)
	assert.NoError(t, trail.Verify(ctx, "trace"))
}

func TestConcurrentTracesDoNotInterleaveSequences(t *testing.T) {
	ctx := context.Background()
	trail := NewTrail(NewMemoryStore())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trace := fmt.Sprintf("trace-%d", i)
			for j := 0; j < 20; j++ {
				if _, err := trail.RecordExecution(ctx, trace, map[string]any{"j": j}, "ok"); err != nil {
					t.Errorf("record: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		trace := fmt.Sprintf("trace-%d", i)
		history, err := trail.GetTraceHistory(ctx, trace)
		require.NoError(t, err)
		require.Len(t, history, 20)
		require.NoError(t, VerifyChain(history))
	}
}

func TestRecordRejectsEmptyTrace(t *testing.T) {
	_, err := NewTrail(nil).RecordPlan(context.Background(), " ", nil, "")
	require.Error(t, err)
	assert.Equal(t, xerrors.ModeUser, xerrors.ModeOf(err))
}

func TestFileStoreExpireSurvivesFailedRename(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	store, err := NewFileStore(path)
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	trail := NewTrail(store, WithClock(func() time.Time { return now }))
	_, err = trail.RecordPlan(ctx, "old", nil, "old")
	require.NoError(t, err)

	store.rename = func(string, string) error { return stdErrors.New("disk busy") }
	_, err = trail.ExpireBefore(ctx, now.Add(time.Hour))
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeStorageFailure, xerrors.CodeOf(err))

	rec, err := trail.RecordPlan(ctx, "old", nil, "after failed expiry")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Sequence)
	assert.NoError(t, trail.Verify(ctx, "old"))
}
