package events

import (
	"context"
	"errors"
	"testing"
)

func TestFanoutDeliversToAllSinks(t *testing.T) {
	first, second := &Recorder{}, &Recorder{}
	failing := EmitterFunc(func(context.Context, Event) error { return errors.New("down") })

	fanout := NewFanout(first, nil, failing, second)
	err := fanout.Emit(context.Background(), New(TypePlanCreated, "trace", "planning", nil))
	if err == nil {
		t.Fatalf("expected joined error from failing sink")
	}
	if first.Count(TypePlanCreated) != 1 || second.Count(TypePlanCreated) != 1 {
		t.Fatalf("healthy sinks must still receive the event")
	}
}

func TestNewStampsTime(t *testing.T) {
	ev := New(TypeBudgetWarning, "trace", "budget", map[string]any{"dimension": "calls"})
	if ev.OccurredAt.IsZero() || ev.TraceID != "trace" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if err := NewLogSink(nil).Emit(context.Background(), ev); err != nil {
		t.Fatalf("log sink: %v", err)
	}
}
