package execctx

import (
	"context"
	"testing"

	xerrors "OpenMCP-Orchestrator/internal/errors"
)

func TestNewRequiresIdentifiers(t *testing.T) {
	if _, err := New("", "req"); xerrors.ModeOf(err) != xerrors.ModeUser {
		t.Fatalf("expected user failure for missing trace id, got %v", err)
	}
	if _, err := New("trace", "  "); err == nil {
		t.Fatalf("expected error for blank request id")
	}
}

func TestWithHelpersNeverMutateReceiver(t *testing.T) {
	base, err := New("trace", "req", WithIntent("book a flight"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	derived := base.WithUser("u1").WithMemoryScope("team").WithSession("s1").WithConversation("c1")

	if base.UserID() != "" || base.MemoryScope() != "" || base.SessionID() != "" || base.ConversationID() != "" {
		t.Fatalf("base context was mutated: %+v", base.Snapshot())
	}
	if derived.UserID() != "u1" || derived.MemoryScope() != "team" || derived.SessionID() != "s1" {
		t.Fatalf("derived context missing fields: %+v", derived.Snapshot())
	}
	if derived.TraceID() != base.TraceID() || derived.UserIntent() != "book a flight" {
		t.Fatalf("derived context lost identity")
	}
}

func TestChildReferencesParentByID(t *testing.T) {
	parent, _ := New("trace", "req-parent")
	child := parent.Child("req-child")

	ref := child.Parent()
	if ref == nil || ref.RequestID != "req-parent" || ref.TraceID != "trace" {
		t.Fatalf("unexpected parent ref: %+v", ref)
	}
	if child.TraceID() != parent.TraceID() {
		t.Fatalf("child should share trace id")
	}
	if parent.Parent() != nil {
		t.Fatalf("parent must not gain a reference")
	}

	ref.RequestID = "tampered"
	if child.Parent().RequestID != "req-parent" {
		t.Fatalf("Parent() must return a copy")
	}
}

func TestSnapshotRoundTripKeepsParent(t *testing.T) {
	parent, _ := New("trace", "req-1")
	child := parent.Child("").WithUser("alice")

	restored, err := FromSnapshot(child.Snapshot())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.RequestID() == "" || restored.RequestID() == "req-1" {
		t.Fatalf("child should get a fresh request id, got %q", restored.RequestID())
	}
	if restored.Parent() == nil || restored.Parent().RequestID != "req-1" || restored.UserID() != "alice" {
		t.Fatalf("unexpected restored context: %+v", restored.Snapshot())
	}
}

func TestContextPropagation(t *testing.T) {
	ec := Start("summarise")
	ctx := Into(context.Background(), ec)
	if From(ctx) != ec {
		t.Fatalf("expected to read back the same context")
	}
	if From(context.Background()) != nil {
		t.Fatalf("expected nil for empty context")
	}
}
