package policy

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/storage/mock"
)

func newTestRegistry(t *testing.T) (*Registry, *mock.Store, context.Context) {
	t.Helper()
	store := mock.NewStore()
	sink := event.NewSink(store)
	sink.Register("run-1")
	t.Cleanup(func() {
		_ = sink.Drain(context.Background(), "run-1")
	})
	ctx := runctx.With(context.Background(), runctx.RunContext{RunID: "run-1"})
	return NewRegistry(sink), store, ctx
}

func blockProfanity() Policy {
	return Func{
		PolicyName: "profanity",
		Fn: func(_ context.Context, _ Checkpoint, in Input) (Decision, string) {
			if strings.Contains(in.Excerpt, "dang") {
				return Block, "profanity detected"
			}
			return Allow, ""
		},
	}
}

func TestRegistryEmptyCheckpointAllows(t *testing.T) {
	t.Parallel()

	r, _, ctx := newTestRegistry(t)
	decision, _ := r.Evaluate(ctx, PreLLM, Input{Intent: "generate"})
	if decision != Allow {
		t.Errorf("decision = %q, want allow", decision)
	}
}

func TestRegistryFirstBlockWins(t *testing.T) {
	t.Parallel()

	r, _, ctx := newTestRegistry(t)
	r.Register(PreLLM, blockProfanity())
	r.Register(PreLLM, Func{
		PolicyName: "always-allow",
		Fn: func(context.Context, Checkpoint, Input) (Decision, string) {
			return Allow, ""
		},
	})

	decision, reason := r.Evaluate(ctx, PreLLM, Input{Excerpt: "dang it"})
	if decision != Block {
		t.Fatalf("decision = %q, want block", decision)
	}
	if reason != "profanity detected" {
		t.Errorf("reason = %q", reason)
	}
}

func TestRegistryOverrideForcesDecision(t *testing.T) {
	t.Parallel()

	r, _, ctx := newTestRegistry(t)
	r.Register(PrePersist, blockProfanity())

	r.Override(PrePersist, Allow)
	decision, _ := r.Evaluate(ctx, PrePersist, Input{Excerpt: "dang it"})
	if decision != Allow {
		t.Errorf("overridden decision = %q, want allow", decision)
	}

	r.ClearOverride(PrePersist)
	decision, _ = r.Evaluate(ctx, PrePersist, Input{Excerpt: "dang it"})
	if decision != Block {
		t.Errorf("decision after ClearOverride = %q, want block", decision)
	}
}

func TestRegistryBlockEmitsBlockedEvent(t *testing.T) {
	t.Parallel()

	r, store, ctx := newTestRegistry(t)
	r.Register(PrePersist, blockProfanity())

	r.Evaluate(ctx, PrePersist, Input{Excerpt: "dang it", Intent: "persist_artifact"})
	time.Sleep(10 * time.Millisecond)

	events, _ := store.ListEvents(ctx, "run-1")
	var sawDecision, sawBlocked bool
	var decisionIdx, blockedIdx int
	for i, e := range events {
		switch e.Type {
		case event.TypePolicyDecision:
			sawDecision = true
			decisionIdx = i
			if e.Data["decision"] != "block" {
				t.Errorf("policy.decision data = %v", e.Data)
			}
		case event.TypePolicyBlocked:
			sawBlocked = true
			blockedIdx = i
		}
	}
	if !sawDecision || !sawBlocked {
		t.Fatalf("missing events: decision=%v blocked=%v", sawDecision, sawBlocked)
	}
	if decisionIdx > blockedIdx {
		t.Error("policy.decision must precede policy.blocked")
	}
}

func TestRegistryActionBlockEmitsEscalationDenied(t *testing.T) {
	t.Parallel()

	r, store, ctx := newTestRegistry(t)
	r.Override(PreAction, Block)

	r.Evaluate(ctx, PreAction, Input{Intent: "execute_action"})
	time.Sleep(10 * time.Millisecond)

	events, _ := store.ListEvents(ctx, "run-1")
	var sawDenied bool
	for _, e := range events {
		if e.Type == event.TypePolicyEscalationDenied {
			sawDenied = true
		}
		if e.Type == event.TypePolicyBlocked {
			t.Error("pre_action block should emit policy.escalation.denied, not policy.blocked")
		}
	}
	if !sawDenied {
		t.Error("missing policy.escalation.denied event")
	}
}
