package event

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/storage/mock"
)

func runContext(runID string) context.Context {
	return runctx.With(context.Background(), runctx.RunContext{
		RunID:       runID,
		RequestID:   "req-1",
		SessionID:   "sess-1",
		PrincipalID: "user-1",
		TenantID:    "org-1",
	})
}

func TestSinkPreservesEmitOrder(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	sink := NewSink(store)
	sink.Register("run-1")

	ctx := runContext("run-1")
	sink.Emit(ctx, TypeStageStarted, map[string]any{"stage": "router"})
	sink.Emit(ctx, TypeStageCompleted, map[string]any{"stage": "router"})
	// A durable emit behind two fire-and-forget emits must observe them
	// already persisted when it returns.
	if err := sink.EmitDurable(ctx, TypePipelineCompleted, nil); err != nil {
		t.Fatalf("EmitDurable() error = %v", err)
	}

	events, err := store.ListEvents(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListEvents() error = %v", err)
	}
	want := []string{TypeStageStarted, TypeStageCompleted, TypePipelineCompleted}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("events[%d].Type = %q, want %q", i, events[i].Type, typ)
		}
	}
	if events[0].PrincipalID != "user-1" || events[0].TenantID != "org-1" {
		t.Errorf("correlation ids not carried: %+v", events[0])
	}
}

func TestSinkDropsWithoutRunContext(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	sink := NewSink(store)
	sink.Register("run-1")

	sink.Emit(context.Background(), TypeStageStarted, nil)
	if err := sink.EmitDurable(context.Background(), TypeStageStarted, nil); err != nil {
		t.Fatalf("EmitDurable() error = %v", err)
	}

	if err := sink.Drain(context.Background(), "run-1"); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	events, _ := store.ListEvents(context.Background(), "run-1")
	if len(events) != 0 {
		t.Errorf("got %d events, want 0", len(events))
	}
}

func TestSinkForwardsAllowlistedEvents(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		forwarded []Event
	)
	store := mock.NewStore()
	sink := NewSink(store, WithForwarder(func(runID string, e Event) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, e)
	}, TypeChatToken, TypeStatusUpdate))
	sink.Register("run-1")

	ctx := runContext("run-1")
	sink.Emit(ctx, TypeChatToken, map[string]any{"token": "Hi"})
	sink.Emit(ctx, TypeStageStarted, nil) // not allowlisted
	sink.Emit(ctx, TypeStatusUpdate, map[string]any{"status": "running"})

	mu.Lock()
	defer mu.Unlock()
	if len(forwarded) != 2 {
		t.Fatalf("forwarded %d events, want 2", len(forwarded))
	}
	if forwarded[0].Type != TypeChatToken || forwarded[1].Type != TypeStatusUpdate {
		t.Errorf("forwarded types = %q, %q", forwarded[0].Type, forwarded[1].Type)
	}
}

func TestSinkPersistErrorIsDroppedNotFatal(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	store.FailAppendEvent = errors.New("connection refused")
	sink := NewSink(store)
	sink.Register("run-1")

	ctx := runContext("run-1")
	sink.Emit(ctx, TypeStageStarted, nil)

	// The durable path surfaces the error to its caller.
	if err := sink.EmitDurable(ctx, TypePipelineFailed, nil); err == nil {
		t.Error("EmitDurable() error = nil, want persist error")
	}

	if err := sink.Drain(ctx, "run-1"); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

func TestSinkDrainStopsFurtherEmits(t *testing.T) {
	t.Parallel()

	store := mock.NewStore()
	sink := NewSink(store)
	sink.Register("run-1")

	ctx := runContext("run-1")
	sink.Emit(ctx, TypeStageStarted, nil)
	if err := sink.Drain(ctx, "run-1"); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}

	// Post-drain emits are dropped, not queued.
	sink.Emit(ctx, TypeStageCompleted, nil)
	time.Sleep(10 * time.Millisecond)

	events, _ := store.ListEvents(ctx, "run-1")
	if len(events) != 1 {
		t.Errorf("got %d events after drain, want 1", len(events))
	}

	// Draining twice is harmless.
	if err := sink.Drain(ctx, "run-1"); err != nil {
		t.Fatalf("second Drain() error = %v", err)
	}
}
