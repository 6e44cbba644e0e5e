package run

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxline/voxline/internal/event"
	"github.com/voxline/voxline/internal/pipeline"
	"github.com/voxline/voxline/internal/runctx"
)

// CancelRegistry maps live run IDs to their cancellation handles so a cancel
// request arriving on any transport can reach the run. Handles are registered
// by the controller at run start and removed at terminal status; a request for
// an unknown or already finished run reports false.
type CancelRegistry struct {
	sink *event.Sink
	log  *slog.Logger

	mu      sync.Mutex
	handles map[string]*pipeline.CancelHandle
}

// NewCancelRegistry creates an empty registry emitting cancel events to sink.
func NewCancelRegistry(sink *event.Sink, log *slog.Logger) *CancelRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &CancelRegistry{
		sink:    sink,
		log:     log,
		handles: map[string]*pipeline.CancelHandle{},
	}
}

// Register makes a run's handle reachable by run ID.
func (r *CancelRegistry) Register(h *pipeline.CancelHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[h.RunID()] = h
}

// Unregister forgets a run's handle. Idempotent.
func (r *CancelRegistry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, runID)
}

// RequestCancel flips the run's cancel flag and records the request durably.
// It reports whether a live run was found and this request flipped the flag;
// the run itself winds down cooperatively and reaches terminal status through
// its controller, not through this call.
func (r *CancelRegistry) RequestCancel(ctx context.Context, runID, reason string) bool {
	r.mu.Lock()
	h, ok := r.handles[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	if reason == "" {
		reason = "user_request"
	}
	if !h.Cancel(reason) {
		return false
	}

	r.log.Info("cancel requested", "run_id", runID, "reason", reason)
	ctx = runctx.With(ctx, runctx.RunContext{RunID: runID})
	if err := r.sink.EmitDurable(ctx, event.TypePipelineCancelRequested, map[string]any{
		"reason": reason,
	}); err != nil {
		r.log.Error("failed to persist cancel request event",
			"run_id", runID, "error", err)
	}
	return true
}
