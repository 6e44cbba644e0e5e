package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/voxline/voxline/internal/runctx"
	"github.com/voxline/voxline/internal/storage"
)

// defaultQueueDepth bounds the per-run pending persist queue.
const defaultQueueDepth = 256

// Forwarder receives allowlisted events for fan-out to the run's client
// stream. Implementations must not block; the sink calls Forward inline on
// the emitting goroutine.
type Forwarder func(runID string, e Event)

// Sink accepts typed events tagged with the ambient run identity and appends
// them to the durable event log.
//
// Two entry points exist: [Sink.Emit] schedules the persist on a per-run
// single-writer queue and returns immediately (hot paths), while
// [Sink.EmitDurable] additionally waits for the persist to complete (used
// when ordering with a following write matters). Because both paths go
// through the same per-run queue, the log preserves emit order per run.
//
// Persistence errors are logged and dropped; a lost event must never kill a
// run. Safe for concurrent use.
type Sink struct {
	store   storage.EventStore
	log     *slog.Logger
	depth   int
	allow   map[string]bool
	forward Forwarder

	mu     sync.Mutex
	queues map[string]*runQueue
}

// Option is a functional option for Sink.
type Option func(*Sink)

// WithLogger sets the structured logger used for persistence failures.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sink) {
		s.log = log
	}
}

// WithQueueDepth bounds the per-run pending queue. Fire-and-forget emits that
// find the queue full are dropped with a log line.
func WithQueueDepth(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.depth = n
		}
	}
}

// WithForwarder installs a client fan-out callback. Only events whose type is
// in the allowlist are forwarded.
func WithForwarder(fwd Forwarder, allowlist ...string) Option {
	return func(s *Sink) {
		s.forward = fwd
		s.allow = make(map[string]bool, len(allowlist))
		for _, t := range allowlist {
			s.allow[t] = true
		}
	}
}

// NewSink creates a Sink that appends events to store.
func NewSink(store storage.EventStore, opts ...Option) *Sink {
	s := &Sink{
		store:  store,
		log:    slog.Default(),
		depth:  defaultQueueDepth,
		queues: map[string]*runQueue{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// job is one pending persist. done is nil for fire-and-forget emits.
type job struct {
	rec  *storage.EventRecord
	done chan error
}

// runQueue is the single-writer persist queue for one run.
type runQueue struct {
	jobs   chan job
	closed chan struct{} // closed when the drainer goroutine exits
}

// Register creates the persist queue for a run and starts its single writer.
// Must be called before the first emit for that run; the run controller does
// this when it creates the run row.
func (s *Sink) Register(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.queues[runID]; ok {
		return
	}
	q := &runQueue{
		jobs:   make(chan job, s.depth),
		closed: make(chan struct{}),
	}
	s.queues[runID] = q
	go s.drain(runID, q)
}

// Drain closes a run's queue, waits for all pending persists to finish, and
// removes the queue. Emits for the run after Drain returns are dropped with a
// log line. Called by the run controller at terminal status.
func (s *Sink) Drain(ctx context.Context, runID string) error {
	s.mu.Lock()
	q, ok := s.queues[runID]
	if ok {
		delete(s.queues, runID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	close(q.jobs)
	select {
	case <-q.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit schedules a fire-and-forget persist of (typ, data) tagged with the
// ambient run identity from ctx. Returns immediately; logical order per run
// is preserved by the single-writer queue. Events emitted without an ambient
// run, for an unregistered run, or onto a full queue are dropped with a log
// line.
func (s *Sink) Emit(ctx context.Context, typ string, data map[string]any) {
	rec, q, ok := s.prepare(ctx, typ, data)
	if !ok {
		return
	}

	select {
	case q.jobs <- job{rec: rec}:
	default:
		s.log.Warn("event queue full, dropping event",
			"run_id", rec.RunID, "type", typ)
	}
}

// EmitDurable persists (typ, data) synchronously: it enqueues behind any
// pending fire-and-forget emits for the same run and waits for the append to
// complete, so a following write observes the event already in the log.
func (s *Sink) EmitDurable(ctx context.Context, typ string, data map[string]any) error {
	rec, q, ok := s.prepare(ctx, typ, data)
	if !ok {
		return nil
	}

	done := make(chan error, 1)
	select {
	case q.jobs <- job{rec: rec, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepare builds the event record from the ambient run context, performs
// client fan-out, and resolves the run's queue.
func (s *Sink) prepare(ctx context.Context, typ string, data map[string]any) (*storage.EventRecord, *runQueue, bool) {
	rc, ok := runctx.From(ctx)
	if !ok || rc.RunID == "" {
		s.log.Warn("event emitted without ambient run context, dropping", "type", typ)
		return nil, nil, false
	}

	if s.forward != nil && s.allow[typ] {
		s.forward(rc.RunID, Event{Type: typ, Data: data})
	}

	s.mu.Lock()
	q, registered := s.queues[rc.RunID]
	s.mu.Unlock()
	if !registered {
		s.log.Warn("event emitted for unregistered run, dropping",
			"run_id", rc.RunID, "type", typ)
		return nil, nil, false
	}

	return &storage.EventRecord{
		RunID:       rc.RunID,
		Type:        typ,
		Data:        data,
		RequestID:   rc.RequestID,
		SessionID:   rc.SessionID,
		PrincipalID: rc.PrincipalID,
		TenantID:    rc.TenantID,
	}, q, true
}

// drain is the single writer for one run's queue. Persistence uses a
// background context so a canceled run still lands its trailing events.
func (s *Sink) drain(runID string, q *runQueue) {
	defer close(q.closed)
	for j := range q.jobs {
		err := s.store.AppendEvent(context.Background(), j.rec)
		if err != nil {
			s.log.Error("failed to persist event",
				"run_id", runID, "type", j.rec.Type, "error", err)
		}
		if j.done != nil {
			j.done <- err
		}
	}
}
