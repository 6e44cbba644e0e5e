// Package dlq implements the dead-letter queue service: failed runs are
// captured with their context snapshot and replayable input so an operator
// can diagnose, resolve, or replay them. Entries move through the statuses
// pending, investigating, resolved, and reprocessed.
package dlq

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/storage"
)

// Failure describes one failed run for capture.
type Failure struct {
	RunID       string
	Service     string
	FailedStage string

	// Err is the failure cause; its kind becomes the entry's error type.
	Err error

	// ContextSnapshot is the JSON-serializable run context at failure time.
	ContextSnapshot map[string]any

	// InputData is the replayable request input, stripped of transient state.
	InputData map[string]any
}

// Service administers the dead-letter queue. Safe for concurrent use.
type Service struct {
	store storage.DeadLetterStore
	log   *slog.Logger
}

// Option is a functional option for Service.
type Option func(*Service)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		s.log = log
	}
}

// New creates a Service backed by store.
func New(store storage.DeadLetterStore, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Capture inserts a pending entry for a failed run and returns its id.
func (s *Service) Capture(ctx context.Context, f Failure) (string, error) {
	if f.RunID == "" {
		return "", fault.New(fault.KindValidation, "dlq: capture without run id")
	}

	rec := &storage.DeadLetterRecord{
		ID:              uuid.NewString(),
		RunID:           f.RunID,
		Service:         f.Service,
		ErrorType:       fault.ErrorType(f.Err),
		FailedStage:     f.FailedStage,
		ContextSnapshot: f.ContextSnapshot,
		InputData:       f.InputData,
		Status:          storage.DeadLetterPending,
	}
	if f.Err != nil {
		rec.ErrorMessage = f.Err.Error()
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return "", fault.Wrap(fault.KindPipeline, err, "dlq: capture run %s", f.RunID)
	}
	s.log.Info("run captured to dead-letter queue",
		"run_id", f.RunID, "entry_id", rec.ID,
		"failed_stage", f.FailedStage, "error_type", rec.ErrorType)
	return rec.ID, nil
}

// List returns entries matching the filter, newest first.
func (s *Service) List(ctx context.Context, f storage.DeadLetterFilter) ([]storage.DeadLetterRecord, error) {
	return s.store.List(ctx, f)
}

// Get returns one entry, or a not-found fault.
func (s *Service) Get(ctx context.Context, id string) (*storage.DeadLetterRecord, error) {
	return s.store.Get(ctx, id)
}

// Resolve marks an entry resolved. resolvedBy is the acting principal.
func (s *Service) Resolve(ctx context.Context, id, resolvedBy, notes string) error {
	if resolvedBy == "" {
		return fault.New(fault.KindValidation, "dlq: resolve requires a principal")
	}
	if err := s.store.Resolve(ctx, id, resolvedBy, notes); err != nil {
		return err
	}
	s.log.Info("dead-letter entry resolved", "entry_id", id, "resolved_by", resolvedBy)
	return nil
}

// MarkReprocessed marks an entry reprocessed and bumps its retry count. The
// caller is responsible for the replay itself.
func (s *Service) MarkReprocessed(ctx context.Context, id string) error {
	if err := s.store.MarkReprocessed(ctx, id); err != nil {
		return err
	}
	s.log.Info("dead-letter entry marked reprocessed", "entry_id", id)
	return nil
}

// Stats returns counts per status, error class, and service.
func (s *Service) Stats(ctx context.Context) (*storage.DeadLetterStats, error) {
	return s.store.Stats(ctx)
}
