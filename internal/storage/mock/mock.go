// Package mock provides a functional in-memory implementation of
// [storage.Store] for tests. All data lives in process memory guarded by a
// single mutex; semantics mirror the Postgres backend, including not-found
// faults and append ordering.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Store is an in-memory storage.Store. The zero value is not usable;
// construct with [NewStore]. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	runs         map[string]*storage.RunRecord
	events       []storage.EventRecord
	nextEventID  int64
	calls        map[string]*storage.ProviderCallRecord
	callOrder    []string
	deadLetters  map[string]*storage.DeadLetterRecord
	dlOrder      []string
	interactions []storage.Interaction
	artifacts    []storage.Artifact

	// FailAppendEvent, when non-nil, is returned from AppendEvent. Lets tests
	// exercise the sink's drop-and-log path.
	FailAppendEvent error
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		runs:        map[string]*storage.RunRecord{},
		nextEventID: 1,
		calls:       map[string]*storage.ProviderCallRecord{},
		deadLetters: map[string]*storage.DeadLetterRecord{},
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// RunStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateRun implements [storage.RunStore].
func (s *Store) CreateRun(_ context.Context, rec *storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[rec.ID]; ok {
		return fault.New(fault.KindValidation, "run %s already exists", rec.ID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.runs[rec.ID] = &cp
	return nil
}

// GetRun implements [storage.RunStore].
func (s *Store) GetRun(_ context.Context, id string) (*storage.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "run %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

// SetRunStatus implements [storage.RunStore].
func (s *Store) SetRunStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[id]
	if !ok {
		return fault.New(fault.KindNotFound, "run %s not found", id)
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// FinishRun implements [storage.RunStore].
func (s *Store) FinishRun(_ context.Context, rec *storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[rec.ID]
	if !ok {
		return fault.New(fault.KindNotFound, "run %s not found", rec.ID)
	}
	existing.Status = rec.Status
	existing.TotalLatencyMS = rec.TotalLatencyMS
	existing.TimeToFirstToken = rec.TimeToFirstToken
	existing.TimeToFirstAudio = rec.TimeToFirstAudio
	existing.TimeToFirstChunk = rec.TimeToFirstChunk
	existing.TokensIn = rec.TokensIn
	existing.TokensOut = rec.TokensOut
	existing.CachedTokens = rec.CachedTokens
	existing.CostHundredthCents = rec.CostHundredthCents
	existing.Success = rec.Success
	existing.Error = rec.Error
	existing.StagesSummary = rec.StagesSummary
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// EventStore
// ─────────────────────────────────────────────────────────────────────────────

// AppendEvent implements [storage.EventStore].
func (s *Store) AppendEvent(_ context.Context, rec *storage.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAppendEvent != nil {
		return s.FailAppendEvent
	}
	rec.ID = s.nextEventID
	s.nextEventID++
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	s.events = append(s.events, *rec)
	return nil
}

// ListEvents implements [storage.EventStore].
func (s *Store) ListEvents(_ context.Context, runID string) ([]storage.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []storage.EventRecord{}
	for _, e := range s.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// LatestTerminalEvent implements [storage.EventStore].
func (s *Store) LatestTerminalEvent(_ context.Context, runID string) (*storage.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if e.RunID != runID {
			continue
		}
		switch e.Type {
		case "pipeline.completed", "pipeline.failed", "pipeline.canceled":
			cp := e
			return &cp, nil
		}
	}
	return nil, fault.New(fault.KindNotFound, "run %s has no terminal event", runID)
}

// ─────────────────────────────────────────────────────────────────────────────
// CallStore
// ─────────────────────────────────────────────────────────────────────────────

// CreateCall implements [storage.CallStore].
func (s *Store) CreateCall(_ context.Context, rec *storage.ProviderCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.calls[rec.ID] = &cp
	s.callOrder = append(s.callOrder, rec.ID)
	return nil
}

// FinishCall implements [storage.CallStore].
func (s *Store) FinishCall(_ context.Context, rec *storage.ProviderCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.calls[rec.ID]
	if !ok {
		return fault.New(fault.KindNotFound, "provider call %s not found", rec.ID)
	}
	existing.TokensIn = rec.TokensIn
	existing.TokensOut = rec.TokensOut
	existing.CachedTokens = rec.CachedTokens
	existing.DurationMS = rec.DurationMS
	existing.Success = rec.Success
	existing.Error = rec.Error
	return nil
}

// ListCalls implements [storage.CallStore].
func (s *Store) ListCalls(_ context.Context, runID string) ([]storage.ProviderCallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []storage.ProviderCallRecord{}
	for _, id := range s.callOrder {
		if c := s.calls[id]; c.RunID == runID {
			out = append(out, *c)
		}
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// DeadLetterStore
// ─────────────────────────────────────────────────────────────────────────────

// Insert implements [storage.DeadLetterStore].
func (s *Store) Insert(_ context.Context, rec *storage.DeadLetterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status == "" {
		rec.Status = storage.DeadLetterPending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	cp := *rec
	s.deadLetters[rec.ID] = &cp
	s.dlOrder = append(s.dlOrder, rec.ID)
	return nil
}

// List implements [storage.DeadLetterStore].
func (s *Store) List(_ context.Context, f storage.DeadLetterFilter) ([]storage.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []storage.DeadLetterRecord{}
	for _, id := range s.dlOrder {
		r := s.deadLetters[id]
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Service != "" && r.Service != f.Service {
			continue
		}
		if f.ErrorType != "" && r.ErrorType != f.ErrorType {
			continue
		}
		out = append(out, *r)
	}
	// Newest first, like the Postgres backend.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Get implements [storage.DeadLetterStore].
func (s *Store) Get(_ context.Context, id string) (*storage.DeadLetterRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deadLetters[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "dead letter %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

// Resolve implements [storage.DeadLetterStore].
func (s *Store) Resolve(_ context.Context, id, resolvedBy, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deadLetters[id]
	if !ok {
		return fault.New(fault.KindNotFound, "dead letter %s not found", id)
	}
	now := time.Now().UTC()
	rec.Status = storage.DeadLetterResolved
	rec.ResolvedAt = &now
	rec.ResolvedBy = resolvedBy
	rec.ResolutionNotes = notes
	return nil
}

// MarkReprocessed implements [storage.DeadLetterStore].
func (s *Store) MarkReprocessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.deadLetters[id]
	if !ok {
		return fault.New(fault.KindNotFound, "dead letter %s not found", id)
	}
	rec.Status = storage.DeadLetterReprocessed
	rec.RetryCount++
	return nil
}

// Stats implements [storage.DeadLetterStore].
func (s *Store) Stats(_ context.Context) (*storage.DeadLetterStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &storage.DeadLetterStats{
		ByStatus:    map[string]int{},
		ByErrorType: map[string]int{},
		ByService:   map[string]int{},
	}
	for _, r := range s.deadLetters {
		stats.ByStatus[r.Status]++
		stats.ByErrorType[r.ErrorType]++
		stats.ByService[r.Service]++
	}
	return stats, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// InteractionStore
// ─────────────────────────────────────────────────────────────────────────────

// ApplyOutput implements [storage.InteractionStore].
func (s *Store) ApplyOutput(_ context.Context, interaction *storage.Interaction, artifacts []storage.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if interaction != nil {
		cp := *interaction
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		s.interactions = append(s.interactions, cp)
	}
	for _, a := range artifacts {
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		s.artifacts = append(s.artifacts, a)
	}
	return nil
}

// ListInteractions implements [storage.InteractionStore].
func (s *Store) ListInteractions(_ context.Context, sessionID string, limit int) ([]storage.Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []storage.Interaction{}
	for _, i := range s.interactions {
		if i.SessionID == sessionID {
			out = append(out, i)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ListArtifacts implements [storage.InteractionStore].
func (s *Store) ListArtifacts(_ context.Context, runID string) ([]storage.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []storage.Artifact{}
	for _, a := range s.artifacts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}
