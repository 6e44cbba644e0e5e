// Package storage defines the persistence contracts for the pipeline kernel:
// run rows, the append-only event log, provider call records, the dead-letter
// queue, and applied agent output (interactions and artifacts).
//
// All interfaces are public within the module so alternative backends
// (Postgres, in-memory for tests) can be swapped without touching the kernel.
// Every implementation must be safe for concurrent use.
package storage

import (
	"context"
	"time"
)

// Run statuses. Transitions are created → running → one terminal status.
const (
	RunStatusCreated   = "created"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
)

// TerminalRunStatus reports whether status is one of the three terminal states.
func TerminalRunStatus(status string) bool {
	return status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCanceled
}

// Dead-letter entry statuses.
const (
	DeadLetterPending       = "pending"
	DeadLetterInvestigating = "investigating"
	DeadLetterResolved      = "resolved"
	DeadLetterReprocessed   = "reprocessed"
)

// StageSummary captures the per-stage outcome stored on the run row.
type StageSummary struct {
	// Status is the stage outcome: "ok", "fail", or "skip".
	Status string `json:"status"`

	// Reason explains a skip ("canceled", "predicate", upstream skip).
	Reason string `json:"reason,omitempty"`

	// DurationMS is the stage wall-clock duration.
	DurationMS int64 `json:"duration_ms"`

	// Error holds the failure message for "fail" outcomes.
	Error string `json:"error,omitempty"`
}

// RunRecord is one pipeline run row. Created once by the run controller and
// mutated only by it.
type RunRecord struct {
	ID          string
	Service     string
	Status      string
	Topology    string
	Mode        string
	QualityMode string

	RequestID   string
	SessionID   string
	PrincipalID string
	TenantID    string

	// Aggregate timings, all in milliseconds. Zero when not applicable
	// (a chat run has no time-to-first-audio).
	TotalLatencyMS    int64
	TimeToFirstToken  int64
	TimeToFirstAudio  int64
	TimeToFirstChunk  int64

	// Aggregate token and cost counters across all provider calls.
	TokensIn     int
	TokensOut    int
	CachedTokens int
	// CostHundredthCents is the run's total cost in hundredths of cents.
	CostHundredthCents int64

	Success       bool
	Error         string
	StagesSummary map[string]StageSummary

	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventRecord is one row of the append-only per-run event log.
type EventRecord struct {
	// ID is assigned by the store on append.
	ID        int64
	RunID     string
	Type      string
	Timestamp time.Time
	Data      map[string]any

	// Correlation identifiers denormalized for querying.
	RequestID   string
	SessionID   string
	PrincipalID string
	TenantID    string
}

// ProviderCallRecord is one gateway invocation of an external provider.
// Created before the call with Success unset, finished afterwards.
type ProviderCallRecord struct {
	ID          string
	RunID       string
	Operation   string
	Provider    string
	Model       string
	Fingerprint string

	TokensIn     int
	TokensOut    int
	CachedTokens int
	DurationMS   int64

	Success bool
	Error   string

	CreatedAt time.Time
}

// DeadLetterRecord captures a failed run for later inspection and replay.
type DeadLetterRecord struct {
	ID           string
	RunID        string
	Service      string
	ErrorType    string
	ErrorMessage string
	FailedStage  string

	// ContextSnapshot is the JSON-serializable run context at failure time.
	ContextSnapshot map[string]any
	// InputData is the replayable request input, stripped of transient state.
	InputData map[string]any

	Status     string
	RetryCount int

	CreatedAt       time.Time
	ResolvedAt      *time.Time
	ResolvedBy      string
	ResolutionNotes string
}

// DeadLetterFilter narrows List queries. Zero fields match everything.
type DeadLetterFilter struct {
	Status    string
	Service   string
	ErrorType string
	Limit     int
}

// DeadLetterStats is the rollup returned by Stats.
type DeadLetterStats struct {
	ByStatus    map[string]int
	ByErrorType map[string]int
	ByService   map[string]int
}

// Interaction is one persisted conversational turn.
type Interaction struct {
	ID          string
	RunID       string
	SessionID   string
	PrincipalID string
	TenantID    string
	// Role is "user" or "assistant".
	Role      string
	Content   string
	CreatedAt time.Time
}

// Artifact is a structured side output of an agent turn (a summary, an
// extracted action item, a generated document).
type Artifact struct {
	ID      string
	RunID   string
	Kind    string
	Name    string
	Payload []byte

	CreatedAt time.Time
}

// RunStore persists pipeline run rows.
type RunStore interface {
	// CreateRun inserts a new run row. The record's Status must be
	// RunStatusCreated.
	CreateRun(ctx context.Context, rec *RunRecord) error

	// GetRun returns the run row, or a not-found fault.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// SetRunStatus transitions the run's status without touching aggregates.
	SetRunStatus(ctx context.Context, id, status string) error

	// FinishRun writes the terminal status, aggregates, and stage summary in
	// one update.
	FinishRun(ctx context.Context, rec *RunRecord) error
}

// EventStore persists the append-only event log.
type EventStore interface {
	// AppendEvent inserts one event and fills in rec.ID.
	AppendEvent(ctx context.Context, rec *EventRecord) error

	// ListEvents returns all events for a run in append order.
	ListEvents(ctx context.Context, runID string) ([]EventRecord, error)

	// LatestTerminalEvent returns the most recent pipeline.completed,
	// pipeline.failed, or pipeline.canceled event for a run, or a not-found
	// fault when none exists yet.
	LatestTerminalEvent(ctx context.Context, runID string) (*EventRecord, error)
}

// CallStore persists provider call records.
type CallStore interface {
	// CreateCall inserts a pending call record before the provider is invoked.
	CreateCall(ctx context.Context, rec *ProviderCallRecord) error

	// FinishCall updates the record with the outcome.
	FinishCall(ctx context.Context, rec *ProviderCallRecord) error

	// ListCalls returns all call records for a run in creation order.
	ListCalls(ctx context.Context, runID string) ([]ProviderCallRecord, error)
}

// DeadLetterStore persists and administers dead-letter entries.
type DeadLetterStore interface {
	// Insert adds a new entry with status DeadLetterPending.
	Insert(ctx context.Context, rec *DeadLetterRecord) error

	// List returns entries matching the filter, newest first.
	List(ctx context.Context, f DeadLetterFilter) ([]DeadLetterRecord, error)

	// Get returns one entry, or a not-found fault.
	Get(ctx context.Context, id string) (*DeadLetterRecord, error)

	// Resolve marks an entry resolved by the given principal.
	Resolve(ctx context.Context, id, resolvedBy, notes string) error

	// MarkReprocessed marks an entry reprocessed and increments its retry count.
	MarkReprocessed(ctx context.Context, id string) error

	// Stats returns counts per status, error class, and service.
	Stats(ctx context.Context) (*DeadLetterStats, error)
}

// InteractionStore persists applied agent output.
type InteractionStore interface {
	// ApplyOutput persists an interaction and its accepted artifacts in a
	// single transaction. A nil interaction persists artifacts only.
	ApplyOutput(ctx context.Context, interaction *Interaction, artifacts []Artifact) error

	// ListInteractions returns the most recent interactions for a session,
	// oldest first, capped at limit.
	ListInteractions(ctx context.Context, sessionID string, limit int) ([]Interaction, error)

	// ListArtifacts returns all artifacts persisted for a run.
	ListArtifacts(ctx context.Context, runID string) ([]Artifact, error)
}

// Store bundles every persistence contract the kernel consumes.
type Store interface {
	RunStore
	EventStore
	CallStore
	DeadLetterStore
	InteractionStore
}
