// Package postgres provides the PostgreSQL-backed implementation of the
// kernel's persistence contracts (run rows, event log, provider calls,
// dead-letter queue, interactions, artifacts).
//
// All stores share a single [pgxpool.Pool]. [Migrate] is idempotent
// (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS) and safe to call
// on every application start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Run rows
// ─────────────────────────────────────────────────────────────────────────────

const ddlPipelineRuns = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
    id                    TEXT         PRIMARY KEY,
    service               TEXT         NOT NULL,
    status                TEXT         NOT NULL,
    topology              TEXT         NOT NULL DEFAULT '',
    mode                  TEXT         NOT NULL DEFAULT '',
    quality_mode          TEXT         NOT NULL DEFAULT '',
    request_id            TEXT         NOT NULL DEFAULT '',
    session_id            TEXT         NOT NULL DEFAULT '',
    user_id               TEXT         NOT NULL DEFAULT '',
    org_id                TEXT         NOT NULL DEFAULT '',
    total_latency_ms      BIGINT       NOT NULL DEFAULT 0,
    ttft_ms               BIGINT       NOT NULL DEFAULT 0,
    ttfa_ms               BIGINT       NOT NULL DEFAULT 0,
    ttfc_ms               BIGINT       NOT NULL DEFAULT 0,
    tokens_in             INTEGER      NOT NULL DEFAULT 0,
    tokens_out            INTEGER      NOT NULL DEFAULT 0,
    cached_tokens         INTEGER      NOT NULL DEFAULT 0,
    cost_hundredth_cents  BIGINT       NOT NULL DEFAULT 0,
    success               BOOLEAN      NOT NULL DEFAULT FALSE,
    error                 TEXT         NOT NULL DEFAULT '',
    stages_summary_json   JSONB        NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_session_id
    ON pipeline_runs (session_id);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_status
    ON pipeline_runs (status);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_created_at
    ON pipeline_runs (created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Event log
// ─────────────────────────────────────────────────────────────────────────────

const ddlPipelineEvents = `
CREATE TABLE IF NOT EXISTS pipeline_events (
    id               BIGSERIAL    PRIMARY KEY,
    pipeline_run_id  TEXT         NOT NULL,
    type             TEXT         NOT NULL,
    timestamp        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    data_json        JSONB        NOT NULL DEFAULT '{}',
    request_id       TEXT         NOT NULL DEFAULT '',
    session_id       TEXT         NOT NULL DEFAULT '',
    user_id          TEXT         NOT NULL DEFAULT '',
    org_id           TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_pipeline_events_run_timestamp
    ON pipeline_events (pipeline_run_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_pipeline_events_type
    ON pipeline_events (type);
`

// ─────────────────────────────────────────────────────────────────────────────
// Provider calls
// ─────────────────────────────────────────────────────────────────────────────

const ddlProviderCalls = `
CREATE TABLE IF NOT EXISTS provider_calls (
    id               TEXT         PRIMARY KEY,
    pipeline_run_id  TEXT         NOT NULL,
    operation        TEXT         NOT NULL,
    provider         TEXT         NOT NULL,
    model            TEXT         NOT NULL DEFAULT '',
    fingerprint      TEXT         NOT NULL DEFAULT '',
    tokens_in        INTEGER      NOT NULL DEFAULT 0,
    tokens_out       INTEGER      NOT NULL DEFAULT 0,
    cached_tokens    INTEGER      NOT NULL DEFAULT 0,
    duration_ms      BIGINT       NOT NULL DEFAULT 0,
    success          BOOLEAN      NOT NULL DEFAULT FALSE,
    error            TEXT         NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_provider_calls_run_id
    ON provider_calls (pipeline_run_id);

CREATE INDEX IF NOT EXISTS idx_provider_calls_provider_model
    ON provider_calls (provider, model);
`

// ─────────────────────────────────────────────────────────────────────────────
// Dead-letter queue
// ─────────────────────────────────────────────────────────────────────────────

const ddlDeadLetterQueue = `
CREATE TABLE IF NOT EXISTS dead_letter_queue (
    id                     TEXT         PRIMARY KEY,
    pipeline_run_id        TEXT         NOT NULL,
    service                TEXT         NOT NULL DEFAULT '',
    error_type             TEXT         NOT NULL DEFAULT '',
    error_message          TEXT         NOT NULL DEFAULT '',
    failed_stage           TEXT         NOT NULL DEFAULT '',
    context_snapshot_json  JSONB        NOT NULL DEFAULT '{}',
    input_data_json        JSONB        NOT NULL DEFAULT '{}',
    status                 TEXT         NOT NULL DEFAULT 'pending',
    retry_count            INTEGER      NOT NULL DEFAULT 0,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now(),
    resolved_at            TIMESTAMPTZ,
    resolved_by            TEXT         NOT NULL DEFAULT '',
    resolution_notes       TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_dlq_status
    ON dead_letter_queue (status);

CREATE INDEX IF NOT EXISTS idx_dlq_service
    ON dead_letter_queue (service);

CREATE INDEX IF NOT EXISTS idx_dlq_error_type
    ON dead_letter_queue (error_type);

CREATE INDEX IF NOT EXISTS idx_dlq_created_at
    ON dead_letter_queue (created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Interactions and artifacts
// ─────────────────────────────────────────────────────────────────────────────

const ddlInteractions = `
CREATE TABLE IF NOT EXISTS interactions (
    id               TEXT         PRIMARY KEY,
    pipeline_run_id  TEXT         NOT NULL,
    session_id       TEXT         NOT NULL,
    user_id          TEXT         NOT NULL DEFAULT '',
    org_id           TEXT         NOT NULL DEFAULT '',
    role             TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_interactions_session_created
    ON interactions (session_id, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
    id               TEXT         PRIMARY KEY,
    pipeline_run_id  TEXT         NOT NULL,
    kind             TEXT         NOT NULL,
    name             TEXT         NOT NULL DEFAULT '',
    payload          BYTEA        NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_artifacts_run_id
    ON artifacts (pipeline_run_id);
`

// Migrate creates or ensures all required tables and indexes exist. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlPipelineRuns,
		ddlPipelineEvents,
		ddlProviderCalls,
		ddlDeadLetterQueue,
		ddlInteractions,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
