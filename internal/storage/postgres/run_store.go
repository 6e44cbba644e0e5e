package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/storage"
)

// CreateRun implements [storage.RunStore].
func (s *Store) CreateRun(ctx context.Context, rec *storage.RunRecord) error {
	summary, err := marshalSummary(rec.StagesSummary)
	if err != nil {
		return fmt.Errorf("run store: marshal summary: %w", err)
	}

	const q = `
		INSERT INTO pipeline_runs
		    (id, service, status, topology, mode, quality_mode,
		     request_id, session_id, user_id, org_id, stages_summary_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, q,
		rec.ID,
		rec.Service,
		rec.Status,
		rec.Topology,
		rec.Mode,
		rec.QualityMode,
		rec.RequestID,
		rec.SessionID,
		rec.PrincipalID,
		rec.TenantID,
		summary,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("run store: create run: %w", err)
	}
	return nil
}

// GetRun implements [storage.RunStore].
func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	const q = `
		SELECT id, service, status, topology, mode, quality_mode,
		       request_id, session_id, user_id, org_id,
		       total_latency_ms, ttft_ms, ttfa_ms, ttfc_ms,
		       tokens_in, tokens_out, cached_tokens, cost_hundredth_cents,
		       success, error, stages_summary_json, created_at, updated_at
		FROM   pipeline_runs
		WHERE  id = $1`

	var (
		rec     storage.RunRecord
		summary []byte
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID,
		&rec.Service,
		&rec.Status,
		&rec.Topology,
		&rec.Mode,
		&rec.QualityMode,
		&rec.RequestID,
		&rec.SessionID,
		&rec.PrincipalID,
		&rec.TenantID,
		&rec.TotalLatencyMS,
		&rec.TimeToFirstToken,
		&rec.TimeToFirstAudio,
		&rec.TimeToFirstChunk,
		&rec.TokensIn,
		&rec.TokensOut,
		&rec.CachedTokens,
		&rec.CostHundredthCents,
		&rec.Success,
		&rec.Error,
		&summary,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.KindNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("run store: get run: %w", err)
	}

	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &rec.StagesSummary); err != nil {
			return nil, fmt.Errorf("run store: unmarshal summary: %w", err)
		}
	}
	return &rec, nil
}

// SetRunStatus implements [storage.RunStore].
func (s *Store) SetRunStatus(ctx context.Context, id, status string) error {
	const q = `
		UPDATE pipeline_runs
		SET    status = $2, updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("run store: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "run %s not found", id)
	}
	return nil
}

// FinishRun implements [storage.RunStore].
func (s *Store) FinishRun(ctx context.Context, rec *storage.RunRecord) error {
	summary, err := marshalSummary(rec.StagesSummary)
	if err != nil {
		return fmt.Errorf("run store: marshal summary: %w", err)
	}

	const q = `
		UPDATE pipeline_runs
		SET    status = $2,
		       total_latency_ms = $3,
		       ttft_ms = $4,
		       ttfa_ms = $5,
		       ttfc_ms = $6,
		       tokens_in = $7,
		       tokens_out = $8,
		       cached_tokens = $9,
		       cost_hundredth_cents = $10,
		       success = $11,
		       error = $12,
		       stages_summary_json = $13,
		       updated_at = now()
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.Status,
		rec.TotalLatencyMS,
		rec.TimeToFirstToken,
		rec.TimeToFirstAudio,
		rec.TimeToFirstChunk,
		rec.TokensIn,
		rec.TokensOut,
		rec.CachedTokens,
		rec.CostHundredthCents,
		rec.Success,
		rec.Error,
		summary,
	)
	if err != nil {
		return fmt.Errorf("run store: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "run %s not found", rec.ID)
	}
	return nil
}

// marshalSummary encodes a stage summary map, defaulting to an empty object.
func marshalSummary(m map[string]storage.StageSummary) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
