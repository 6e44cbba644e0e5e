package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/storage"
)

// CreateCall implements [storage.CallStore].
func (s *Store) CreateCall(ctx context.Context, rec *storage.ProviderCallRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO provider_calls
		    (id, pipeline_run_id, operation, provider, model, fingerprint, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.RunID,
		rec.Operation,
		rec.Provider,
		rec.Model,
		rec.Fingerprint,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("call store: create call: %w", err)
	}
	rec.CreatedAt = createdAt
	return nil
}

// FinishCall implements [storage.CallStore].
func (s *Store) FinishCall(ctx context.Context, rec *storage.ProviderCallRecord) error {
	const q = `
		UPDATE provider_calls
		SET    tokens_in = $2,
		       tokens_out = $3,
		       cached_tokens = $4,
		       duration_ms = $5,
		       success = $6,
		       error = $7
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q,
		rec.ID,
		rec.TokensIn,
		rec.TokensOut,
		rec.CachedTokens,
		rec.DurationMS,
		rec.Success,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("call store: finish call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "provider call %s not found", rec.ID)
	}
	return nil
}

// ListCalls implements [storage.CallStore].
func (s *Store) ListCalls(ctx context.Context, runID string) ([]storage.ProviderCallRecord, error) {
	const q = `
		SELECT id, pipeline_run_id, operation, provider, model, fingerprint,
		       tokens_in, tokens_out, cached_tokens, duration_ms, success, error, created_at
		FROM   provider_calls
		WHERE  pipeline_run_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("call store: list calls: %w", err)
	}

	calls, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.ProviderCallRecord, error) {
		var c storage.ProviderCallRecord
		err := row.Scan(
			&c.ID,
			&c.RunID,
			&c.Operation,
			&c.Provider,
			&c.Model,
			&c.Fingerprint,
			&c.TokensIn,
			&c.TokensOut,
			&c.CachedTokens,
			&c.DurationMS,
			&c.Success,
			&c.Error,
			&c.CreatedAt,
		)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("call store: scan rows: %w", err)
	}
	if calls == nil {
		calls = []storage.ProviderCallRecord{}
	}
	return calls, nil
}
