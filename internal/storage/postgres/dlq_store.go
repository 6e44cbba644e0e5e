package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/storage"
)

// Insert implements [storage.DeadLetterStore].
func (s *Store) Insert(ctx context.Context, rec *storage.DeadLetterRecord) error {
	snapshot, err := marshalData(rec.ContextSnapshot)
	if err != nil {
		return fmt.Errorf("dlq store: marshal snapshot: %w", err)
	}
	input, err := marshalData(rec.InputData)
	if err != nil {
		return fmt.Errorf("dlq store: marshal input: %w", err)
	}

	status := rec.Status
	if status == "" {
		status = storage.DeadLetterPending
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO dead_letter_queue
		    (id, pipeline_run_id, service, error_type, error_message, failed_stage,
		     context_snapshot_json, input_data_json, status, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err = s.pool.Exec(ctx, q,
		rec.ID,
		rec.RunID,
		rec.Service,
		rec.ErrorType,
		rec.ErrorMessage,
		rec.FailedStage,
		snapshot,
		input,
		status,
		rec.RetryCount,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("dlq store: insert: %w", err)
	}
	rec.Status = status
	rec.CreatedAt = createdAt
	return nil
}

// List implements [storage.DeadLetterStore].
func (s *Store) List(ctx context.Context, f storage.DeadLetterFilter) ([]storage.DeadLetterRecord, error) {
	args := []any{}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if f.Status != "" {
		conditions = append(conditions, "status = "+next(f.Status))
	}
	if f.Service != "" {
		conditions = append(conditions, "service = "+next(f.Service))
	}
	if f.ErrorType != "" {
		conditions = append(conditions, "error_type = "+next(f.ErrorType))
	}

	q := `SELECT id, pipeline_run_id, service, error_type, error_message, failed_stage,
	             context_snapshot_json, input_data_json, status, retry_count,
	             created_at, resolved_at, resolved_by, resolution_notes
	      FROM   dead_letter_queue`
	if len(conditions) > 0 {
		q += "\nWHERE " + strings.Join(conditions, "\n  AND ")
	}
	q += "\nORDER BY created_at DESC"
	if f.Limit > 0 {
		q += "\nLIMIT " + next(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("dlq store: list: %w", err)
	}
	return collectDeadLetters(rows)
}

// Get implements [storage.DeadLetterStore].
func (s *Store) Get(ctx context.Context, id string) (*storage.DeadLetterRecord, error) {
	const q = `
		SELECT id, pipeline_run_id, service, error_type, error_message, failed_stage,
		       context_snapshot_json, input_data_json, status, retry_count,
		       created_at, resolved_at, resolved_by, resolution_notes
		FROM   dead_letter_queue
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, fmt.Errorf("dlq store: get: %w", err)
	}
	recs, err := collectDeadLetters(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fault.New(fault.KindNotFound, "dead letter %s not found", id)
	}
	return &recs[0], nil
}

// Resolve implements [storage.DeadLetterStore].
func (s *Store) Resolve(ctx context.Context, id, resolvedBy, notes string) error {
	const q = `
		UPDATE dead_letter_queue
		SET    status = $2, resolved_at = now(), resolved_by = $3, resolution_notes = $4
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, storage.DeadLetterResolved, resolvedBy, notes)
	if err != nil {
		return fmt.Errorf("dlq store: resolve: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "dead letter %s not found", id)
	}
	return nil
}

// MarkReprocessed implements [storage.DeadLetterStore].
func (s *Store) MarkReprocessed(ctx context.Context, id string) error {
	const q = `
		UPDATE dead_letter_queue
		SET    status = $2, retry_count = retry_count + 1
		WHERE  id = $1`

	tag, err := s.pool.Exec(ctx, q, id, storage.DeadLetterReprocessed)
	if err != nil {
		return fmt.Errorf("dlq store: mark reprocessed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.KindNotFound, "dead letter %s not found", id)
	}
	return nil
}

// Stats implements [storage.DeadLetterStore].
func (s *Store) Stats(ctx context.Context) (*storage.DeadLetterStats, error) {
	stats := &storage.DeadLetterStats{
		ByStatus:    map[string]int{},
		ByErrorType: map[string]int{},
		ByService:   map[string]int{},
	}

	rollups := []struct {
		column string
		into   map[string]int
	}{
		{"status", stats.ByStatus},
		{"error_type", stats.ByErrorType},
		{"service", stats.ByService},
	}

	for _, r := range rollups {
		q := fmt.Sprintf(
			`SELECT %s, count(*) FROM dead_letter_queue GROUP BY %s`,
			r.column, r.column,
		)
		rows, err := s.pool.Query(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("dlq store: stats %s: %w", r.column, err)
		}
		for rows.Next() {
			var (
				key   string
				count int
			)
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("dlq store: stats %s: %w", r.column, err)
			}
			r.into[key] = count
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("dlq store: stats %s: %w", r.column, err)
		}
	}

	return stats, nil
}

// collectDeadLetters scans pgx rows into a slice of DeadLetterRecord values.
func collectDeadLetters(rows pgx.Rows) ([]storage.DeadLetterRecord, error) {
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.DeadLetterRecord, error) {
		var (
			r          storage.DeadLetterRecord
			snapshot   []byte
			input      []byte
			resolvedAt *time.Time
		)
		if err := row.Scan(
			&r.ID,
			&r.RunID,
			&r.Service,
			&r.ErrorType,
			&r.ErrorMessage,
			&r.FailedStage,
			&snapshot,
			&input,
			&r.Status,
			&r.RetryCount,
			&r.CreatedAt,
			&resolvedAt,
			&r.ResolvedBy,
			&r.ResolutionNotes,
		); err != nil {
			return storage.DeadLetterRecord{}, err
		}
		r.ResolvedAt = resolvedAt
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &r.ContextSnapshot); err != nil {
				return storage.DeadLetterRecord{}, err
			}
		}
		if len(input) > 0 {
			if err := json.Unmarshal(input, &r.InputData); err != nil {
				return storage.DeadLetterRecord{}, err
			}
		}
		return r, nil
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("dlq store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []storage.DeadLetterRecord{}
	}
	return recs, nil
}
