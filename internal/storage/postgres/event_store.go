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

// AppendEvent implements [storage.EventStore].
func (s *Store) AppendEvent(ctx context.Context, rec *storage.EventRecord) error {
	data, err := marshalData(rec.Data)
	if err != nil {
		return fmt.Errorf("event store: marshal data: %w", err)
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	const q = `
		INSERT INTO pipeline_events
		    (pipeline_run_id, type, timestamp, data_json, request_id, session_id, user_id, org_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err = s.pool.QueryRow(ctx, q,
		rec.RunID,
		rec.Type,
		ts,
		data,
		rec.RequestID,
		rec.SessionID,
		rec.PrincipalID,
		rec.TenantID,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("event store: append event: %w", err)
	}
	rec.Timestamp = ts
	return nil
}

// ListEvents implements [storage.EventStore].
func (s *Store) ListEvents(ctx context.Context, runID string) ([]storage.EventRecord, error) {
	const q = `
		SELECT id, pipeline_run_id, type, timestamp, data_json,
		       request_id, session_id, user_id, org_id
		FROM   pipeline_events
		WHERE  pipeline_run_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("event store: list events: %w", err)
	}
	return collectEvents(rows)
}

// LatestTerminalEvent implements [storage.EventStore].
func (s *Store) LatestTerminalEvent(ctx context.Context, runID string) (*storage.EventRecord, error) {
	const q = `
		SELECT id, pipeline_run_id, type, timestamp, data_json,
		       request_id, session_id, user_id, org_id
		FROM   pipeline_events
		WHERE  pipeline_run_id = $1
		  AND  type IN ('pipeline.completed', 'pipeline.failed', 'pipeline.canceled')
		ORDER  BY id DESC
		LIMIT  1`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("event store: latest terminal event: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fault.New(fault.KindNotFound, "run %s has no terminal event", runID)
	}
	return &events[0], nil
}

// collectEvents scans pgx rows into a slice of EventRecord values.
func collectEvents(rows pgx.Rows) ([]storage.EventRecord, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.EventRecord, error) {
		var (
			e    storage.EventRecord
			data []byte
		)
		if err := row.Scan(
			&e.ID,
			&e.RunID,
			&e.Type,
			&e.Timestamp,
			&data,
			&e.RequestID,
			&e.SessionID,
			&e.PrincipalID,
			&e.TenantID,
		); err != nil {
			return storage.EventRecord{}, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return storage.EventRecord{}, err
			}
		}
		return e, nil
	})
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("event store: scan rows: %w", err)
	}
	if events == nil {
		events = []storage.EventRecord{}
	}
	return events, nil
}

// marshalData encodes an event payload map, defaulting to an empty object.
func marshalData(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
