package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/voxline/voxline/internal/storage"
)

// ApplyOutput implements [storage.InteractionStore]. The interaction and all
// artifacts are written in a single transaction so a partially applied agent
// output can never be observed.
func (s *Store) ApplyOutput(ctx context.Context, interaction *storage.Interaction, artifacts []storage.Artifact) error {
	if interaction == nil && len(artifacts) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("interaction store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()

	if interaction != nil {
		const q = `
			INSERT INTO interactions
			    (id, pipeline_run_id, session_id, user_id, org_id, role, content, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

		createdAt := interaction.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err = tx.Exec(ctx, q,
			interaction.ID,
			interaction.RunID,
			interaction.SessionID,
			interaction.PrincipalID,
			interaction.TenantID,
			interaction.Role,
			interaction.Content,
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("interaction store: insert interaction: %w", err)
		}
	}

	for _, a := range artifacts {
		const q = `
			INSERT INTO artifacts
			    (id, pipeline_run_id, kind, name, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`

		createdAt := a.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if _, err := tx.Exec(ctx, q, a.ID, a.RunID, a.Kind, a.Name, a.Payload, createdAt); err != nil {
			return fmt.Errorf("interaction store: insert artifact: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("interaction store: commit: %w", err)
	}
	return nil
}

// ListInteractions implements [storage.InteractionStore].
func (s *Store) ListInteractions(ctx context.Context, sessionID string, limit int) ([]storage.Interaction, error) {
	const q = `
		SELECT id, pipeline_run_id, session_id, user_id, org_id, role, content, created_at
		FROM (
		    SELECT id, pipeline_run_id, session_id, user_id, org_id, role, content, created_at
		    FROM   interactions
		    WHERE  session_id = $1
		    ORDER  BY created_at DESC
		    LIMIT  $2
		) recent
		ORDER BY created_at`

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("interaction store: list: %w", err)
	}

	interactions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Interaction, error) {
		var i storage.Interaction
		err := row.Scan(
			&i.ID,
			&i.RunID,
			&i.SessionID,
			&i.PrincipalID,
			&i.TenantID,
			&i.Role,
			&i.Content,
			&i.CreatedAt,
		)
		return i, err
	})
	if err != nil {
		return nil, fmt.Errorf("interaction store: scan rows: %w", err)
	}
	if interactions == nil {
		interactions = []storage.Interaction{}
	}
	return interactions, nil
}

// ListArtifacts implements [storage.InteractionStore].
func (s *Store) ListArtifacts(ctx context.Context, runID string) ([]storage.Artifact, error) {
	const q = `
		SELECT id, pipeline_run_id, kind, name, payload, created_at
		FROM   artifacts
		WHERE  pipeline_run_id = $1
		ORDER  BY created_at, id`

	rows, err := s.pool.Query(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("interaction store: list artifacts: %w", err)
	}

	artifacts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Artifact, error) {
		var a storage.Artifact
		err := row.Scan(&a.ID, &a.RunID, &a.Kind, &a.Name, &a.Payload, &a.CreatedAt)
		return a, err
	})
	if err != nil {
		return nil, fmt.Errorf("interaction store: scan rows: %w", err)
	}
	if artifacts == nil {
		artifacts = []storage.Artifact{}
	}
	return artifacts, nil
}
