package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SchedulingMeta is the singleton bookkeeping row: which project owns the
// store and when the background passes last ran.
type SchedulingMeta struct {
	ProjectName       string          `json:"project_name"`
	LastMatchingRunAt *time.Time      `json:"last_matching_run_at,omitempty"`
	LastMatchingRunID *uuid.UUID      `json:"last_matching_run_id,omitempty"`
	LastRunSummary    json.RawMessage `json:"last_run_summary"`
	LastClientSyncAt  *time.Time      `json:"last_client_sync_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (s *Store) GetSchedulingMeta(ctx context.Context) (*SchedulingMeta, error) {
	var m SchedulingMeta
	err := s.pool.QueryRow(ctx, `
		SELECT project_name, last_matching_run_at, last_matching_run_id,
			last_run_summary, last_client_sync_at, updated_at
		FROM scheduling_meta WHERE id = 1
	`).Scan(&m.ProjectName, &m.LastMatchingRunAt, &m.LastMatchingRunID,
		&m.LastRunSummary, &m.LastClientSyncAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read scheduling meta: %w", err)
	}
	return &m, nil
}

// StampMatchingRun records the latest run on the singleton.
func (s *Store) StampMatchingRun(ctx context.Context, runID uuid.UUID, at time.Time, summary json.RawMessage) error {
	if len(summary) == 0 {
		summary = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduling_meta SET
			last_matching_run_at = $1, last_matching_run_id = $2,
			last_run_summary = $3, updated_at = now()
		WHERE id = 1
	`, at, runID, summary)
	if err != nil {
		return fmt.Errorf("failed to stamp matching run: %w", err)
	}
	return nil
}

// StampClientSync records the latest CRM sync time on the singleton.
func (s *Store) StampClientSync(ctx context.Context, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduling_meta SET last_client_sync_at = $1, updated_at = now()
		WHERE id = 1
	`, at)
	if err != nil {
		return fmt.Errorf("failed to stamp client sync: %w", err)
	}
	return nil
}
