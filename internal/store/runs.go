package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/homereach/dispatch/internal/traveltime"
)

// RunTrigger records what started a matcher execution.
type RunTrigger string

const (
	TriggerManual     RunTrigger = "manual"
	TriggerScheduled  RunTrigger = "scheduled"
	TriggerSimulation RunTrigger = "simulation"
)

// MatchRun is one ledger row per matcher execution, opened at start and
// finalized with counters at the end.
type MatchRun struct {
	ID              uuid.UUID       `json:"id"`
	Trigger         RunTrigger      `json:"trigger"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	ClientCount     int             `json:"client_count"`
	TechnicianCount int             `json:"technician_count"`
	Matched         int             `json:"matched"`
	Unmatched       int             `json:"unmatched"`
	Locked          int             `json:"locked"`
	Manual          int             `json:"manual"`
	Blocked         int             `json:"blocked"`
	NeedsReview     int             `json:"needs_review"`
	CacheHits       int             `json:"cache_hits"`
	CacheMisses     int             `json:"cache_misses"`
	ProviderCalls   int             `json:"provider_calls"`
	FallbackUsed    int             `json:"fallback_used"`
	Error           *string         `json:"error,omitempty"`
	Params          json.RawMessage `json:"params"`
}

const matchRunColumns = `id, trigger, started_at, finished_at, duration_ms,
	client_count, technician_count, matched, unmatched, locked, manual, blocked,
	needs_review, cache_hits, cache_misses, provider_calls, fallback_used, error, params`

func scanMatchRun(row pgx.Row) (*MatchRun, error) {
	var r MatchRun
	err := row.Scan(&r.ID, &r.Trigger, &r.StartedAt, &r.FinishedAt, &r.DurationMS,
		&r.ClientCount, &r.TechnicianCount, &r.Matched, &r.Unmatched, &r.Locked,
		&r.Manual, &r.Blocked, &r.NeedsReview, &r.CacheHits, &r.CacheMisses,
		&r.ProviderCalls, &r.FallbackUsed, &r.Error, &r.Params)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan match run: %w", err)
	}
	return &r, nil
}

// CreateMatchRun opens a ledger row. finished_at stays null until
// FinishMatchRun.
func (s *Store) CreateMatchRun(ctx context.Context, r *MatchRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if len(r.Params) == 0 {
		r.Params = json.RawMessage(`{}`)
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO match_runs (id, trigger, params)
		VALUES ($1, $2, $3)
		RETURNING started_at
	`, r.ID, r.Trigger, r.Params).Scan(&r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert match run: %w", err)
	}
	return nil
}

// FinishMatchRun writes the final counters.
func (s *Store) FinishMatchRun(ctx context.Context, r *MatchRun) error {
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.DurationMS = now.Sub(r.StartedAt).Milliseconds()

	tag, err := s.pool.Exec(ctx, `
		UPDATE match_runs SET
			finished_at = $2, duration_ms = $3, client_count = $4,
			technician_count = $5, matched = $6, unmatched = $7, locked = $8,
			manual = $9, blocked = $10, needs_review = $11, cache_hits = $12,
			cache_misses = $13, provider_calls = $14, fallback_used = $15, error = $16
		WHERE id = $1
	`, r.ID, r.FinishedAt, r.DurationMS, r.ClientCount, r.TechnicianCount,
		r.Matched, r.Unmatched, r.Locked, r.Manual, r.Blocked, r.NeedsReview,
		r.CacheHits, r.CacheMisses, r.ProviderCalls, r.FallbackUsed, r.Error)
	if err != nil {
		return fmt.Errorf("failed to finish match run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetMatchRun(ctx context.Context, id uuid.UUID) (*MatchRun, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+matchRunColumns+` FROM match_runs WHERE id = $1`, id)
	return scanMatchRun(row)
}

// RunCursor is an opaque keyset position for ListMatchRuns paging.
type RunCursor struct {
	StartedAt time.Time
	ID        uuid.UUID
}

// ListMatchRuns pages the ledger newest first. A nil cursor starts at the
// top; the returned cursor is nil when the page was the last one.
func (s *Store) ListMatchRuns(ctx context.Context, cursor *RunCursor, limit int) ([]MatchRun, *RunCursor, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	var rows pgx.Rows
	var err error
	if cursor == nil {
		rows, err = s.pool.Query(ctx, `
			SELECT `+matchRunColumns+` FROM match_runs
			ORDER BY started_at DESC, id DESC
			LIMIT $1
		`, limit+1)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+matchRunColumns+` FROM match_runs
			WHERE (started_at, id) < ($1, $2)
			ORDER BY started_at DESC, id DESC
			LIMIT $3
		`, cursor.StartedAt, cursor.ID, limit+1)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list match runs: %w", err)
	}
	defer rows.Close()

	runs := []MatchRun{}
	for rows.Next() {
		r, err := scanMatchRun(rows)
		if err != nil {
			return nil, nil, err
		}
		runs = append(runs, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *RunCursor
	if len(runs) > limit {
		runs = runs[:limit]
		last := runs[len(runs)-1]
		next = &RunCursor{StartedAt: last.StartedAt, ID: last.ID}
	}
	return runs, next, nil
}

// Suggestion is one ranked alternative recorded alongside a run.
type Suggestion struct {
	RunID                uuid.UUID       `json:"run_id"`
	ClientID             uuid.UUID       `json:"client_id"`
	Rank                 int             `json:"rank"`
	TechnicianID         uuid.UUID       `json:"technician_id"`
	Mode                 traveltime.Mode `json:"mode"`
	DurationPessimisticS int64           `json:"duration_pessimistic_s"`
	DistanceM            int64           `json:"distance_m"`
	Quality              float64         `json:"quality"`
}

// InsertSuggestions writes a run's ranked candidates in one batch.
func (s *Store) InsertSuggestions(ctx context.Context, suggestions []Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, sg := range suggestions {
		batch.Queue(`
			INSERT INTO match_suggestions (run_id, client_id, rank, technician_id,
				mode, duration_pessimistic_s, distance_m, quality)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, sg.RunID, sg.ClientID, sg.Rank, sg.TechnicianID, sg.Mode,
			sg.DurationPessimisticS, sg.DistanceM, sg.Quality)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range suggestions {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to insert suggestions: %w", err)
		}
	}
	return nil
}

// ListSuggestions returns a run's candidates ordered per client by rank.
func (s *Store) ListSuggestions(ctx context.Context, runID uuid.UUID) ([]Suggestion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, client_id, rank, technician_id, mode,
			duration_pessimistic_s, distance_m, quality
		FROM match_suggestions
		WHERE run_id = $1
		ORDER BY client_id, rank
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list suggestions: %w", err)
	}
	defer rows.Close()

	suggestions := []Suggestion{}
	for rows.Next() {
		var sg Suggestion
		if err := rows.Scan(&sg.RunID, &sg.ClientID, &sg.Rank, &sg.TechnicianID,
			&sg.Mode, &sg.DurationPessimisticS, &sg.DistanceM, &sg.Quality); err != nil {
			return nil, fmt.Errorf("failed to scan suggestion: %w", err)
		}
		suggestions = append(suggestions, sg)
	}
	return suggestions, rows.Err()
}

// SyncRun is one ledger row per CRM client sync pass.
type SyncRun struct {
	ID                uuid.UUID  `json:"id"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Fetched           int        `json:"fetched"`
	Created           int        `json:"created"`
	Updated           int        `json:"updated"`
	Deactivated       int        `json:"deactivated"`
	AddressChanged    int        `json:"address_changed"`
	CoordsStaleMarked int        `json:"coords_stale_marked"`
	CacheInvalidated  int        `json:"cache_invalidated"`
	Geocoded          int        `json:"geocoded"`
	GeocodeFailures   int        `json:"geocode_failures"`
	Error             *string    `json:"error,omitempty"`
}

func (s *Store) CreateSyncRun(ctx context.Context, r *SyncRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO client_sync_runs (id) VALUES ($1) RETURNING started_at`, r.ID).
		Scan(&r.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}
	return nil
}

func (s *Store) FinishSyncRun(ctx context.Context, r *SyncRun) error {
	now := time.Now().UTC()
	r.FinishedAt = &now

	tag, err := s.pool.Exec(ctx, `
		UPDATE client_sync_runs SET
			finished_at = $2, fetched = $3, created = $4, updated = $5,
			deactivated = $6, address_changed = $7, coords_stale_marked = $8,
			cache_invalidated = $9, geocoded = $10, geocode_failures = $11, error = $12
		WHERE id = $1
	`, r.ID, r.FinishedAt, r.Fetched, r.Created, r.Updated, r.Deactivated,
		r.AddressChanged, r.CoordsStaleMarked, r.CacheInvalidated, r.Geocoded,
		r.GeocodeFailures, r.Error)
	if err != nil {
		return fmt.Errorf("failed to finish sync run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListSyncRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, started_at, finished_at, fetched, created, updated, deactivated,
			address_changed, coords_stale_marked, cache_invalidated, geocoded,
			geocode_failures, error
		FROM client_sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	runs := []SyncRun{}
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Fetched,
			&r.Created, &r.Updated, &r.Deactivated, &r.AddressChanged,
			&r.CoordsStaleMarked, &r.CacheInvalidated, &r.Geocoded,
			&r.GeocodeFailures, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
