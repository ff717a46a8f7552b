package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// OverrideType is the operator intervention kind.
type OverrideType string

const (
	OverrideLockedAssignment OverrideType = "LOCKED_ASSIGNMENT"
	OverrideManualAssignment OverrideType = "MANUAL_ASSIGNMENT"
	OverrideBlockPair        OverrideType = "BLOCK_PAIR"
)

func (t OverrideType) Valid() bool {
	switch t {
	case OverrideLockedAssignment, OverrideManualAssignment, OverrideBlockPair:
		return true
	}
	return false
}

// Assignment reports whether the override forces the pair together.
func (t OverrideType) Assignment() bool {
	return t == OverrideLockedAssignment || t == OverrideManualAssignment
}

// ConflictPolicy picks what happens when a new override's effective window
// overlaps an existing one for the same pair.
type ConflictPolicy string

const (
	ConflictReject  ConflictPolicy = "reject"
	ConflictReplace ConflictPolicy = "replace"
)

func (p ConflictPolicy) Valid() bool {
	return p == ConflictReject || p == ConflictReplace
}

// Override pins or blocks a client-technician pair for a time window.
// effective_until null means open-ended.
type Override struct {
	ID             uuid.UUID    `json:"id"`
	ClientID       uuid.UUID    `json:"client_id"`
	TechnicianID   uuid.UUID    `json:"technician_id"`
	Type           OverrideType `json:"type"`
	Reason         string       `json:"reason"`
	CreatedBy      string       `json:"created_by"`
	EffectiveFrom  time.Time    `json:"effective_from"`
	EffectiveUntil *time.Time   `json:"effective_until,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// EffectiveAt reports whether the override covers ts.
func (o *Override) EffectiveAt(ts time.Time) bool {
	if ts.Before(o.EffectiveFrom) {
		return false
	}
	return o.EffectiveUntil == nil || ts.Before(*o.EffectiveUntil)
}

const overrideColumns = `id, client_id, technician_id, type, reason, created_by,
	effective_from, effective_until, created_at`

func scanOverride(row pgx.Row) (*Override, error) {
	var o Override
	err := row.Scan(&o.ID, &o.ClientID, &o.TechnicianID, &o.Type, &o.Reason,
		&o.CreatedBy, &o.EffectiveFrom, &o.EffectiveUntil, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan override: %w", err)
	}
	return &o, nil
}

// CreateOverride inserts after applying the conflict policy: reject errors
// on any overlapping override for the same pair, replace closes the
// overlapping rows at the new window's start.
func (s *Store) CreateOverride(ctx context.Context, o *Override, policy ConflictPolicy) error {
	if !o.Type.Valid() {
		return fmt.Errorf("invalid override type %q", o.Type)
	}
	if !policy.Valid() {
		return fmt.Errorf("invalid conflict policy %q", policy)
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.EffectiveFrom.IsZero() {
		o.EffectiveFrom = time.Now().UTC()
	}
	if o.EffectiveUntil != nil && !o.EffectiveUntil.After(o.EffectiveFrom) {
		return errors.New("effective_until must be after effective_from")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin override insert: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT `+overrideColumns+` FROM match_overrides
		WHERE client_id = $1 AND technician_id = $2
			AND effective_from < COALESCE($4::timestamptz, 'infinity'::timestamptz)
			AND COALESCE(effective_until, 'infinity'::timestamptz) > $3
		FOR UPDATE
	`, o.ClientID, o.TechnicianID, o.EffectiveFrom, o.EffectiveUntil)
	if err != nil {
		return fmt.Errorf("failed to check override conflicts: %w", err)
	}
	var conflicts []Override
	for rows.Next() {
		c, err := scanOverride(rows)
		if err != nil {
			rows.Close()
			return err
		}
		conflicts = append(conflicts, *c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to check override conflicts: %w", err)
	}

	if len(conflicts) > 0 {
		if policy == ConflictReject {
			return fmt.Errorf("%w: %s overlaps %s for pair %s/%s",
				ErrOverrideConflict, o.Type, conflicts[0].Type, o.ClientID, o.TechnicianID)
		}
		ids := make([]uuid.UUID, len(conflicts))
		for i, c := range conflicts {
			ids[i] = c.ID
		}
		if _, err := tx.Exec(ctx, `
			UPDATE match_overrides SET effective_until = $2
			WHERE id = ANY($1) AND (effective_until IS NULL OR effective_until > $2)
		`, ids, o.EffectiveFrom); err != nil {
			return fmt.Errorf("failed to close conflicting overrides: %w", err)
		}
		s.log.Info("store: replaced conflicting overrides",
			"client", o.ClientID, "technician", o.TechnicianID, "count", len(conflicts))
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO match_overrides (id, client_id, technician_id, type, reason,
			created_by, effective_from, effective_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, o.ID, o.ClientID, o.TechnicianID, o.Type, o.Reason, o.CreatedBy,
		o.EffectiveFrom, o.EffectiveUntil).Scan(&o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert override: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit override insert: %w", err)
	}
	return nil
}

// OverrideFilter narrows ListOverrides. Nil fields match everything.
type OverrideFilter struct {
	ClientID     *uuid.UUID
	TechnicianID *uuid.UUID
	Type         *OverrideType
	EffectiveAt  *time.Time
	Limit        int
	Offset       int
}

func (s *Store) ListOverrides(ctx context.Context, f OverrideFilter) ([]Override, error) {
	where := []string{"TRUE"}
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.ClientID != nil {
		add("client_id = $%d", *f.ClientID)
	}
	if f.TechnicianID != nil {
		add("technician_id = $%d", *f.TechnicianID)
	}
	if f.Type != nil {
		add("type = $%d", *f.Type)
	}
	if f.EffectiveAt != nil {
		args = append(args, *f.EffectiveAt)
		where = append(where, fmt.Sprintf(
			"effective_from <= $%d AND COALESCE(effective_until, 'infinity'::timestamptz) > $%d",
			len(args), len(args)))
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM match_overrides WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, overrideColumns, strings.Join(where, " AND "), len(args)-1, len(args)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	overrides := []Override{}
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, *o)
	}
	return overrides, rows.Err()
}

// EffectiveOverrides returns every override covering ts, the matcher's view.
func (s *Store) EffectiveOverrides(ctx context.Context, ts time.Time) ([]Override, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+overrideColumns+` FROM match_overrides
		WHERE effective_from <= $1
			AND COALESCE(effective_until, 'infinity'::timestamptz) > $1
		ORDER BY created_at, id
	`, ts)
	if err != nil {
		return nil, fmt.Errorf("failed to list effective overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, *o)
	}
	return overrides, rows.Err()
}

// EndOverride closes an override's effective window at ts. Already-closed
// rows are left alone and reported as ErrNotFound.
func (s *Store) EndOverride(ctx context.Context, id uuid.UUID, ts time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE match_overrides SET effective_until = $2
		WHERE id = $1 AND (effective_until IS NULL OR effective_until > $2)
	`, id, ts)
	if err != nil {
		return fmt.Errorf("failed to end override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
