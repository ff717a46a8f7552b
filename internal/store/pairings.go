package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/homereach/dispatch/internal/traveltime"
)

// Pairing is an approved client-technician bond. One active pairing per
// client and per technician, enforced by partial unique indexes.
type Pairing struct {
	ID                   uuid.UUID       `json:"id"`
	ProposalID           *uuid.UUID      `json:"proposal_id,omitempty"`
	ClientID             uuid.UUID       `json:"client_id"`
	TechnicianID         uuid.UUID       `json:"technician_id"`
	Mode                 traveltime.Mode `json:"mode"`
	DurationPessimisticS int64           `json:"duration_pessimistic_s"`
	DistanceM            int64           `json:"distance_m"`
	Active               bool            `json:"active"`
	CreatedAt            time.Time       `json:"created_at"`
	EndedAt              *time.Time      `json:"ended_at,omitempty"`
	CreatedBy            string          `json:"created_by"`
}

const pairingColumns = `id, proposal_id, client_id, technician_id, mode,
	duration_pessimistic_s, distance_m, active, created_at, ended_at, created_by`

func scanPairing(row pgx.Row) (*Pairing, error) {
	var p Pairing
	err := row.Scan(&p.ID, &p.ProposalID, &p.ClientID, &p.TechnicianID, &p.Mode,
		&p.DurationPessimisticS, &p.DistanceM, &p.Active, &p.CreatedAt, &p.EndedAt,
		&p.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pairing: %w", err)
	}
	return &p, nil
}

// PairingFilter narrows ListPairings. Nil fields match everything.
type PairingFilter struct {
	ClientID     *uuid.UUID
	TechnicianID *uuid.UUID
	Active       *bool
	Limit        int
	Offset       int
}

func (s *Store) ListPairings(ctx context.Context, f PairingFilter) ([]Pairing, int, error) {
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
	if f.Active != nil {
		add("active = $%d", *f.Active)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM pairings WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count pairings: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM pairings WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, pairingColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list pairings: %w", err)
	}
	defer rows.Close()

	pairings := []Pairing{}
	for rows.Next() {
		p, err := scanPairing(rows)
		if err != nil {
			return nil, 0, err
		}
		pairings = append(pairings, *p)
	}
	return pairings, total, rows.Err()
}

// GetActivePairingForTechnician returns the technician's live pairing.
func (s *Store) GetActivePairingForTechnician(ctx context.Context, techID uuid.UUID) (*Pairing, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pairingColumns+` FROM pairings WHERE technician_id = $1 AND active`, techID)
	return scanPairing(row)
}

// ReopenTechnician ends the technician's active pairing: the pairing row is
// closed, the technician unlocks, and the client becomes matchable again.
// No active pairing means there is nothing to reopen.
func (s *Store) ReopenTechnician(ctx context.Context, techID uuid.UUID) (*Pairing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reopen: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanPairing(tx.QueryRow(ctx,
		`SELECT `+pairingColumns+` FROM pairings WHERE technician_id = $1 AND active FOR UPDATE`, techID))
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE pairings SET active = FALSE, ended_at = now() WHERE id = $1`, p.ID); err != nil {
		return nil, fmt.Errorf("failed to end pairing: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE technicians SET locked = FALSE, updated_at = now() WHERE id = $1`, p.TechnicianID); err != nil {
		return nil, fmt.Errorf("failed to unlock technician: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE clients SET paired = FALSE, updated_at = now() WHERE id = $1`, p.ClientID); err != nil {
		return nil, fmt.Errorf("failed to unpair client: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit reopen: %w", err)
	}

	ended := *p
	ended.Active = false
	now := time.Now().UTC()
	ended.EndedAt = &now

	s.log.Info("store: technician reopened",
		"technician", p.TechnicianID, "client", p.ClientID, "pairing", p.ID)
	return &ended, nil
}
