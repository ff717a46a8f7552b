package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/homereach/dispatch/internal/traveltime"
)

// ProposalStatus is the simulation proposal lifecycle state. Approved,
// rejected, and expired are terminal. Deferred rows stay decidable: a later
// approve or reject still lands, and simulation re-runs leave them alone.
type ProposalStatus string

const (
	ProposalProposed ProposalStatus = "proposed"
	ProposalApproved ProposalStatus = "approved"
	ProposalRejected ProposalStatus = "rejected"
	ProposalDeferred ProposalStatus = "deferred"
	ProposalExpired  ProposalStatus = "expired"
)

// AssignmentSource records what produced an assignment.
type AssignmentSource string

const (
	AssignmentAuto   AssignmentSource = "AUTO"
	AssignmentLocked AssignmentSource = "LOCKED"
	AssignmentManual AssignmentSource = "MANUAL"
)

// Proposal is one matcher suggestion awaiting an operator decision.
type Proposal struct {
	ID                   uuid.UUID        `json:"id"`
	RunID                uuid.UUID        `json:"run_id"`
	ClientID             uuid.UUID        `json:"client_id"`
	TechnicianID         uuid.UUID        `json:"technician_id"`
	Mode                 traveltime.Mode  `json:"mode"`
	DurationAvgS         int64            `json:"duration_avg_s"`
	DurationPessimisticS int64            `json:"duration_pessimistic_s"`
	DistanceM            int64            `json:"distance_m"`
	Source               AssignmentSource `json:"source"`
	Status               ProposalStatus   `json:"status"`
	ValidationStatus     string           `json:"validation_status"`
	ValidationReasons    []string         `json:"validation_reasons"`
	ValidationWarnings   []string         `json:"validation_warnings"`
	Quality              float64          `json:"quality"`
	Explain              json.RawMessage  `json:"explain"`
	CreatedAt            time.Time        `json:"created_at"`
	DecidedAt            *time.Time       `json:"decided_at,omitempty"`
	DecidedBy            *string          `json:"decided_by,omitempty"`
	DecisionNote         *string          `json:"decision_note,omitempty"`
}

const proposalColumns = `id, run_id, client_id, technician_id, mode, duration_avg_s,
	duration_pessimistic_s, distance_m, source, status, validation_status,
	validation_reasons, validation_warnings, quality, explain, created_at,
	decided_at, decided_by, decision_note`

func scanProposal(row pgx.Row) (*Proposal, error) {
	var p Proposal
	err := row.Scan(&p.ID, &p.RunID, &p.ClientID, &p.TechnicianID, &p.Mode,
		&p.DurationAvgS, &p.DurationPessimisticS, &p.DistanceM, &p.Source,
		&p.Status, &p.ValidationStatus, &p.ValidationReasons, &p.ValidationWarnings,
		&p.Quality, &p.Explain, &p.CreatedAt, &p.DecidedAt, &p.DecidedBy, &p.DecisionNote)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proposal: %w", err)
	}
	return &p, nil
}

func (s *Store) CreateProposal(ctx context.Context, p *Proposal) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Status == "" {
		p.Status = ProposalProposed
	}
	if p.ValidationReasons == nil {
		p.ValidationReasons = []string{}
	}
	if p.ValidationWarnings == nil {
		p.ValidationWarnings = []string{}
	}
	if len(p.Explain) == 0 {
		p.Explain = json.RawMessage(`{}`)
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO match_proposals (id, run_id, client_id, technician_id, mode,
			duration_avg_s, duration_pessimistic_s, distance_m, source, status,
			validation_status, validation_reasons, validation_warnings, quality, explain)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at
	`, p.ID, p.RunID, p.ClientID, p.TechnicianID, p.Mode, p.DurationAvgS,
		p.DurationPessimisticS, p.DistanceM, p.Source, p.Status, p.ValidationStatus,
		p.ValidationReasons, p.ValidationWarnings, p.Quality, p.Explain).
		Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert proposal: %w", err)
	}
	return nil
}

func (s *Store) GetProposal(ctx context.Context, id uuid.UUID) (*Proposal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM match_proposals WHERE id = $1`, id)
	return scanProposal(row)
}

// ProposalFilter narrows ListProposals. Nil fields match everything.
type ProposalFilter struct {
	RunID        *uuid.UUID
	ClientID     *uuid.UUID
	TechnicianID *uuid.UUID
	Status       *ProposalStatus
	Limit        int
	Offset       int
}

func (s *Store) ListProposals(ctx context.Context, f ProposalFilter) ([]Proposal, int, error) {
	where := []string{"TRUE"}
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.RunID != nil {
		add("run_id = $%d", *f.RunID)
	}
	if f.ClientID != nil {
		add("client_id = $%d", *f.ClientID)
	}
	if f.TechnicianID != nil {
		add("technician_id = $%d", *f.TechnicianID)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM match_proposals WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count proposals: %w", err)
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
		SELECT %s FROM match_proposals WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, proposalColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	proposals := []Proposal{}
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, err
		}
		proposals = append(proposals, *p)
	}
	return proposals, total, rows.Err()
}

// ExpireProposedForClients retires the still-open proposals for the given
// clients. A fresh simulation run calls this before inserting replacements.
func (s *Store) ExpireProposedForClients(ctx context.Context, clientIDs []uuid.UUID) (int64, error) {
	if len(clientIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE match_proposals SET status = $2, decided_at = now()
		WHERE status = $3 AND client_id = ANY($1)
	`, clientIDs, ProposalExpired, ProposalProposed)
	if err != nil {
		return 0, fmt.Errorf("failed to expire proposals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ApproveProposal turns a proposed row into an active pairing in one
// transaction. Row locks on the proposal, client, and technician serialize
// racing approvals; the partial unique indexes on pairings are the backstop.
func (s *Store) ApproveProposal(ctx context.Context, id uuid.UUID, decidedBy, note string) (*Pairing, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin approval: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := scanProposal(tx.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM match_proposals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, err
	}
	if p.Status != ProposalProposed && p.Status != ProposalDeferred {
		return nil, fmt.Errorf("%w: status is %s", ErrProposalNotProposed, p.Status)
	}

	var clientPaired bool
	err = tx.QueryRow(ctx,
		`SELECT paired FROM clients WHERE id = $1 FOR UPDATE`, p.ClientID).Scan(&clientPaired)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("client %s: %w", p.ClientID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock client: %w", err)
	}
	if clientPaired {
		return nil, ErrClientAlreadyPaired
	}

	var techLocked bool
	err = tx.QueryRow(ctx,
		`SELECT locked FROM technicians WHERE id = $1 FOR UPDATE`, p.TechnicianID).Scan(&techLocked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("technician %s: %w", p.TechnicianID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock technician: %w", err)
	}
	if techLocked {
		return nil, ErrTechnicianLocked
	}

	pairing := &Pairing{
		ID:                   uuid.New(),
		ProposalID:           &p.ID,
		ClientID:             p.ClientID,
		TechnicianID:         p.TechnicianID,
		Mode:                 p.Mode,
		DurationPessimisticS: p.DurationPessimisticS,
		DistanceM:            p.DistanceM,
		Active:               true,
		CreatedBy:            decidedBy,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO pairings (id, proposal_id, client_id, technician_id, mode,
			duration_pessimistic_s, distance_m, active, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
		RETURNING created_at
	`, pairing.ID, pairing.ProposalID, pairing.ClientID, pairing.TechnicianID,
		pairing.Mode, pairing.DurationPessimisticS, pairing.DistanceM, decidedBy).
		Scan(&pairing.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert pairing: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE clients SET paired = TRUE, updated_at = now() WHERE id = $1`, p.ClientID); err != nil {
		return nil, fmt.Errorf("failed to mark client paired: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE technicians SET locked = TRUE, updated_at = now() WHERE id = $1`, p.TechnicianID); err != nil {
		return nil, fmt.Errorf("failed to mark technician locked: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE match_proposals SET status = $2, decided_at = now(), decided_by = $3, decision_note = $4
		WHERE id = $1
	`, p.ID, ProposalApproved, decidedBy, nullableString(note)); err != nil {
		return nil, fmt.Errorf("failed to mark proposal approved: %w", err)
	}

	// Open sibling proposals competing for the same client or technician are
	// dead now; retire them so reviewers do not act on them. Deferred
	// siblings stay, their approval will fail on the paired/locked checks.
	if _, err := tx.Exec(ctx, `
		UPDATE match_proposals SET status = $3, decided_at = now()
		WHERE status = $4 AND id <> $5 AND (client_id = $1 OR technician_id = $2)
	`, p.ClientID, p.TechnicianID, ProposalExpired, ProposalProposed, p.ID); err != nil {
		return nil, fmt.Errorf("failed to expire sibling proposals: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit approval: %w", err)
	}

	s.log.Info("store: proposal approved",
		"proposal", p.ID, "client", p.ClientID, "technician", p.TechnicianID, "by", decidedBy)
	return pairing, nil
}

// DecideProposal moves an open proposal to rejected or deferred. Rejection
// also lands on deferred rows; deferring is a one-way step from proposed.
func (s *Store) DecideProposal(ctx context.Context, id uuid.UUID, status ProposalStatus, decidedBy, note string) error {
	if status != ProposalRejected && status != ProposalDeferred {
		return fmt.Errorf("invalid decision status %q", status)
	}
	from := []string{string(ProposalProposed)}
	if status == ProposalRejected {
		from = append(from, string(ProposalDeferred))
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE match_proposals SET status = $2, decided_at = now(), decided_by = $3, decision_note = $4
		WHERE id = $1 AND status = ANY($5)
	`, id, status, decidedBy, nullableString(note), from)
	if err != nil {
		return fmt.Errorf("failed to decide proposal: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing row from a decided one for the error mapping.
	var current ProposalStatus
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM match_proposals WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read proposal status: %w", err)
	}
	return fmt.Errorf("%w: status is %s", ErrProposalNotProposed, current)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
