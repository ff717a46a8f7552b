// Package simulation drives the proposal workflow: operators seed clients,
// run the matcher in simulation mode, and approve, reject, or defer the
// resulting proposals. Approval is the only path that creates a pairing.
package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/match"
	"github.com/homereach/dispatch/internal/metrics"
	"github.com/homereach/dispatch/internal/store"
)

// Store is the slice of the store the simulation service needs.
type Store interface {
	CreateClient(ctx context.Context, c *store.Client) error
	CreateProposal(ctx context.Context, p *store.Proposal) error
	ExpireProposedForClients(ctx context.Context, clientIDs []uuid.UUID) (int64, error)
	ApproveProposal(ctx context.Context, id uuid.UUID, decidedBy, note string) (*store.Pairing, error)
	DecideProposal(ctx context.Context, id uuid.UUID, status store.ProposalStatus, decidedBy, note string) error
	ReopenTechnician(ctx context.Context, techID uuid.UUID) (*store.Pairing, error)
}

// Runner executes a full matcher pass.
type Runner interface {
	Execute(ctx context.Context, trigger store.RunTrigger, params json.RawMessage) (*store.MatchRun, *match.Result, error)
}

// Geocoder resolves normalized addresses to coordinates.
type Geocoder interface {
	Resolve(ctx context.Context, n address.Normalized) (*geocode.Geocode, error)
}

// Config configures a simulation Service.
type Config struct {
	Logger *slog.Logger
	Store  Store
	Runner Runner

	// Geocoder is optional: without one, seeded clients start without
	// coordinates and get resolved during the next run.
	Geocoder Geocoder
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	return nil
}

// Service is the simulation workflow.
type Service struct {
	log      *slog.Logger
	store    Store
	runner   Runner
	geocoder Geocoder
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation config: %w", err)
	}
	return &Service{
		log:      cfg.Logger,
		store:    cfg.Store,
		runner:   cfg.Runner,
		geocoder: cfg.Geocoder,
	}, nil
}

// AddClientParams is an operator-seeded client.
type AddClientParams struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// AddClient creates a client outside the CRM sync path. Geocoding is best
// effort: a resolver failure leaves the client without coordinates rather
// than failing the insert.
func (s *Service) AddClient(ctx context.Context, params AddClientParams) (*store.Client, error) {
	if params.Name == "" {
		return nil, errors.New("name is required")
	}
	n, err := address.Normalize(params.Address)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	c := &store.Client{
		Name:             params.Name,
		RawAddress:       params.Address,
		CanonicalAddress: n.Canonical,
		AddressMethod:    n.Method,
		AddressQuality:   n.Quality,
		Active:           true,
	}

	if s.geocoder != nil {
		g, err := s.geocoder.Resolve(ctx, n)
		metrics.RecordGeocode(err)
		if err != nil {
			s.log.Warn("simulation: client geocode failed, storing without coordinates",
				"name", params.Name, "error", err)
		} else {
			c.Lat, c.Lng = &g.Lat, &g.Lng
			c.Precision = g.Precision
			c.Confidence = g.Confidence
			c.GeocodeSource = g.Source
			ts := g.GeocodedAt
			c.GeocodedAt = &ts
			c.NeedsVerification = g.NeedsVerification
		}
	}

	if err := s.store.CreateClient(ctx, c); err != nil {
		return nil, err
	}
	s.log.Info("simulation: client added",
		"client", c.ID, "name", c.Name, "method", string(c.AddressMethod), "geocoded", c.HasCoords())
	return c, nil
}

// Run executes a simulation matcher pass and converts its assignments into
// proposals. Still-open proposals for the clients in this run expire first,
// so reviewers only ever see the latest picture; deferred rows survive.
func (s *Service) Run(ctx context.Context, requestedBy string) (*store.MatchRun, []store.Proposal, error) {
	params, err := json.Marshal(map[string]string{"requested_by": requestedBy})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode run params: %w", err)
	}

	run, res, err := s.runner.Execute(ctx, store.TriggerSimulation, params)
	if err != nil {
		return run, nil, err
	}

	expired, err := s.store.ExpireProposedForClients(ctx, runClientIDs(res))
	if err != nil {
		return run, nil, fmt.Errorf("failed to expire stale proposals: %w", err)
	}

	proposals := make([]store.Proposal, 0, len(res.Assignments))
	for _, a := range res.Assignments {
		p, err := proposalFromAssignment(run.ID, a)
		if err != nil {
			return run, nil, err
		}
		if err := s.store.CreateProposal(ctx, p); err != nil {
			return run, nil, err
		}
		proposals = append(proposals, *p)
	}

	s.log.Info("simulation: run complete",
		"run", run.ID, "proposals", len(proposals), "expired", expired, "by", requestedBy)
	return run, proposals, nil
}

// Approve turns a proposal into an active pairing.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, decidedBy, note string) (*store.Pairing, error) {
	pairing, err := s.store.ApproveProposal(ctx, id, decidedBy, note)
	if err != nil {
		return nil, err
	}
	metrics.RecordProposalDecision("approved")
	return pairing, nil
}

// Reject closes a proposed or deferred proposal.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, decidedBy, note string) error {
	if err := s.store.DecideProposal(ctx, id, store.ProposalRejected, decidedBy, note); err != nil {
		return err
	}
	metrics.RecordProposalDecision("rejected")
	return nil
}

// Defer parks a proposed proposal for a later decision.
func (s *Service) Defer(ctx context.Context, id uuid.UUID, decidedBy, note string) error {
	if err := s.store.DecideProposal(ctx, id, store.ProposalDeferred, decidedBy, note); err != nil {
		return err
	}
	metrics.RecordProposalDecision("deferred")
	return nil
}

// ReopenTechnician ends the technician's active pairing, freeing both sides
// for the next run.
func (s *Service) ReopenTechnician(ctx context.Context, techID uuid.UUID) (*store.Pairing, error) {
	pairing, err := s.store.ReopenTechnician(ctx, techID)
	if err != nil {
		return nil, err
	}
	s.log.Info("simulation: technician reopened",
		"technician", pairing.TechnicianID, "client", pairing.ClientID)
	return pairing, nil
}

// runClientIDs collects every client the run considered, assigned or not.
func runClientIDs(res *match.Result) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(res.Assignments)+len(res.Unmatched))
	for _, a := range res.Assignments {
		ids = append(ids, a.ClientID)
	}
	for _, u := range res.Unmatched {
		ids = append(ids, u.ClientID)
	}
	return ids
}

func proposalFromAssignment(runID uuid.UUID, a match.Assignment) (*store.Proposal, error) {
	explain, err := json.Marshal(a.Explain)
	if err != nil {
		return nil, fmt.Errorf("failed to encode explain record: %w", err)
	}
	p := &store.Proposal{
		RunID:              runID,
		ClientID:           a.ClientID,
		TechnicianID:       a.TechnicianID,
		Mode:               a.Mode,
		Source:             a.Source,
		Status:             store.ProposalProposed,
		ValidationStatus:   a.Validation.Status,
		ValidationReasons:  a.Validation.ReasonStrings(),
		ValidationWarnings: a.Validation.WarningStrings(),
		Quality:            a.Validation.Quality,
		Explain:            explain,
	}
	if a.Estimate != nil {
		p.DurationAvgS = int64(a.Estimate.DurationAvg / time.Second)
		p.DurationPessimisticS = int64(a.Estimate.DurationPessimistic / time.Second)
		p.DistanceM = int64(a.Estimate.DistanceMeters)
	}
	return p, nil
}
