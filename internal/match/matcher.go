package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/internal/traveltime"
)

// TravelEstimator is the slice of the travel-time service the matcher needs.
type TravelEstimator interface {
	Estimate(ctx context.Context, origin, dest traveltime.Endpoint, mode traveltime.Mode) (*traveltime.Estimate, error)
}

// CoordsEnsurer resolves missing or stale coordinates and persists them.
// Implementations mutate the passed entity in place on success.
type CoordsEnsurer interface {
	EnsureClient(ctx context.Context, c *store.Client) error
	EnsureTechnician(ctx context.Context, t *store.Technician) error
}

// Config configures a Matcher.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Travel TravelEstimator

	// Ensure geocodes participants with missing or stale coordinates. Nil
	// means participants are taken as stored.
	Ensure CoordsEnsurer

	// BudgetMinutes is the global pessimistic travel ceiling; a technician's
	// max_travel_minutes overrides it per head. Default 30.
	BudgetMinutes int

	// BucketName labels explain records with the sampling bucket in use.
	BucketName string

	// SuggestionLimit caps the ranked candidates kept per client. Default 3.
	SuggestionLimit int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Travel == nil {
		return errors.New("travel estimator is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.BudgetMinutes <= 0 {
		cfg.BudgetMinutes = DefaultBudgetMinutes
	}
	if cfg.SuggestionLimit <= 0 {
		cfg.SuggestionLimit = 3
	}
	return nil
}

// Matcher runs the greedy assignment pass. It is deliberately greedy rather
// than globally optimal: clients are served in stable creation order and
// each takes its best surviving candidate.
type Matcher struct {
	log    *slog.Logger
	clock  clockwork.Clock
	travel TravelEstimator
	ensure CoordsEnsurer
	cfg    Config
}

func New(cfg Config) (*Matcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid match config: %w", err)
	}
	return &Matcher{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		travel: cfg.Travel,
		ensure: cfg.Ensure,
		cfg:    cfg,
	}, nil
}

type pairKey struct {
	client uuid.UUID
	tech   uuid.UUID
}

// Run matches clients to technicians. Callers pass the matchable sets in
// stable order (created_at, id) plus the overrides effective now. Per-pair
// failures are local: logged, excluded, never fatal. Only empty input sets
// abort.
func (m *Matcher) Run(ctx context.Context, clients []store.Client, technicians []store.Technician, overrides []store.Override) (*Result, error) {
	if len(clients) == 0 {
		return nil, errors.New("no matchable clients")
	}
	if len(technicians) == 0 {
		return nil, errors.New("no matchable technicians")
	}

	now := m.clock.Now()
	res := &Result{Assignments: []Assignment{}, Unmatched: []Unmatched{}}
	res.Counters.Clients = len(clients)
	res.Counters.Technicians = len(technicians)

	clientByID := make(map[uuid.UUID]*store.Client, len(clients))
	for i := range clients {
		clientByID[clients[i].ID] = &clients[i]
	}
	techByID := make(map[uuid.UUID]*store.Technician, len(technicians))
	for i := range technicians {
		techByID[technicians[i].ID] = &technicians[i]
	}

	blocked := map[pairKey]bool{}
	var forced []store.Override
	for _, o := range overrides {
		if !o.EffectiveAt(now) {
			continue
		}
		if o.Type == store.OverrideBlockPair {
			blocked[pairKey{o.ClientID, o.TechnicianID}] = true
		}
	}
	// LOCKED wins over MANUAL when both reference the same entities, so it
	// goes first and consumes.
	for _, typ := range []store.OverrideType{store.OverrideLockedAssignment, store.OverrideManualAssignment} {
		for _, o := range overrides {
			if o.Type == typ && o.EffectiveAt(now) {
				forced = append(forced, o)
			}
		}
	}

	for i := range technicians {
		t := &technicians[i]
		if err := m.ensureTechnician(ctx, t); err != nil {
			m.log.Warn("match: technician has no usable coordinates, excluded",
				"technician", t.ID, "error", err)
		}
	}

	consumedClient := map[uuid.UUID]bool{}
	consumedTech := map[uuid.UUID]bool{}

	// Blocked counts distinct pairs, not encounters: a pair both locked and
	// blocked is visited by the forced pass and again by the auto loop.
	countedBlocked := map[pairKey]bool{}
	countBlocked := func(pk pairKey) {
		if !countedBlocked[pk] {
			countedBlocked[pk] = true
			res.Counters.Blocked++
		}
	}

	for _, o := range forced {
		client, ok := clientByID[o.ClientID]
		if !ok || consumedClient[client.ID] {
			m.log.Debug("match: assignment override client not in run set", "override", o.ID, "client", o.ClientID)
			continue
		}
		tech, ok := techByID[o.TechnicianID]
		if !ok || consumedTech[tech.ID] {
			m.log.Warn("match: assignment override technician unavailable",
				"override", o.ID, "technician", o.TechnicianID)
			continue
		}
		if blocked[pairKey{o.ClientID, o.TechnicianID}] {
			countBlocked(pairKey{o.ClientID, o.TechnicianID})
			m.log.Warn("match: override pair skipped",
				"reason", "locked_and_blocked", "client", o.ClientID, "technician", o.TechnicianID)
			continue
		}

		source := store.AssignmentLocked
		if o.Type == store.OverrideManualAssignment {
			source = store.AssignmentManual
		}

		// Budget does not apply to forced pairs; the estimate is for
		// reporting and may be absent.
		var est *traveltime.Estimate
		var mode traveltime.Mode
		if client.HasCoords() && tech.HasCoords() {
			var err error
			est, mode, err = m.bestEstimate(ctx, client, tech, &res.Counters)
			if err != nil {
				m.log.Warn("match: no travel estimate for forced pair",
					"client", client.ID, "technician", tech.ID, "error", err)
			}
		}

		a := Assignment{
			ClientID:     client.ID,
			TechnicianID: tech.ID,
			Source:       source,
			Status:       StatusMatched,
			Mode:         mode,
			Estimate:     est,
			Validation:   Validate(client, tech, est),
			Explain:      m.explain(source, est, nil, 0),
		}
		if a.Validation.Status == ValidationNeedsReview {
			a.Status = StatusNeedsReview
			res.Counters.NeedsReview++
		}
		consumedClient[client.ID] = true
		consumedTech[tech.ID] = true
		if source == store.AssignmentLocked {
			res.Counters.Locked++
		} else {
			res.Counters.Manual++
		}
		res.Assignments = append(res.Assignments, a)
	}

	for i := range clients {
		client := &clients[i]
		if consumedClient[client.ID] {
			continue
		}
		if err := m.ensureClient(ctx, client); err != nil || !client.HasCoords() {
			if err != nil {
				m.log.Warn("match: client has no usable coordinates", "client", client.ID, "error", err)
			}
			res.Unmatched = append(res.Unmatched, Unmatched{ClientID: client.ID, Status: StatusNoLocation})
			res.Counters.NoLocation++
			res.Counters.Unmatched++
			continue
		}

		var exclusions []Exclusion
		var candidates []Candidate
		for j := range technicians {
			tech := &technicians[j]
			if consumedTech[tech.ID] {
				continue
			}
			if blocked[pairKey{client.ID, tech.ID}] {
				countBlocked(pairKey{client.ID, tech.ID})
				exclusions = append(exclusions, Exclusion{TechnicianID: tech.ID, Reason: ExcludedBlocked})
				continue
			}
			if !tech.HasCoords() {
				exclusions = append(exclusions, Exclusion{TechnicianID: tech.ID, Reason: ExcludedNoCoords})
				continue
			}

			est, mode, err := m.bestEstimate(ctx, client, tech, &res.Counters)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				m.log.Debug("match: estimate failed", "client", client.ID, "technician", tech.ID, "error", err)
				exclusions = append(exclusions, Exclusion{TechnicianID: tech.ID, Reason: ExcludedEstimateFailed, Detail: err.Error()})
				continue
			}

			budget := time.Duration(m.cfg.BudgetMinutes) * time.Minute
			if tech.MaxTravelMinutes != nil && *tech.MaxTravelMinutes > 0 {
				budget = time.Duration(*tech.MaxTravelMinutes) * time.Minute
			}
			if est.DurationPessimistic > budget {
				exclusions = append(exclusions, Exclusion{
					TechnicianID: tech.ID,
					Reason:       ExcludedOverBudget,
					Detail:       fmt.Sprintf("%s > %s", est.DurationPessimistic, budget),
				})
				continue
			}

			candidates = append(candidates, Candidate{
				TechnicianID: tech.ID,
				Mode:         mode,
				Confidence:   tech.Confidence,
				Quality:      Quality(client, tech),
				Estimate:     est,
			})
		}

		rankCandidates(candidates)

		if len(candidates) == 0 {
			res.Unmatched = append(res.Unmatched, Unmatched{
				ClientID:   client.ID,
				Status:     StatusStandby,
				Exclusions: exclusions,
			})
			res.Counters.Unmatched++
			continue
		}

		top := candidates[0]
		tech := techByID[top.TechnicianID]
		consumedTech[tech.ID] = true
		consumedClient[client.ID] = true

		kept := candidates
		if len(kept) > m.cfg.SuggestionLimit {
			kept = kept[:m.cfg.SuggestionLimit]
		}

		a := Assignment{
			ClientID:     client.ID,
			TechnicianID: tech.ID,
			Source:       store.AssignmentAuto,
			Status:       StatusMatched,
			Mode:         top.Mode,
			Estimate:     top.Estimate,
			Validation:   Validate(client, tech, top.Estimate),
			Candidates:   kept,
			Explain:      m.explain(store.AssignmentAuto, top.Estimate, exclusions, len(candidates)),
		}
		if a.Validation.Status == ValidationNeedsReview {
			a.Status = StatusNeedsReview
			res.Counters.NeedsReview++
		}
		res.Counters.Matched++
		res.Assignments = append(res.Assignments, a)
	}

	m.log.Info("match: run complete",
		"clients", res.Counters.Clients,
		"technicians", res.Counters.Technicians,
		"matched", res.Counters.Matched,
		"unmatched", res.Counters.Unmatched,
		"no_location", res.Counters.NoLocation,
		"locked", res.Counters.Locked,
		"manual", res.Counters.Manual,
		"blocked", res.Counters.Blocked,
		"needs_review", res.Counters.NeedsReview,
		"cache_hits", res.Counters.CacheHits,
		"provider_calls", res.Counters.ProviderCalls,
	)
	return res, nil
}

// bestEstimate estimates travel for every mode the technician's profile
// allows and returns the one with the smallest pessimistic duration. It
// errors only when every mode failed.
func (m *Matcher) bestEstimate(ctx context.Context, client *store.Client, tech *store.Technician, counters *Counters) (*traveltime.Estimate, traveltime.Mode, error) {
	origin := traveltime.Endpoint{ID: tech.ID.String(), Type: traveltime.EndpointTechnician, Point: tech.Point()}
	dest := traveltime.Endpoint{ID: client.ID.String(), Type: traveltime.EndpointClient, Point: client.Point()}

	var best *traveltime.Estimate
	var bestMode traveltime.Mode
	var lastErr error
	for _, mode := range modesFor(tech.TravelMode) {
		est, err := m.travel.Estimate(ctx, origin, dest, mode)
		if err != nil {
			lastErr = err
			continue
		}
		counters.observe(est)
		if best == nil || est.DurationPessimistic < best.DurationPessimistic {
			best = est
			bestMode = mode
		}
	}
	if best == nil {
		return nil, "", fmt.Errorf("all modes failed: %w", lastErr)
	}
	return best, bestMode, nil
}

func modesFor(tm store.TechnicianTravelMode) []traveltime.Mode {
	switch tm {
	case store.TravelModeTransit:
		return []traveltime.Mode{traveltime.ModeTransit}
	case store.TravelModeBoth:
		return []traveltime.Mode{traveltime.ModeDriving, traveltime.ModeTransit}
	default:
		return []traveltime.Mode{traveltime.ModeDriving}
	}
}

// rankCandidates orders lexicographically: smallest pessimistic duration,
// then highest technician confidence, then shortest distance, then
// technician id so equal candidates rank identically run over run.
func rankCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Estimate.DurationPessimistic != b.Estimate.DurationPessimistic {
			return a.Estimate.DurationPessimistic < b.Estimate.DurationPessimistic
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Estimate.DistanceMeters != b.Estimate.DistanceMeters {
			return a.Estimate.DistanceMeters < b.Estimate.DistanceMeters
		}
		return a.TechnicianID.String() < b.TechnicianID.String()
	})
}

func (m *Matcher) ensureClient(ctx context.Context, c *store.Client) error {
	if m.ensure == nil || (c.HasCoords() && !c.CoordsStale) {
		return nil
	}
	if err := m.ensure.EnsureClient(ctx, c); err != nil {
		// Stale coordinates beat none at all.
		if c.HasCoords() {
			m.log.Warn("match: refresh failed, using stale coordinates", "client", c.ID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

func (m *Matcher) ensureTechnician(ctx context.Context, t *store.Technician) error {
	if m.ensure == nil || (t.HasCoords() && !t.CoordsStale) {
		return nil
	}
	if err := m.ensure.EnsureTechnician(ctx, t); err != nil {
		if t.HasCoords() {
			m.log.Warn("match: refresh failed, using stale coordinates", "technician", t.ID, "error", err)
			return nil
		}
		return err
	}
	return nil
}

func (m *Matcher) explain(source store.AssignmentSource, est *traveltime.Estimate, exclusions []Exclusion, considered int) Explain {
	e := Explain{
		Bucket:               m.cfg.BucketName,
		BudgetMinutes:        m.cfg.BudgetMinutes,
		Source:               source,
		CandidatesConsidered: considered,
		Exclusions:           exclusions,
	}
	if est != nil {
		e.Mode = est.Mode
		e.FromCache = est.FromCache
		e.Fallback = est.Fallback
		e.SamplesS = make([]int64, len(est.Samples))
		for i, s := range est.Samples {
			e.SamplesS[i] = int64(s / time.Second)
		}
	}
	return e
}
