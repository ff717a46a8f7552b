package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/homereach/dispatch/internal/metrics"
	"github.com/homereach/dispatch/internal/store"
)

// RunStore is the slice of the store the run service needs.
type RunStore interface {
	CreateMatchRun(ctx context.Context, r *store.MatchRun) error
	FinishMatchRun(ctx context.Context, r *store.MatchRun) error
	ListMatchableClients(ctx context.Context) ([]store.Client, error)
	ListMatchableTechnicians(ctx context.Context) ([]store.Technician, error)
	EffectiveOverrides(ctx context.Context, ts time.Time) ([]store.Override, error)
	InsertSuggestions(ctx context.Context, suggestions []store.Suggestion) error
	StampMatchingRun(ctx context.Context, runID uuid.UUID, at time.Time, summary json.RawMessage) error
}

// Notifier announces finished runs out of band. Failures are logged, never
// propagated: a run that matched is a run that matched.
type Notifier interface {
	RunFinished(ctx context.Context, run *store.MatchRun) error
}

// ServiceConfig configures a run Service.
type ServiceConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Store   RunStore
	Matcher *Matcher

	// Notifier is optional.
	Notifier Notifier
}

func (cfg *ServiceConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Matcher == nil {
		return errors.New("matcher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service drives complete matcher executions: it opens the ledger row, loads
// the matchable sets, runs the matcher, and persists counters, suggestions,
// and the scheduling-meta stamp.
type Service struct {
	log      *slog.Logger
	clock    clockwork.Clock
	store    RunStore
	matcher  *Matcher
	notifier Notifier
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid match service config: %w", err)
	}
	return &Service{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		store:    cfg.Store,
		matcher:  cfg.Matcher,
		notifier: cfg.Notifier,
	}, nil
}

// Execute runs the matcher end to end. The ledger row is created before any
// work and finalized on every path, including failures, so every trigger
// leaves a trace. Suggestion and meta writes are auxiliary: their failures
// are logged but do not fail the run.
func (s *Service) Execute(ctx context.Context, trigger store.RunTrigger, params json.RawMessage) (*store.MatchRun, *Result, error) {
	run := &store.MatchRun{Trigger: trigger, Params: params}
	if err := s.store.CreateMatchRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to open match run: %w", err)
	}
	s.log.Info("match: run started", "run", run.ID, "trigger", trigger)

	res, err := s.runMatch(ctx, run)
	if err != nil {
		s.finalizeError(ctx, run, err)
		return run, nil, err
	}

	c := res.Counters
	run.ClientCount = c.Clients
	run.TechnicianCount = c.Technicians
	run.Matched = c.Matched
	run.Unmatched = c.Unmatched
	run.Locked = c.Locked
	run.Manual = c.Manual
	run.Blocked = c.Blocked
	run.NeedsReview = c.NeedsReview
	run.CacheHits = c.CacheHits
	run.CacheMisses = c.CacheMisses
	run.ProviderCalls = c.ProviderCalls
	run.FallbackUsed = c.FallbackUsed

	if err := s.store.FinishMatchRun(ctx, run); err != nil {
		return run, res, fmt.Errorf("failed to finalize match run %s: %w", run.ID, err)
	}

	if err := s.store.InsertSuggestions(ctx, collectSuggestions(run.ID, res)); err != nil {
		s.log.Warn("match: failed to record suggestions", "run", run.ID, "error", err)
	}
	s.stampMeta(ctx, run)
	s.recordMetrics(run, res)

	if s.notifier != nil {
		if err := s.notifier.RunFinished(ctx, run); err != nil {
			s.log.Warn("match: run notification failed", "run", run.ID, "error", err)
		}
	}

	s.log.Info("match: run finished",
		"run", run.ID,
		"trigger", trigger,
		"duration_ms", run.DurationMS,
		"matched", run.Matched,
		"unmatched", run.Unmatched,
		"needs_review", run.NeedsReview,
	)
	return run, res, nil
}

func (s *Service) runMatch(ctx context.Context, run *store.MatchRun) (*Result, error) {
	clients, err := s.store.ListMatchableClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load matchable clients: %w", err)
	}
	technicians, err := s.store.ListMatchableTechnicians(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load matchable technicians: %w", err)
	}
	overrides, err := s.store.EffectiveOverrides(ctx, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides: %w", err)
	}
	return s.matcher.Run(ctx, clients, technicians, overrides)
}

// finalizeError records the failure on the ledger row. The write uses a
// detached context so a canceled run still leaves its error behind.
func (s *Service) finalizeError(ctx context.Context, run *store.MatchRun, runErr error) {
	msg := runErr.Error()
	run.Error = &msg

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.FinishMatchRun(fctx, run); err != nil {
		s.log.Error("match: failed to finalize errored run", "run", run.ID, "error", err)
	}
	metrics.RecordMatchRun(string(run.Trigger), time.Duration(run.DurationMS)*time.Millisecond, runErr)
	s.log.Error("match: run failed", "run", run.ID, "trigger", run.Trigger, "error", runErr)
}

func (s *Service) stampMeta(ctx context.Context, run *store.MatchRun) {
	summary, err := json.Marshal(struct {
		RunID       uuid.UUID        `json:"run_id"`
		Trigger     store.RunTrigger `json:"trigger"`
		Matched     int              `json:"matched"`
		Unmatched   int              `json:"unmatched"`
		NeedsReview int              `json:"needs_review"`
	}{run.ID, run.Trigger, run.Matched, run.Unmatched, run.NeedsReview})
	if err != nil {
		s.log.Warn("match: failed to encode run summary", "run", run.ID, "error", err)
		return
	}
	if err := s.store.StampMatchingRun(ctx, run.ID, *run.FinishedAt, summary); err != nil {
		s.log.Warn("match: failed to stamp scheduling meta", "run", run.ID, "error", err)
	}
}

func (s *Service) recordMetrics(run *store.MatchRun, res *Result) {
	metrics.RecordMatchRun(string(run.Trigger), time.Duration(run.DurationMS)*time.Millisecond, nil)

	matched, review := 0, 0
	for _, a := range res.Assignments {
		if a.Status == StatusNeedsReview {
			review++
		} else {
			matched++
		}
		metrics.MatchAssignmentsTotal.WithLabelValues(string(a.Source)).Inc()
	}
	standby := res.Counters.Unmatched - res.Counters.NoLocation
	metrics.RecordMatchOutcomes(matched, review, standby, res.Counters.NoLocation)
	metrics.RecordTravelLookups(res.Counters.CacheHits, res.Counters.CacheMisses,
		res.Counters.FallbackUsed, res.Counters.ProviderCalls)
}

// collectSuggestions flattens each assignment's ranked candidates into
// suggestion rows. Forced assignments carry no candidates and contribute
// nothing.
func collectSuggestions(runID uuid.UUID, res *Result) []store.Suggestion {
	var out []store.Suggestion
	for _, a := range res.Assignments {
		for i, c := range a.Candidates {
			out = append(out, store.Suggestion{
				RunID:                runID,
				ClientID:             a.ClientID,
				Rank:                 i + 1,
				TechnicianID:         c.TechnicianID,
				Mode:                 c.Mode,
				DurationPessimisticS: int64(c.Estimate.DurationPessimistic / time.Second),
				DistanceM:            int64(c.Estimate.DistanceMeters),
				Quality:              c.Quality,
			})
		}
	}
	return out
}
