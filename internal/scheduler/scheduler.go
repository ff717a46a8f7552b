// Package scheduler fires the nightly auto-match run at a fixed local
// wall-clock time. Manual and simulation runs go straight to the match
// service; only the timed trigger lives here.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/homereach/dispatch/internal/match"
	"github.com/homereach/dispatch/internal/store"
)

// ErrRunInProgress is reported when a fire lands while the previous
// scheduled run is still going.
var ErrRunInProgress = errors.New("scheduled match run already in progress")

// Runner is the slice of the match service the scheduler needs.
type Runner interface {
	Execute(ctx context.Context, trigger store.RunTrigger, params json.RawMessage) (*store.MatchRun, *match.Result, error)
}

// Config configures a Scheduler.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Runner Runner

	// At is the daily fire time as local wall clock, "HH:MM".
	At string

	// Location interprets At. Defaults to UTC.
	Location *time.Location
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.At == "" {
		cfg.At = "02:30"
	}
	if _, err := time.Parse("15:04", cfg.At); err != nil {
		return fmt.Errorf("invalid schedule time %q: %w", cfg.At, err)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return nil
}

// Scheduler triggers one match run per day. Fires are asynchronous so a slow
// run never delays the clock; an atomic flag skips the next fire instead of
// stacking runs.
type Scheduler struct {
	log    *slog.Logger
	clock  clockwork.Clock
	runner Runner
	loc    *time.Location
	hour   int
	minute int

	inProgress atomic.Bool
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	at, _ := time.Parse("15:04", cfg.At)
	return &Scheduler{
		log:    cfg.Logger,
		clock:  cfg.Clock,
		runner: cfg.Runner,
		loc:    cfg.Location,
		hour:   at.Hour(),
		minute: at.Minute(),
	}, nil
}

// Start launches the fire loop. It returns immediately; the loop exits when
// ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	s.log.Info("scheduler: started",
		"at", fmt.Sprintf("%02d:%02d", s.hour, s.minute),
		"tz", s.loc.String(),
	)
	for {
		next := s.nextFire(s.clock.Now())
		timer := s.clock.NewTimer(next.Sub(s.clock.Now()))
		s.log.Debug("scheduler: next run armed", "at", next)

		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("scheduler: stopped")
			return
		case at := <-timer.Chan():
			go s.fire(ctx, at)
		}
	}
}

// nextFire returns the first HH:MM wall-clock instant after now.
func (s *Scheduler) nextFire(now time.Time) time.Time {
	local := now.In(s.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.hour, s.minute, 0, 0, s.loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) fire(ctx context.Context, at time.Time) {
	err := s.TriggerRun(ctx, at)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.log.Warn("scheduler: previous run still in progress, skipping", "at", at)
	case errors.Is(err, context.Canceled):
	case err != nil:
		s.log.Error("scheduler: run failed", "at", at, "error", err)
	}
}

// TriggerRun executes one scheduled match run, or reports ErrRunInProgress
// when the previous one has not finished. Run failures are already recorded
// on the ledger by the match service.
func (s *Scheduler) TriggerRun(ctx context.Context, at time.Time) error {
	if !s.inProgress.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer s.inProgress.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: run panicked", "panic", r)
		}
	}()

	params := json.RawMessage(fmt.Sprintf(`{"scheduled_at":%q}`, at.UTC().Format(time.RFC3339)))
	if _, _, err := s.runner.Execute(ctx, store.TriggerScheduled, params); err != nil {
		return fmt.Errorf("scheduled run failed: %w", err)
	}
	return nil
}
