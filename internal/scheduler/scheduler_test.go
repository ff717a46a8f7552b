package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/homereach/dispatch/internal/match"
	"github.com/homereach/dispatch/internal/store"
	dispatchtesting "github.com/homereach/dispatch/internal/testing"
)

type fakeRunner struct {
	mu       sync.Mutex
	triggers []store.RunTrigger
	params   []json.RawMessage
	block    chan struct{}
	err      error
}

func (f *fakeRunner) Execute(ctx context.Context, trigger store.RunTrigger, params json.RawMessage) (*store.MatchRun, *match.Result, error) {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.params = append(f.params, params)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, nil, f.err
	}
	return &store.MatchRun{Trigger: trigger}, &match.Result{}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func newTestScheduler(t *testing.T, clock clockwork.Clock, runner Runner, at string) *Scheduler {
	t.Helper()
	s, err := New(Config{
		Logger:   dispatchtesting.NewLogger(),
		Clock:    clock,
		Runner:   runner,
		At:       at,
		Location: time.UTC,
	})
	require.NoError(t, err)
	return s
}

func TestDispatch_Scheduler_FiresDaily(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 7, 1, 0, 0, 0, time.UTC))
	runner := &fakeRunner{}
	s := newTestScheduler(t, clock, runner, "02:30")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	clock.BlockUntil(1)
	clock.Advance(90*time.Minute + time.Second)
	require.Eventually(t, func() bool { return runner.calls() == 1 }, time.Second, time.Millisecond)

	clock.BlockUntil(1)
	clock.Advance(24 * time.Hour)
	require.Eventually(t, func() bool { return runner.calls() == 2 }, time.Second, time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	require.Equal(t, store.TriggerScheduled, runner.triggers[0])
	require.Contains(t, string(runner.params[0]), `"scheduled_at"`)
}

func TestDispatch_Scheduler_SkipsWhileRunInProgress(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 4, 7, 2, 0, 0, 0, time.UTC))
	runner := &fakeRunner{block: make(chan struct{})}
	s := newTestScheduler(t, clock, runner, "02:30")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	clock.BlockUntil(1)
	clock.Advance(31 * time.Minute)
	require.Eventually(t, func() bool { return runner.calls() == 1 }, time.Second, time.Millisecond)

	// The first run is still blocked when the next fire lands.
	clock.BlockUntil(1)
	clock.Advance(24 * time.Hour)
	require.Never(t, func() bool { return runner.calls() > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	close(runner.block)
	clock.BlockUntil(1)
	clock.Advance(24 * time.Hour)
	require.Eventually(t, func() bool { return runner.calls() == 2 }, time.Second, time.Millisecond)
}

func TestDispatch_Scheduler_TriggerRunGuard(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{block: make(chan struct{})}
	s := newTestScheduler(t, clockwork.NewFakeClockAt(time.Now()), runner, "02:30")

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.TriggerRun(context.Background(), time.Now())
	}()
	require.Eventually(t, func() bool { return runner.calls() == 1 }, time.Second, time.Millisecond)

	require.ErrorIs(t, s.TriggerRun(context.Background(), time.Now()), ErrRunInProgress)

	close(runner.block)
	require.NoError(t, <-errCh)

	// Guard released once the run finishes. The rejected attempt never
	// reached the runner.
	require.NoError(t, s.TriggerRun(context.Background(), time.Now()))
	require.Equal(t, 2, runner.calls())
}

func TestDispatch_Scheduler_NextFire(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	s, err := New(Config{
		Logger:   dispatchtesting.NewLogger(),
		Runner:   &fakeRunner{},
		At:       "02:30",
		Location: ny,
	})
	require.NoError(t, err)

	before := time.Date(2026, 4, 7, 1, 0, 0, 0, ny)
	require.Equal(t, time.Date(2026, 4, 7, 2, 30, 0, 0, ny), s.nextFire(before))

	exactly := time.Date(2026, 4, 7, 2, 30, 0, 0, ny)
	require.Equal(t, time.Date(2026, 4, 8, 2, 30, 0, 0, ny), s.nextFire(exactly))

	after := time.Date(2026, 4, 7, 14, 0, 0, 0, ny)
	require.Equal(t, time.Date(2026, 4, 8, 2, 30, 0, 0, ny), s.nextFire(after))

	// Interpretation follows the scheduler's zone, not the caller's.
	utc := time.Date(2026, 4, 7, 14, 0, 0, 0, time.UTC) // 10:00 in New York
	require.Equal(t, time.Date(2026, 4, 8, 2, 30, 0, 0, ny), s.nextFire(utc))
}

func TestDispatch_Scheduler_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Logger: dispatchtesting.NewLogger(), Runner: &fakeRunner{}, At: "25:99"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid schedule time")

	_, err = New(Config{Logger: dispatchtesting.NewLogger()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "runner")

	s, err := New(Config{Logger: dispatchtesting.NewLogger(), Runner: &fakeRunner{}})
	require.NoError(t, err)
	require.Equal(t, 2, s.hour)
	require.Equal(t, 30, s.minute)
}
