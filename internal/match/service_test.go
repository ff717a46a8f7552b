package match

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/homereach/dispatch/internal/store"
	dispatchtesting "github.com/homereach/dispatch/internal/testing"
	"github.com/homereach/dispatch/internal/traveltime"
)

type fakeRunStore struct {
	runs        map[uuid.UUID]*store.MatchRun
	clients     []store.Client
	technicians []store.Technician
	overrides   []store.Override
	suggestions []store.Suggestion

	stampedRun uuid.UUID
	stampedAt  time.Time
	summary    json.RawMessage

	clientsErr     error
	suggestionsErr error
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: map[uuid.UUID]*store.MatchRun{}}
}

func (f *fakeRunStore) CreateMatchRun(ctx context.Context, r *store.MatchRun) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.StartedAt = time.Now().UTC()
	cp := *r
	f.runs[r.ID] = &cp
	return nil
}

func (f *fakeRunStore) FinishMatchRun(ctx context.Context, r *store.MatchRun) error {
	if _, ok := f.runs[r.ID]; !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	r.FinishedAt = &now
	r.DurationMS = now.Sub(r.StartedAt).Milliseconds()
	cp := *r
	f.runs[r.ID] = &cp
	return nil
}

func (f *fakeRunStore) ListMatchableClients(ctx context.Context) ([]store.Client, error) {
	if f.clientsErr != nil {
		return nil, f.clientsErr
	}
	return f.clients, nil
}

func (f *fakeRunStore) ListMatchableTechnicians(ctx context.Context) ([]store.Technician, error) {
	return f.technicians, nil
}

func (f *fakeRunStore) EffectiveOverrides(ctx context.Context, ts time.Time) ([]store.Override, error) {
	return f.overrides, nil
}

func (f *fakeRunStore) InsertSuggestions(ctx context.Context, suggestions []store.Suggestion) error {
	if f.suggestionsErr != nil {
		return f.suggestionsErr
	}
	f.suggestions = append(f.suggestions, suggestions...)
	return nil
}

func (f *fakeRunStore) StampMatchingRun(ctx context.Context, runID uuid.UUID, at time.Time, summary json.RawMessage) error {
	f.stampedRun = runID
	f.stampedAt = at
	f.summary = summary
	return nil
}

type fakeNotifier struct {
	runs []*store.MatchRun
	err  error
}

func (f *fakeNotifier) RunFinished(ctx context.Context, run *store.MatchRun) error {
	f.runs = append(f.runs, run)
	return f.err
}

func newTestService(t *testing.T, st *fakeRunStore, travel TravelEstimator, notifier Notifier) *Service {
	t.Helper()
	m := newTestMatcher(t, travel)
	svc, err := NewService(ServiceConfig{
		Logger:   dispatchtesting.NewLogger(),
		Store:    st,
		Matcher:  m,
		Notifier: notifier,
	})
	require.NoError(t, err)
	return svc
}

func TestDispatch_Match_Service_Execute(t *testing.T) {
	t.Parallel()

	matched := matchClient("matched")
	stranded := matchClient("stranded")
	tech := matchTechnician("roving")

	travel := newFakeTravel()
	travel.set(tech.ID, matched.ID, traveltime.ModeDriving, driveEstimate(12*time.Minute, 8000))
	travel.fail(tech.ID, stranded.ID, traveltime.ModeDriving, errors.New("routes: unreachable"))

	st := newFakeRunStore()
	st.clients = []store.Client{matched, stranded}
	st.technicians = []store.Technician{tech}
	notifier := &fakeNotifier{}

	svc := newTestService(t, st, travel, notifier)
	run, res, err := svc.Execute(context.Background(), store.TriggerManual, json.RawMessage(`{"requested_by":"ops"}`))
	require.NoError(t, err)
	require.NotNil(t, res)

	// Ledger row finalized with the counters.
	saved := st.runs[run.ID]
	require.NotNil(t, saved)
	require.NotNil(t, saved.FinishedAt)
	require.Equal(t, store.TriggerManual, saved.Trigger)
	require.Equal(t, 2, saved.ClientCount)
	require.Equal(t, 1, saved.TechnicianCount)
	require.Equal(t, 1, saved.Matched)
	require.Equal(t, 1, saved.Unmatched)
	require.Nil(t, saved.Error)

	// Ranked candidates persisted against the run.
	require.Len(t, st.suggestions, 1)
	require.Equal(t, run.ID, st.suggestions[0].RunID)
	require.Equal(t, matched.ID, st.suggestions[0].ClientID)
	require.Equal(t, tech.ID, st.suggestions[0].TechnicianID)
	require.Equal(t, 1, st.suggestions[0].Rank)
	require.Equal(t, int64(720), st.suggestions[0].DurationPessimisticS)

	// Scheduling meta stamped with the run summary.
	require.Equal(t, run.ID, st.stampedRun)
	require.Equal(t, *saved.FinishedAt, st.stampedAt)
	require.Contains(t, string(st.summary), run.ID.String())

	require.Len(t, notifier.runs, 1)
	require.Equal(t, run.ID, notifier.runs[0].ID)
}

func TestDispatch_Match_Service_ExecuteRecordsFailure(t *testing.T) {
	t.Parallel()

	st := newFakeRunStore()
	st.technicians = []store.Technician{matchTechnician("idle")}

	svc := newTestService(t, st, newFakeTravel(), nil)
	run, _, err := svc.Execute(context.Background(), store.TriggerScheduled, nil)
	require.ErrorContains(t, err, "no matchable clients")

	// The failure still lands on the ledger row.
	require.NotNil(t, run)
	saved := st.runs[run.ID]
	require.NotNil(t, saved)
	require.NotNil(t, saved.FinishedAt)
	require.NotNil(t, saved.Error)
	require.Contains(t, *saved.Error, "no matchable clients")
	require.Empty(t, st.suggestions)
	require.Zero(t, st.stampedRun)
}

func TestDispatch_Match_Service_LoadFailure(t *testing.T) {
	t.Parallel()

	st := newFakeRunStore()
	st.clientsErr = errors.New("pool exhausted")

	svc := newTestService(t, st, newFakeTravel(), nil)
	_, _, err := svc.Execute(context.Background(), store.TriggerManual, nil)
	require.ErrorContains(t, err, "failed to load matchable clients")
}

func TestDispatch_Match_Service_AuxiliaryFailuresTolerated(t *testing.T) {
	t.Parallel()

	client := matchClient("tolerant")
	tech := matchTechnician("tolerant")

	travel := newFakeTravel()
	travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

	st := newFakeRunStore()
	st.clients = []store.Client{client}
	st.technicians = []store.Technician{tech}
	st.suggestionsErr = errors.New("batch rejected")
	notifier := &fakeNotifier{err: errors.New("webhook 500")}

	svc := newTestService(t, st, travel, notifier)
	run, _, err := svc.Execute(context.Background(), store.TriggerSimulation, nil)
	require.NoError(t, err)

	saved := st.runs[run.ID]
	require.Equal(t, 1, saved.Matched)
	require.Len(t, notifier.runs, 1)
}
