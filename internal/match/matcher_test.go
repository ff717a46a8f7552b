package match

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/store"
	dispatchtesting "github.com/homereach/dispatch/internal/testing"
	"github.com/homereach/dispatch/internal/traveltime"
)

type fakeTravel struct {
	estimates map[string]*traveltime.Estimate
	errs      map[string]error
}

func newFakeTravel() *fakeTravel {
	return &fakeTravel{
		estimates: map[string]*traveltime.Estimate{},
		errs:      map[string]error{},
	}
}

func travelKey(tech, client uuid.UUID, mode traveltime.Mode) string {
	return tech.String() + "|" + client.String() + "|" + string(mode)
}

func (f *fakeTravel) set(tech, client uuid.UUID, mode traveltime.Mode, est *traveltime.Estimate) {
	f.estimates[travelKey(tech, client, mode)] = est
}

func (f *fakeTravel) fail(tech, client uuid.UUID, mode traveltime.Mode, err error) {
	f.errs[travelKey(tech, client, mode)] = err
}

func (f *fakeTravel) Estimate(ctx context.Context, origin, dest traveltime.Endpoint, mode traveltime.Mode) (*traveltime.Estimate, error) {
	key := origin.ID + "|" + dest.ID + "|" + string(mode)
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if est, ok := f.estimates[key]; ok {
		return est, nil
	}
	return nil, fmt.Errorf("no estimate for %s", key)
}

func modeEstimate(mode traveltime.Mode, pessimistic time.Duration, meters int) *traveltime.Estimate {
	return &traveltime.Estimate{
		Mode:                mode,
		DurationAvg:         pessimistic * 9 / 10,
		DurationPessimistic: pessimistic,
		Samples:             []time.Duration{pessimistic * 9 / 10, pessimistic},
		DistanceMeters:      meters,
		SampleCount:         2,
	}
}

func driveEstimate(pessimistic time.Duration, meters int) *traveltime.Estimate {
	return modeEstimate(traveltime.ModeDriving, pessimistic, meters)
}

func matchClient(name string) store.Client {
	lat, lng := 40.6782, -73.9442
	return store.Client{
		ID:               uuid.New(),
		Name:             name,
		RawAddress:       "123 Gates Ave, Brooklyn, NY 11238",
		CanonicalAddress: "123 Gates Ave, Brooklyn, NY 11238, USA",
		AddressMethod:    address.MethodFullAddress,
		AddressQuality:   1,
		Lat:              &lat,
		Lng:              &lng,
		Precision:        geocode.PrecisionRooftop,
		Confidence:       0.95,
		Active:           true,
	}
}

func matchTechnician(name string) store.Technician {
	lat, lng := 40.7282, -73.7949
	return store.Technician{
		ID:               uuid.New(),
		Name:             name,
		RawAddress:       "160 Jamaica Ave, Jamaica, NY 11432",
		CanonicalAddress: "160 Jamaica Ave, Jamaica, NY 11432, USA",
		AddressMethod:    address.MethodFullAddress,
		AddressQuality:   1,
		Lat:              &lat,
		Lng:              &lng,
		Precision:        geocode.PrecisionRooftop,
		Confidence:       0.9,
		TravelMode:       store.TravelModeCar,
		Active:           true,
	}
}

func testOverride(typ store.OverrideType, clientID, techID uuid.UUID) store.Override {
	return store.Override{
		ID:            uuid.New(),
		ClientID:      clientID,
		TechnicianID:  techID,
		Type:          typ,
		Reason:        "test",
		CreatedBy:     "ops",
		EffectiveFrom: time.Now().Add(-time.Hour),
	}
}

func newTestMatcher(t *testing.T, travel TravelEstimator, opts ...func(*Config)) *Matcher {
	t.Helper()
	cfg := Config{
		Logger:     dispatchtesting.NewLogger(),
		Travel:     travel,
		BucketName: "weekday_peak",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestDispatch_Match_BudgetBoundary(t *testing.T) {
	t.Parallel()

	client := matchClient("boundary")
	atLimit := matchTechnician("at-limit")
	overLimit := matchTechnician("over-limit")

	travel := newFakeTravel()
	travel.set(atLimit.ID, client.ID, traveltime.ModeDriving, driveEstimate(30*time.Minute, 8000))
	travel.set(overLimit.ID, client.ID, traveltime.ModeDriving, driveEstimate(30*time.Minute+time.Second, 8000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{overLimit, atLimit}, nil)
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	a := res.Assignments[0]
	require.Equal(t, client.ID, a.ClientID)
	require.Equal(t, atLimit.ID, a.TechnicianID)
	require.Equal(t, store.AssignmentAuto, a.Source)
	require.Equal(t, StatusMatched, a.Status)
	require.Equal(t, 30*time.Minute, a.Estimate.DurationPessimistic)

	require.Len(t, a.Explain.Exclusions, 1)
	require.Equal(t, overLimit.ID, a.Explain.Exclusions[0].TechnicianID)
	require.Equal(t, ExcludedOverBudget, a.Explain.Exclusions[0].Reason)
	require.Equal(t, 30, a.Explain.BudgetMinutes)
	require.Equal(t, "weekday_peak", a.Explain.Bucket)

	require.Equal(t, 1, res.Counters.Matched)
	require.Zero(t, res.Counters.Unmatched)
}

func TestDispatch_Match_PerTechnicianBudget(t *testing.T) {
	t.Parallel()

	client := matchClient("budget")
	narrow := matchTechnician("narrow")
	narrowMax := 20
	narrow.MaxTravelMinutes = &narrowMax
	wide := matchTechnician("wide")
	wideMax := 45
	wide.MaxTravelMinutes = &wideMax

	travel := newFakeTravel()
	travel.set(narrow.ID, client.ID, traveltime.ModeDriving, driveEstimate(25*time.Minute, 8000))
	travel.set(wide.ID, client.ID, traveltime.ModeDriving, driveEstimate(40*time.Minute, 8000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{narrow, wide}, nil)
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	a := res.Assignments[0]
	require.Equal(t, wide.ID, a.TechnicianID)
	require.Len(t, a.Explain.Exclusions, 1)
	require.Equal(t, narrow.ID, a.Explain.Exclusions[0].TechnicianID)
	require.Equal(t, ExcludedOverBudget, a.Explain.Exclusions[0].Reason)
}

func TestDispatch_Match_RankingOrder(t *testing.T) {
	t.Parallel()

	client := matchClient("ranked")
	fastest := matchTechnician("fastest")
	confident := matchTechnician("confident")
	confident.Confidence = 0.95
	baseline := matchTechnician("baseline")
	baseline.Confidence = 0.85

	travel := newFakeTravel()
	travel.set(fastest.ID, client.ID, traveltime.ModeDriving, driveEstimate(15*time.Minute, 8000))
	travel.set(confident.ID, client.ID, traveltime.ModeDriving, driveEstimate(20*time.Minute, 8000))
	travel.set(baseline.ID, client.ID, traveltime.ModeDriving, driveEstimate(20*time.Minute, 8000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{baseline, confident, fastest}, nil)
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	a := res.Assignments[0]
	require.Equal(t, fastest.ID, a.TechnicianID)
	require.Len(t, a.Candidates, 3)
	require.Equal(t, fastest.ID, a.Candidates[0].TechnicianID)
	require.Equal(t, confident.ID, a.Candidates[1].TechnicianID)
	require.Equal(t, baseline.ID, a.Candidates[2].TechnicianID)
	require.Equal(t, 3, a.Explain.CandidatesConsidered)
}

func TestDispatch_Match_RankingTieBreaksOnID(t *testing.T) {
	t.Parallel()

	client := matchClient("tie")
	low := matchTechnician("low-id")
	low.ID = uuid.MustParse("11111111-1111-4111-8111-111111111111")
	high := matchTechnician("high-id")
	high.ID = uuid.MustParse("99999999-9999-4999-8999-999999999999")

	travel := newFakeTravel()
	travel.set(low.ID, client.ID, traveltime.ModeDriving, driveEstimate(20*time.Minute, 8000))
	travel.set(high.ID, client.ID, traveltime.ModeDriving, driveEstimate(20*time.Minute, 8000))

	m := newTestMatcher(t, travel)
	// high goes first so input order cannot fake the win.
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{high, low}, nil)
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	require.Equal(t, low.ID, res.Assignments[0].TechnicianID)
}

func TestDispatch_Match_GreedyConsumesTechnicians(t *testing.T) {
	t.Parallel()

	first := matchClient("first")
	second := matchClient("second")
	only := matchTechnician("only")

	travel := newFakeTravel()
	travel.set(only.ID, first.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))
	travel.set(only.ID, second.ID, traveltime.ModeDriving, driveEstimate(5*time.Minute, 4000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{first, second}, []store.Technician{only}, nil)
	require.NoError(t, err)

	// The earlier client wins even though the later one is closer.
	require.Len(t, res.Assignments, 1)
	require.Equal(t, first.ID, res.Assignments[0].ClientID)

	require.Len(t, res.Unmatched, 1)
	require.Equal(t, second.ID, res.Unmatched[0].ClientID)
	require.Equal(t, StatusStandby, res.Unmatched[0].Status)
	require.Empty(t, res.Unmatched[0].Exclusions)
	require.Equal(t, 1, res.Counters.Matched)
	require.Equal(t, 1, res.Counters.Unmatched)
}

func TestDispatch_Match_BlockPairExcludes(t *testing.T) {
	t.Parallel()

	client := matchClient("blocked")
	tech := matchTechnician("blocked")

	travel := newFakeTravel()
	travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech},
		[]store.Override{testOverride(store.OverrideBlockPair, client.ID, tech.ID)})
	require.NoError(t, err)

	require.Empty(t, res.Assignments)
	require.Len(t, res.Unmatched, 1)
	require.Equal(t, StatusStandby, res.Unmatched[0].Status)
	require.Len(t, res.Unmatched[0].Exclusions, 1)
	require.Equal(t, ExcludedBlocked, res.Unmatched[0].Exclusions[0].Reason)
	require.Equal(t, 1, res.Counters.Blocked)
}

func TestDispatch_Match_ExpiredOverrideIgnored(t *testing.T) {
	t.Parallel()

	client := matchClient("expired")
	tech := matchTechnician("expired")

	ov := testOverride(store.OverrideBlockPair, client.ID, tech.ID)
	from := time.Now().Add(-48 * time.Hour)
	until := time.Now().Add(-24 * time.Hour)
	ov.EffectiveFrom = from
	ov.EffectiveUntil = &until

	travel := newFakeTravel()
	travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, []store.Override{ov})
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	require.Zero(t, res.Counters.Blocked)
}

func TestDispatch_Match_LockedAssignmentIgnoresBudget(t *testing.T) {
	t.Parallel()

	client := matchClient("locked")
	tech := matchTechnician("locked")

	travel := newFakeTravel()
	travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(90*time.Minute, 32000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech},
		[]store.Override{testOverride(store.OverrideLockedAssignment, client.ID, tech.ID)})
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	a := res.Assignments[0]
	require.Equal(t, store.AssignmentLocked, a.Source)
	require.Equal(t, StatusMatched, a.Status)
	require.Equal(t, 90*time.Minute, a.Estimate.DurationPessimistic)
	require.Equal(t, 1, res.Counters.Locked)
	require.Zero(t, res.Counters.Matched)
	require.Empty(t, res.Unmatched)
}

func TestDispatch_Match_ManualAssignmentIgnoresBudget(t *testing.T) {
	t.Parallel()

	client := matchClient("manual")
	tech := matchTechnician("manual")

	travel := newFakeTravel()
	travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(50*time.Minute, 16000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech},
		[]store.Override{testOverride(store.OverrideManualAssignment, client.ID, tech.ID)})
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	require.Equal(t, store.AssignmentManual, res.Assignments[0].Source)
	require.Equal(t, 1, res.Counters.Manual)
}

func TestDispatch_Match_LockedAndBlockedPairSkipped(t *testing.T) {
	t.Parallel()

	client := matchClient("conflicted")
	tech := matchTechnician("conflicted")

	travel := newFakeTravel()
	travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech},
		[]store.Override{
			testOverride(store.OverrideLockedAssignment, client.ID, tech.ID),
			testOverride(store.OverrideBlockPair, client.ID, tech.ID),
		})
	require.NoError(t, err)

	// The block wins: no assignment, and the pair counts blocked once even
	// though both passes see it.
	require.Empty(t, res.Assignments)
	require.Len(t, res.Unmatched, 1)
	require.Equal(t, 1, res.Counters.Blocked)
	require.Zero(t, res.Counters.Locked)
}

func TestDispatch_Match_LockedBeatsManualForTechnician(t *testing.T) {
	t.Parallel()

	lockedClient := matchClient("locked-client")
	manualClient := matchClient("manual-client")
	contested := matchTechnician("contested")
	spare := matchTechnician("spare")

	travel := newFakeTravel()
	travel.set(contested.ID, lockedClient.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))
	travel.set(spare.ID, manualClient.ID, traveltime.ModeDriving, driveEstimate(15*time.Minute, 8000))

	m := newTestMatcher(t, travel)
	// Manual listed first; LOCKED must still win the contested technician.
	res, err := m.Run(context.Background(),
		[]store.Client{lockedClient, manualClient},
		[]store.Technician{contested, spare},
		[]store.Override{
			testOverride(store.OverrideManualAssignment, manualClient.ID, contested.ID),
			testOverride(store.OverrideLockedAssignment, lockedClient.ID, contested.ID),
		})
	require.NoError(t, err)

	require.Len(t, res.Assignments, 2)
	bySource := map[store.AssignmentSource]Assignment{}
	for _, a := range res.Assignments {
		bySource[a.Source] = a
	}
	require.Equal(t, contested.ID, bySource[store.AssignmentLocked].TechnicianID)
	require.Equal(t, lockedClient.ID, bySource[store.AssignmentLocked].ClientID)

	// The manual client falls through to the auto pass and takes the spare.
	require.Equal(t, spare.ID, bySource[store.AssignmentAuto].TechnicianID)
	require.Equal(t, manualClient.ID, bySource[store.AssignmentAuto].ClientID)
	require.Equal(t, 1, res.Counters.Locked)
	require.Zero(t, res.Counters.Manual)
}

func TestDispatch_Match_TravelModeBoth(t *testing.T) {
	t.Parallel()

	t.Run("picks the better pessimistic duration", func(t *testing.T) {
		t.Parallel()
		client := matchClient("modes")
		tech := matchTechnician("modes")
		tech.TravelMode = store.TravelModeBoth

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, modeEstimate(traveltime.ModeDriving, 25*time.Minute, 8000))
		travel.set(tech.ID, client.ID, traveltime.ModeTransit, modeEstimate(traveltime.ModeTransit, 18*time.Minute, 9000))

		m := newTestMatcher(t, travel)
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Len(t, res.Assignments, 1)
		require.Equal(t, traveltime.ModeTransit, res.Assignments[0].Mode)
		require.Equal(t, 18*time.Minute, res.Assignments[0].Estimate.DurationPessimistic)
	})

	t.Run("driving wins ties", func(t *testing.T) {
		t.Parallel()
		client := matchClient("modes-tie")
		tech := matchTechnician("modes-tie")
		tech.TravelMode = store.TravelModeBoth

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, modeEstimate(traveltime.ModeDriving, 20*time.Minute, 8000))
		travel.set(tech.ID, client.ID, traveltime.ModeTransit, modeEstimate(traveltime.ModeTransit, 20*time.Minute, 8000))

		m := newTestMatcher(t, travel)
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Len(t, res.Assignments, 1)
		require.Equal(t, traveltime.ModeDriving, res.Assignments[0].Mode)
	})

	t.Run("transit profile never asks for driving", func(t *testing.T) {
		t.Parallel()
		client := matchClient("transit-only")
		tech := matchTechnician("transit-only")
		tech.TravelMode = store.TravelModeTransit

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeTransit, modeEstimate(traveltime.ModeTransit, 22*time.Minute, 9000))

		m := newTestMatcher(t, travel)
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Len(t, res.Assignments, 1)
		require.Equal(t, traveltime.ModeTransit, res.Assignments[0].Mode)
	})
}

func TestDispatch_Match_ClientWithoutCoordinates(t *testing.T) {
	t.Parallel()

	client := matchClient("nowhere")
	client.Lat, client.Lng = nil, nil
	tech := matchTechnician("ready")

	m := newTestMatcher(t, newFakeTravel())
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
	require.NoError(t, err)

	require.Empty(t, res.Assignments)
	require.Len(t, res.Unmatched, 1)
	require.Equal(t, StatusNoLocation, res.Unmatched[0].Status)
	require.Equal(t, 1, res.Counters.NoLocation)
	require.Equal(t, 1, res.Counters.Unmatched)
}

func TestDispatch_Match_TechnicianWithoutCoordinates(t *testing.T) {
	t.Parallel()

	client := matchClient("has-coords")
	located := matchTechnician("located")
	unlocated := matchTechnician("unlocated")
	unlocated.Lat, unlocated.Lng = nil, nil

	travel := newFakeTravel()
	travel.set(located.ID, client.ID, traveltime.ModeDriving, driveEstimate(12*time.Minute, 8000))

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{unlocated, located}, nil)
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	a := res.Assignments[0]
	require.Equal(t, located.ID, a.TechnicianID)
	require.Len(t, a.Explain.Exclusions, 1)
	require.Equal(t, unlocated.ID, a.Explain.Exclusions[0].TechnicianID)
	require.Equal(t, ExcludedNoCoords, a.Explain.Exclusions[0].Reason)
}

func TestDispatch_Match_EstimateFailures(t *testing.T) {
	t.Parallel()

	t.Run("failing technician excluded, run continues", func(t *testing.T) {
		t.Parallel()
		client := matchClient("resilient")
		flaky := matchTechnician("flaky")
		solid := matchTechnician("solid")

		travel := newFakeTravel()
		travel.fail(flaky.ID, client.ID, traveltime.ModeDriving, errors.New("routes: quota exceeded"))
		travel.set(solid.ID, client.ID, traveltime.ModeDriving, driveEstimate(14*time.Minute, 8000))

		m := newTestMatcher(t, travel)
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{flaky, solid}, nil)
		require.NoError(t, err)

		require.Len(t, res.Assignments, 1)
		a := res.Assignments[0]
		require.Equal(t, solid.ID, a.TechnicianID)
		require.Len(t, a.Explain.Exclusions, 1)
		require.Equal(t, ExcludedEstimateFailed, a.Explain.Exclusions[0].Reason)
		require.Contains(t, a.Explain.Exclusions[0].Detail, "quota exceeded")
	})

	t.Run("every estimate failing leaves the client standby", func(t *testing.T) {
		t.Parallel()
		client := matchClient("stranded")
		tech := matchTechnician("unreachable")

		travel := newFakeTravel()
		travel.fail(tech.ID, client.ID, traveltime.ModeDriving, errors.New("routes: upstream timeout"))

		m := newTestMatcher(t, travel)
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Empty(t, res.Assignments)
		require.Len(t, res.Unmatched, 1)
		require.Equal(t, StatusStandby, res.Unmatched[0].Status)
		require.Len(t, res.Unmatched[0].Exclusions, 1)
		require.Equal(t, ExcludedEstimateFailed, res.Unmatched[0].Exclusions[0].Reason)
	})
}

func TestDispatch_Match_CacheCounters(t *testing.T) {
	t.Parallel()

	t.Run("cached estimate", func(t *testing.T) {
		t.Parallel()
		client := matchClient("cached")
		tech := matchTechnician("cached")
		est := driveEstimate(10*time.Minute, 8000)
		est.FromCache = true

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, est)

		m := newTestMatcher(t, travel)
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)
		require.Equal(t, 1, res.Counters.CacheHits)
		require.Zero(t, res.Counters.CacheMisses)
		require.Zero(t, res.Counters.ProviderCalls)
	})

	t.Run("provider estimate", func(t *testing.T) {
		t.Parallel()
		client := matchClient("fresh")
		tech := matchTechnician("fresh")

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

		m := newTestMatcher(t, travel)
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)
		require.Zero(t, res.Counters.CacheHits)
		require.Equal(t, 1, res.Counters.CacheMisses)
		require.Equal(t, 2, res.Counters.ProviderCalls)
	})

	t.Run("fallback estimate", func(t *testing.T) {
		t.Parallel()
		client := matchClient("fallback")
		tech := matchTechnician("fallback")
		est := driveEstimate(10*time.Minute, 8000)
		est.Fallback = true
		est.SampleCount = 0

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, est)

		m := newTestMatcher(t, travel)
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)
		require.Equal(t, 1, res.Counters.CacheMisses)
		require.Equal(t, 1, res.Counters.FallbackUsed)
		require.Zero(t, res.Counters.ProviderCalls)
	})
}

func TestDispatch_Match_SuggestionLimit(t *testing.T) {
	t.Parallel()

	client := matchClient("popular")
	techs := make([]store.Technician, 5)
	travel := newFakeTravel()
	for i := range techs {
		techs[i] = matchTechnician(fmt.Sprintf("tech-%d", i))
		travel.set(techs[i].ID, client.ID, traveltime.ModeDriving,
			driveEstimate(time.Duration(10+i)*time.Minute, 8000))
	}

	m := newTestMatcher(t, travel)
	res, err := m.Run(context.Background(), []store.Client{client}, techs, nil)
	require.NoError(t, err)

	require.Len(t, res.Assignments, 1)
	require.Len(t, res.Assignments[0].Candidates, 3)
	require.Equal(t, 5, res.Assignments[0].Explain.CandidatesConsidered)

	narrow := newTestMatcher(t, travel, func(cfg *Config) { cfg.SuggestionLimit = 2 })
	res, err = narrow.Run(context.Background(), []store.Client{client}, techs, nil)
	require.NoError(t, err)
	require.Len(t, res.Assignments[0].Candidates, 2)
}

func TestDispatch_Match_Deterministic(t *testing.T) {
	t.Parallel()

	clients := []store.Client{matchClient("x"), matchClient("y"), matchClient("z")}
	techs := []store.Technician{matchTechnician("a"), matchTechnician("b"), matchTechnician("c")}

	travel := newFakeTravel()
	durations := [][]time.Duration{
		{10 * time.Minute, 12 * time.Minute, 14 * time.Minute},
		{11 * time.Minute, 9 * time.Minute, 13 * time.Minute},
		{8 * time.Minute, 7 * time.Minute, 6 * time.Minute},
	}
	for ci, c := range clients {
		for ti, tech := range techs {
			travel.set(tech.ID, c.ID, traveltime.ModeDriving, driveEstimate(durations[ci][ti], 8000))
		}
	}

	m := newTestMatcher(t, travel)
	pairs := func(res *Result) []string {
		out := make([]string, len(res.Assignments))
		for i, a := range res.Assignments {
			out[i] = a.ClientID.String() + ">" + a.TechnicianID.String()
		}
		return out
	}

	first, err := m.Run(context.Background(), clients, techs, nil)
	require.NoError(t, err)
	second, err := m.Run(context.Background(), clients, techs, nil)
	require.NoError(t, err)

	require.Equal(t, pairs(first), pairs(second))
	require.Len(t, first.Assignments, 3)
}

func TestDispatch_Match_EmptyInputs(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t, newFakeTravel())
	client := matchClient("alone")
	tech := matchTechnician("alone")

	_, err := m.Run(context.Background(), nil, []store.Technician{tech}, nil)
	require.ErrorContains(t, err, "no matchable clients")

	_, err = m.Run(context.Background(), []store.Client{client}, nil, nil)
	require.ErrorContains(t, err, "no matchable technicians")
}

type fakeEnsure struct {
	clientErr   map[uuid.UUID]error
	techErr     map[uuid.UUID]error
	clientCalls []uuid.UUID
	techCalls   []uuid.UUID
}

func newFakeEnsure() *fakeEnsure {
	return &fakeEnsure{
		clientErr: map[uuid.UUID]error{},
		techErr:   map[uuid.UUID]error{},
	}
}

func (f *fakeEnsure) EnsureClient(ctx context.Context, c *store.Client) error {
	f.clientCalls = append(f.clientCalls, c.ID)
	if err := f.clientErr[c.ID]; err != nil {
		return err
	}
	if !c.HasCoords() {
		lat, lng := 40.7061, -73.9969
		c.Lat, c.Lng = &lat, &lng
	}
	c.CoordsStale = false
	return nil
}

func (f *fakeEnsure) EnsureTechnician(ctx context.Context, tech *store.Technician) error {
	f.techCalls = append(f.techCalls, tech.ID)
	if err := f.techErr[tech.ID]; err != nil {
		return err
	}
	if !tech.HasCoords() {
		lat, lng := 40.7143, -73.9614
		tech.Lat, tech.Lng = &lat, &lng
	}
	tech.CoordsStale = false
	return nil
}

func TestDispatch_Match_EnsureCoordinates(t *testing.T) {
	t.Parallel()

	t.Run("stale client refreshed before matching", func(t *testing.T) {
		t.Parallel()
		client := matchClient("stale")
		client.CoordsStale = true
		tech := matchTechnician("ready")

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

		ensure := newFakeEnsure()
		m := newTestMatcher(t, travel, func(cfg *Config) { cfg.Ensure = ensure })
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Len(t, res.Assignments, 1)
		require.Equal(t, []uuid.UUID{client.ID}, ensure.clientCalls)
	})

	t.Run("refresh failure falls back to stale coordinates", func(t *testing.T) {
		t.Parallel()
		client := matchClient("stale-but-usable")
		client.CoordsStale = true
		tech := matchTechnician("ready")

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

		ensure := newFakeEnsure()
		ensure.clientErr[client.ID] = errors.New("geocode: breaker open")
		m := newTestMatcher(t, travel, func(cfg *Config) { cfg.Ensure = ensure })
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Len(t, res.Assignments, 1)
		require.Equal(t, client.ID, res.Assignments[0].ClientID)
	})

	t.Run("refresh failure without coordinates is no_location", func(t *testing.T) {
		t.Parallel()
		client := matchClient("unresolvable")
		client.Lat, client.Lng = nil, nil
		tech := matchTechnician("ready")

		ensure := newFakeEnsure()
		ensure.clientErr[client.ID] = errors.New("geocode: zero results")
		m := newTestMatcher(t, newFakeTravel(), func(cfg *Config) { cfg.Ensure = ensure })
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Empty(t, res.Assignments)
		require.Len(t, res.Unmatched, 1)
		require.Equal(t, StatusNoLocation, res.Unmatched[0].Status)
	})

	t.Run("fresh entities skip the resolver", func(t *testing.T) {
		t.Parallel()
		client := matchClient("fresh")
		tech := matchTechnician("fresh")

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

		ensure := newFakeEnsure()
		m := newTestMatcher(t, travel, func(cfg *Config) { cfg.Ensure = ensure })
		_, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Empty(t, ensure.clientCalls)
		require.Empty(t, ensure.techCalls)
	})

	t.Run("technician without stored coordinates gets resolved", func(t *testing.T) {
		t.Parallel()
		client := matchClient("waiting")
		tech := matchTechnician("arriving")
		tech.Lat, tech.Lng = nil, nil

		travel := newFakeTravel()
		travel.set(tech.ID, client.ID, traveltime.ModeDriving, driveEstimate(10*time.Minute, 8000))

		ensure := newFakeEnsure()
		m := newTestMatcher(t, travel, func(cfg *Config) { cfg.Ensure = ensure })
		res, err := m.Run(context.Background(), []store.Client{client}, []store.Technician{tech}, nil)
		require.NoError(t, err)

		require.Len(t, res.Assignments, 1)
		require.Equal(t, tech.ID, res.Assignments[0].TechnicianID)
		require.Equal(t, []uuid.UUID{tech.ID}, ensure.techCalls)
	})
}
