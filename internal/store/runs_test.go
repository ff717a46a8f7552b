package store_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/internal/traveltime"
)

func TestDispatch_Store_MatchRuns_CreateFinishGet(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	run := &store.MatchRun{
		Trigger: store.TriggerManual,
		Params:  json.RawMessage(`{"budget_minutes":30,"traffic_model":"pessimistic"}`),
	}
	require.NoError(t, s.CreateMatchRun(ctx, run))
	require.NotEqual(t, uuid.Nil, run.ID)
	require.False(t, run.StartedAt.IsZero())

	open, err := s.GetMatchRun(ctx, run.ID)
	require.NoError(t, err)
	require.Nil(t, open.FinishedAt)
	require.JSONEq(t, string(run.Params), string(open.Params))

	run.ClientCount = 12
	run.TechnicianCount = 5
	run.Matched = 4
	run.Unmatched = 8
	run.Locked = 1
	run.Manual = 1
	run.Blocked = 2
	run.NeedsReview = 1
	run.CacheHits = 40
	run.CacheMisses = 8
	run.ProviderCalls = 24
	run.FallbackUsed = 3
	require.NoError(t, s.FinishMatchRun(ctx, run))

	got, err := s.GetMatchRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	require.WithinDuration(t, *run.FinishedAt, *got.FinishedAt, time.Millisecond)
	require.Equal(t, 12, got.ClientCount)
	require.Equal(t, 4, got.Matched)
	require.Equal(t, 8, got.Unmatched)
	require.Equal(t, 2, got.Blocked)
	require.Equal(t, 40, got.CacheHits)
	require.Equal(t, 3, got.FallbackUsed)
	require.Nil(t, got.Error)

	_, err = s.GetMatchRun(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)

	missing := &store.MatchRun{ID: uuid.New(), StartedAt: time.Now()}
	require.ErrorIs(t, s.FinishMatchRun(ctx, missing), store.ErrNotFound)
}

func TestDispatch_Store_MatchRuns_KeysetPagination(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	mine := make(map[uuid.UUID]int, 5)
	for range 5 {
		run := seedRun(t, s)
		mine[run.ID] = 0
	}

	var cursor *store.RunCursor
	for pages := 0; ; pages++ {
		require.Less(t, pages, 100, "cursor failed to advance")
		runs, next, err := s.ListMatchRuns(ctx, cursor, 2)
		require.NoError(t, err)
		for _, r := range runs {
			if _, ok := mine[r.ID]; ok {
				mine[r.ID]++
			}
		}
		if next == nil {
			require.LessOrEqual(t, len(runs), 2)
			break
		}
		require.Len(t, runs, 2)
		cursor = next
	}

	for id, seen := range mine {
		require.Equal(t, 1, seen, "run %s should appear on exactly one page", id)
	}
}

func TestDispatch_Store_Suggestions_Roundtrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	clientA := seedClient(t, s, nil)
	clientB := seedClient(t, s, nil)
	techA := seedTechnician(t, s, nil)
	techB := seedTechnician(t, s, nil)
	run := seedRun(t, s)

	suggestions := []store.Suggestion{
		{RunID: run.ID, ClientID: clientA.ID, Rank: 1, TechnicianID: techA.ID,
			Mode: traveltime.ModeDriving, DurationPessimisticS: 1500, DistanceM: 7100, Quality: 0.95},
		{RunID: run.ID, ClientID: clientA.ID, Rank: 2, TechnicianID: techB.ID,
			Mode: traveltime.ModeTransit, DurationPessimisticS: 1740, DistanceM: 6800, Quality: 0.88},
		{RunID: run.ID, ClientID: clientB.ID, Rank: 1, TechnicianID: techB.ID,
			Mode: traveltime.ModeDriving, DurationPessimisticS: 900, DistanceM: 3200, Quality: 1.0},
	}
	require.NoError(t, s.InsertSuggestions(ctx, suggestions))
	require.NoError(t, s.InsertSuggestions(ctx, nil))

	got, err := s.ListSuggestions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Ordered by client then rank; the two clients sort by UUID.
	byClient := map[uuid.UUID][]store.Suggestion{}
	for _, sg := range got {
		byClient[sg.ClientID] = append(byClient[sg.ClientID], sg)
	}
	require.Len(t, byClient[clientA.ID], 2)
	require.Equal(t, 1, byClient[clientA.ID][0].Rank)
	require.Equal(t, techA.ID, byClient[clientA.ID][0].TechnicianID)
	require.Equal(t, 2, byClient[clientA.ID][1].Rank)
	require.Equal(t, traveltime.ModeTransit, byClient[clientA.ID][1].Mode)
	require.Len(t, byClient[clientB.ID], 1)
	require.InDelta(t, 1.0, byClient[clientB.ID][0].Quality, 1e-9)
}

func TestDispatch_Store_SyncRuns(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	run := &store.SyncRun{}
	require.NoError(t, s.CreateSyncRun(ctx, run))
	require.NotEqual(t, uuid.Nil, run.ID)
	require.False(t, run.StartedAt.IsZero())

	run.Fetched = 30
	run.Created = 2
	run.Updated = 5
	run.Deactivated = 4
	run.AddressChanged = 3
	run.CoordsStaleMarked = 3
	run.CacheInvalidated = 9
	run.Geocoded = 3
	run.GeocodeFailures = 1
	run.Error = ptr("1 address failed to geocode")
	require.NoError(t, s.FinishSyncRun(ctx, run))

	runs, err := s.ListSyncRuns(ctx, 200)
	require.NoError(t, err)
	var got *store.SyncRun
	for i := range runs {
		if runs[i].ID == run.ID {
			got = &runs[i]
			break
		}
	}
	require.NotNil(t, got)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, 30, got.Fetched)
	require.Equal(t, 4, got.Deactivated)
	require.Equal(t, 3, got.AddressChanged)
	require.Equal(t, 9, got.CacheInvalidated)
	require.Equal(t, "1 address failed to geocode", *got.Error)

	missing := &store.SyncRun{ID: uuid.New()}
	require.ErrorIs(t, s.FinishSyncRun(ctx, missing), store.ErrNotFound)
}

// The scheduling_meta row is a singleton, so every assertion that touches it
// lives in this one sequential test.
func TestDispatch_Store_SchedulingMeta(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	require.Error(t, s.ValidateProject(ctx, ""))

	project := "dispatch-" + uuid.NewString()[:8]
	require.NoError(t, s.ValidateProject(ctx, project), "first claim takes the blank sentinel")
	require.NoError(t, s.ValidateProject(ctx, project), "same name revalidates")

	err := s.ValidateProject(ctx, "some-other-project")
	require.ErrorIs(t, err, store.ErrProjectMismatch)
	require.Contains(t, err.Error(), project)

	meta, err := s.GetSchedulingMeta(ctx)
	require.NoError(t, err)
	require.Equal(t, project, meta.ProjectName)
	require.Nil(t, meta.LastMatchingRunAt)

	run := seedRun(t, s)
	stamp := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.StampMatchingRun(ctx, run.ID, stamp, json.RawMessage(`{"matched":4}`)))
	require.NoError(t, s.StampClientSync(ctx, stamp))

	meta, err = s.GetSchedulingMeta(ctx)
	require.NoError(t, err)
	require.Equal(t, run.ID, *meta.LastMatchingRunID)
	require.True(t, stamp.Equal(*meta.LastMatchingRunAt))
	require.True(t, stamp.Equal(*meta.LastClientSyncAt))
	require.JSONEq(t, `{"matched":4}`, string(meta.LastRunSummary))
}
