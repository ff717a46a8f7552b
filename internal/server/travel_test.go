package server_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/homereach/dispatch/internal/store"
)

func estimatePath(originID, originType, destID, destType string) string {
	return "/api/travel/estimate?origin_id=" + originID + "&origin_type=" + originType +
		"&dest_id=" + destID + "&dest_type=" + destType
}

func TestDispatch_Server_TravelEstimate(t *testing.T) {
	env := newTestEnv(t)
	c := seedClient(t, env, nil)
	tech := seedTechnician(t, env, nil)

	path := estimatePath(tech.ID.String(), "technician", c.ID.String(), "client")
	status, body := env.get(path)
	require.Equal(t, http.StatusOK, status)

	e := obj(t, body, "estimate")
	require.Equal(t, "driving", e["mode"])
	require.EqualValues(t, 1020, e["duration_avg_s"])
	require.EqualValues(t, 1440, e["duration_pessimistic_s"])
	require.EqualValues(t, 8200, e["distance_m"])
	require.EqualValues(t, 3, e["sample_count"])
	require.Equal(t, true, e["from_cache"])
	require.Equal(t, false, e["fallback"])

	status, body = env.get(path + "&mode=transit")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "transit", obj(t, body, "estimate")["mode"])

	status, body = env.get(path + "&mode=walking")
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")
}

func TestDispatch_Server_TravelEstimate_BadEndpoints(t *testing.T) {
	env := newTestEnv(t)
	c := seedClient(t, env, nil)
	noCoords := seedClient(t, env, func(cl *store.Client) { cl.Lat, cl.Lng = nil, nil })

	status, body := env.get(estimatePath(noCoords.ID.String(), "client", c.ID.String(), "client"))
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")

	status, body = env.get(estimatePath(uuid.NewString(), "client", c.ID.String(), "client"))
	wantFailure(t, status, body, http.StatusNotFound, "not_found")

	status, body = env.get(estimatePath(c.ID.String(), "house", c.ID.String(), "client"))
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")

	status, body = env.get(estimatePath("not-a-uuid", "client", c.ID.String(), "client"))
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")
}

func TestDispatch_Server_TravelEstimate_ProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	c := seedClient(t, env, nil)
	tech := seedTechnician(t, env, nil)
	env.estimator.failure = errors.New("matrix api down")

	status, body := env.get(estimatePath(tech.ID.String(), "technician", c.ID.String(), "client"))
	wantFailure(t, status, body, http.StatusInternalServerError, "internal_error")
}

func TestDispatch_Server_InvalidateCache_ByEntity(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.New()
	seedCacheEntry(t, env, id.String(), uuid.NewString())

	status, body := env.post("/api/cache/invalidate", map[string]any{
		"entity_type": "client",
		"id":          id,
	})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, body["invalidated"])

	// Nothing left for the same id.
	status, body = env.post("/api/cache/invalidate", map[string]any{"id": id})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 0, body["invalidated"])
}

func TestDispatch_Server_InvalidateCache_ByHash(t *testing.T) {
	env := newTestEnv(t)
	entry := seedCacheEntry(t, env, uuid.NewString(), uuid.NewString())

	status, body := env.post("/api/cache/invalidate", map[string]any{"hash": entry.OriginHash})
	require.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, body["invalidated"])
}

func TestDispatch_Server_InvalidateCache_Validation(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.post("/api/cache/invalidate", map[string]any{})
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")

	status, body = env.post("/api/cache/invalidate", map[string]any{
		"hash": "abc",
		"id":   uuid.New(),
	})
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")

	status, body = env.post("/api/cache/invalidate", map[string]any{
		"entity_type": "warehouse",
		"id":          uuid.New(),
	})
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")
}
