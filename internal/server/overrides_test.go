package server_test

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestDispatch_Server_CreateOverride(t *testing.T) {
	env := newTestEnv(t)
	c := seedClient(t, env, nil)
	tech := seedTechnician(t, env, nil)

	payload := map[string]any{
		"client_id":       c.ID,
		"technician_id":   tech.ID,
		"type":            "BLOCK_PAIR",
		"reason":          "client asked for a different tech",
		"created_by":      "dispatcher",
		"effective_until": time.Now().UTC().Add(48 * time.Hour),
	}
	status, body := env.post("/api/overrides", payload)
	require.Equal(t, http.StatusCreated, status)

	o := obj(t, body, "override")
	require.Equal(t, "BLOCK_PAIR", o["type"])
	require.Equal(t, c.ID.String(), o["client_id"])
	require.NotNil(t, o["effective_from"])

	// Same pair, overlapping window: the reject policy refuses it.
	status, body = env.post("/api/overrides", payload)
	wantFailure(t, status, body, http.StatusConflict, "override_conflict")
}

func TestDispatch_Server_CreateOverride_Validation(t *testing.T) {
	env := newTestEnv(t)
	c := seedClient(t, env, nil)
	tech := seedTechnician(t, env, nil)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing client", map[string]any{
			"technician_id": tech.ID, "type": "BLOCK_PAIR", "created_by": "d",
		}},
		{"missing technician", map[string]any{
			"client_id": c.ID, "type": "BLOCK_PAIR", "created_by": "d",
		}},
		{"bad type", map[string]any{
			"client_id": c.ID, "technician_id": tech.ID, "type": "FORCE_PAIR", "created_by": "d",
		}},
		{"missing created_by", map[string]any{
			"client_id": c.ID, "technician_id": tech.ID, "type": "BLOCK_PAIR",
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, body := env.post("/api/overrides", tc.payload)
			wantFailure(t, status, body, http.StatusBadRequest, "validation_error")
		})
	}
}

func TestDispatch_Server_ListOverrides_EffectiveAt(t *testing.T) {
	env := newTestEnv(t)
	c := seedClient(t, env, nil)
	tech := seedTechnician(t, env, nil)

	from := time.Now().UTC()
	until := from.Add(2 * time.Hour)
	status, body := env.post("/api/overrides", map[string]any{
		"client_id":       c.ID,
		"technician_id":   tech.ID,
		"type":            "LOCKED_ASSIGNMENT",
		"created_by":      "dispatcher",
		"effective_from":  from,
		"effective_until": until,
	})
	require.Equal(t, http.StatusCreated, status)

	inside := url.QueryEscape(from.Add(time.Hour).Format(time.RFC3339))
	status, body = env.get("/api/overrides?client_id=" + c.ID.String() + "&effective_at=" + inside)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, items(t, body, "overrides"), 1)

	outside := url.QueryEscape(from.Add(3 * time.Hour).Format(time.RFC3339))
	status, body = env.get("/api/overrides?client_id=" + c.ID.String() + "&effective_at=" + outside)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, items(t, body, "overrides"))

	status, body = env.get("/api/overrides?effective_at=yesterday")
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")

	status, body = env.get("/api/overrides?type=FRIENDLY")
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")
}

func TestDispatch_Server_EndOverride(t *testing.T) {
	env := newTestEnv(t)
	c := seedClient(t, env, nil)
	tech := seedTechnician(t, env, nil)

	_, body := env.post("/api/overrides", map[string]any{
		"client_id":     c.ID,
		"technician_id": tech.ID,
		"type":          "BLOCK_PAIR",
		"created_by":    "dispatcher",
	})
	id := obj(t, body, "override")["id"].(string)

	status, body := env.del("/api/overrides/" + id)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, id, body["override_id"])
	require.NotEmpty(t, body["ended_at"])

	// The window is already closed, so a second end finds nothing.
	status, body = env.del("/api/overrides/" + id)
	wantFailure(t, status, body, http.StatusNotFound, "not_found")

	status, body = env.del("/api/overrides/" + uuid.NewString())
	wantFailure(t, status, body, http.StatusNotFound, "not_found")

	status, body = env.del("/api/overrides/nope")
	wantFailure(t, status, body, http.StatusBadRequest, "validation_error")
}
