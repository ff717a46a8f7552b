package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/homereach/dispatch/internal/traveltime"
)

// invalidateEntity purges cached estimates touching id. Purge failures are
// logged, not surfaced: the write that triggered the purge already landed.
func (s *Server) invalidateEntity(ctx context.Context, id uuid.UUID) int64 {
	n, err := s.store.TravelCache().InvalidateEntity(ctx, id)
	if err != nil {
		s.log.Warn("http: cache invalidation failed", "entity", id, "error", err)
		return 0
	}
	return n
}

type invalidateRequest struct {
	EntityType string     `json:"entity_type,omitempty"`
	ID         *uuid.UUID `json:"id,omitempty"`
	Hash       string     `json:"hash,omitempty"`
}

// handleInvalidateCache drops cached estimates by entity id or by coordinate
// hash.
func (s *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return
	}

	switch {
	case req.Hash != "" && req.ID != nil:
		s.writeError(w, http.StatusBadRequest, codeValidationError, "give id or hash, not both")
		return
	case req.Hash != "":
		n, err := s.store.TravelCache().InvalidateHash(r.Context(), req.Hash)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		s.log.Info("http: cache invalidated by hash", "hash", req.Hash, "rows", n)
		s.writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
	case req.ID != nil:
		if req.EntityType != "" && req.EntityType != "client" && req.EntityType != "technician" {
			s.writeError(w, http.StatusBadRequest, codeValidationError,
				fmt.Sprintf("invalid entity_type %q, expected client or technician", req.EntityType))
			return
		}
		n, err := s.store.TravelCache().InvalidateEntity(r.Context(), *req.ID)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		s.log.Info("http: cache invalidated by entity", "entity", *req.ID, "rows", n)
		s.writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
	default:
		s.writeError(w, http.StatusBadRequest, codeValidationError, "id or hash required")
	}
}

// resolveEndpoint loads one side of an estimate request from query params,
// writing the failure response itself when the side is unusable.
func (s *Server) resolveEndpoint(w http.ResponseWriter, r *http.Request, idParam, typeParam string) (traveltime.Endpoint, bool) {
	q := r.URL.Query()
	id, err := uuid.Parse(q.Get(idParam))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError,
			fmt.Sprintf("invalid %s %q", idParam, q.Get(idParam)))
		return traveltime.Endpoint{}, false
	}

	var (
		etype     traveltime.EndpointType
		point     orb.Point
		hasCoords bool
	)
	switch q.Get(typeParam) {
	case "client":
		c, err := s.store.GetClient(r.Context(), id)
		if err != nil {
			s.writeFailure(w, r, err)
			return traveltime.Endpoint{}, false
		}
		etype, hasCoords = traveltime.EndpointClient, c.HasCoords()
		if hasCoords {
			point = c.Point()
		}
	case "technician":
		t, err := s.store.GetTechnician(r.Context(), id)
		if err != nil {
			s.writeFailure(w, r, err)
			return traveltime.Endpoint{}, false
		}
		etype, hasCoords = traveltime.EndpointTechnician, t.HasCoords()
		if hasCoords {
			point = t.Point()
		}
	default:
		s.writeError(w, http.StatusBadRequest, codeValidationError,
			fmt.Sprintf("invalid %s %q, expected client or technician", typeParam, q.Get(typeParam)))
		return traveltime.Endpoint{}, false
	}

	if !hasCoords {
		s.writeError(w, http.StatusBadRequest, codeValidationError,
			fmt.Sprintf("%s entity has no coordinates", idParam))
		return traveltime.Endpoint{}, false
	}
	return traveltime.Endpoint{ID: id.String(), Type: etype, Point: point}, true
}

type estimateResponse struct {
	Mode                 traveltime.Mode `json:"mode"`
	DurationAvgS         int64           `json:"duration_avg_s"`
	DurationPessimisticS int64           `json:"duration_pessimistic_s"`
	DistanceM            int             `json:"distance_m"`
	SampleCount          int             `json:"sample_count"`
	FromCache            bool            `json:"from_cache"`
	Fallback             bool            `json:"fallback"`
	ComputedAt           time.Time       `json:"computed_at"`
	ExpiresAt            time.Time       `json:"expires_at"`
}

// handleTravelEstimate answers a single origin-destination estimate through
// the normal cache path. Debugging aid: what the matcher would see for the
// pair right now.
func (s *Server) handleTravelEstimate(w http.ResponseWriter, r *http.Request) {
	origin, ok := s.resolveEndpoint(w, r, "origin_id", "origin_type")
	if !ok {
		return
	}
	dest, ok := s.resolveEndpoint(w, r, "dest_id", "dest_type")
	if !ok {
		return
	}

	mode := traveltime.ModeDriving
	switch v := r.URL.Query().Get("mode"); v {
	case "", string(traveltime.ModeDriving):
	case string(traveltime.ModeTransit):
		mode = traveltime.ModeTransit
	default:
		s.writeError(w, http.StatusBadRequest, codeValidationError,
			fmt.Sprintf("invalid mode %q, expected driving or transit", v))
		return
	}

	e, err := s.estimator.Estimate(r.Context(), origin, dest, mode)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"estimate": estimateResponse{
		Mode:                 e.Mode,
		DurationAvgS:         int64(e.DurationAvg / time.Second),
		DurationPessimisticS: int64(e.DurationPessimistic / time.Second),
		DistanceM:            e.DistanceMeters,
		SampleCount:          e.SampleCount,
		FromCache:            e.FromCache,
		Fallback:             e.Fallback,
		ComputedAt:           e.ComputedAt,
		ExpiresAt:            e.ExpiresAt,
	}})
}
