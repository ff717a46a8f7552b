package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/store"
)

type createTechnicianRequest struct {
	Name             string   `json:"name"`
	Address          string   `json:"address"`
	Lat              *float64 `json:"lat,omitempty"`
	Lng              *float64 `json:"lng,omitempty"`
	TravelMode       string   `json:"travel_mode,omitempty"`
	MaxTravelMinutes *int     `json:"max_travel_minutes,omitempty"`
}

func (req *createTechnicianRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.Address == "" && req.Lat == nil {
		return errors.New("address or coordinates required")
	}
	if (req.Lat == nil) != (req.Lng == nil) {
		return errors.New("lat and lng must be given together")
	}
	if req.Lat != nil {
		if err := validLatLng(*req.Lat, *req.Lng); err != nil {
			return err
		}
	}
	if req.TravelMode != "" && !store.TechnicianTravelMode(req.TravelMode).Valid() {
		return fmt.Errorf("invalid travel_mode %q, expected Car, Transit, or Both", req.TravelMode)
	}
	if req.MaxTravelMinutes != nil && *req.MaxTravelMinutes <= 0 {
		return errors.New("max_travel_minutes must be positive")
	}
	return nil
}

func (s *Server) handleCreateTechnician(w http.ResponseWriter, r *http.Request) {
	var req createTechnicianRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}

	t := &store.Technician{
		Name:             req.Name,
		RawAddress:       req.Address,
		TravelMode:       store.TechnicianTravelMode(req.TravelMode),
		MaxTravelMinutes: req.MaxTravelMinutes,
		Active:           true,
	}

	norm, normErr := address.Normalize(req.Address)
	if normErr != nil {
		s.log.Warn("http: technician create with unusable address", "error", normErr)
	} else {
		t.CanonicalAddress = norm.Canonical
		t.AddressMethod = norm.Method
		t.AddressQuality = norm.Quality
	}

	switch {
	case req.Lat != nil:
		now := time.Now().UTC()
		t.Lat, t.Lng = req.Lat, req.Lng
		t.Precision = geocode.PrecisionRooftop
		t.Confidence = 1.0
		t.GeocodeSource = geocode.SourceManualPin
		t.GeocodedAt = &now
	case normErr == nil && s.geocoder != nil:
		g, err := s.geocoder.Resolve(r.Context(), norm)
		if err != nil {
			s.log.Warn("http: geocode failed on technician create", "address", norm.Canonical, "error", err)
			break
		}
		t.Lat, t.Lng = &g.Lat, &g.Lng
		t.Precision = g.Precision
		t.Confidence = g.Confidence
		t.GeocodeSource = g.Source
		t.GeocodedAt = &g.GeocodedAt
		t.NeedsVerification = g.NeedsVerification
	}

	if err := s.store.CreateTechnician(r.Context(), t); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info("http: technician created", "technician", t.ID, "geocoded", t.HasCoords())
	s.writeJSON(w, http.StatusCreated, map[string]any{"technician": t})
}

func (s *Server) handleListTechnicians(w http.ResponseWriter, r *http.Request) {
	var f store.TechnicianFilter
	var err error
	if f.Active, err = queryBool(r, "active"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.Locked, err = queryBool(r, "locked"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	page := parsePage(r)
	f.Limit, f.Offset = page.Limit, page.Offset

	technicians, total, err := s.store.ListTechnicians(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"technicians": technicians,
		"total":       total,
		"limit":       page.Limit,
		"offset":      page.Offset,
	})
}

func (s *Server) handleGetTechnician(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	t, err := s.store.GetTechnician(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"technician": t})
}

func (s *Server) handlePinTechnician(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	var req pinRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return
	}
	lat, lng, err := req.validate()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}

	if err := s.store.PinTechnicianLocation(r.Context(), id, lat, lng); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	invalidated := s.invalidateEntity(r.Context(), id)

	t, err := s.store.GetTechnician(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info("http: technician pinned", "technician", id, "cache_invalidated", invalidated)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"technician":        t,
		"cache_invalidated": invalidated,
	})
}

// handleReopenTechnician ends the technician's active pairing, freeing both
// sides for the next run.
func (s *Server) handleReopenTechnician(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	pairing, err := s.sim.ReopenTechnician(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pairing": pairing})
}
