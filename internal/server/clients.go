package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/store"
)

type createClientRequest struct {
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

func (req *createClientRequest) validate() error {
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
		return validLatLng(*req.Lat, *req.Lng)
	}
	return nil
}

// handleCreateClient creates a client outside the CRM sync path. Inline
// coordinates count as an operator pin; otherwise geocoding is best effort
// and a failure leaves the record without coordinates.
func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}

	c := &store.Client{
		Name:       req.Name,
		RawAddress: req.Address,
		Active:     true,
	}

	norm, normErr := address.Normalize(req.Address)
	if normErr != nil {
		s.log.Warn("http: client create with unusable address", "error", normErr)
	} else {
		c.CanonicalAddress = norm.Canonical
		c.AddressMethod = norm.Method
		c.AddressQuality = norm.Quality
	}

	switch {
	case req.Lat != nil:
		now := time.Now().UTC()
		c.Lat, c.Lng = req.Lat, req.Lng
		c.Precision = geocode.PrecisionRooftop
		c.Confidence = 1.0
		c.GeocodeSource = geocode.SourceManualPin
		c.GeocodedAt = &now
	case normErr == nil && s.geocoder != nil:
		g, err := s.geocoder.Resolve(r.Context(), norm)
		if err != nil {
			s.log.Warn("http: geocode failed on client create", "address", norm.Canonical, "error", err)
			break
		}
		c.Lat, c.Lng = &g.Lat, &g.Lng
		c.Precision = g.Precision
		c.Confidence = g.Confidence
		c.GeocodeSource = g.Source
		c.GeocodedAt = &g.GeocodedAt
		c.NeedsVerification = g.NeedsVerification
	}

	if err := s.store.CreateClient(r.Context(), c); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info("http: client created", "client", c.ID, "geocoded", c.HasCoords())
	s.writeJSON(w, http.StatusCreated, map[string]any{"client": c})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	var f store.ClientFilter
	var err error
	if f.Active, err = queryBool(r, "active"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.Paired, err = queryBool(r, "paired"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.NeedsVerification, err = queryBool(r, "needs_verification"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.CRMSourced, err = queryBool(r, "crm_sourced"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	page := parsePage(r)
	f.Limit, f.Offset = page.Limit, page.Offset

	clients, total, err := s.store.ListClients(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"total":   total,
		"limit":   page.Limit,
		"offset":  page.Offset,
	})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	c, err := s.store.GetClient(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"client": c})
}

type pinRequest struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (p *pinRequest) validate() (float64, float64, error) {
	if p.Lat == nil || p.Lng == nil {
		return 0, 0, errors.New("lat and lng are required")
	}
	if err := validLatLng(*p.Lat, *p.Lng); err != nil {
		return 0, 0, err
	}
	return *p.Lat, *p.Lng, nil
}

// handlePinClient sets operator-verified coordinates: full confidence,
// rooftop precision, and a purge of every cached estimate touching the
// client.
func (s *Server) handlePinClient(w http.ResponseWriter, r *http.Request) {
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

	if err := s.store.PinClientLocation(r.Context(), id, lat, lng); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	invalidated := s.invalidateEntity(r.Context(), id)

	c, err := s.store.GetClient(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info("http: client pinned", "client", id, "cache_invalidated", invalidated)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"client":            c,
		"cache_invalidated": invalidated,
	})
}
