package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/homereach/dispatch/internal/store"
)

type createOverrideRequest struct {
	ClientID       uuid.UUID  `json:"client_id"`
	TechnicianID   uuid.UUID  `json:"technician_id"`
	Type           string     `json:"type"`
	Reason         string     `json:"reason"`
	CreatedBy      string     `json:"created_by"`
	EffectiveFrom  *time.Time `json:"effective_from,omitempty"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
}

func (s *Server) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req createOverrideRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return
	}
	if req.ClientID == uuid.Nil || req.TechnicianID == uuid.Nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "client_id and technician_id are required")
		return
	}
	ot := store.OverrideType(req.Type)
	if !ot.Valid() {
		s.writeError(w, http.StatusBadRequest, codeValidationError,
			fmt.Sprintf("invalid type %q, expected LOCKED_ASSIGNMENT, MANUAL_ASSIGNMENT, or BLOCK_PAIR", req.Type))
		return
	}
	if req.CreatedBy == "" {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "created_by is required")
		return
	}

	o := &store.Override{
		ClientID:       req.ClientID,
		TechnicianID:   req.TechnicianID,
		Type:           ot,
		Reason:         req.Reason,
		CreatedBy:      req.CreatedBy,
		EffectiveUntil: req.EffectiveUntil,
	}
	if req.EffectiveFrom != nil {
		o.EffectiveFrom = *req.EffectiveFrom
	}

	if err := s.store.CreateOverride(r.Context(), o, s.policy); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info("http: override created",
		"override", o.ID, "type", o.Type, "client", o.ClientID, "technician", o.TechnicianID)
	s.writeJSON(w, http.StatusCreated, map[string]any{"override": o})
}

func (s *Server) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	var f store.OverrideFilter
	var err error
	if f.ClientID, err = queryUUID(r, "client_id"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.TechnicianID, err = queryUUID(r, "technician_id"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if v := r.URL.Query().Get("type"); v != "" {
		ot := store.OverrideType(v)
		if !ot.Valid() {
			s.writeError(w, http.StatusBadRequest, codeValidationError, fmt.Sprintf("invalid type %q", v))
			return
		}
		f.Type = &ot
	}
	if v := r.URL.Query().Get("effective_at"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, codeValidationError,
				fmt.Sprintf("invalid effective_at %q, expected RFC 3339", v))
			return
		}
		f.EffectiveAt = &ts
	}
	page := parsePage(r)
	f.Limit, f.Offset = page.Limit, page.Offset

	overrides, err := s.store.ListOverrides(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"overrides": overrides})
}

// handleEndOverride closes the override's effective window now. Rows whose
// window already closed answer not_found.
func (s *Server) handleEndOverride(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	endedAt := time.Now().UTC()
	if err := s.store.EndOverride(r.Context(), id, endedAt); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info("http: override ended", "override", id)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"override_id": id,
		"ended_at":    endedAt,
	})
}
