package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/homereach/dispatch/internal/crm"
	"github.com/homereach/dispatch/internal/store"
)

// Error codes carried in the failure envelope. Clients branch on these, so
// they are wire contract: never rename one.
const (
	codeValidationError     = "validation_error"
	codeNotFound            = "not_found"
	codeClientAlreadyPaired = "client_already_paired"
	codeTechnicianLocked    = "technician_locked"
	codeProposalNotProposed = "proposal_not_proposed"
	codeOverrideConflict    = "override_conflict"
	codeRunInProgress       = "run_in_progress"
	codeStoreNotValidated   = "store_not_validated"
	codeInternalError       = "internal_error"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload map[string]any) {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["success"] = true

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("http: failed to encode response", "error", err)
	}
}

type errorBody struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(errorBody{Error: code, Message: message}); err != nil {
		s.log.Error("http: failed to encode response", "error", err)
	}
}

// writeFailure maps domain errors onto envelope codes. Anything outside the
// known set is internal: logged, captured, and kept vague on the wire.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, store.ErrClientAlreadyPaired):
		s.writeError(w, http.StatusConflict, codeClientAlreadyPaired, err.Error())
	case errors.Is(err, store.ErrTechnicianLocked):
		s.writeError(w, http.StatusConflict, codeTechnicianLocked, err.Error())
	case errors.Is(err, store.ErrProposalNotProposed):
		s.writeError(w, http.StatusConflict, codeProposalNotProposed, err.Error())
	case errors.Is(err, store.ErrOverrideConflict):
		s.writeError(w, http.StatusConflict, codeOverrideConflict, err.Error())
	case errors.Is(err, crm.ErrSyncInProgress):
		s.writeError(w, http.StatusConflict, codeRunInProgress, err.Error())
	default:
		s.log.Error("http: request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		sentry.CaptureException(err)
		s.writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

// decodeJSON reads a request body capped at 1 MB. io.EOF means an empty
// body, which callers with optional bodies treat as the zero request.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, chi.URLParam(r, name))
	}
	return id, nil
}

// queryBool parses an optional boolean filter. Absent means nil.
func queryBool(r *http.Request, name string) (*bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q, expected true or false", name, v)
	}
	return &b, nil
}

// queryUUID parses an optional id filter. Absent means nil.
func queryUUID(r *http.Request, name string) (*uuid.UUID, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", name, v)
	}
	return &id, nil
}

func validLatLng(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("lat %v out of range", lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("lng %v out of range", lng)
	}
	return nil
}
