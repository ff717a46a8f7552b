package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/homereach/dispatch/internal/store"
)

type runMatchRequest struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

// handleRunMatch executes a full matcher pass synchronously and returns the
// ledger row with the assignment detail. Manual runs are allowed to overlap;
// the approval transaction is the integrity point.
func (s *Server) handleRunMatch(w http.ResponseWriter, r *http.Request) {
	var req runMatchRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return
	}

	params, err := json.Marshal(map[string]string{"requested_by": req.RequestedBy})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	run, res, err := s.runner.Execute(r.Context(), store.TriggerManual, params)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run":         run,
		"assignments": res.Assignments,
		"unmatched":   res.Unmatched,
		"counters":    res.Counters,
	})
}

// encodeRunCursor renders a keyset position as an opaque page token.
func encodeRunCursor(c *store.RunCursor) string {
	return c.StartedAt.UTC().Format(time.RFC3339Nano) + "," + c.ID.String()
}

func decodeRunCursor(token string) (*store.RunCursor, error) {
	ts, id, ok := strings.Cut(token, ",")
	if !ok {
		return nil, fmt.Errorf("invalid cursor %q", token)
	}
	startedAt, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q", token)
	}
	runID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor %q", token)
	}
	return &store.RunCursor{StartedAt: startedAt, ID: runID}, nil
}

func (s *Server) handleListMatchRuns(w http.ResponseWriter, r *http.Request) {
	var cursor *store.RunCursor
	if token := r.URL.Query().Get("cursor"); token != "" {
		var err error
		if cursor, err = decodeRunCursor(token); err != nil {
			s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
			return
		}
	}
	page := parsePage(r)

	runs, next, err := s.store.ListMatchRuns(r.Context(), cursor, page.Limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	payload := map[string]any{"runs": runs}
	if next != nil {
		payload["next_cursor"] = encodeRunCursor(next)
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleGetMatchRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	run, err := s.store.GetMatchRun(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	suggestions, err := s.store.ListSuggestions(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run":         run,
		"suggestions": suggestions,
	})
}
