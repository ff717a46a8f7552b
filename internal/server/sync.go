package server

import (
	"net/http"
	"strconv"
)

// handleSyncClients runs one CRM reconciliation pass synchronously. A pass
// already in flight answers run_in_progress.
func (s *Server) handleSyncClients(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "crm sync is not configured")
		return
	}
	run, err := s.syncer.Sync(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleListSyncRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	runs, err := s.store.ListSyncRuns(r.Context(), limit)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
