package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/simulation"
	"github.com/homereach/dispatch/internal/store"
)

func (s *Server) handleSimulationAddClient(w http.ResponseWriter, r *http.Request) {
	var params simulation.AddClientParams
	if err := decodeJSON(r, &params); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return
	}
	if params.Name == "" {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "name is required")
		return
	}
	c, err := s.sim.AddClient(r.Context(), params)
	if err != nil {
		if errors.Is(err, address.ErrEmptyAddress) {
			s.writeError(w, http.StatusBadRequest, codeValidationError, "address is required")
			return
		}
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"client": c})
}

type simulationRunRequest struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

func (s *Server) handleSimulationRun(w http.ResponseWriter, r *http.Request) {
	var req simulationRunRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return
	}

	run, proposals, err := s.sim.Run(r.Context(), req.RequestedBy)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run":       run,
		"proposals": proposals,
	})
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	var f store.ProposalFilter
	var err error
	if f.RunID, err = queryUUID(r, "run_id"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.ClientID, err = queryUUID(r, "client_id"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.TechnicianID, err = queryUUID(r, "technician_id"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := store.ProposalStatus(v)
		switch status {
		case store.ProposalProposed, store.ProposalApproved, store.ProposalRejected,
			store.ProposalDeferred, store.ProposalExpired:
			f.Status = &status
		default:
			s.writeError(w, http.StatusBadRequest, codeValidationError,
				fmt.Sprintf("invalid status %q", v))
			return
		}
	}
	page := parsePage(r)
	f.Limit, f.Offset = page.Limit, page.Offset

	proposals, total, err := s.store.ListProposals(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"proposals": proposals,
		"total":     total,
		"limit":     page.Limit,
		"offset":    page.Offset,
	})
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	p, err := s.store.GetProposal(r.Context(), id)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proposal": p})
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Note      string `json:"note,omitempty"`
}

func (s *Server) decodeDecision(w http.ResponseWriter, r *http.Request) (uuid.UUID, decisionRequest, bool) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return uuid.Nil, decisionRequest{}, false
	}
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "invalid JSON body")
		return uuid.Nil, decisionRequest{}, false
	}
	if req.DecidedBy == "" {
		s.writeError(w, http.StatusBadRequest, codeValidationError, "decided_by is required")
		return uuid.Nil, decisionRequest{}, false
	}
	return id, req, true
}

func (s *Server) handleApproveProposal(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	pairing, err := s.sim.Approve(r.Context(), id, req.DecidedBy, req.Note)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.log.Info("http: proposal approved", "proposal", id, "pairing", pairing.ID, "by", req.DecidedBy)
	s.writeJSON(w, http.StatusOK, map[string]any{"pairing": pairing})
}

func (s *Server) handleRejectProposal(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	if err := s.sim.Reject(r.Context(), id, req.DecidedBy, req.Note); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"proposal_id": id,
		"status":      store.ProposalRejected,
	})
}

func (s *Server) handleDeferProposal(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.decodeDecision(w, r)
	if !ok {
		return
	}
	if err := s.sim.Defer(r.Context(), id, req.DecidedBy, req.Note); err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"proposal_id": id,
		"status":      store.ProposalDeferred,
	})
}

func (s *Server) handleListPairings(w http.ResponseWriter, r *http.Request) {
	var f store.PairingFilter
	var err error
	if f.Active, err = queryBool(r, "active"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.ClientID, err = queryUUID(r, "client_id"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	if f.TechnicianID, err = queryUUID(r, "technician_id"); err != nil {
		s.writeError(w, http.StatusBadRequest, codeValidationError, err.Error())
		return
	}
	page := parsePage(r)
	f.Limit, f.Offset = page.Limit, page.Offset

	pairings, total, err := s.store.ListPairings(r.Context(), f)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pairings": pairings,
		"total":    total,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}
