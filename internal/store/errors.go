package store

import "errors"

// Sentinel errors the transport layer maps onto HTTP error codes.
var (
	ErrNotFound            = errors.New("not found")
	ErrClientAlreadyPaired = errors.New("client already has an active pairing")
	ErrTechnicianLocked    = errors.New("technician is locked by an active pairing")
	ErrProposalNotProposed = errors.New("proposal is no longer in proposed state")
	ErrOverrideConflict    = errors.New("conflicting override already effective for this pair")
	ErrProjectMismatch     = errors.New("store validated for a different project")
)
