// Package match pairs unpaired clients with available technicians under a
// hard travel-time budget, honoring operator overrides, and annotates every
// assignment with validation reasons and a quality score.
package match

import (
	"github.com/google/uuid"

	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/internal/traveltime"
)

// DefaultBudgetMinutes is the global travel ceiling a technician's
// max_travel_minutes can override per head.
const DefaultBudgetMinutes = 30

// Status classifies a client's outcome in one run.
type Status string

const (
	StatusMatched     Status = "matched"
	StatusNeedsReview Status = "needs_review"
	StatusStandby     Status = "standby"
	StatusNoLocation  Status = "no_location"
)

// Candidate is one technician that survived the budget for a client, before
// greedy consumption.
type Candidate struct {
	TechnicianID uuid.UUID            `json:"technician_id"`
	Mode         traveltime.Mode      `json:"mode"`
	Confidence   float64              `json:"confidence"`
	Quality      float64              `json:"quality"`
	Estimate     *traveltime.Estimate `json:"estimate"`
}

// Exclusion explains why a technician was not a candidate for a client.
type Exclusion struct {
	TechnicianID uuid.UUID `json:"technician_id"`
	Reason       string    `json:"reason"`
	Detail       string    `json:"detail,omitempty"`
}

// Exclusion reasons.
const (
	ExcludedBlocked        = "blocked"
	ExcludedNoCoords       = "no_coords"
	ExcludedEstimateFailed = "estimate_failed"
	ExcludedOverBudget     = "over_budget"
)

// Explain is the transparency record carried on proposals and run output.
type Explain struct {
	Mode                 traveltime.Mode        `json:"mode,omitempty"`
	Bucket               string                 `json:"bucket,omitempty"`
	SamplesS             []int64                `json:"samples_s,omitempty"`
	FromCache            bool                   `json:"from_cache,omitempty"`
	Fallback             bool                   `json:"fallback,omitempty"`
	BudgetMinutes        int                    `json:"budget_minutes,omitempty"`
	Source               store.AssignmentSource `json:"source,omitempty"`
	CandidatesConsidered int                    `json:"candidates_considered,omitempty"`
	Exclusions           []Exclusion            `json:"exclusions,omitempty"`
}

// Assignment is one client-technician pairing produced by a run.
type Assignment struct {
	ClientID     uuid.UUID              `json:"client_id"`
	TechnicianID uuid.UUID              `json:"technician_id"`
	Source       store.AssignmentSource `json:"source"`
	Status       Status                 `json:"status"`
	Mode         traveltime.Mode        `json:"mode,omitempty"`
	Estimate     *traveltime.Estimate   `json:"estimate,omitempty"`
	Validation   Validation             `json:"validation"`
	Candidates   []Candidate            `json:"candidates,omitempty"`
	Explain      Explain                `json:"explain"`
}

// Unmatched is a client that left the run without a technician.
type Unmatched struct {
	ClientID   uuid.UUID   `json:"client_id"`
	Status     Status      `json:"status"`
	Exclusions []Exclusion `json:"exclusions,omitempty"`
}

// Counters mirrors the match_runs ledger columns. Unmatched includes the
// NoLocation sub-count.
type Counters struct {
	Clients       int `json:"clients"`
	Technicians   int `json:"technicians"`
	Matched       int `json:"matched"`
	Unmatched     int `json:"unmatched"`
	NoLocation    int `json:"no_location"`
	Locked        int `json:"locked"`
	Manual        int `json:"manual"`
	Blocked       int `json:"blocked"`
	NeedsReview   int `json:"needs_review"`
	CacheHits     int `json:"cache_hits"`
	CacheMisses   int `json:"cache_misses"`
	ProviderCalls int `json:"provider_calls"`
	FallbackUsed  int `json:"fallback_used"`
}

func (c *Counters) observe(est *traveltime.Estimate) {
	switch {
	case est.FromCache:
		c.CacheHits++
	case est.Fallback:
		c.CacheMisses++
		c.FallbackUsed++
	default:
		c.CacheMisses++
		c.ProviderCalls += est.SampleCount
	}
}

// Result is the full outcome of one matcher run.
type Result struct {
	Assignments []Assignment `json:"assignments"`
	Unmatched   []Unmatched  `json:"unmatched"`
	Counters    Counters     `json:"counters"`
}
