package geocode

import (
	"context"
	"sort"
	"strings"
)

// Query is one provider lookup. Components narrow the search the way the
// Google API expects (country, postal_code, administrative_area, locality).
type Query struct {
	Address    string
	Components map[string]string
}

// componentFilter renders components pipe-joined in a stable order.
func (q Query) componentFilter() string {
	if len(q.Components) == 0 {
		return ""
	}
	keys := make([]string, 0, len(q.Components))
	for k := range q.Components {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+":"+q.Components[k])
	}
	return strings.Join(parts, "|")
}

// Result is a raw provider hit before confidence derivation.
type Result struct {
	Lat              float64
	Lng              float64
	Precision        Precision
	FormattedAddress string
	PartialMatch     bool
}

// Provider is a single geocoding backend.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, q Query) (*Result, error)
}

// Disabled is the offline variant used when no API key is configured. Every
// call fails fast with a non-retryable error so callers degrade explicitly
// instead of hanging on a dead upstream.
type Disabled struct{}

func (Disabled) Name() string { return "disabled" }

func (Disabled) Geocode(ctx context.Context, q Query) (*Result, error) {
	return nil, &Error{Code: CodeNoAPIKey}
}
