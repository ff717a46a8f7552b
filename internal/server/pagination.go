package server

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

type pageParams struct {
	Limit  int
	Offset int
}

// parsePage reads limit/offset query params, clamping to sane bounds.
// Garbage values fall back to the defaults rather than erroring.
func parsePage(r *http.Request) pageParams {
	p := pageParams{Limit: defaultPageLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Limit = min(n, maxPageLimit)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Offset = n
		}
	}
	return p
}
