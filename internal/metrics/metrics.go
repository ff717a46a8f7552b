// Package metrics exposes the Prometheus instrumentation for the dispatch
// service. Metrics are package-level and registered at init via promauto.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "homereach_dispatch_build_info",
			Help: "Build information of the dispatch service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "homereach_dispatch_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "homereach_dispatch_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Matcher metrics
	MatchRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_match_runs_total",
			Help: "Total number of matcher runs",
		},
		[]string{"trigger", "status"},
	)

	MatchRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "homereach_dispatch_match_run_duration_seconds",
			Help:    "Duration of matcher runs in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~200s
		},
	)

	MatchOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_match_outcomes_total",
			Help: "Client outcomes across matcher runs",
		},
		[]string{"outcome"}, // "matched", "needs_review", "standby", "no_location"
	)

	MatchAssignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_match_assignments_total",
			Help: "Assignments produced across matcher runs",
		},
		[]string{"source"}, // "AUTO", "LOCKED", "MANUAL"
	)

	// Travel-time metrics
	TravelLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_travel_lookups_total",
			Help: "Travel-time estimate lookups by result",
		},
		[]string{"result"}, // "cache_hit", "cache_miss", "fallback"
	)

	TravelProviderCallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_travel_provider_calls_total",
			Help: "Total number of routing provider requests",
		},
	)

	// Geocoding metrics
	GeocodeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_geocode_requests_total",
			Help: "Total number of geocode resolutions",
		},
		[]string{"status"}, // "success", "error"
	)

	// CRM sync metrics
	SyncRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_crm_sync_runs_total",
			Help: "Total number of CRM client sync runs",
		},
		[]string{"status"},
	)

	SyncClientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_crm_sync_clients_total",
			Help: "Client records touched by CRM sync",
		},
		[]string{"action"}, // "created", "updated", "deactivated", "geocoded"
	)

	// Proposal workflow metrics
	ProposalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "homereach_dispatch_proposal_decisions_total",
			Help: "Operator decisions on match proposals",
		},
		[]string{"decision"}, // "approved", "rejected", "deferred"
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RecordMatchRun records one matcher execution.
func RecordMatchRun(trigger string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	MatchRunsTotal.WithLabelValues(trigger, status).Inc()
	MatchRunDuration.Observe(duration.Seconds())
}

// RecordMatchOutcomes adds per-outcome client counts from one run.
func RecordMatchOutcomes(matched, needsReview, standby, noLocation int) {
	MatchOutcomesTotal.WithLabelValues("matched").Add(float64(matched))
	MatchOutcomesTotal.WithLabelValues("needs_review").Add(float64(needsReview))
	MatchOutcomesTotal.WithLabelValues("standby").Add(float64(standby))
	MatchOutcomesTotal.WithLabelValues("no_location").Add(float64(noLocation))
}

// RecordTravelLookups adds cache and provider tallies from one run.
func RecordTravelLookups(hits, misses, fallbacks, providerCalls int) {
	TravelLookupsTotal.WithLabelValues("cache_hit").Add(float64(hits))
	TravelLookupsTotal.WithLabelValues("cache_miss").Add(float64(misses))
	TravelLookupsTotal.WithLabelValues("fallback").Add(float64(fallbacks))
	TravelProviderCallsTotal.Add(float64(providerCalls))
}

// RecordGeocode records one geocode resolution.
func RecordGeocode(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	GeocodeRequestsTotal.WithLabelValues(status).Inc()
}

// RecordSyncRun records one CRM sync pass.
func RecordSyncRun(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	SyncRunsTotal.WithLabelValues(status).Inc()
}

// RecordProposalDecision records an operator decision.
func RecordProposalDecision(decision string) {
	ProposalDecisionsTotal.WithLabelValues(decision).Inc()
}
