// Package server exposes the dispatch API over HTTP: roster management,
// manual pins, overrides, match runs, the simulation workflow, CRM sync,
// and travel-cache maintenance. Every response carries the success
// envelope; domain errors map onto the stable error codes in respond.go.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/match"
	"github.com/homereach/dispatch/internal/metrics"
	"github.com/homereach/dispatch/internal/simulation"
	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/internal/traveltime"
)

// Runner executes a full matcher pass.
type Runner interface {
	Execute(ctx context.Context, trigger store.RunTrigger, params json.RawMessage) (*store.MatchRun, *match.Result, error)
}

// Simulator is the proposal workflow behind the simulation and proposal
// routes.
type Simulator interface {
	AddClient(ctx context.Context, params simulation.AddClientParams) (*store.Client, error)
	Run(ctx context.Context, requestedBy string) (*store.MatchRun, []store.Proposal, error)
	Approve(ctx context.Context, id uuid.UUID, decidedBy, note string) (*store.Pairing, error)
	Reject(ctx context.Context, id uuid.UUID, decidedBy, note string) error
	Defer(ctx context.Context, id uuid.UUID, decidedBy, note string) error
	ReopenTechnician(ctx context.Context, techID uuid.UUID) (*store.Pairing, error)
}

// Syncer runs one CRM reconciliation pass.
type Syncer interface {
	Sync(ctx context.Context) (*store.SyncRun, error)
}

// Estimator serves the travel estimate endpoint.
type Estimator interface {
	Estimate(ctx context.Context, origin, dest traveltime.Endpoint, mode traveltime.Mode) (*traveltime.Estimate, error)
}

// Geocoder resolves normalized addresses for operator-created records.
type Geocoder interface {
	Resolve(ctx context.Context, n address.Normalized) (*geocode.Geocode, error)
}

// Config configures the HTTP server.
type Config struct {
	Logger    *slog.Logger
	Store     *store.Store
	Runner    Runner
	Simulator Simulator
	Estimator Estimator

	// Syncer is optional: deployments without a CRM leave it nil and the
	// sync trigger route reports it unconfigured.
	Syncer Syncer

	// Geocoder is optional: without one, operator-created records start
	// without coordinates and resolve during the next run.
	Geocoder Geocoder

	// ConflictPolicy applies to overrides created over the API.
	ConflictPolicy store.ConflictPolicy

	ListenAddr  string
	CORSOrigins []string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Runner == nil {
		return errors.New("runner is required")
	}
	if cfg.Simulator == nil {
		return errors.New("simulator is required")
	}
	if cfg.Estimator == nil {
		return errors.New("estimator is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = store.ConflictReject
	}
	if !cfg.ConflictPolicy.Valid() {
		return fmt.Errorf("invalid conflict policy %q", cfg.ConflictPolicy)
	}
	return nil
}

// Server hosts the dispatch API.
type Server struct {
	log       *slog.Logger
	store     *store.Store
	runner    Runner
	sim       Simulator
	syncer    Syncer
	estimator Estimator
	geocoder  Geocoder
	policy    store.ConflictPolicy

	router *chi.Mux
	srv    *http.Server

	storeValidated atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}

	s := &Server{
		log:       cfg.Logger,
		store:     cfg.Store,
		runner:    cfg.Runner,
		sim:       cfg.Simulator,
		syncer:    cfg.Syncer,
		estimator: cfg.Estimator,
		geocoder:  cfg.Geocoder,
		policy:    cfg.ConflictPolicy,
		router:    chi.NewRouter(),
	}
	s.routes(cfg.CORSOrigins)

	s.srv = &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// Match runs are served synchronously and may wait on provider
		// calls, so writes get a long leash.
		WriteTimeout: 5 * time.Minute,
	}
	return s, nil
}

func (s *Server) routes(corsOrigins []string) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.logRequests)
	if len(corsOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}
	s.router.Use(metrics.Middleware)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, codeNotFound, "no such route")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, codeValidationError, "method not allowed")
	})

	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/api", func(api chi.Router) {
		api.Use(s.requireValidatedStore)

		api.Route("/clients", func(r chi.Router) {
			r.Post("/", s.handleCreateClient)
			r.Get("/", s.handleListClients)
			r.Get("/{id}", s.handleGetClient)
			r.Patch("/{id}/location", s.handlePinClient)
		})
		api.Route("/technicians", func(r chi.Router) {
			r.Post("/", s.handleCreateTechnician)
			r.Get("/", s.handleListTechnicians)
			r.Get("/{id}", s.handleGetTechnician)
			r.Patch("/{id}/location", s.handlePinTechnician)
			r.Post("/{id}/reopen", s.handleReopenTechnician)
		})
		api.Route("/overrides", func(r chi.Router) {
			r.Post("/", s.handleCreateOverride)
			r.Get("/", s.handleListOverrides)
			r.Delete("/{id}", s.handleEndOverride)
		})
		api.Route("/match", func(r chi.Router) {
			r.Post("/run", s.handleRunMatch)
			r.Get("/runs", s.handleListMatchRuns)
			r.Get("/runs/{id}", s.handleGetMatchRun)
		})
		api.Route("/simulation", func(r chi.Router) {
			r.Post("/clients", s.handleSimulationAddClient)
			r.Post("/run", s.handleSimulationRun)
		})
		api.Route("/proposals", func(r chi.Router) {
			r.Get("/", s.handleListProposals)
			r.Get("/{id}", s.handleGetProposal)
			r.Post("/{id}/approve", s.handleApproveProposal)
			r.Post("/{id}/reject", s.handleRejectProposal)
			r.Post("/{id}/defer", s.handleDeferProposal)
		})
		api.Get("/pairings", s.handleListPairings)
		api.Route("/sync", func(r chi.Router) {
			r.Post("/clients", s.handleSyncClients)
			r.Get("/runs", s.handleListSyncRuns)
		})
		api.Post("/cache/invalidate", s.handleInvalidateCache)
		api.Get("/travel/estimate", s.handleTravelEstimate)
	})
}

// MarkStoreValidated opens the /api routes. Until the sentinel check passes
// every gated request answers store_not_validated; the health route stays
// reachable either way.
func (s *Server) MarkStoreValidated() { s.storeValidated.Store(true) }

func (s *Server) requireValidatedStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.storeValidated.Load() {
			s.writeError(w, http.StatusServiceUnavailable, codeStoreNotValidated,
				"store has not passed project validation")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.log.Warn("http: health check store ping failed", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, codeInternalError, "store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"store_validated": s.storeValidated.Load(),
	})
}

// Handler returns the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown or listener failure.
func (s *Server) Start() error {
	s.log.Info("http: listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("http: shutting down")
	return s.srv.Shutdown(ctx)
}
