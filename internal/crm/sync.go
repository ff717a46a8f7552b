package crm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geo"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/metrics"
	"github.com/homereach/dispatch/internal/store"
)

// ErrSyncInProgress rejects a sync while another one is still running. The
// reconciliation pass is not transactional, so two interleaved passes would
// double-count and fight over the same rows.
var ErrSyncInProgress = errors.New("client sync already in progress")

// Store is the slice of the persistence layer the syncer drives.
type Store interface {
	GetClientByCRMID(ctx context.Context, crmID string) (*store.Client, error)
	CreateClient(ctx context.Context, c *store.Client) error
	UpdateClientName(ctx context.Context, id uuid.UUID, name string) error
	UpdateClientAddress(ctx context.Context, id uuid.UUID, raw string, n address.Normalized) error
	UpdateClientGeocode(ctx context.Context, id uuid.UUID, g geocode.Geocode) error
	PinClientLocation(ctx context.Context, id uuid.UUID, lat, lng float64) error
	SetClientActive(ctx context.Context, id uuid.UUID, active bool) error
	DeactivateClientsNotIn(ctx context.Context, keep []string) (int, error)
	CreateSyncRun(ctx context.Context, r *store.SyncRun) error
	FinishSyncRun(ctx context.Context, r *store.SyncRun) error
	StampClientSync(ctx context.Context, at time.Time) error
}

// Resolver is the slice of the geocode service the syncer needs.
type Resolver interface {
	Resolve(ctx context.Context, n address.Normalized) (*geocode.Geocode, error)
}

// Invalidator drops cached travel times referencing a moved entity.
type Invalidator interface {
	InvalidateEntity(ctx context.Context, id uuid.UUID) (int64, error)
}

// Config configures a Syncer.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Source   Source
	Store    Store
	Cache    Invalidator
	Geocoder Resolver

	// Workers bounds the geocode pass. The geocoder's rate limiter spaces the
	// actual provider calls; this just keeps the store writes from piling up.
	Workers int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Source == nil {
		return errors.New("source is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Cache == nil {
		return errors.New("cache is required")
	}
	if cfg.Geocoder == nil {
		return errors.New("geocoder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return nil
}

// Syncer reconciles the CRM roster into the local client table: upserts by
// crm_id, re-geocodes what moved, and deactivates what the CRM dropped.
type Syncer struct {
	log      *slog.Logger
	clock    clockwork.Clock
	source   Source
	store    Store
	cache    Invalidator
	geocoder Resolver
	workers  int

	inFlight atomic.Bool
}

func NewSyncer(cfg Config) (*Syncer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid syncer config: %w", err)
	}
	return &Syncer{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		source:   cfg.Source,
		store:    cfg.Store,
		cache:    cfg.Cache,
		geocoder: cfg.Geocoder,
		workers:  cfg.Workers,
	}, nil
}

// Sync runs one full reconciliation pass. Only one pass runs at a time;
// a second call returns ErrSyncInProgress. The ledger row is created before
// any work and finalized on every path. Geocode failures are recorded on the
// run, not returned: a client we cannot place still syncs.
func (s *Syncer) Sync(ctx context.Context) (*store.SyncRun, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.inFlight.Store(false)

	run := &store.SyncRun{}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to open sync run: %w", err)
	}
	s.log.Info("crm: sync started", "run", run.ID)

	err := s.sync(ctx, run)
	metrics.RecordSyncRun(err)
	if err != nil {
		s.finalizeError(ctx, run, err)
		return run, err
	}

	if err := s.store.FinishSyncRun(ctx, run); err != nil {
		return run, fmt.Errorf("failed to finalize sync run %s: %w", run.ID, err)
	}
	if err := s.store.StampClientSync(ctx, *run.FinishedAt); err != nil {
		s.log.Warn("crm: failed to stamp scheduling meta", "run", run.ID, "error", err)
	}
	s.recordMetrics(run)

	s.log.Info("crm: sync finished",
		"run", run.ID,
		"fetched", run.Fetched,
		"created", run.Created,
		"updated", run.Updated,
		"deactivated", run.Deactivated,
		"geocoded", run.Geocoded,
		"geocode_failures", run.GeocodeFailures,
	)
	return run, nil
}

// geocodeTarget is a client left without usable coordinates by the upsert
// pass.
type geocodeTarget struct {
	id   uuid.UUID
	norm address.Normalized
}

func (s *Syncer) sync(ctx context.Context, run *store.SyncRun) error {
	records, err := s.source.FetchActiveClients(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch crm clients: %w", err)
	}
	run.Fetched = len(records)

	keep := make([]string, 0, len(records))
	seen := make(map[string]bool, len(records))
	var targets []geocodeTarget
	for _, rec := range records {
		if rec.ID == "" {
			s.log.Warn("crm: record without id skipped", "name", rec.Name)
			continue
		}
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true
		keep = append(keep, rec.ID)

		target, err := s.syncRecord(ctx, run, rec)
		if err != nil {
			return err
		}
		if target != nil {
			targets = append(targets, *target)
		}
	}

	s.geocodeAll(ctx, run, targets)

	// An empty roster is far more likely a CRM outage than a real mass
	// offboarding. Leave local state alone and let the next sync catch up.
	if len(keep) == 0 {
		s.log.Warn("crm: fetch returned no usable records, skipping deactivation")
		return nil
	}
	n, err := s.store.DeactivateClientsNotIn(ctx, keep)
	if err != nil {
		return fmt.Errorf("failed to deactivate absent clients: %w", err)
	}
	run.Deactivated = n
	return nil
}

func (s *Syncer) syncRecord(ctx context.Context, run *store.SyncRun, rec Record) (*geocodeTarget, error) {
	existing, err := s.store.GetClientByCRMID(ctx, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return s.createRecord(ctx, run, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client crm_id=%s: %w", rec.ID, err)
	}
	return s.updateRecord(ctx, run, rec, existing)
}

func (s *Syncer) createRecord(ctx context.Context, run *store.SyncRun, rec Record) (*geocodeTarget, error) {
	crmID := rec.ID
	c := &store.Client{
		CRMID:      &crmID,
		Name:       rec.Name,
		RawAddress: rec.Address,
		Active:     true,
	}

	norm, normErr := address.Normalize(rec.Address)
	if normErr != nil {
		s.log.Warn("crm: record has unusable address", "crm_id", rec.ID, "error", normErr)
	} else {
		c.CanonicalAddress = norm.Canonical
		c.AddressMethod = norm.Method
		c.AddressQuality = norm.Quality
	}

	if rec.HasCoords() {
		now := s.clock.Now().UTC()
		c.Lat, c.Lng = rec.Lat, rec.Lng
		c.Precision = geocode.PrecisionRooftop
		c.Confidence = 1.0
		c.GeocodeSource = geocode.SourceManualPin
		c.GeocodedAt = &now
	}

	if err := s.store.CreateClient(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create client crm_id=%s: %w", rec.ID, err)
	}
	run.Created++

	if !rec.HasCoords() && normErr == nil {
		return &geocodeTarget{id: c.ID, norm: norm}, nil
	}
	return nil, nil
}

func (s *Syncer) updateRecord(ctx context.Context, run *store.SyncRun, rec Record, c *store.Client) (*geocodeTarget, error) {
	changed := false

	if !c.Active {
		if err := s.store.SetClientActive(ctx, c.ID, true); err != nil {
			return nil, fmt.Errorf("failed to reactivate client crm_id=%s: %w", rec.ID, err)
		}
		s.log.Info("crm: client reactivated", "client", c.ID, "crm_id", rec.ID)
		changed = true
	}

	if rec.Name != "" && rec.Name != c.Name {
		if err := s.store.UpdateClientName(ctx, c.ID, rec.Name); err != nil {
			return nil, fmt.Errorf("failed to update client crm_id=%s: %w", rec.ID, err)
		}
		changed = true
	}

	var norm *address.Normalized
	addrChanged := false
	if rec.Address != "" {
		n, err := address.Normalize(rec.Address)
		if err != nil {
			s.log.Warn("crm: record has unusable address", "crm_id", rec.ID, "error", err)
		} else {
			norm = &n
			// Formatting-only edits keep the existing geocode.
			addrChanged = n.Canonical != c.CanonicalAddress
		}
	}

	invalidated := false
	if addrChanged {
		if err := s.store.UpdateClientAddress(ctx, c.ID, rec.Address, *norm); err != nil {
			return nil, fmt.Errorf("failed to update client address crm_id=%s: %w", rec.ID, err)
		}
		run.AddressChanged++
		changed = true
		s.invalidate(ctx, run, c.ID)
		invalidated = true
	}

	// CRM-pinned coordinates are authoritative: they override whatever we
	// geocoded and clear any staleness the address update just set.
	pinned := false
	if rec.HasCoords() {
		moved := !c.HasCoords() ||
			geo.HashLatLng(*c.Lat, *c.Lng) != geo.HashLatLng(*rec.Lat, *rec.Lng)
		if moved || addrChanged {
			if err := s.store.PinClientLocation(ctx, c.ID, *rec.Lat, *rec.Lng); err != nil {
				return nil, fmt.Errorf("failed to pin client location crm_id=%s: %w", rec.ID, err)
			}
			pinned = true
			changed = true
			if moved && c.HasCoords() && !invalidated {
				s.invalidate(ctx, run, c.ID)
			}
		}
	}

	if addrChanged && !pinned {
		run.CoordsStaleMarked++
	}
	if changed {
		run.Updated++
	}

	needsGeocode := !rec.HasCoords() && norm != nil &&
		(addrChanged || !c.HasCoords() || c.CoordsStale)
	if needsGeocode {
		return &geocodeTarget{id: c.ID, norm: *norm}, nil
	}
	return nil, nil
}

func (s *Syncer) geocodeAll(ctx context.Context, run *store.SyncRun, targets []geocodeTarget) {
	if len(targets) == 0 {
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, target := range targets {
		g.Go(func() error {
			resolved, err := s.geocoder.Resolve(gctx, target.norm)
			metrics.RecordGeocode(err)
			if err == nil {
				err = s.store.UpdateClientGeocode(gctx, target.id, *resolved)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				run.GeocodeFailures++
				s.log.Warn("crm: geocode failed",
					"client", target.id, "address", target.norm.Canonical, "error", err)
				return nil
			}
			run.Geocoded++
			return nil
		})
	}
	_ = g.Wait() // workers record failures instead of returning them
}

func (s *Syncer) invalidate(ctx context.Context, run *store.SyncRun, id uuid.UUID) {
	n, err := s.cache.InvalidateEntity(ctx, id)
	if err != nil {
		s.log.Warn("crm: failed to invalidate cached travel times", "client", id, "error", err)
		return
	}
	run.CacheInvalidated += int(n)
}

// finalizeError records the failure on the ledger row. The write uses a
// detached context so a canceled sync still leaves its error behind.
func (s *Syncer) finalizeError(ctx context.Context, run *store.SyncRun, syncErr error) {
	msg := syncErr.Error()
	run.Error = &msg

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.FinishSyncRun(fctx, run); err != nil {
		s.log.Error("crm: failed to finalize errored sync run", "run", run.ID, "error", err)
	}
	s.log.Error("crm: sync failed", "run", run.ID, "error", syncErr)
}

func (s *Syncer) recordMetrics(run *store.SyncRun) {
	metrics.SyncClientsTotal.WithLabelValues("created").Add(float64(run.Created))
	metrics.SyncClientsTotal.WithLabelValues("updated").Add(float64(run.Updated))
	metrics.SyncClientsTotal.WithLabelValues("deactivated").Add(float64(run.Deactivated))
	metrics.SyncClientsTotal.WithLabelValues("geocoded").Add(float64(run.Geocoded))
}
