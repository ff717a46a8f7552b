package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geo"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/store"
)

// Resolver is the slice of the geocode service the ensurer needs.
type Resolver interface {
	Resolve(ctx context.Context, n address.Normalized) (*geocode.Geocode, error)
}

// EnsureStore persists refreshed geocodes.
type EnsureStore interface {
	UpdateClientGeocode(ctx context.Context, id uuid.UUID, g geocode.Geocode) error
	UpdateTechnicianGeocode(ctx context.Context, id uuid.UUID, g geocode.Geocode) error
}

// CacheInvalidator drops travel-time rows referencing a moved entity.
type CacheInvalidator interface {
	InvalidateEntity(ctx context.Context, id uuid.UUID) (int64, error)
}

// EnsurerConfig configures an Ensurer.
type EnsurerConfig struct {
	Logger   *slog.Logger
	Resolver Resolver
	Store    EnsureStore
	Cache    CacheInvalidator
}

func (cfg *EnsurerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Cache == nil {
		return errors.New("cache is required")
	}
	return nil
}

// Ensurer geocodes entities whose coordinates are missing or stale, persists
// the result, and invalidates cached travel times when the entity moved.
type Ensurer struct {
	log      *slog.Logger
	resolver Resolver
	store    EnsureStore
	cache    CacheInvalidator
}

func NewEnsurer(cfg EnsurerConfig) (*Ensurer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ensurer config: %w", err)
	}
	return &Ensurer{log: cfg.Logger, resolver: cfg.Resolver, store: cfg.Store, cache: cfg.Cache}, nil
}

func (e *Ensurer) EnsureClient(ctx context.Context, c *store.Client) error {
	if c.HasCoords() && !c.CoordsStale {
		return nil
	}
	g, err := e.resolve(ctx, c.RawAddress)
	if err != nil {
		return err
	}
	moved := c.HasCoords() && geo.HashLatLng(*c.Lat, *c.Lng) != geo.HashLatLng(g.Lat, g.Lng)

	if err := e.store.UpdateClientGeocode(ctx, c.ID, *g); err != nil {
		return err
	}
	if moved {
		if _, err := e.cache.InvalidateEntity(ctx, c.ID); err != nil {
			e.log.Warn("match: cache invalidation failed", "client", c.ID, "error", err)
		}
	}
	c.Lat, c.Lng = &g.Lat, &g.Lng
	c.Precision = g.Precision
	c.Confidence = g.Confidence
	c.GeocodeSource = g.Source
	ts := g.GeocodedAt
	c.GeocodedAt = &ts
	c.NeedsVerification = g.NeedsVerification
	c.CoordsStale = false

	e.log.Debug("match: client geocoded", "client", c.ID, "precision", string(g.Precision), "moved", moved)
	return nil
}

func (e *Ensurer) EnsureTechnician(ctx context.Context, t *store.Technician) error {
	if t.HasCoords() && !t.CoordsStale {
		return nil
	}
	g, err := e.resolve(ctx, t.RawAddress)
	if err != nil {
		return err
	}
	moved := t.HasCoords() && geo.HashLatLng(*t.Lat, *t.Lng) != geo.HashLatLng(g.Lat, g.Lng)

	if err := e.store.UpdateTechnicianGeocode(ctx, t.ID, *g); err != nil {
		return err
	}
	if moved {
		if _, err := e.cache.InvalidateEntity(ctx, t.ID); err != nil {
			e.log.Warn("match: cache invalidation failed", "technician", t.ID, "error", err)
		}
	}
	t.Lat, t.Lng = &g.Lat, &g.Lng
	t.Precision = g.Precision
	t.Confidence = g.Confidence
	t.GeocodeSource = g.Source
	ts := g.GeocodedAt
	t.GeocodedAt = &ts
	t.NeedsVerification = g.NeedsVerification
	t.CoordsStale = false

	e.log.Debug("match: technician geocoded", "technician", t.ID, "precision", string(g.Precision), "moved", moved)
	return nil
}

func (e *Ensurer) resolve(ctx context.Context, raw string) (*geocode.Geocode, error) {
	n, err := address.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize address: %w", err)
	}
	g, err := e.resolver.Resolve(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("failed to geocode: %w", err)
	}
	return g, nil
}
