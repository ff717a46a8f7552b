package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geo"
	"github.com/homereach/dispatch/internal/geocode"
)

// Client is a fixed service location waiting for (or holding) a technician.
type Client struct {
	ID                uuid.UUID         `json:"id"`
	CRMID             *string           `json:"crm_id,omitempty"`
	Name              string            `json:"name"`
	RawAddress        string            `json:"raw_address"`
	CanonicalAddress  string            `json:"canonical_address"`
	AddressMethod     address.Method    `json:"address_method"`
	AddressQuality    float64           `json:"address_quality"`
	Lat               *float64          `json:"lat"`
	Lng               *float64          `json:"lng"`
	Precision         geocode.Precision `json:"precision,omitempty"`
	Confidence        float64           `json:"confidence"`
	GeocodeSource     geocode.Source    `json:"geocode_source,omitempty"`
	GeocodedAt        *time.Time        `json:"geocoded_at,omitempty"`
	NeedsVerification bool              `json:"needs_verification"`
	CoordsStale       bool              `json:"coords_stale"`
	Active            bool              `json:"active"`
	Paired            bool              `json:"paired"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// HasCoords reports whether the client is usable as a travel endpoint.
func (c *Client) HasCoords() bool { return c.Lat != nil && c.Lng != nil }

// Point panics unless HasCoords.
func (c *Client) Point() orb.Point { return geo.Point(*c.Lat, *c.Lng) }

const clientColumns = `id, crm_id, name, raw_address, canonical_address, address_method,
	address_quality, lat, lng, precision, confidence, geocode_source, geocoded_at,
	needs_verification, coords_stale, active, paired, created_at, updated_at`

func scanClient(row pgx.Row) (*Client, error) {
	var c Client
	err := row.Scan(&c.ID, &c.CRMID, &c.Name, &c.RawAddress, &c.CanonicalAddress,
		&c.AddressMethod, &c.AddressQuality, &c.Lat, &c.Lng, &c.Precision,
		&c.Confidence, &c.GeocodeSource, &c.GeocodedAt, &c.NeedsVerification,
		&c.CoordsStale, &c.Active, &c.Paired, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan client: %w", err)
	}
	return &c, nil
}

// CreateClient inserts and fills generated fields on the passed struct.
func (s *Store) CreateClient(ctx context.Context, c *Client) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO clients (id, crm_id, name, raw_address, canonical_address,
			address_method, address_quality, lat, lng, precision, confidence,
			geocode_source, geocoded_at, needs_verification, coords_stale, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING created_at, updated_at, paired
	`, c.ID, c.CRMID, c.Name, c.RawAddress, c.CanonicalAddress, c.AddressMethod,
		c.AddressQuality, c.Lat, c.Lng, c.Precision, c.Confidence, c.GeocodeSource,
		c.GeocodedAt, c.NeedsVerification, c.CoordsStale, c.Active).
		Scan(&c.CreatedAt, &c.UpdatedAt, &c.Paired)
	if err != nil {
		return fmt.Errorf("failed to insert client: %w", err)
	}
	return nil
}

func (s *Store) GetClient(ctx context.Context, id uuid.UUID) (*Client, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	return scanClient(row)
}

func (s *Store) GetClientByCRMID(ctx context.Context, crmID string) (*Client, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE crm_id = $1`, crmID)
	return scanClient(row)
}

// ClientFilter narrows ListClients. Nil fields match everything.
type ClientFilter struct {
	Active            *bool
	Paired            *bool
	NeedsVerification *bool
	CRMSourced        *bool
	Limit             int
	Offset            int
}

func (s *Store) ListClients(ctx context.Context, f ClientFilter) ([]Client, int, error) {
	where := []string{"TRUE"}
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Active != nil {
		add("active = $%d", *f.Active)
	}
	if f.Paired != nil {
		add("paired = $%d", *f.Paired)
	}
	if f.NeedsVerification != nil {
		add("needs_verification = $%d", *f.NeedsVerification)
	}
	if f.CRMSourced != nil {
		if *f.CRMSourced {
			where = append(where, "crm_id IS NOT NULL")
		} else {
			where = append(where, "crm_id IS NULL")
		}
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM clients WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count clients: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM clients WHERE %s
		ORDER BY created_at, id
		LIMIT $%d OFFSET $%d
	`, clientColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list clients: %w", err)
	}
	defer rows.Close()

	clients := []Client{}
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, 0, err
		}
		clients = append(clients, *c)
	}
	return clients, total, rows.Err()
}

// ListMatchableClients returns active unpaired clients in deterministic
// matcher order.
func (s *Store) ListMatchableClients(ctx context.Context) ([]Client, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE active AND NOT paired
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list matchable clients: %w", err)
	}
	defer rows.Close()

	var clients []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

// UpdateClientAddress replaces the address fields and flags the coordinates
// stale. Existing coordinates stay usable until the next geocode pass.
func (s *Store) UpdateClientName(ctx context.Context, id uuid.UUID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clients SET name = $2, updated_at = now() WHERE id = $1`, id, name)
	if err != nil {
		return fmt.Errorf("failed to update client name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateClientAddress(ctx context.Context, id uuid.UUID, raw string, n address.Normalized) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clients SET
			raw_address = $2, canonical_address = $3, address_method = $4,
			address_quality = $5, coords_stale = TRUE, updated_at = now()
		WHERE id = $1
	`, id, raw, n.Canonical, n.Method, n.Quality)
	if err != nil {
		return fmt.Errorf("failed to update client address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateClientGeocode stores a fresh geocode and clears the stale flag.
func (s *Store) UpdateClientGeocode(ctx context.Context, id uuid.UUID, g geocode.Geocode) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clients SET
			lat = $2, lng = $3, precision = $4, confidence = $5,
			geocode_source = $6, geocoded_at = $7, needs_verification = $8,
			coords_stale = FALSE, updated_at = now()
		WHERE id = $1
	`, id, g.Lat, g.Lng, g.Precision, g.Confidence, g.Source, g.GeocodedAt, g.NeedsVerification)
	if err != nil {
		return fmt.Errorf("failed to update client geocode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PinClientLocation applies operator-provided coordinates. Pinned locations
// are trusted: full confidence, no verification flag.
func (s *Store) PinClientLocation(ctx context.Context, id uuid.UUID, lat, lng float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clients SET
			lat = $2, lng = $3, precision = $4, confidence = 1.0,
			geocode_source = $5, geocoded_at = now(), needs_verification = FALSE,
			coords_stale = FALSE, updated_at = now()
		WHERE id = $1
	`, id, lat, lng, geocode.PrecisionRooftop, geocode.SourceManualPin)
	if err != nil {
		return fmt.Errorf("failed to pin client location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetClientActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE clients SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set client active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateClientsNotIn deactivates CRM-sourced clients whose crm_id is
// absent from keep. Used by the sync pass after a full fetch.
func (s *Store) DeactivateClientsNotIn(ctx context.Context, keep []string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE clients SET active = FALSE, updated_at = now()
		WHERE crm_id IS NOT NULL AND active AND NOT (crm_id = ANY($1))
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate absent clients: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
