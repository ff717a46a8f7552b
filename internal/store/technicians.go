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

// TechnicianTravelMode is the commute profile on a technician record.
type TechnicianTravelMode string

const (
	TravelModeCar     TechnicianTravelMode = "Car"
	TravelModeTransit TechnicianTravelMode = "Transit"
	TravelModeBoth    TechnicianTravelMode = "Both"
)

func (m TechnicianTravelMode) Valid() bool {
	switch m {
	case TravelModeCar, TravelModeTransit, TravelModeBoth:
		return true
	}
	return false
}

// Technician is a mobile worker who travels to clients.
type Technician struct {
	ID                uuid.UUID            `json:"id"`
	Name              string               `json:"name"`
	RawAddress        string               `json:"raw_address"`
	CanonicalAddress  string               `json:"canonical_address"`
	AddressMethod     address.Method       `json:"address_method"`
	AddressQuality    float64              `json:"address_quality"`
	Lat               *float64             `json:"lat"`
	Lng               *float64             `json:"lng"`
	Precision         geocode.Precision    `json:"precision,omitempty"`
	Confidence        float64              `json:"confidence"`
	GeocodeSource     geocode.Source       `json:"geocode_source,omitempty"`
	GeocodedAt        *time.Time           `json:"geocoded_at,omitempty"`
	NeedsVerification bool                 `json:"needs_verification"`
	CoordsStale       bool                 `json:"coords_stale"`
	TravelMode        TechnicianTravelMode `json:"travel_mode"`
	MaxTravelMinutes  *int                 `json:"max_travel_minutes,omitempty"`
	Active            bool                 `json:"active"`
	Locked            bool                 `json:"locked"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

func (t *Technician) HasCoords() bool { return t.Lat != nil && t.Lng != nil }

// Point panics unless HasCoords.
func (t *Technician) Point() orb.Point { return geo.Point(*t.Lat, *t.Lng) }

const technicianColumns = `id, name, raw_address, canonical_address, address_method,
	address_quality, lat, lng, precision, confidence, geocode_source, geocoded_at,
	needs_verification, coords_stale, travel_mode, max_travel_minutes, active, locked,
	created_at, updated_at`

func scanTechnician(row pgx.Row) (*Technician, error) {
	var t Technician
	err := row.Scan(&t.ID, &t.Name, &t.RawAddress, &t.CanonicalAddress,
		&t.AddressMethod, &t.AddressQuality, &t.Lat, &t.Lng, &t.Precision,
		&t.Confidence, &t.GeocodeSource, &t.GeocodedAt, &t.NeedsVerification,
		&t.CoordsStale, &t.TravelMode, &t.MaxTravelMinutes, &t.Active, &t.Locked,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan technician: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateTechnician(ctx context.Context, t *Technician) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.TravelMode == "" {
		t.TravelMode = TravelModeCar
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO technicians (id, name, raw_address, canonical_address,
			address_method, address_quality, lat, lng, precision, confidence,
			geocode_source, geocoded_at, needs_verification, coords_stale,
			travel_mode, max_travel_minutes, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at, locked
	`, t.ID, t.Name, t.RawAddress, t.CanonicalAddress, t.AddressMethod,
		t.AddressQuality, t.Lat, t.Lng, t.Precision, t.Confidence, t.GeocodeSource,
		t.GeocodedAt, t.NeedsVerification, t.CoordsStale, t.TravelMode,
		t.MaxTravelMinutes, t.Active).
		Scan(&t.CreatedAt, &t.UpdatedAt, &t.Locked)
	if err != nil {
		return fmt.Errorf("failed to insert technician: %w", err)
	}
	return nil
}

func (s *Store) GetTechnician(ctx context.Context, id uuid.UUID) (*Technician, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+technicianColumns+` FROM technicians WHERE id = $1`, id)
	return scanTechnician(row)
}

// TechnicianFilter narrows ListTechnicians. Nil fields match everything.
type TechnicianFilter struct {
	Active *bool
	Locked *bool
	Limit  int
	Offset int
}

func (s *Store) ListTechnicians(ctx context.Context, f TechnicianFilter) ([]Technician, int, error) {
	where := []string{"TRUE"}
	var args []any
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	if f.Locked != nil {
		args = append(args, *f.Locked)
		where = append(where, fmt.Sprintf("locked = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM technicians WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count technicians: %w", err)
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
		SELECT %s FROM technicians WHERE %s
		ORDER BY created_at, id
		LIMIT $%d OFFSET $%d
	`, technicianColumns, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list technicians: %w", err)
	}
	defer rows.Close()

	techs := []Technician{}
	for rows.Next() {
		t, err := scanTechnician(rows)
		if err != nil {
			return nil, 0, err
		}
		techs = append(techs, *t)
	}
	return techs, total, rows.Err()
}

// ListMatchableTechnicians returns active unlocked technicians in
// deterministic matcher order.
func (s *Store) ListMatchableTechnicians(ctx context.Context) ([]Technician, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+technicianColumns+` FROM technicians
		WHERE active AND NOT locked
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list matchable technicians: %w", err)
	}
	defer rows.Close()

	var techs []Technician
	for rows.Next() {
		t, err := scanTechnician(rows)
		if err != nil {
			return nil, err
		}
		techs = append(techs, *t)
	}
	return techs, rows.Err()
}

// UpdateTechnicianAddress replaces the address fields and flags the
// coordinates stale.
func (s *Store) UpdateTechnicianAddress(ctx context.Context, id uuid.UUID, raw string, n address.Normalized) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE technicians SET
			raw_address = $2, canonical_address = $3, address_method = $4,
			address_quality = $5, coords_stale = TRUE, updated_at = now()
		WHERE id = $1
	`, id, raw, n.Canonical, n.Method, n.Quality)
	if err != nil {
		return fmt.Errorf("failed to update technician address: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) UpdateTechnicianGeocode(ctx context.Context, id uuid.UUID, g geocode.Geocode) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE technicians SET
			lat = $2, lng = $3, precision = $4, confidence = $5,
			geocode_source = $6, geocoded_at = $7, needs_verification = $8,
			coords_stale = FALSE, updated_at = now()
		WHERE id = $1
	`, id, g.Lat, g.Lng, g.Precision, g.Confidence, g.Source, g.GeocodedAt, g.NeedsVerification)
	if err != nil {
		return fmt.Errorf("failed to update technician geocode: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PinTechnicianLocation applies operator-provided coordinates.
func (s *Store) PinTechnicianLocation(ctx context.Context, id uuid.UUID, lat, lng float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE technicians SET
			lat = $2, lng = $3, precision = $4, confidence = 1.0,
			geocode_source = $5, geocoded_at = now(), needs_verification = FALSE,
			coords_stale = FALSE, updated_at = now()
		WHERE id = $1
	`, id, lat, lng, geocode.PrecisionRooftop, geocode.SourceManualPin)
	if err != nil {
		return fmt.Errorf("failed to pin technician location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTechnicianProfile sets the commute profile fields.
func (s *Store) UpdateTechnicianProfile(ctx context.Context, id uuid.UUID, mode TechnicianTravelMode, maxTravelMinutes *int) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid travel mode %q", mode)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE technicians SET travel_mode = $2, max_travel_minutes = $3, updated_at = now()
		WHERE id = $1
	`, id, mode, maxTravelMinutes)
	if err != nil {
		return fmt.Errorf("failed to update technician profile: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetTechnicianActive(ctx context.Context, id uuid.UUID, active bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE technicians SET active = $2, updated_at = now() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("failed to set technician active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
