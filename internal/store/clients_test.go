package store_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/store"
)

func seedClient(t *testing.T, s *store.Store, mutate func(*store.Client)) *store.Client {
	t.Helper()
	c := &store.Client{
		Name:             "Client " + uuid.NewString()[:8],
		RawAddress:       "123 Main St, Brooklyn, NY 11201",
		CanonicalAddress: "123 Main St, Brooklyn, NY 11201, USA",
		AddressMethod:    address.MethodFullAddress,
		AddressQuality:   1.0,
		Lat:              ptr(40.6945),
		Lng:              ptr(-73.9906),
		Precision:        geocode.PrecisionRooftop,
		Confidence:       1.0,
		GeocodeSource:    geocode.SourceGoogle,
		Active:           true,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, s.CreateClient(t.Context(), c))
	return c
}

func seedTechnician(t *testing.T, s *store.Store, mutate func(*store.Technician)) *store.Technician {
	t.Helper()
	tech := &store.Technician{
		Name:             "Tech " + uuid.NewString()[:8],
		RawAddress:       "200 Court St, Brooklyn, NY 11201",
		CanonicalAddress: "200 Court St, Brooklyn, NY 11201, USA",
		AddressMethod:    address.MethodFullAddress,
		AddressQuality:   1.0,
		Lat:              ptr(40.6880),
		Lng:              ptr(-73.9920),
		Precision:        geocode.PrecisionRooftop,
		Confidence:       1.0,
		GeocodeSource:    geocode.SourceGoogle,
		TravelMode:       store.TravelModeCar,
		Active:           true,
	}
	if mutate != nil {
		mutate(tech)
	}
	require.NoError(t, s.CreateTechnician(t.Context(), tech))
	return tech
}

func TestDispatch_Store_Clients_CRUD(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	crmID := "crm-" + uuid.NewString()
	created := seedClient(t, s, func(c *store.Client) {
		c.CRMID = &crmID
	})
	require.NotEqual(t, uuid.Nil, created.ID)
	require.False(t, created.Paired)
	require.False(t, created.CreatedAt.IsZero())

	got, err := s.GetClient(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.Name, got.Name)
	require.Equal(t, address.MethodFullAddress, got.AddressMethod)
	require.Equal(t, geocode.PrecisionRooftop, got.Precision)
	require.InDelta(t, 40.6945, *got.Lat, 1e-9)

	byCRM, err := s.GetClientByCRMID(ctx, crmID)
	require.NoError(t, err)
	require.Equal(t, created.ID, byCRM.ID)

	require.NoError(t, s.UpdateClientName(ctx, created.ID, "Rosa Delgado"))
	got, err = s.GetClient(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "Rosa Delgado", got.Name)

	_, err = s.GetClient(ctx, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.UpdateClientName(ctx, uuid.New(), "x"), store.ErrNotFound)
}

func TestDispatch_Store_Clients_AddressChangeMarksCoordsStale(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	c := seedClient(t, s, nil)

	moved, err := address.Normalize("55 Water St, Brooklyn, NY 11201")
	require.NoError(t, err)
	require.NoError(t, s.UpdateClientAddress(ctx, c.ID, "55 Water St, Brooklyn, NY 11201", moved))

	got, err := s.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.True(t, got.CoordsStale)
	require.Equal(t, moved.Canonical, got.CanonicalAddress)
	require.NotNil(t, got.Lat, "stale coordinates stay until the next geocode")

	g := geocode.Geocode{
		Lat: 40.7033, Lng: -73.9881,
		Precision:  geocode.PrecisionRooftop,
		Confidence: 1.0,
		Source:     geocode.SourceGoogle,
		GeocodedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpdateClientGeocode(ctx, c.ID, g))

	got, err = s.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.False(t, got.CoordsStale)
	require.InDelta(t, 40.7033, *got.Lat, 1e-9)
	require.NotNil(t, got.GeocodedAt)
}

func TestDispatch_Store_Clients_PinLocation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	c := seedClient(t, s, func(c *store.Client) {
		c.Precision = geocode.PrecisionApproximate
		c.Confidence = 0.3
		c.NeedsVerification = true
	})

	require.NoError(t, s.PinClientLocation(ctx, c.ID, 40.70, -73.99))

	got, err := s.GetClient(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, geocode.SourceManualPin, got.GeocodeSource)
	require.InDelta(t, 1.0, got.Confidence, 1e-9)
	require.False(t, got.NeedsVerification)

	require.ErrorIs(t, s.PinClientLocation(ctx, uuid.New(), 1, 2), store.ErrNotFound)
}

func TestDispatch_Store_Clients_ListFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	active := seedClient(t, s, nil)
	inactive := seedClient(t, s, func(c *store.Client) { c.Active = false })

	got, total, err := s.ListClients(ctx, store.ClientFilter{Active: ptr(true), Limit: 500})
	require.NoError(t, err)
	require.GreaterOrEqual(t, total, 1)
	require.True(t, containsClient(got, active.ID))
	require.False(t, containsClient(got, inactive.ID))

	matchable, err := s.ListMatchableClients(ctx)
	require.NoError(t, err)
	require.True(t, containsClient(matchable, active.ID))
	require.False(t, containsClient(matchable, inactive.ID))
}

func TestDispatch_Store_Clients_DeactivateAbsent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := t.Context()

	keepID := "crm-" + uuid.NewString()
	dropID := "crm-" + uuid.NewString()
	kept := seedClient(t, s, func(c *store.Client) { c.CRMID = &keepID })
	dropped := seedClient(t, s, func(c *store.Client) { c.CRMID = &dropID })
	manual := seedClient(t, s, nil) // no crm_id, never swept

	n, err := s.DeactivateClientsNotIn(ctx, []string{keepID})
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	got, err := s.GetClient(ctx, dropped.ID)
	require.NoError(t, err)
	require.False(t, got.Active)

	got, err = s.GetClient(ctx, kept.ID)
	require.NoError(t, err)
	require.True(t, got.Active)

	got, err = s.GetClient(ctx, manual.ID)
	require.NoError(t, err)
	require.True(t, got.Active)
}

func containsClient(clients []store.Client, id uuid.UUID) bool {
	for _, c := range clients {
		if c.ID == id {
			return true
		}
	}
	return false
}
