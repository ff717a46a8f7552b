package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatch_Geo_DistanceMeters(t *testing.T) {
	t.Parallel()

	t.Run("downtown brooklyn to midtown", func(t *testing.T) {
		t.Parallel()
		a := Point(40.6928, -73.9903)
		b := Point(40.7549, -73.9840)
		d := DistanceMeters(a, b)
		// ~6.9km straight line.
		require.InDelta(t, 6900, d, 200)
	})

	t.Run("zero distance", func(t *testing.T) {
		t.Parallel()
		p := Point(40.7, -73.99)
		require.Zero(t, DistanceMeters(p, p))
	})

	t.Run("symmetry", func(t *testing.T) {
		t.Parallel()
		a := Point(40.70, -73.99)
		b := Point(40.50, -73.50)
		require.InDelta(t, DistanceMeters(a, b), DistanceMeters(b, a), 0.001)
	})
}

func TestDispatch_Geo_Miles(t *testing.T) {
	t.Parallel()
	require.InDelta(t, 1.0, Miles(1609.344), 1e-9)
	require.InDelta(t, 0.2, Miles(321.8688), 1e-9)
}

func TestDispatch_Geo_Hash(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		lat  float64
		lng  float64
		want string
	}{
		{"exact thousandths", 40.700, -73.990, "40.700,-73.990"},
		{"rounds extra precision", 40.70049, -73.98951, "40.700,-73.990"},
		{"distinct at fourth decimal jitter", 40.7006, -73.9896, "40.701,-73.990"},
		{"negative zero lat", -0.0001, 0.0004, "-0.000,0.000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, HashLatLng(tt.lat, tt.lng))
		})
	}

	t.Run("nearby points collide", func(t *testing.T) {
		t.Parallel()
		// Two geocodes of the same building, ~20m apart.
		require.Equal(t, HashLatLng(40.70012, -73.99008), HashLatLng(40.70009, -73.99013))
	})
}

func TestDispatch_Geo_ValidCoords(t *testing.T) {
	t.Parallel()
	require.True(t, ValidCoords(40.7, -73.99))
	require.True(t, ValidCoords(-90, 180))
	require.False(t, ValidCoords(90.1, 0))
	require.False(t, ValidCoords(0, -180.5))
}
