// Package geo holds the coordinate primitives shared by the geocoder, the
// travel-time service, and the matcher.
package geo

import (
	"fmt"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
)

const MetersPerMile = 1609.344

// Point builds an orb.Point from latitude/longitude. orb orders longitude
// first, which is easy to get backwards, so construction goes through here.
func Point(lat, lng float64) orb.Point {
	return orb.Point{lng, lat}
}

// DistanceMeters is the great-circle (Haversine) distance between two points.
func DistanceMeters(a, b orb.Point) float64 {
	return orbgeo.DistanceHaversine(a, b)
}

// Miles converts meters to statute miles.
func Miles(meters float64) float64 {
	return meters / MetersPerMile
}

// Hash buckets a point onto a ~111m grid by rounding both coordinates to
// three decimals. Travel-time cache keys use it so coordinate jitter from
// re-geocoding maps to the same entry.
func Hash(p orb.Point) string {
	return fmt.Sprintf("%.3f,%.3f", p.Lat(), p.Lon())
}

// HashLatLng is Hash for callers holding bare coordinates.
func HashLatLng(lat, lng float64) string {
	return Hash(Point(lat, lng))
}

// ValidCoords reports whether lat/lng form a usable WGS84 coordinate.
func ValidCoords(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
