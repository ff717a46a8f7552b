// Package geocode resolves canonical addresses to coordinates. A single
// Provider abstraction covers the real Google backend and the offline
// disabled variant; the Service layers rate limiting, retries, and a
// consecutive-failure breaker on top and derives the confidence model the
// matcher consumes.
package geocode

import (
	"fmt"
	"math"
	"time"

	"github.com/homereach/dispatch/internal/address"
)

// Precision mirrors the provider's location_type vocabulary.
type Precision string

const (
	PrecisionRooftop           Precision = "ROOFTOP"
	PrecisionRangeInterpolated Precision = "RANGE_INTERPOLATED"
	PrecisionGeometricCenter   Precision = "GEOMETRIC_CENTER"
	PrecisionApproximate       Precision = "APPROXIMATE"
)

// Source records where a coordinate came from.
type Source string

const (
	SourceGoogle    Source = "google"
	SourceManualPin Source = "manual_pin"
	SourceImport    Source = "import"
	SourceFallback  Source = "fallback"
)

// Geocode is a resolved coordinate plus the trust metadata downstream
// components rank and validate with.
type Geocode struct {
	Lat               float64   `json:"lat"`
	Lng               float64   `json:"lng"`
	Precision         Precision `json:"precision"`
	Confidence        float64   `json:"confidence"`
	Source            Source    `json:"source"`
	AddressUsed       string    `json:"address_used"`
	GeocodedAt        time.Time `json:"geocoded_at"`
	NeedsVerification bool      `json:"needs_verification"`
}

// Confidence scores a geocode result. Base score by precision, demoted when
// a rooftop hit came from a low-quality address, pinned to 0.6 for the
// zip-centroid case, and shaved for provider partial matches.
func Confidence(p Precision, method address.Method, quality float64, partialMatch bool) float64 {
	if method == address.MethodZipOnly && p == PrecisionGeometricCenter {
		return 0.6
	}

	var conf float64
	switch p {
	case PrecisionRooftop:
		conf = 1.0
		if quality < 0.5 {
			conf *= 0.8
		}
	case PrecisionRangeInterpolated:
		conf = 0.8
	case PrecisionGeometricCenter:
		conf = 0.6
	case PrecisionApproximate:
		conf = 0.3
	default:
		conf = 0.3
	}

	if partialMatch {
		conf *= 0.9
	}
	return round3(clamp01(conf))
}

// NeedsVerification flags geocodes an operator should eyeball before they
// feed real matches.
func NeedsVerification(p Precision, confidence float64, method address.Method) bool {
	return p == PrecisionApproximate || confidence < 0.5 || method != address.MethodFullAddress
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Code classifies geocoding failures.
type Code string

const (
	CodeNoAPIKey       Code = "no_api_key"
	CodeZeroResults    Code = "zero_results"
	CodeOverQueryLimit Code = "over_query_limit"
	CodeDenied         Code = "denied"
	CodeInvalid        Code = "invalid"
	CodeTransient      Code = "transient"
	CodeCircuitOpen    Code = "circuit_open"
)

// Error is the typed geocoding failure. Retryable() feeds the shared retry
// helper so only transient upstream conditions get another attempt.
type Error struct {
	Code   Code
	Status string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("geocode: %s", e.Code)
	if e.Status != "" {
		msg += fmt.Sprintf(" (status %s)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Retryable() bool {
	switch e.Code {
	case CodeOverQueryLimit, CodeTransient:
		return true
	}
	return false
}
