package traveltime

import (
	"context"
	"fmt"
	"time"

	"github.com/paulmach/orb"

	"github.com/homereach/dispatch/internal/geo"
)

// Sample is one provider answer for a single departure time.
type Sample struct {
	Duration       time.Duration
	DistanceMeters int
}

// Provider answers a single origin-destination-departure query.
type Provider interface {
	Name() string
	TravelTime(ctx context.Context, origin, dest orb.Point, mode Mode, departure time.Time, model TrafficModel) (*Sample, error)
}

// Code classifies provider failures.
type Code string

const (
	CodeQuota     Code = "quota"
	CodeTransient Code = "transient"
	CodeInvalid   Code = "invalid"
	CodeNoRoute   Code = "no_route"
)

// Error is the typed travel provider failure.
type Error struct {
	Code   Code
	Status string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("traveltime: %s", e.Code)
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
	case CodeQuota, CodeTransient:
		return true
	}
	return false
}

const haversineName = "haversine"

// Fallback mode speeds. Urban driving averages ~50 km/h door to door;
// transit about half that once waits and transfers are in.
const (
	drivingMetersPerSecond = 13.9
	transitMetersPerSecond = 7.0
)

// Haversine is the offline provider: straight-line distance over a mode
// speed. It never fails and its estimates are flagged and never cached.
type Haversine struct{}

func (Haversine) Name() string { return haversineName }

func (Haversine) TravelTime(ctx context.Context, origin, dest orb.Point, mode Mode, departure time.Time, model TrafficModel) (*Sample, error) {
	distance := geo.DistanceMeters(origin, dest)
	speed := drivingMetersPerSecond
	if mode == ModeTransit {
		speed = transitMetersPerSecond
	}
	seconds := distance / speed
	return &Sample{
		Duration:       time.Duration(seconds * float64(time.Second)).Round(time.Second),
		DistanceMeters: int(distance + 0.5),
	}, nil
}
