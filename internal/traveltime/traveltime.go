// Package traveltime produces origin-destination travel estimates for the
// matcher. Estimates sample the provider at configured peak departure times,
// aggregate into average and pessimistic durations, and live in a Postgres
// cache keyed by coordinate hash so a nightly run does not re-pay provider
// quota for stable pairs.
package traveltime

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

// Mode is a concrete travel mode an estimate is computed for.
type Mode string

const (
	ModeDriving Mode = "driving"
	ModeTransit Mode = "transit"
)

// EndpointType tags which side of the pair an endpoint is.
type EndpointType string

const (
	EndpointTechnician EndpointType = "technician"
	EndpointClient     EndpointType = "client"
)

// Endpoint is one side of an estimate request.
type Endpoint struct {
	ID    string
	Type  EndpointType
	Point orb.Point
}

// TrafficModel selects the provider's congestion assumption.
type TrafficModel string

const (
	TrafficBestGuess   TrafficModel = "best_guess"
	TrafficPessimistic TrafficModel = "pessimistic"
	TrafficOptimistic  TrafficModel = "optimistic"
)

// SampleTime is a local wall-clock departure time.
type SampleTime struct {
	Hour   int
	Minute int
}

func (s SampleTime) String() string {
	return fmt.Sprintf("%02d:%02d", s.Hour, s.Minute)
}

var reSampleTime = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseSampleTimes parses a comma-separated HH:MM list, returned sorted.
func ParseSampleTimes(s string) ([]SampleTime, error) {
	var out []SampleTime
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		m := reSampleTime.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("invalid sample time %q, expected HH:MM", part)
		}
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		if hour > 23 || minute > 59 {
			return nil, fmt.Errorf("invalid sample time %q, expected HH:MM", part)
		}
		out = append(out, SampleTime{Hour: hour, Minute: minute})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no sample times in %q", s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		return out[i].Minute < out[j].Minute
	})
	return out, nil
}

// Bucket names a sampling regime. Entries cached under different buckets
// never mix; renaming the bucket without migrating rows is handled by the
// read-compatible legacy list on the service.
type Bucket struct {
	Name         string
	TrafficModel TrafficModel
	SampleTimes  []SampleTime
	TTL          time.Duration
}

// Estimate is an aggregated travel verdict between two endpoints.
type Estimate struct {
	Mode                Mode
	DurationAvg         time.Duration
	DurationPessimistic time.Duration
	Samples             []time.Duration
	DistanceMeters      int
	SampleCount         int
	FromCache           bool
	Fallback            bool
	ComputedAt          time.Time
	ExpiresAt           time.Time
}

// aggregate folds per-departure samples into the estimate durations. The
// pessimistic figure is the worse of the slowest sample and a 10% padded
// median, so one fluke fast sample cannot make a pair look safe.
func aggregate(samples []Sample) (avg, pessimistic time.Duration, distance int) {
	if len(samples) == 0 {
		return 0, 0, 0
	}

	durs := make([]time.Duration, len(samples))
	var durSum time.Duration
	var distSum, distCount int
	for i, s := range samples {
		durs[i] = s.Duration
		durSum += s.Duration
		if s.DistanceMeters > 0 {
			distSum += s.DistanceMeters
			distCount++
		}
	}
	sort.Slice(durs, func(i, j int) bool { return durs[i] < durs[j] })

	avg = (durSum / time.Duration(len(durs))).Round(time.Second)

	var median time.Duration
	mid := len(durs) / 2
	if len(durs)%2 == 1 {
		median = durs[mid]
	} else {
		median = (durs[mid-1] + durs[mid]) / 2
	}
	padded := time.Duration(float64(median) * 1.1).Round(time.Second)

	pessimistic = durs[len(durs)-1]
	if padded > pessimistic {
		pessimistic = padded
	}

	if distCount > 0 {
		distance = int(float64(distSum)/float64(distCount) + 0.5)
	}
	return avg, pessimistic, distance
}

// nextDepartures picks the next weekday whose latest sample time is still in
// the future and returns the departure instants for every sample time that
// day. Departures already in the past are bumped just ahead of now so the
// provider still accepts them.
func nextDepartures(now time.Time, loc *time.Location, times []SampleTime) []time.Time {
	local := now.In(loc)
	for offset := 0; offset < 8; offset++ {
		day := local.AddDate(0, 0, offset)
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		latest := times[len(times)-1]
		latestAt := time.Date(day.Year(), day.Month(), day.Day(), latest.Hour, latest.Minute, 0, 0, loc)
		if !latestAt.After(local) {
			continue
		}
		deps := make([]time.Time, 0, len(times))
		floor := local.Add(2 * time.Minute)
		for _, st := range times {
			at := time.Date(day.Year(), day.Month(), day.Day(), st.Hour, st.Minute, 0, 0, loc)
			if at.Before(floor) {
				at = floor
			}
			deps = append(deps, at)
		}
		return deps
	}
	return nil
}
