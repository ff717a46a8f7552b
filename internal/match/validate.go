package match

import (
	"fmt"
	"math"
	"time"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/internal/geo"
	"github.com/homereach/dispatch/internal/geocode"
	"github.com/homereach/dispatch/internal/store"
	"github.com/homereach/dispatch/internal/traveltime"
)

// Validation statuses.
const (
	ValidationOK          = "ok"
	ValidationNeedsReview = "needs_review"
)

// ReasonCode is a structured validator finding. Reasons demote a match to
// needs_review; warnings annotate without demoting. Consumers branch on the
// code, never on the detail text.
type ReasonCode string

const (
	ReasonShortDistanceLongDuration ReasonCode = "short_distance_long_duration"
	ReasonLongDistanceShortDuration ReasonCode = "long_distance_short_duration"
	ReasonBothEndpointsApproximate  ReasonCode = "both_endpoints_approximate"
	ReasonBothConfidenceLow         ReasonCode = "both_confidence_low"
	ReasonZipAreaMismatch           ReasonCode = "zip_centroid_area_mismatch"

	WarnOneEndpointApproximate ReasonCode = "one_endpoint_approximate"
	WarnOneConfidenceLow       ReasonCode = "one_confidence_low"
	WarnImplausibleSpeed       ReasonCode = "implausible_speed"
	WarnZipResolutionMatch     ReasonCode = "zip_resolution_match"
)

// Validator rule thresholds.
const (
	shortDistanceMiles   = 0.2
	longDurationFloor    = 20 * time.Minute
	longDistanceMiles    = 60.0
	shortDurationCeiling = 45 * time.Minute
	lowConfidence        = 0.5
	implausibleSpeedMPH  = 5.0
	speedCheckMinMiles   = 1.0
)

// Reason carries a code plus human detail, serialized as "code:detail".
type Reason struct {
	Code   ReasonCode `json:"code"`
	Detail string     `json:"detail,omitempty"`
}

func (r Reason) String() string {
	if r.Detail == "" {
		return string(r.Code)
	}
	return string(r.Code) + ":" + r.Detail
}

// Validation is the annotation attached to every assignment.
type Validation struct {
	Status   string   `json:"status"`
	Reasons  []Reason `json:"reasons,omitempty"`
	Warnings []Reason `json:"warnings,omitempty"`
	Quality  float64  `json:"quality"`
}

// ReasonStrings returns the reasons in their persisted code:detail form.
func (v Validation) ReasonStrings() []string {
	out := make([]string, len(v.Reasons))
	for i, r := range v.Reasons {
		out[i] = r.String()
	}
	return out
}

// WarningStrings returns the warnings in their persisted code:detail form.
func (v Validation) WarningStrings() []string {
	out := make([]string, len(v.Warnings))
	for i, r := range v.Warnings {
		out[i] = r.String()
	}
	return out
}

// Validate annotates a client-technician match. A nil estimate skips the
// travel-metric rules only: a locked pair without coordinates still gets the
// endpoint-quality checks, and missing coordinates alone never demote a
// match whose travel time was computed.
func Validate(client *store.Client, tech *store.Technician, est *traveltime.Estimate) Validation {
	v := Validation{Status: ValidationOK}

	clientApprox := client.Precision == geocode.PrecisionApproximate
	techApprox := tech.Precision == geocode.PrecisionApproximate
	switch {
	case clientApprox && techApprox:
		v.Reasons = append(v.Reasons, Reason{Code: ReasonBothEndpointsApproximate})
	case clientApprox:
		v.Warnings = append(v.Warnings, Reason{Code: WarnOneEndpointApproximate, Detail: "client"})
	case techApprox:
		v.Warnings = append(v.Warnings, Reason{Code: WarnOneEndpointApproximate, Detail: "technician"})
	}

	clientLow := client.Confidence < lowConfidence
	techLow := tech.Confidence < lowConfidence
	switch {
	case clientLow && techLow:
		v.Reasons = append(v.Reasons, Reason{
			Code:   ReasonBothConfidenceLow,
			Detail: fmt.Sprintf("client %.2f, technician %.2f", client.Confidence, tech.Confidence),
		})
	case clientLow:
		v.Warnings = append(v.Warnings, Reason{
			Code: WarnOneConfidenceLow, Detail: fmt.Sprintf("client %.2f", client.Confidence),
		})
	case techLow:
		v.Warnings = append(v.Warnings, Reason{
			Code: WarnOneConfidenceLow, Detail: fmt.Sprintf("technician %.2f", tech.Confidence),
		})
	}

	clientZip := client.AddressMethod == address.MethodZipOnly
	techZip := tech.AddressMethod == address.MethodZipOnly
	if clientZip || techZip {
		clientArea := areaOf(client.RawAddress)
		techArea := areaOf(tech.RawAddress)
		if clientArea != "" && techArea != "" && clientArea != techArea {
			v.Reasons = append(v.Reasons, Reason{
				Code:   ReasonZipAreaMismatch,
				Detail: fmt.Sprintf("client %s, technician %s", clientArea, techArea),
			})
		} else {
			v.Warnings = append(v.Warnings, Reason{Code: WarnZipResolutionMatch, Detail: zipSides(clientZip, techZip)})
		}
	}

	if est != nil {
		miles := geo.Miles(float64(est.DistanceMeters))
		pessimistic := est.DurationPessimistic
		if miles < shortDistanceMiles && pessimistic > longDurationFloor {
			v.Reasons = append(v.Reasons, Reason{
				Code:   ReasonShortDistanceLongDuration,
				Detail: fmt.Sprintf("%.2fmi in %s", miles, pessimistic),
			})
		}
		if miles > longDistanceMiles && pessimistic < shortDurationCeiling {
			v.Reasons = append(v.Reasons, Reason{
				Code:   ReasonLongDistanceShortDuration,
				Detail: fmt.Sprintf("%.2fmi in %s", miles, pessimistic),
			})
		}
		if miles > speedCheckMinMiles && est.DurationAvg > 0 {
			mph := miles / est.DurationAvg.Hours()
			if mph < implausibleSpeedMPH {
				v.Warnings = append(v.Warnings, Reason{
					Code:   WarnImplausibleSpeed,
					Detail: fmt.Sprintf("%.1fmph over %.1fmi", mph, miles),
				})
			}
		}
	}

	if len(v.Reasons) > 0 {
		v.Status = ValidationNeedsReview
	}
	v.Quality = Quality(client, tech)
	return v
}

// Quality scores a match from the endpoint trust metadata: the confidence
// average, shaved per APPROXIMATE and per zip-only side, boosted per
// manually pinned side, clamped to [0,1] and rounded to 3 decimals.
func Quality(client *store.Client, tech *store.Technician) float64 {
	q := (client.Confidence + tech.Confidence) / 2

	sides := []struct {
		approx bool
		zip    bool
		pinned bool
	}{
		{client.Precision == geocode.PrecisionApproximate,
			client.AddressMethod == address.MethodZipOnly,
			client.GeocodeSource == geocode.SourceManualPin},
		{tech.Precision == geocode.PrecisionApproximate,
			tech.AddressMethod == address.MethodZipOnly,
			tech.GeocodeSource == geocode.SourceManualPin},
	}
	for _, side := range sides {
		if side.approx {
			q *= 0.7
		}
		if side.zip {
			q *= 0.8
		}
		if side.pinned {
			q *= 1.2
		}
	}

	q = math.Min(math.Max(q, 0), 1)
	return math.Round(q*1000) / 1000
}

func areaOf(raw string) string {
	n, err := address.Normalize(raw)
	if err != nil {
		return ""
	}
	return address.Area(n.City, n.Zip)
}

func zipSides(clientZip, techZip bool) string {
	switch {
	case clientZip && techZip:
		return "client and technician"
	case clientZip:
		return "client"
	default:
		return "technician"
	}
}
