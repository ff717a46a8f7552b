package traveltime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

const defaultRoutesBaseURL = "https://routes.googleapis.com"

// GoogleConfig configures the Google Routes API provider.
type GoogleConfig struct {
	Logger     *slog.Logger
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

func (cfg *GoogleConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultRoutesBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return nil
}

// Google queries the Routes API computeRoutes endpoint, one route per call.
type Google struct {
	log    *slog.Logger
	cfg    GoogleConfig
	client *http.Client
}

func NewGoogle(cfg GoogleConfig) (*Google, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routes provider config: %w", err)
	}
	return &Google{log: cfg.Logger, cfg: cfg, client: cfg.HTTPClient}, nil
}

func (g *Google) Name() string { return "google" }

type routesLatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type routesWaypoint struct {
	Location struct {
		LatLng routesLatLng `json:"latLng"`
	} `json:"location"`
}

type routesRequest struct {
	Origin            routesWaypoint `json:"origin"`
	Destination       routesWaypoint `json:"destination"`
	TravelMode        string         `json:"travelMode"`
	RoutingPreference string         `json:"routingPreference,omitempty"`
	TrafficModel      string         `json:"trafficModel,omitempty"`
	DepartureTime     string         `json:"departureTime"`
}

type routesResponse struct {
	Routes []struct {
		DistanceMeters int    `json:"distanceMeters"`
		Duration       string `json:"duration"`
	} `json:"routes"`
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func waypoint(p orb.Point) routesWaypoint {
	var w routesWaypoint
	w.Location.LatLng = routesLatLng{Latitude: p.Lat(), Longitude: p.Lon()}
	return w
}

func (g *Google) TravelTime(ctx context.Context, origin, dest orb.Point, mode Mode, departure time.Time, model TrafficModel) (*Sample, error) {
	req := routesRequest{
		Origin:        waypoint(origin),
		Destination:   waypoint(dest),
		DepartureTime: departure.UTC().Format(time.RFC3339),
	}
	switch mode {
	case ModeTransit:
		req.TravelMode = "TRANSIT"
	default:
		req.TravelMode = "DRIVE"
		req.RoutingPreference = "TRAFFIC_AWARE_OPTIMAL"
		req.TrafficModel = strings.ToUpper(string(model))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Code: CodeInvalid, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.cfg.BaseURL+"/directions/v2:computeRoutes", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Code: CodeInvalid, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", g.cfg.APIKey)
	httpReq.Header.Set("X-Goog-FieldMask", "routes.duration,routes.distanceMeters")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Code: CodeTransient, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Code: CodeTransient, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Code: CodeQuota, Status: resp.Status}
	case resp.StatusCode >= 500:
		return nil, &Error{Code: CodeTransient, Status: resp.Status}
	case resp.StatusCode != http.StatusOK:
		var rr routesResponse
		_ = json.Unmarshal(respBody, &rr)
		if rr.Error.Status == "RESOURCE_EXHAUSTED" {
			return nil, &Error{Code: CodeQuota, Status: rr.Error.Status}
		}
		return nil, &Error{Code: CodeInvalid, Status: resp.Status, Err: errors.New(rr.Error.Message)}
	}

	var rr routesResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return nil, &Error{Code: CodeTransient, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(rr.Routes) == 0 {
		return nil, &Error{Code: CodeNoRoute}
	}

	route := rr.Routes[0]
	duration, err := parseRouteDuration(route.Duration)
	if err != nil {
		return nil, &Error{Code: CodeTransient, Err: err}
	}

	g.log.Debug("traveltime/google: route computed",
		"mode", string(mode),
		"duration", duration.String(),
		"distance_m", route.DistanceMeters,
	)
	return &Sample{Duration: duration, DistanceMeters: route.DistanceMeters}, nil
}

// parseRouteDuration parses the API's "1234s" duration literal.
func parseRouteDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSuffix(s, "s")
	if trimmed == s || trimmed == "" {
		return 0, fmt.Errorf("unexpected duration %q", s)
	}
	secs, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected duration %q: %w", s, err)
	}
	return time.Duration(secs * float64(time.Second)).Round(time.Second), nil
}
