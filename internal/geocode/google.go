package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const defaultGoogleBaseURL = "https://maps.googleapis.com"

// GoogleConfig configures the Google Geocoding API provider.
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
		cfg.BaseURL = defaultGoogleBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return nil
}

// Google geocodes through the Google Geocoding API.
type Google struct {
	log    *slog.Logger
	cfg    GoogleConfig
	client *http.Client
}

func NewGoogle(cfg GoogleConfig) (*Google, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid google geocoder config: %w", err)
	}
	return &Google{log: cfg.Logger, cfg: cfg, client: cfg.HTTPClient}, nil
}

func (g *Google) Name() string { return "google" }

type googleResponse struct {
	Status  string `json:"status"`
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
		PartialMatch     bool   `json:"partial_match"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
			LocationType string `json:"location_type"`
		} `json:"geometry"`
	} `json:"results"`
	ErrorMessage string `json:"error_message"`
}

func (g *Google) Geocode(ctx context.Context, q Query) (*Result, error) {
	params := url.Values{}
	params.Set("address", q.Address)
	if f := q.componentFilter(); f != "" {
		params.Set("components", f)
	}
	params.Set("key", g.cfg.APIKey)

	reqURL := g.cfg.BaseURL + "/maps/api/geocode/json?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &Error{Code: CodeInvalid, Err: err}
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &Error{Code: CodeTransient, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &Error{Code: CodeOverQueryLimit, Status: resp.Status}
	}
	if resp.StatusCode >= 500 {
		return nil, &Error{Code: CodeTransient, Status: resp.Status}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Code: CodeInvalid, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &Error{Code: CodeTransient, Err: err}
	}

	var gr googleResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, &Error{Code: CodeTransient, Err: fmt.Errorf("decoding response: %w", err)}
	}

	switch gr.Status {
	case "OK":
	case "ZERO_RESULTS":
		return nil, &Error{Code: CodeZeroResults, Status: gr.Status}
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT", "RESOURCE_EXHAUSTED":
		return nil, &Error{Code: CodeOverQueryLimit, Status: gr.Status}
	case "REQUEST_DENIED":
		return nil, &Error{Code: CodeDenied, Status: gr.Status, Err: errors.New(gr.ErrorMessage)}
	case "INVALID_REQUEST":
		return nil, &Error{Code: CodeInvalid, Status: gr.Status, Err: errors.New(gr.ErrorMessage)}
	default:
		return nil, &Error{Code: CodeTransient, Status: gr.Status, Err: errors.New(gr.ErrorMessage)}
	}

	if len(gr.Results) == 0 {
		return nil, &Error{Code: CodeZeroResults, Status: gr.Status}
	}

	top := gr.Results[0]
	precision := Precision(top.Geometry.LocationType)
	switch precision {
	case PrecisionRooftop, PrecisionRangeInterpolated, PrecisionGeometricCenter, PrecisionApproximate:
	default:
		precision = PrecisionApproximate
	}

	g.log.Debug("geocode/google: resolved",
		"address", q.Address,
		"precision", string(precision),
		"partial", top.PartialMatch,
	)

	return &Result{
		Lat:              top.Geometry.Location.Lat,
		Lng:              top.Geometry.Location.Lng,
		Precision:        precision,
		FormattedAddress: top.FormattedAddress,
		PartialMatch:     top.PartialMatch,
	}, nil
}
