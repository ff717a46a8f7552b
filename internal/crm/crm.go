// Package crm pulls the client roster out of the CRM and reconciles it into
// the local store. The CRM owns client identity; dispatch owns geocoding and
// matching state layered on top of it.
package crm

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

	"github.com/homereach/dispatch/pkg/retry"
)

// Record is one client as the CRM reports it. Lat/Lng are operator pins
// entered in the CRM and take precedence over anything we geocode.
type Record struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Address string   `json:"address"`
	Lat     *float64 `json:"lat,omitempty"`
	Lng     *float64 `json:"lng,omitempty"`
}

// HasCoords reports whether the CRM supplied a pinned location.
func (r Record) HasCoords() bool { return r.Lat != nil && r.Lng != nil }

// Source fetches the CRM's full active client roster.
type Source interface {
	FetchActiveClients(ctx context.Context) ([]Record, error)
}

// HTTPConfig configures the HTTP CRM source.
type HTTPConfig struct {
	Logger     *slog.Logger
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Retry      retry.Config
}

func (cfg *HTTPConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// HTTPSource reads `GET <base>/clients?status=active`, following the
// response's `next` cursor until the roster is exhausted.
type HTTPSource struct {
	log    *slog.Logger
	cfg    HTTPConfig
	client *http.Client
}

func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crm source config: %w", err)
	}
	return &HTTPSource{log: cfg.Logger, cfg: cfg, client: cfg.HTTPClient}, nil
}

// maxPages caps pagination so a CRM that keeps returning the same cursor
// cannot spin the sync forever.
const maxPages = 500

type clientsPage struct {
	Clients []Record `json:"clients"`
	Next    string   `json:"next"`
}

func (s *HTTPSource) FetchActiveClients(ctx context.Context) ([]Record, error) {
	var out []Record
	cursor := ""
	for page := 0; page < maxPages; page++ {
		pg, err := s.fetchPage(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, pg.Clients...)
		if pg.Next == "" {
			s.log.Debug("crm: roster fetched", "clients", len(out), "pages", page+1)
			return out, nil
		}
		if pg.Next == cursor {
			return nil, fmt.Errorf("crm pagination stalled on cursor %q", cursor)
		}
		cursor = pg.Next
	}
	return nil, fmt.Errorf("crm pagination exceeded %d pages", maxPages)
}

func (s *HTTPSource) fetchPage(ctx context.Context, cursor string) (*clientsPage, error) {
	params := url.Values{}
	params.Set("status", "active")
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	reqURL := s.cfg.BaseURL + "/clients?" + params.Encode()

	var pg clientsPage
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return err
		}
		if s.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode, status: resp.Status}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}
		pg = clientsPage{}
		if err := json.Unmarshal(body, &pg); err != nil {
			return fmt.Errorf("decoding clients page: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch crm clients page: %w", err)
	}
	return &pg, nil
}

// statusError lets the retry layer distinguish transient HTTP failures from
// hard ones via its StatusCode heuristic.
type statusError struct {
	code   int
	status string
}

func (e *statusError) Error() string   { return "crm returned " + e.status }
func (e *statusError) StatusCode() int { return e.code }
