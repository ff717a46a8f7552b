package geocode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/homereach/dispatch/internal/address"
	"github.com/homereach/dispatch/pkg/retry"
)

const (
	defaultMinSpacing       = 100 * time.Millisecond
	defaultMaxAttempts      = 3
	defaultBaseBackoff      = time.Second
	defaultMaxBackoff       = 8 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = time.Minute
)

// Config configures the geocoding service.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Provider Provider

	// MinSpacing is the minimum gap between provider calls.
	MinSpacing time.Duration
	// MaxAttempts bounds retries of a single lookup; backoff starts at
	// BaseBackoff and doubles per attempt.
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// BreakerThreshold consecutive provider failures open the breaker;
	// lookups short-circuit until BreakerCooldown has passed.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Provider == nil {
		return errors.New("provider is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MinSpacing <= 0 {
		cfg.MinSpacing = defaultMinSpacing
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = defaultBreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = defaultBreakerCooldown
	}
	return nil
}

// Service is the retrying, rate-limited front of a Provider.
type Service struct {
	log      *slog.Logger
	clock    clockwork.Clock
	provider Provider
	limiter  *rate.Limiter
	retryCfg retry.Config
	cfg      Config

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid geocode service config: %w", err)
	}
	return &Service{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		provider: cfg.Provider,
		limiter:  rate.NewLimiter(rate.Every(cfg.MinSpacing), 1),
		retryCfg: retry.Config{
			MaxAttempts: cfg.MaxAttempts,
			BaseBackoff: cfg.BaseBackoff,
			MaxBackoff:  cfg.MaxBackoff,
		},
		cfg: cfg,
	}, nil
}

// Resolve geocodes a normalized address and derives the confidence metadata.
// Non-retryable outcomes (no key, zero results, breaker open) return a typed
// *Error the caller can branch on.
func (s *Service) Resolve(ctx context.Context, n address.Normalized) (*Geocode, error) {
	if err := s.checkBreaker(); err != nil {
		return nil, err
	}

	q := Query{Address: n.Canonical, Components: components(n)}

	var result *Result
	err := retry.Do(ctx, s.retryCfg, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		r, err := s.provider.Geocode(ctx, q)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		s.recordFailure(err)
		return nil, err
	}
	s.recordSuccess()

	conf := Confidence(result.Precision, n.Method, n.Quality, result.PartialMatch)
	g := &Geocode{
		Lat:               result.Lat,
		Lng:               result.Lng,
		Precision:         result.Precision,
		Confidence:        conf,
		Source:            SourceGoogle,
		AddressUsed:       n.Canonical,
		GeocodedAt:        s.clock.Now().UTC(),
		NeedsVerification: NeedsVerification(result.Precision, conf, n.Method),
	}
	if s.provider.Name() != "google" {
		g.Source = SourceFallback
	}

	s.log.Debug("geocode/service: resolved",
		"address", n.Canonical,
		"precision", string(g.Precision),
		"confidence", g.Confidence,
		"needs_verification", g.NeedsVerification,
	)
	return g, nil
}

// components builds the provider filter. Weak methods lean on the ZIP; a
// borough city gets the state filter too since the borough is not the USPS
// locality Google expects.
func components(n address.Normalized) map[string]string {
	c := map[string]string{"country": "US"}
	switch {
	case n.Method == address.MethodZipOnly && n.Zip != "":
		c["postal_code"] = n.Zip
	case n.Method != address.MethodFullAddress && n.Zip != "" && n.State != "" && address.IsUrbanSubdivision(n.City):
		c["postal_code"] = n.Zip
		c["administrative_area"] = n.State
	}
	return c
}

func (s *Service) checkBreaker() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures < s.cfg.BreakerThreshold {
		return nil
	}
	if s.clock.Since(s.openedAt) >= s.cfg.BreakerCooldown {
		// Past cooldown: let a probe through. A failure re-stamps openedAt.
		return nil
	}
	return &Error{Code: CodeCircuitOpen}
}

// recordFailure counts consecutive provider failures. Definitive answers
// (zero results) and caller cancellation are not provider health signals.
func (s *Service) recordFailure(err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	var ge *Error
	if errors.As(err, &ge) && ge.Code == CodeZeroResults {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures++
	if s.failures >= s.cfg.BreakerThreshold {
		s.openedAt = s.clock.Now()
		s.log.Warn("geocode/service: breaker open",
			"consecutive_failures", s.failures,
			"cooldown", s.cfg.BreakerCooldown.String(),
		)
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
}
