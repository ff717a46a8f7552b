package traveltime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/homereach/dispatch/internal/geo"
	"github.com/homereach/dispatch/pkg/retry"
)

// CacheKey identifies one cached aggregate. Coordinates are hashed to a
// ~111m grid so a small geocode jitter still hits the same row.
type CacheKey struct {
	OriginHash string
	DestHash   string
	OriginType EndpointType
	DestType   EndpointType
	Mode       Mode
	Bucket     string
}

// CacheEntry is a stored aggregate plus the entity IDs it was computed for,
// kept so invalidation by entity works even after the entity moves.
type CacheEntry struct {
	CacheKey
	OriginID            string
	DestID              string
	DurationAvg         time.Duration
	DurationPessimistic time.Duration
	Samples             []time.Duration
	DistanceMeters      int
	SampleCount         int
	ComputedAt          time.Time
	ExpiresAt           time.Time
}

// CacheStore persists aggregates. Get returns (nil, nil) on a miss.
type CacheStore interface {
	Get(ctx context.Context, key CacheKey) (*CacheEntry, error)
	Upsert(ctx context.Context, entry *CacheEntry) error
}

// Config configures the travel time service.
type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Provider Provider
	Cache    CacheStore

	// Bucket is the active sampling regime new aggregates are written under.
	Bucket Bucket

	// LegacyBuckets are older bucket names still accepted on reads, so a
	// rename does not cold-start the whole cache.
	LegacyBuckets []string

	// Location is the local zone sample times are interpreted in.
	Location *time.Location

	// MaxConcurrent caps in-flight provider calls process-wide. Waiters are
	// served in FIFO order.
	MaxConcurrent int

	// MaxAttempts is the per-departure retry budget against the provider.
	MaxAttempts int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Provider == nil {
		return errors.New("provider is required")
	}
	if cfg.Bucket.Name == "" {
		return errors.New("bucket name is required")
	}
	if len(cfg.Bucket.SampleTimes) == 0 {
		return errors.New("bucket sample times are required")
	}
	if cfg.Bucket.TTL <= 0 {
		cfg.Bucket.TTL = 14 * 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	return nil
}

// Service answers estimate requests from the cache, falling through to the
// provider and degrading to the haversine approximation when the provider
// is unavailable. Degraded estimates are flagged and never written back.
type Service struct {
	log      *slog.Logger
	clock    clockwork.Clock
	provider Provider
	cache    CacheStore
	cfg      Config
	sem      *semaphore.Weighted
	retryCfg retry.Config
	fallback Haversine
}

func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid traveltime config: %w", err)
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MaxAttempts
	return &Service{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		provider: cfg.Provider,
		cache:    cfg.Cache,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		retryCfg: retryCfg,
	}, nil
}

// BucketName reports the active cache bucket.
func (s *Service) BucketName() string { return s.cfg.Bucket.Name }

// Estimate returns the aggregated travel verdict between two endpoints for
// one mode. The cache is consulted first, active bucket then legacy names.
func (s *Service) Estimate(ctx context.Context, origin, dest Endpoint, mode Mode) (*Estimate, error) {
	key := CacheKey{
		OriginHash: geo.Hash(origin.Point),
		DestHash:   geo.Hash(dest.Point),
		OriginType: origin.Type,
		DestType:   dest.Type,
		Mode:       mode,
		Bucket:     s.cfg.Bucket.Name,
	}
	now := s.clock.Now().UTC()

	if cached := s.lookup(ctx, key, now); cached != nil {
		return cached, nil
	}

	est, err := s.compute(ctx, origin, dest, mode, now)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && !est.Fallback {
		entry := &CacheEntry{
			CacheKey:            key,
			OriginID:            origin.ID,
			DestID:              dest.ID,
			DurationAvg:         est.DurationAvg,
			DurationPessimistic: est.DurationPessimistic,
			Samples:             est.Samples,
			DistanceMeters:      est.DistanceMeters,
			SampleCount:         est.SampleCount,
			ComputedAt:          est.ComputedAt,
			ExpiresAt:           est.ExpiresAt,
		}
		if err := s.cache.Upsert(ctx, entry); err != nil {
			s.log.Warn("traveltime: cache write failed",
				"origin", origin.ID, "dest", dest.ID, "error", err)
		}
	}
	return est, nil
}

// lookup scans the active bucket then legacy bucket names for a live entry.
func (s *Service) lookup(ctx context.Context, key CacheKey, now time.Time) *Estimate {
	if s.cache == nil {
		return nil
	}
	names := append([]string{key.Bucket}, s.cfg.LegacyBuckets...)
	for _, name := range names {
		k := key
		k.Bucket = name
		entry, err := s.cache.Get(ctx, k)
		if err != nil {
			s.log.Warn("traveltime: cache read failed", "bucket", name, "error", err)
			return nil
		}
		if entry == nil || !entry.ExpiresAt.After(now) {
			continue
		}
		return &Estimate{
			Mode:                key.Mode,
			DurationAvg:         entry.DurationAvg,
			DurationPessimistic: entry.DurationPessimistic,
			Samples:             entry.Samples,
			DistanceMeters:      entry.DistanceMeters,
			SampleCount:         entry.SampleCount,
			FromCache:           true,
			ComputedAt:          entry.ComputedAt,
			ExpiresAt:           entry.ExpiresAt,
		}
	}
	return nil
}

func (s *Service) compute(ctx context.Context, origin, dest Endpoint, mode Mode, now time.Time) (*Estimate, error) {
	departures := nextDepartures(now, s.cfg.Location, s.cfg.Bucket.SampleTimes)
	if len(departures) == 0 {
		return nil, errors.New("traveltime: no usable departure times")
	}

	samples, sampleErr := s.collect(ctx, origin, dest, mode, departures)

	if len(samples) == 0 {
		var provErr *Error
		if errors.As(sampleErr, &provErr) && provErr.Retryable() {
			return s.estimateFallback(ctx, origin, dest, mode, now)
		}
		if sampleErr != nil {
			return nil, sampleErr
		}
		return nil, errors.New("traveltime: provider returned no samples")
	}

	avg, pessimistic, distance := aggregate(samples)
	durations := make([]time.Duration, len(samples))
	for i, smp := range samples {
		durations[i] = smp.Duration
	}

	est := &Estimate{
		Mode:                mode,
		DurationAvg:         avg,
		DurationPessimistic: pessimistic,
		Samples:             durations,
		DistanceMeters:      distance,
		SampleCount:         len(samples),
		Fallback:            s.provider.Name() == haversineName,
		ComputedAt:          now,
	}
	if !est.Fallback {
		est.ExpiresAt = now.Add(s.cfg.Bucket.TTL)
	}
	return est, nil
}

// collect runs one provider query per departure under the concurrency gate.
// It returns whatever samples succeeded; when none did, the error explains
// the last failure. A definitive no-route or invalid answer cancels the
// remaining departures.
func (s *Service) collect(ctx context.Context, origin, dest Endpoint, mode Mode, departures []time.Time) ([]Sample, error) {
	results := make([]*Sample, len(departures))
	g, gctx := errgroup.WithContext(ctx)
	var transientErr atomicErr

	for i, dep := range departures {
		g.Go(func() error {
			if err := s.sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer s.sem.Release(1)

			var sample *Sample
			err := retry.Do(gctx, s.retryCfg, func() error {
				var err error
				sample, err = s.provider.TravelTime(gctx, origin.Point, dest.Point, mode, dep, s.cfg.Bucket.TrafficModel)
				return err
			})
			if err != nil {
				var provErr *Error
				if errors.As(err, &provErr) && provErr.Retryable() {
					transientErr.store(err)
					s.log.Debug("traveltime: departure sample failed",
						"departure", dep.Format(time.RFC3339), "error", err)
					return nil
				}
				return err
			}
			results[i] = sample
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	samples := make([]Sample, 0, len(results))
	for _, r := range results {
		if r != nil {
			samples = append(samples, *r)
		}
	}
	return samples, transientErr.load()
}

type atomicErr struct {
	mu  sync.Mutex
	err error
}

func (a *atomicErr) store(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *atomicErr) load() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// estimateFallback answers with the offline approximation after the real
// provider proved unreachable. Single synthetic sample, flagged, uncached.
func (s *Service) estimateFallback(ctx context.Context, origin, dest Endpoint, mode Mode, now time.Time) (*Estimate, error) {
	sample, err := s.fallback.TravelTime(ctx, origin.Point, dest.Point, mode, now, s.cfg.Bucket.TrafficModel)
	if err != nil {
		return nil, err
	}
	s.log.Warn("traveltime: provider unavailable, using haversine estimate",
		"origin", origin.ID, "dest", dest.ID, "mode", string(mode))
	return &Estimate{
		Mode:                mode,
		DurationAvg:         sample.Duration,
		DurationPessimistic: sample.Duration,
		Samples:             []time.Duration{sample.Duration},
		DistanceMeters:      sample.DistanceMeters,
		SampleCount:         1,
		Fallback:            true,
		ComputedAt:          now,
	}, nil
}
