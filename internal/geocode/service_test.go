package geocode

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/homereach/dispatch/internal/address"
	dispatchtesting "github.com/homereach/dispatch/internal/testing"
)

type scriptedProvider struct {
	mu      sync.Mutex
	calls   int
	scripts []func() (*Result, error)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Geocode(ctx context.Context, q Query) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.scripts) {
		i = len(p.scripts) - 1
	}
	return p.scripts[i]()
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func okResult() func() (*Result, error) {
	return func() (*Result, error) {
		return &Result{Lat: 40.7, Lng: -73.99, Precision: PrecisionRooftop}, nil
	}
}

func failWith(code Code) func() (*Result, error) {
	return func() (*Result, error) { return nil, &Error{Code: code} }
}

func newTestService(t *testing.T, p Provider, mutate func(*Config)) *Service {
	t.Helper()
	cfg := Config{
		Logger:      dispatchtesting.NewLogger(),
		Clock:       clockwork.NewFakeClock(),
		Provider:    p,
		MinSpacing:  time.Nanosecond,
		MaxAttempts: 1,
		BaseBackoff: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := New(cfg)
	require.NoError(t, err)
	return svc
}

func mustNormalize(t *testing.T, raw string) address.Normalized {
	t.Helper()
	n, err := address.Normalize(raw)
	require.NoError(t, err)
	return n
}

func TestDispatch_Geocode_Service_Resolve(t *testing.T) {
	t.Parallel()

	t.Run("derives confidence and verification flag", func(t *testing.T) {
		t.Parallel()
		p := &scriptedProvider{scripts: []func() (*Result, error){okResult()}}
		svc := newTestService(t, p, nil)

		g, err := svc.Resolve(context.Background(), mustNormalize(t, "123 Main St, Brooklyn, NY 11201"))
		require.NoError(t, err)
		require.InDelta(t, 1.0, g.Confidence, 1e-9)
		require.Equal(t, PrecisionRooftop, g.Precision)
		require.False(t, g.NeedsVerification)
		require.Equal(t, "123 Main St, Brooklyn, NY 11201, USA", g.AddressUsed)
		require.Equal(t, 1, p.callCount())
	})

	t.Run("retries transient errors", func(t *testing.T) {
		t.Parallel()
		p := &scriptedProvider{scripts: []func() (*Result, error){
			failWith(CodeOverQueryLimit),
			okResult(),
		}}
		svc := newTestService(t, p, func(cfg *Config) { cfg.MaxAttempts = 3 })

		_, err := svc.Resolve(context.Background(), mustNormalize(t, "11201"))
		require.NoError(t, err)
		require.Equal(t, 2, p.callCount())
	})

	t.Run("zero results does not retry", func(t *testing.T) {
		t.Parallel()
		p := &scriptedProvider{scripts: []func() (*Result, error){failWith(CodeZeroResults)}}
		svc := newTestService(t, p, func(cfg *Config) { cfg.MaxAttempts = 3 })

		_, err := svc.Resolve(context.Background(), mustNormalize(t, "99999"))
		var ge *Error
		require.ErrorAs(t, err, &ge)
		require.Equal(t, CodeZeroResults, ge.Code)
		require.Equal(t, 1, p.callCount())
	})

	t.Run("non-google provider marks source fallback", func(t *testing.T) {
		t.Parallel()
		p := &scriptedProvider{scripts: []func() (*Result, error){okResult()}}
		svc := newTestService(t, p, nil)

		g, err := svc.Resolve(context.Background(), mustNormalize(t, "11201"))
		require.NoError(t, err)
		require.Equal(t, SourceFallback, g.Source)
	})
}

func TestDispatch_Geocode_Service_Breaker(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	p := &scriptedProvider{scripts: []func() (*Result, error){failWith(CodeTransient)}}
	svc := newTestService(t, p, func(cfg *Config) {
		cfg.Clock = clk
		cfg.BreakerThreshold = 3
		cfg.BreakerCooldown = time.Minute
	})
	n := mustNormalize(t, "123 Main St, Brooklyn, NY 11201")

	for i := 0; i < 3; i++ {
		_, err := svc.Resolve(context.Background(), n)
		require.Error(t, err)
	}
	require.Equal(t, 3, p.callCount())

	// Open: short-circuits without touching the provider.
	_, err := svc.Resolve(context.Background(), n)
	var ge *Error
	require.ErrorAs(t, err, &ge)
	require.Equal(t, CodeCircuitOpen, ge.Code)
	require.Equal(t, 3, p.callCount())

	// After cooldown a probe goes through; success resets the breaker.
	clk.Advance(61 * time.Second)
	p.mu.Lock()
	p.scripts = []func() (*Result, error){okResult()}
	p.calls = 0
	p.mu.Unlock()

	_, err = svc.Resolve(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, 1, p.callCount())

	_, err = svc.Resolve(context.Background(), n)
	require.NoError(t, err)
}

func TestDispatch_Geocode_Service_BreakerIgnoresZeroResults(t *testing.T) {
	t.Parallel()

	p := &scriptedProvider{scripts: []func() (*Result, error){failWith(CodeZeroResults)}}
	svc := newTestService(t, p, func(cfg *Config) { cfg.BreakerThreshold = 2 })
	n := mustNormalize(t, "99999")

	for i := 0; i < 5; i++ {
		_, err := svc.Resolve(context.Background(), n)
		var ge *Error
		require.ErrorAs(t, err, &ge)
		require.Equal(t, CodeZeroResults, ge.Code)
	}
	require.Equal(t, 5, p.callCount())
}

func TestDispatch_Geocode_Service_DisabledProvider(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, Disabled{}, nil)
	_, err := svc.Resolve(context.Background(), mustNormalize(t, "11201"))
	var ge *Error
	require.ErrorAs(t, err, &ge)
	require.Equal(t, CodeNoAPIKey, ge.Code)
	require.False(t, errors.Is(err, context.Canceled))
}
