package resilience

import (
	"context"
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

// GuardedCache wraps a Cache with a circuit breaker. While the circuit is
// open, Get reports a miss and Set/Delete become no-ops: mitigation flags
// and snapshots are advisory, so a broken cache degrades visibility but
// never the control loop itself.
type GuardedCache struct {
	inner   types.Cache
	breaker *CircuitBreaker
}

// NewGuardedCache wraps inner with breaker protection.
func NewGuardedCache(inner types.Cache, cfg CircuitBreakerConfig, clock types.Clock, logger *zap.Logger) *GuardedCache {
	return &GuardedCache{
		inner:   inner,
		breaker: NewCircuitBreaker("cache", cfg, clock, logger),
	}
}

func (g *GuardedCache) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		value, found, err = g.inner.Get(ctx, key)
		return err
	})
	if err != nil {
		if IsCircuitBreakerError(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, found, nil
}

func (g *GuardedCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.inner.Set(ctx, key, value, ttl)
	})
	if IsCircuitBreakerError(err) {
		return nil
	}
	return err
}

func (g *GuardedCache) Delete(ctx context.Context, key string) error {
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.inner.Delete(ctx, key)
	})
	if IsCircuitBreakerError(err) {
		return nil
	}
	return err
}

// Breaker exposes the underlying breaker for status reporting.
func (g *GuardedCache) Breaker() *CircuitBreaker { return g.breaker }

// GuardedProvider wraps a MetricsProvider with a circuit breaker. A fast
// fail surfaces as a sample error, which the phase controller treats as
// fail-open.
type GuardedProvider struct {
	inner   types.MetricsProvider
	breaker *CircuitBreaker
}

// NewGuardedProvider wraps inner with breaker protection.
func NewGuardedProvider(inner types.MetricsProvider, cfg CircuitBreakerConfig, clock types.Clock, logger *zap.Logger) *GuardedProvider {
	return &GuardedProvider{
		inner:   inner,
		breaker: NewCircuitBreaker("metrics-provider", cfg, clock, logger),
	}
}

func (g *GuardedProvider) Sample(ctx context.Context) (types.MetricsSample, error) {
	var sample types.MetricsSample
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		sample, err = g.inner.Sample(ctx)
		return err
	})
	return sample, err
}

// Breaker exposes the underlying breaker for status reporting.
func (g *GuardedProvider) Breaker() *CircuitBreaker { return g.breaker }
