package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreaker(clock types.Clock) *CircuitBreaker {
	cfg := CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
	return NewCircuitBreaker("test", cfg, clock, zap.NewNop())
}

var errBoom = errors.New("boom")

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := cb.Do(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d should pass the error through, got %v", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("expected open after threshold, got %v", got)
	}

	err := cb.Do(ctx, succeed)
	if !IsCircuitBreakerError(err) {
		t.Fatalf("open circuit should fail fast, got %v", err)
	}
}

func TestBreakerHalfOpenAfterRecoveryTimeout(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Do(ctx, fail)
	}
	clock.Advance(31 * time.Second)

	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("expected half-open after recovery timeout, got %v", got)
	}

	// Two successes close the circuit.
	if err := cb.Do(ctx, succeed); err != nil {
		t.Fatalf("probe should pass through, got %v", err)
	}
	if err := cb.Do(ctx, succeed); err != nil {
		t.Fatalf("second probe should pass through, got %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("expected closed after success threshold, got %v", got)
	}
}

func TestBreakerReopensOnHalfOpenFailure(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Do(ctx, fail)
	}
	clock.Advance(31 * time.Second)
	cb.Do(ctx, fail)

	if got := cb.State(); got != StateOpen {
		t.Fatalf("half-open failure should reopen, got %v", got)
	}

	// The reopened circuit must wait out a fresh recovery timeout.
	clock.Advance(10 * time.Second)
	if err := cb.Do(ctx, succeed); !IsCircuitBreakerError(err) {
		t.Fatalf("reopened circuit should fail fast, got %v", err)
	}
}

func TestBreakerResetCloses(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		cb.Do(ctx, fail)
	}
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("expected closed after reset, got %v", got)
	}
	if err := cb.Do(ctx, succeed); err != nil {
		t.Fatalf("reset circuit should pass calls, got %v", err)
	}
}

func TestBreakerStats(t *testing.T) {
	clock := newFakeClock()
	cb := newTestBreaker(clock)
	ctx := context.Background()

	cb.Do(ctx, succeed)
	cb.Do(ctx, fail)

	stats := cb.Stats()
	if stats.RequestCount != 2 {
		t.Errorf("expected 2 requests, got %d", stats.RequestCount)
	}
	if stats.FailureCount != 1 || stats.SuccessCount != 1 {
		t.Errorf("unexpected counters: failures=%d successes=%d", stats.FailureCount, stats.SuccessCount)
	}
	if stats.LastFailureTime.IsZero() {
		t.Error("last failure time should be recorded")
	}
}

// failingCache errors on every operation.
type failingCache struct{}

func (failingCache) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, errBoom
}
func (failingCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return errBoom
}
func (failingCache) Delete(ctx context.Context, key string) error { return errBoom }

func TestGuardedCacheFailsOpen(t *testing.T) {
	clock := newFakeClock()
	g := NewGuardedCache(failingCache{}, CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
	}, clock, zap.NewNop())
	ctx := context.Background()

	// Real errors surface until the circuit opens.
	if _, _, err := g.Get(ctx, "k"); !errors.Is(err, errBoom) {
		t.Fatalf("expected inner error, got %v", err)
	}
	if err := g.Set(ctx, "k", "v", time.Minute); !errors.Is(err, errBoom) {
		t.Fatalf("expected inner error, got %v", err)
	}
	if got := g.Breaker().State(); got != StateOpen {
		t.Fatalf("expected open breaker, got %v", got)
	}

	// With the circuit open, reads report a clean miss and writes no-op.
	value, found, err := g.Get(ctx, "k")
	if err != nil || found || value != "" {
		t.Errorf("open-circuit Get should be a clean miss: %q %v %v", value, found, err)
	}
	if err := g.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Errorf("open-circuit Set should no-op, got %v", err)
	}
	if err := g.Delete(ctx, "k"); err != nil {
		t.Errorf("open-circuit Delete should no-op, got %v", err)
	}
}

// failingProvider errors on every sample.
type failingProvider struct{}

func (failingProvider) Sample(ctx context.Context) (types.MetricsSample, error) {
	return types.MetricsSample{}, errBoom
}

func TestGuardedProviderSurfacesFastFail(t *testing.T) {
	clock := newFakeClock()
	g := NewGuardedProvider(failingProvider{}, CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 1,
	}, clock, zap.NewNop())
	ctx := context.Background()

	if _, err := g.Sample(ctx); !errors.Is(err, errBoom) {
		t.Fatalf("expected inner error, got %v", err)
	}

	// Unlike the cache, a provider fast-fail must surface so the caller
	// skips the evaluation tick.
	_, err := g.Sample(ctx)
	if !IsCircuitBreakerError(err) {
		t.Fatalf("expected circuit breaker error, got %v", err)
	}
}
