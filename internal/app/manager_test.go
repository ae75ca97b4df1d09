package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cboxdk/overload-manager/internal/allocator"
	"github.com/cboxdk/overload-manager/internal/cache"
	"github.com/cboxdk/overload-manager/internal/config"
	"github.com/cboxdk/overload-manager/internal/forecast"
	"github.com/cboxdk/overload-manager/internal/metrics"
	"github.com/cboxdk/overload-manager/internal/phase"
	"github.com/cboxdk/overload-manager/internal/prometheus"
	"github.com/cboxdk/overload-manager/internal/scheduler"
	"github.com/cboxdk/overload-manager/internal/telemetry"
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

type staticProvider struct {
	sample types.MetricsSample
}

func (p *staticProvider) Sample(ctx context.Context) (types.MetricsSample, error) {
	return p.sample, nil
}

// captureStore records emitted events in memory.
type captureStore struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (c *captureStore) StoreEvent(ctx context.Context, event telemetry.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *captureStore) GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	return nil, nil
}

func (c *captureStore) countByType(t telemetry.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func healthySample() types.MetricsSample {
	return types.MetricsSample{
		CPUPercent:          30,
		MemoryPercent:       40,
		ErrorRatePercent:    0.5,
		ResponseTimeMs:      120,
		RequestRate:         100,
		CacheHitRatePercent: 90,
	}
}

func newTestManager(t *testing.T, clock *fakeClock, provider types.MetricsProvider) (*Manager, *captureStore) {
	t.Helper()
	cfg := config.Default()
	cfg.Forecaster = config.ForecasterConfig{
		MaxHistory:       100,
		MinSamples:       5,
		TrendWindow:      10,
		SmoothingFactor:  0.3,
		Horizon:          5 * time.Minute,
		PatternInterval:  5 * time.Minute,
		PatternHighRatio: 1.3,
		PatternLowRatio:  0.7,
		SpikeProbability: 0.6,
		SpikeMagnitude:   1.5,
	}
	cfg.Scheduler = config.SchedulerConfig{
		MaxQueueSize:  10,
		MaxConcurrent: 4,
		DrainInterval: 100 * time.Millisecond,
		MaxWait:       30 * time.Second,
	}

	logger := zap.NewNop()
	store := &captureStore{}
	emitter := telemetry.NewEventEmitter(nil, logger, store)
	kv := cache.NewMemory(clock)

	m := &Manager{
		cfg:        cfg,
		logger:     logger,
		clock:      clock,
		emitter:    emitter,
		local:      metrics.NewLocal(time.Minute, clock, logger),
		provider:   provider,
		forecaster: forecast.New(cfg.Forecaster, clock, logger),
		controller: phase.NewController(cfg.Throttling, 30*time.Second, provider, kv, nil, emitter, clock, logger),
		alloc:      allocator.New(cfg.Allocator, 10*time.Minute, kv, emitter, clock, logger),
		sched:      scheduler.New(cfg.Scheduler, emitter, clock, logger),
		exporter:   prometheus.NewExporter(logger),
	}
	return m, store
}

func scrape(t *testing.T, m *Manager) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.exporter.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape failed: %d", rec.Code)
	}
	return rec.Body.String()
}

func TestEvaluateOnceEmitsMetricsUpdated(t *testing.T) {
	clock := newFakeClock()
	m, store := newTestManager(t, clock, &staticProvider{sample: healthySample()})

	m.evaluateOnce(context.Background())

	if got := store.countByType(telemetry.EventTypeMetricsUpdated); got != 1 {
		t.Fatalf("expected 1 metrics_updated event, got %d", got)
	}
}

func TestEvaluateOncePushesLoadToScheduler(t *testing.T) {
	clock := newFakeClock()
	sample := healthySample()
	sample.CPUPercent = 95
	m, _ := newTestManager(t, clock, &staticProvider{sample: sample})
	ctx := context.Background()

	m.evaluateOnce(ctx)

	// With measured load 0.95 pushed into the scheduler, medium work must
	// be demoted one lane even though the queue is empty.
	if _, err := m.sched.Enqueue(ctx, scheduler.Request{
		ID:   "m",
		Meta: types.RequestMetadata{Priority: types.PriorityMedium, UserTier: types.TierStandard},
	}); err != nil {
		t.Fatal(err)
	}
	if got := m.sched.Stats().Depths[types.PriorityLow.String()]; got != 1 {
		t.Fatalf("expected demotion under measured load, low depth = %d", got)
	}
}

func TestCheckThrottlingCountsDecisions(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, clock, &staticProvider{sample: healthySample()})
	ctx := context.Background()

	m.CheckThrottling(types.RequestMetadata{Priority: types.PriorityMedium})

	m.controller.ForcePhase(ctx, types.PhaseEmergency, "test setup")
	m.CheckThrottling(types.RequestMetadata{Priority: types.PriorityLow, UserTier: types.TierFree})

	body := scrape(t, m)
	for _, line := range []string{
		`overload_decisions_total{outcome="allowed"} 1`,
		`overload_decisions_total{outcome="blocked"} 1`,
	} {
		if !strings.Contains(body, line) {
			t.Errorf("scrape output missing %q", line)
		}
	}
}

func TestQueueOutcomeCountersTrackDeltas(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, clock, &staticProvider{sample: healthySample()})
	ctx := context.Background()

	// A nil handler settles at dispatch, so one drain completes the request.
	if _, err := m.sched.Enqueue(ctx, scheduler.Request{
		ID:   "gate",
		Meta: types.RequestMetadata{Priority: types.PriorityMedium},
	}); err != nil {
		t.Fatal(err)
	}
	m.sched.Drain(ctx)

	m.evaluateOnce(ctx)
	m.evaluateOnce(ctx) // second tick must add a zero delta, not re-count

	body := scrape(t, m)
	if !strings.Contains(body, `overload_queue_outcomes_total{outcome="completed"} 1`) {
		t.Fatalf("expected completed counter at 1, scrape:\n%s", body)
	}
}

func TestPredictionEventEmittedOncePredicting(t *testing.T) {
	clock := newFakeClock()
	m, store := newTestManager(t, clock, &staticProvider{sample: healthySample()})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		m.evaluateOnce(ctx)
		clock.Advance(5 * time.Second)
	}

	if got := store.countByType(telemetry.EventTypePrediction); got == 0 {
		t.Fatal("expected prediction_generated events once the forecaster has enough samples")
	}
}
