// Package app assembles the overload manager: metrics provider, traffic
// forecaster, phase controller, service allocator, request scheduler and
// the admin surface, driven by one set of ticker loops.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/cboxdk/overload-manager/internal/allocator"
	"github.com/cboxdk/overload-manager/internal/api"
	"github.com/cboxdk/overload-manager/internal/cache"
	"github.com/cboxdk/overload-manager/internal/config"
	"github.com/cboxdk/overload-manager/internal/forecast"
	"github.com/cboxdk/overload-manager/internal/metrics"
	"github.com/cboxdk/overload-manager/internal/phase"
	"github.com/cboxdk/overload-manager/internal/prometheus"
	"github.com/cboxdk/overload-manager/internal/resilience"
	"github.com/cboxdk/overload-manager/internal/scheduler"
	"github.com/cboxdk/overload-manager/internal/storage"
	"github.com/cboxdk/overload-manager/internal/telemetry"
	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager owns the component graph and the control loops.
type Manager struct {
	cfg    *config.Config
	logger *zap.Logger
	clock  types.Clock

	telemetryService *telemetry.Service
	emitter          *telemetry.EventEmitter
	store            *storage.SQLiteStorage
	kv               types.Cache
	redisCache       *cache.Redis
	local            *metrics.Local
	provider         types.MetricsProvider
	forecaster       *forecast.Forecaster
	controller       *phase.Controller
	alloc            *allocator.Allocator
	sched            *scheduler.Scheduler
	exporter         *prometheus.Exporter
	server           *api.Server

	lastSpikeEmit time.Time
	lastQueue     scheduler.QueueStats
}

// NewManager builds the component graph from configuration.
func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		clock:  types.RealClock{},
	}

	telemetryService, err := telemetry.NewService(cfg.Telemetry, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	m.telemetryService = telemetryService

	var eventStorage telemetry.EventStorage
	if cfg.Storage.Enabled {
		store, err := storage.NewSQLiteStorage(cfg.Storage, logger.Named("storage"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		m.store = store
		eventStorage = store
	}
	m.emitter = telemetry.NewEventEmitter(telemetryService, logger.Named("events"), eventStorage)

	breakerCfg := resilience.DefaultCircuitBreakerConfig()

	var kv types.Cache
	switch cfg.Cache.Backend {
	case "redis":
		redisCache, err := cache.NewRedis(context.Background(), cfg.Cache.Redis, logger.Named("cache"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		m.redisCache = redisCache
		kv = redisCache
	default:
		kv = cache.NewMemory(m.clock)
	}
	m.kv = resilience.NewGuardedCache(kv, breakerCfg, m.clock, logger)

	m.local = metrics.NewLocal(cfg.Metrics.WindowSize, m.clock, logger.Named("metrics"))
	m.provider = resilience.NewGuardedProvider(m.local, breakerCfg, m.clock, logger)

	m.forecaster = forecast.New(cfg.Forecaster, m.clock, logger.Named("forecast"))
	m.controller = phase.NewController(cfg.Throttling, cfg.Cache.SnapshotTTL,
		m.provider, m.kv, m.forecaster, m.emitter, m.clock, logger.Named("phase"))
	m.alloc = allocator.New(cfg.Allocator, cfg.Cache.FlagTTL, m.kv, m.emitter, m.clock, logger.Named("allocator"))
	for _, svc := range cfg.Services {
		m.alloc.RegisterService(svc)
	}
	m.sched = scheduler.New(cfg.Scheduler, m.emitter, m.clock, logger.Named("scheduler"))

	m.exporter = prometheus.NewExporter(logger.Named("prometheus"))
	m.server = api.NewServer(cfg.Server, m.controller, m.alloc, m.sched,
		m.forecaster, m.emitter, m.exporter.Handler(), logger.Named("api"))

	return m, nil
}

// Run starts every loop and blocks until the context is canceled or a
// component fails.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if m.store != nil {
		if err := m.store.Start(ctx); err != nil {
			return fmt.Errorf("failed to start storage: %w", err)
		}
	}

	g.Go(func() error { return m.server.Start() })
	g.Go(func() error {
		<-ctx.Done()
		return m.shutdown()
	})
	g.Go(func() error { return m.evaluationLoop(ctx) })
	g.Go(func() error { return m.drainLoop(ctx) })
	g.Go(func() error { return m.patternLoop(ctx) })
	g.Go(func() error { return m.snapshotLoop(ctx) })

	m.logger.Info("Overload manager running",
		zap.Duration("sample_interval", m.cfg.Metrics.SampleInterval),
		zap.Duration("drain_interval", m.cfg.Scheduler.DrainInterval),
		zap.String("cache_backend", m.cfg.Cache.Backend))

	return g.Wait()
}

func (m *Manager) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	m.sched.Stop()
	if err := m.server.Stop(shutdownCtx); err != nil {
		m.logger.Error("Server shutdown failed", zap.Error(err))
	}
	if m.store != nil {
		if err := m.store.Stop(shutdownCtx); err != nil {
			m.logger.Error("Storage shutdown failed", zap.Error(err))
		}
	}
	if m.redisCache != nil {
		if err := m.redisCache.Close(); err != nil {
			m.logger.Error("Redis close failed", zap.Error(err))
		}
	}
	if err := m.telemetryService.Stop(shutdownCtx); err != nil {
		m.logger.Error("Telemetry shutdown failed", zap.Error(err))
	}
	m.logger.Info("Overload manager stopped")
	return context.Canceled
}

// evaluationLoop drives the closed feedback loop: sample, forecast,
// evaluate phase, evaluate overload level, publish gauges.
func (m *Manager) evaluationLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Metrics.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.evaluateOnce(ctx)
		}
	}
}

// evaluateOnce runs one evaluation tick. A sampling failure keeps the
// current state; the loop fails open rather than escalating blindly.
func (m *Manager) evaluateOnce(ctx context.Context) {
	stats := m.sched.Stats()
	m.local.SetQueueDepth(stats.Total)
	m.local.SetActiveConnections(stats.InFlight)

	sample, err := m.provider.Sample(ctx)
	if err != nil {
		m.logger.Warn("Metrics sampling failed, keeping current state", zap.Error(err))
		return
	}

	m.emitter.EmitMetricsUpdated(ctx, map[string]interface{}{
		"cpu_percent":            sample.CPUPercent,
		"memory_percent":         sample.MemoryPercent,
		"error_rate_percent":     sample.ErrorRatePercent,
		"response_time_ms":       sample.ResponseTimeMs,
		"request_rate":           sample.RequestRate,
		"queue_depth":            sample.QueueDepth,
		"cache_hit_rate_percent": sample.CacheHitRatePercent,
	})

	m.forecaster.RecordSample(sample)
	m.controller.EvaluateSample(ctx, sample)

	load := sample.CPUPercent
	if sample.MemoryPercent > load {
		load = sample.MemoryPercent
	}
	m.sched.SetSystemState(m.controller.CurrentPhase(), load/100)

	level := m.alloc.EvaluateLevel(sample, 1.0)
	m.alloc.ObserveSample(sample)
	switch {
	case level > m.alloc.CurrentLevel():
		triggers := allocator.Triggers(m.alloc.LevelConditions(level), sample)
		if _, err := m.alloc.HandleOverload(ctx, level, triggers); err != nil {
			m.logger.Error("Overload handling failed", zap.Error(err))
		}
	case level == types.LevelNone && m.alloc.CurrentLevel() > types.LevelNone:
		m.alloc.AttemptRecovery(ctx)
	}

	m.publishGauges(sample, stats)
	m.checkSpike(ctx)
}

// publishGauges pushes the tick's readings to the Prometheus exporter.
func (m *Manager) publishGauges(sample types.MetricsSample, stats scheduler.QueueStats) {
	status := m.controller.GetStatus()
	m.exporter.SetPhase(int(status.Phase), status.Factor)
	m.exporter.SetOverloadLevel(int(m.alloc.CurrentLevel()))

	for _, name := range []string{
		types.MetricCPU, types.MetricMemory, types.MetricResponseTime,
		types.MetricErrorRate, types.MetricRequestRate, types.MetricQueueDepth,
		types.MetricActiveConnections, types.MetricCacheHitRate,
	} {
		if v, ok := sample.Value(name); ok {
			m.exporter.SetSampleValue(name, v)
		}
	}

	for lane, depth := range stats.Depths {
		m.exporter.SetQueueDepth(lane, depth)
	}
	m.exporter.SetInFlight(stats.InFlight)
	m.countQueueOutcomes(stats)

	for _, alloc := range m.alloc.Allocations() {
		m.exporter.SetAllocation(alloc.Service, string(alloc.Tier), alloc.AllocatedPercent)
	}
}

// countQueueOutcomes feeds the per-outcome counters with the delta since
// the previous tick. The scheduler keeps cumulative totals; the exporter
// wants increments.
func (m *Manager) countQueueOutcomes(stats scheduler.QueueStats) {
	prev := m.lastQueue
	m.exporter.CountQueueOutcome("completed", stats.Completed-prev.Completed)
	m.exporter.CountQueueOutcome("failed", stats.Failed-prev.Failed)
	m.exporter.CountQueueOutcome("timed_out", stats.TimedOut-prev.TimedOut)
	m.exporter.CountQueueOutcome("evicted", stats.Evicted-prev.Evicted)
	m.exporter.CountQueueOutcome("rejected", stats.Rejected-prev.Rejected)
	m.lastQueue = stats
}

// checkSpike publishes the latest prediction and raises a spike event when
// the forecast crosses the configured thresholds. Spike events are deduped
// to one per horizon.
func (m *Manager) checkSpike(ctx context.Context) {
	p, ok := m.forecaster.Predict()
	if !ok {
		return
	}
	m.exporter.SetPrediction(p.PredictedRate, p.Confidence, p.SpikeProbability)
	m.emitter.EmitPrediction(ctx, telemetry.EventTypePrediction, telemetry.PredictionDetails{
		PredictedRate:    p.PredictedRate,
		Confidence:       p.Confidence,
		SpikeProbability: p.SpikeProbability,
		SpikeMagnitude:   p.SpikeMagnitude,
	})

	if len(p.RecommendedActions) == 0 {
		return
	}
	if m.clock.Now().Sub(m.lastSpikeEmit) < m.cfg.Forecaster.Horizon {
		return
	}
	m.lastSpikeEmit = m.clock.Now()

	m.emitter.EmitPrediction(ctx, telemetry.EventTypeSpikePredicted, telemetry.PredictionDetails{
		PredictedRate:    p.PredictedRate,
		Confidence:       p.Confidence,
		SpikeProbability: p.SpikeProbability,
		SpikeMagnitude:   p.SpikeMagnitude,
		Actions:          len(p.RecommendedActions),
	})

	actions := make([]string, len(p.RecommendedActions))
	for i, a := range p.RecommendedActions {
		actions[i] = string(a)
	}
	m.logger.Warn("Traffic spike predicted",
		zap.Float64("probability", p.SpikeProbability),
		zap.Float64("magnitude", p.SpikeMagnitude),
		zap.Strings("recommended_actions", actions))
	m.emitter.EmitSpikePreparationComplete(ctx, actions)
}

// drainLoop dispatches queued requests.
func (m *Manager) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Scheduler.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sched.Drain(ctx)
		}
	}
}

// patternLoop periodically re-detects recurring traffic patterns.
func (m *Manager) patternLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Forecaster.PatternInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			patterns := m.forecaster.DetectPatterns()
			m.logger.Debug("Pattern detection completed", zap.Int("patterns", len(patterns)))
		}
	}
}

// snapshotLoop persists periodic samples with the active control state.
func (m *Manager) snapshotLoop(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	ticker := time.NewTicker(m.cfg.Metrics.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sample, err := m.provider.Sample(ctx)
			if err != nil {
				continue
			}
			if err := m.store.StoreSample(ctx, sample, m.controller.CurrentPhase(), m.alloc.CurrentLevel()); err != nil {
				m.logger.Error("Sample snapshot failed", zap.Error(err))
			}
		}
	}
}

// CheckThrottling exposes admission decisions to an embedding serving
// layer.
func (m *Manager) CheckThrottling(meta types.RequestMetadata) phase.Decision {
	d := m.controller.CheckThrottling(meta)
	m.exporter.CountDecision(decisionOutcome(d))
	return d
}

// decisionOutcome maps an admission decision to its counter label.
func decisionOutcome(d phase.Decision) string {
	switch {
	case !d.Allowed && d.Action == types.ActionBlock:
		return "blocked"
	case !d.Allowed:
		return "rejected"
	case d.Delay > 0:
		return "throttled"
	default:
		return "allowed"
	}
}

// Enqueue submits work to the scheduler.
func (m *Manager) Enqueue(ctx context.Context, req scheduler.Request) (*scheduler.Ticket, error) {
	return m.sched.Enqueue(ctx, req)
}

// GetPriority resolves an endpoint's service priority.
func (m *Manager) GetPriority(endpoint string) allocator.Priority {
	return m.alloc.GetPriority(endpoint)
}

// Feedback returns the pipeline feedback recorder for the serving layer.
func (m *Manager) Feedback() *metrics.Feedback {
	return m.local.Feedback
}
