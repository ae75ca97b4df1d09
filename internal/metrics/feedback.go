package metrics

import (
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
)

// Feedback accumulates pipeline-side observations over a rolling window:
// request outcomes and latencies from the serving layer, cache lookup
// results, and point-in-time gauges fed by the scheduler. The provider
// folds these into each sample so the control loop sees its own effect.
type Feedback struct {
	clock  types.Clock
	window time.Duration

	mu           sync.Mutex
	windowStart  time.Time
	requests     int64
	errors       int64
	totalLatency time.Duration
	cacheLookups int64
	cacheHits    int64

	queueDepth      int64
	activeConns     int64
	dependencyConns int64
}

// NewFeedback creates a feedback recorder with the given rolling window.
func NewFeedback(window time.Duration, clock types.Clock) *Feedback {
	return &Feedback{
		clock:       clock,
		window:      window,
		windowStart: clock.Now(),
	}
}

// ObserveRequest records one completed request.
func (f *Feedback) ObserveRequest(latency time.Duration, failed bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollLocked()
	f.requests++
	f.totalLatency += latency
	if failed {
		f.errors++
	}
}

// ObserveCache records one cache lookup.
func (f *Feedback) ObserveCache(hit bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollLocked()
	f.cacheLookups++
	if hit {
		f.cacheHits++
	}
}

// SetQueueDepth updates the queue depth gauge.
func (f *Feedback) SetQueueDepth(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueDepth = int64(n)
}

// SetActiveConnections updates the active connection gauge.
func (f *Feedback) SetActiveConnections(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeConns = int64(n)
}

// SetDependencyConnections updates the downstream connection gauge.
func (f *Feedback) SetDependencyConnections(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dependencyConns = int64(n)
}

// rollLocked resets the counters once the window has elapsed, so rates
// reflect recent behavior rather than process lifetime.
func (f *Feedback) rollLocked() {
	now := f.clock.Now()
	if now.Sub(f.windowStart) >= f.window {
		f.windowStart = now
		f.requests = 0
		f.errors = 0
		f.totalLatency = 0
		f.cacheLookups = 0
		f.cacheHits = 0
	}
}

// fill writes the feedback-derived fields into a sample.
func (f *Feedback) fill(s *types.MetricsSample) {
	f.mu.Lock()
	defer f.mu.Unlock()

	elapsed := f.clock.Now().Sub(f.windowStart).Seconds()
	if elapsed > 0 && f.requests > 0 {
		s.RequestRate = float64(f.requests) / elapsed
		s.ErrorRatePercent = float64(f.errors) / float64(f.requests) * 100
		s.ResponseTimeMs = float64(f.totalLatency.Milliseconds()) / float64(f.requests)
	}
	if f.cacheLookups > 0 {
		s.CacheHitRatePercent = float64(f.cacheHits) / float64(f.cacheLookups) * 100
	}
	s.QueueDepth = float64(f.queueDepth)
	s.ActiveConnections = float64(f.activeConns)
	s.DependencyConnections = float64(f.dependencyConns)
}
