// Package forecast implements the traffic forecaster, the leaf component of
// the overload-control loop.
//
// The forecaster ingests periodic traffic samples into a bounded history,
// detects recurring hourly/daily/weekly load patterns on a slow cadence, and
// produces near-term load predictions by combining three independent
// estimators as a fixed-weight ensemble:
//
//  1. Linear trend extrapolation using a least-squares slope over the most
//     recent window
//  2. Exponential smoothing with a fixed decay factor
//  3. A pattern-matched estimate from detected periodic patterns that match
//     the current hour/day
//
// Prediction confidence is derived from inter-model variance: when the three
// estimators agree, confidence is high. Spike probability is a bounded sum of
// contributions from the predicted/current ratio, recent trend, matching
// pattern confidence and current stress indicators, clamped to [0,1].
//
// The forecaster proposes preparation actions when a spike looks likely but
// never executes them; execution belongs to its consumers.
package forecast

import (
	"math"
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/config"
	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

// PrepAction is a recommended preparation step ahead of a predicted spike.
type PrepAction string

const (
	PrepWarmCache     PrepAction = "warm_cache"
	PrepScaleQuota    PrepAction = "scale_quota"
	PrepEnableDegrade PrepAction = "enable_degrade"
	PrepAlert         PrepAction = "alert_operators"
)

// PatternType classifies the periodicity of a detected traffic pattern.
type PatternType string

const (
	PatternHourly PatternType = "hourly"
	PatternDaily  PatternType = "daily"
	PatternWeekly PatternType = "weekly"
)

// TrafficPattern is a recurring deviation of a time bucket from the global
// mean request rate. Patterns are derived data: each detection pass fully
// replaces the previous set.
type TrafficPattern struct {
	Type       PatternType `json:"type"`
	Bucket     int         `json:"bucket"`
	Multiplier float64     `json:"multiplier"`
	Confidence float64     `json:"confidence"`
	Samples    int         `json:"samples"`
}

// Matches reports whether the pattern applies at the given time.
func (p TrafficPattern) Matches(t time.Time) bool {
	switch p.Type {
	case PatternHourly:
		return t.Hour() == p.Bucket
	case PatternDaily:
		return int(t.Weekday()) == p.Bucket
	case PatternWeekly:
		weekend := 0
		if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
			weekend = 1
		}
		return weekend == p.Bucket
	default:
		return false
	}
}

// Prediction is a short-lived load forecast. It expires after its horizon;
// consumers must check Expired before acting on it.
type Prediction struct {
	PredictedRate      float64       `json:"predicted_rate"`
	Confidence         float64       `json:"confidence"`
	Horizon            time.Duration `json:"horizon"`
	GeneratedAt        time.Time     `json:"generated_at"`
	SpikeProbability   float64       `json:"spike_probability"`
	SpikeMagnitude     float64       `json:"spike_magnitude"`
	Factors            []string      `json:"factors"`
	RecommendedActions []PrepAction  `json:"recommended_actions,omitempty"`
}

// Expired reports whether the prediction has outlived its horizon.
func (p *Prediction) Expired(now time.Time) bool {
	return now.After(p.GeneratedAt.Add(p.Horizon))
}

// Forecaster maintains bounded traffic history and produces predictions.
// RecordSample and Predict are safe for concurrent use, though in the
// production wiring both are called from control-loop ticks only.
type Forecaster struct {
	cfg    config.ForecasterConfig
	clock  types.Clock
	logger *zap.Logger

	mu       sync.RWMutex
	history  []types.MetricsSample // ring buffer
	count    int                   // total samples ever recorded
	smoothed float64               // exponential smoothing state
	patterns []TrafficPattern
}

// New creates a forecaster with the given configuration.
func New(cfg config.ForecasterConfig, clock types.Clock, logger *zap.Logger) *Forecaster {
	return &Forecaster{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		history: make([]types.MetricsSample, 0, cfg.MaxHistory),
	}
}

// RecordSample appends a sample to the bounded history. Oldest samples are
// evicted first once the cap is reached. No side effects beyond bookkeeping.
func (f *Forecaster) RecordSample(sample types.MetricsSample) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.history) < f.cfg.MaxHistory {
		f.history = append(f.history, sample)
	} else {
		f.history[f.count%f.cfg.MaxHistory] = sample
	}

	if f.count == 0 {
		f.smoothed = sample.RequestRate
	} else {
		alpha := f.cfg.SmoothingFactor
		f.smoothed = alpha*sample.RequestRate + (1-alpha)*f.smoothed
	}
	f.count++
}

// SampleCount returns the total number of samples recorded.
func (f *Forecaster) SampleCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}

// Predict produces a near-term load prediction. The second return is false
// while the history is below the minimum sample count; insufficient data is
// not an error.
func (f *Forecaster) Predict() (*Prediction, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.count < f.cfg.MinSamples {
		return nil, false
	}

	now := f.clock.Now()
	recent := f.recentLocked(f.cfg.TrendWindow)
	current := recent[len(recent)-1].RequestRate

	trendEst, slope := f.trendEstimate(recent)
	smoothEst := f.smoothed
	patternEst, pattern := f.patternEstimate(current, now)

	// Fixed-weight ensemble; when no pattern matches the current time the
	// pattern weight is folded into the smoothing term.
	var predicted float64
	estimates := []float64{trendEst, smoothEst}
	factors := []string{"linear_trend", "exponential_smoothing"}
	if pattern != nil {
		predicted = 0.3*trendEst + 0.4*smoothEst + 0.3*patternEst
		estimates = append(estimates, patternEst)
		factors = append(factors, "pattern_"+string(pattern.Type))
	} else {
		predicted = 0.45*trendEst + 0.55*smoothEst
	}
	if predicted < 0 {
		predicted = 0
	}

	confidence := f.ensembleConfidence(estimates)
	spikeProb, spikeMag := f.spikeScore(predicted, current, slope, pattern, recent[len(recent)-1])

	p := &Prediction{
		PredictedRate:    predicted,
		Confidence:       confidence,
		Horizon:          f.cfg.Horizon,
		GeneratedAt:      now,
		SpikeProbability: spikeProb,
		SpikeMagnitude:   spikeMag,
		Factors:          factors,
	}

	if spikeProb >= f.cfg.SpikeProbability && spikeMag >= f.cfg.SpikeMagnitude {
		p.RecommendedActions = []PrepAction{PrepWarmCache, PrepScaleQuota, PrepEnableDegrade, PrepAlert}
	}

	return p, true
}

// Patterns returns the currently detected traffic patterns.
func (f *Forecaster) Patterns() []TrafficPattern {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]TrafficPattern, len(f.patterns))
	copy(out, f.patterns)
	return out
}

// recentLocked returns up to n most recent samples in chronological order.
func (f *Forecaster) recentLocked(n int) []types.MetricsSample {
	size := len(f.history)
	if n > size {
		n = size
	}
	out := make([]types.MetricsSample, 0, n)
	if size < f.cfg.MaxHistory {
		// Buffer not wrapped yet.
		return append(out, f.history[size-n:]...)
	}
	start := f.count % f.cfg.MaxHistory // index of oldest entry
	for i := size - n; i < size; i++ {
		out = append(out, f.history[(start+i)%size])
	}
	return out
}

// trendEstimate extrapolates one step ahead with a least-squares slope over
// the window. Returns the estimate and the raw slope.
func (f *Forecaster) trendEstimate(window []types.MetricsSample) (float64, float64) {
	n := float64(len(window))
	if n < 2 {
		return window[len(window)-1].RequestRate, 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, s := range window {
		x := float64(i)
		y := s.RequestRate
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return window[len(window)-1].RequestRate, 0
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n

	return intercept + slope*n, slope
}

// patternEstimate scales the current rate by the strongest pattern matching
// the current wall-clock bucket. Returns nil when nothing matches.
func (f *Forecaster) patternEstimate(current float64, now time.Time) (float64, *TrafficPattern) {
	var best *TrafficPattern
	for i := range f.patterns {
		p := &f.patterns[i]
		if !p.Matches(now) {
			continue
		}
		if best == nil || p.Confidence > best.Confidence {
			best = p
		}
	}
	if best == nil {
		return 0, nil
	}
	return current * best.Multiplier, best
}

// ensembleConfidence converts inter-model variance into a confidence score:
// low variance between independent estimators means high confidence.
func (f *Forecaster) ensembleConfidence(estimates []float64) float64 {
	var sum float64
	for _, e := range estimates {
		sum += e
	}
	mean := sum / float64(len(estimates))
	if mean <= 0 {
		return 0
	}

	var variance float64
	for _, e := range estimates {
		variance += (e - mean) * (e - mean)
	}
	variance /= float64(len(estimates))

	// Coefficient of variation mapped onto [0,1].
	cv := math.Sqrt(variance) / mean
	confidence := 1.0 - cv
	if confidence < 0 {
		confidence = 0
	}

	// Discount while the history is still short.
	fill := float64(f.count) / float64(f.cfg.MinSamples*4)
	if fill < 1 {
		confidence *= 0.5 + 0.5*fill
	}
	return confidence
}

// Per-contribution caps for the spike score. Each signal contributes a
// bounded amount so no single noisy input can saturate the probability.
const (
	ratioContributionCap   = 0.35
	trendContributionCap   = 0.25
	patternContributionCap = 0.20
	stressContribution     = 0.20
)

// spikeScore computes spike probability and magnitude from the prediction,
// the recent trend, matching pattern confidence and current stress.
func (f *Forecaster) spikeScore(predicted, current, slope float64, pattern *TrafficPattern, latest types.MetricsSample) (float64, float64) {
	if current <= 0 {
		return 0, 0
	}
	magnitude := predicted / current

	var prob float64

	if magnitude > 1 {
		prob += math.Min((magnitude-1)*0.5, ratioContributionCap)
	}

	if slope > 0 {
		prob += math.Min(slope/current*float64(f.cfg.TrendWindow), trendContributionCap)
	}

	if pattern != nil && pattern.Multiplier > 1 {
		prob += math.Min(pattern.Confidence*(pattern.Multiplier-1), patternContributionCap)
	}

	// Elevated error rate or latency signals the system is already
	// stressed, which makes a spike more dangerous and more likely to
	// cascade.
	if latest.ErrorRatePercent > 5 || latest.ResponseTimeMs > 2000 {
		prob += stressContribution
	}

	if prob > 1 {
		prob = 1
	}
	return prob, magnitude
}
