// Package prometheus exposes the control loop's state as Prometheus
// metrics.
package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Exporter holds the metric families describing the control loop. Update
// is called from the evaluation tick with fresh readings; collection is
// lock-free on the Prometheus side.
type Exporter struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	phase            prometheus.Gauge
	throttleFactor   prometheus.Gauge
	overloadLevel    prometheus.Gauge
	sampleGauges     *prometheus.GaugeVec
	decisions        *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	queueInFlight    prometheus.Gauge
	queueOutcomes    *prometheus.CounterVec
	allocation       *prometheus.GaugeVec
	predictedRate    prometheus.Gauge
	spikeProbability prometheus.Gauge
	confidence       prometheus.Gauge
}

// NewExporter creates the exporter with its own registry so test instances
// never collide.
func NewExporter(logger *zap.Logger) *Exporter {
	e := &Exporter{
		logger:   logger,
		registry: prometheus.NewRegistry(),

		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overload_phase",
			Help: "Current phase as ordinal severity (0=normal .. 4=emergency)",
		}),
		throttleFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overload_throttle_factor",
			Help: "Current throttling factor in [0,1], 1 means unthrottled",
		}),
		overloadLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overload_level",
			Help: "Current allocator overload level (0=none .. 4=critical)",
		}),
		sampleGauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "overload_metric",
			Help: "Latest metrics sample values by metric name",
		}, []string{"name"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overload_decisions_total",
			Help: "Admission decisions by outcome",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "overload_queue_depth",
			Help: "Queued requests by priority lane",
		}, []string{"lane"}),
		queueInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overload_queue_in_flight",
			Help: "Requests currently being processed",
		}),
		queueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "overload_queue_outcomes_total",
			Help: "Settled requests by outcome",
		}, []string{"outcome"}),
		allocation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "overload_service_allocation_percent",
			Help: "Allocated capacity percentage by service",
		}, []string{"service", "tier"}),
		predictedRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overload_predicted_request_rate",
			Help: "Forecasted request rate for the prediction horizon",
		}),
		spikeProbability: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overload_spike_probability",
			Help: "Probability of a traffic spike within the horizon",
		}),
		confidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "overload_prediction_confidence",
			Help: "Confidence of the latest prediction in [0,1]",
		}),
	}

	e.registry.MustRegister(
		e.phase, e.throttleFactor, e.overloadLevel, e.sampleGauges,
		e.decisions, e.queueDepth, e.queueInFlight, e.queueOutcomes,
		e.allocation, e.predictedRate, e.spikeProbability, e.confidence,
	)
	return e
}

// Handler returns the scrape handler for this exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// SetPhase records the current phase and throttling factor.
func (e *Exporter) SetPhase(ordinal int, factor float64) {
	e.phase.Set(float64(ordinal))
	e.throttleFactor.Set(factor)
}

// SetOverloadLevel records the allocator's current level.
func (e *Exporter) SetOverloadLevel(ordinal int) {
	e.overloadLevel.Set(float64(ordinal))
}

// SetSampleValue records one metric from the latest sample.
func (e *Exporter) SetSampleValue(name string, value float64) {
	e.sampleGauges.WithLabelValues(name).Set(value)
}

// CountDecision increments the decision counter for an outcome.
func (e *Exporter) CountDecision(outcome string) {
	e.decisions.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the depth of one priority lane.
func (e *Exporter) SetQueueDepth(lane string, depth int) {
	e.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetInFlight records the number of in-flight requests.
func (e *Exporter) SetInFlight(n int) {
	e.queueInFlight.Set(float64(n))
}

// CountQueueOutcome increments the settled-request counter.
func (e *Exporter) CountQueueOutcome(outcome string, delta uint64) {
	e.queueOutcomes.WithLabelValues(outcome).Add(float64(delta))
}

// SetAllocation records one service's allocated capacity.
func (e *Exporter) SetAllocation(service, tier string, percent float64) {
	e.allocation.WithLabelValues(service, tier).Set(percent)
}

// SetPrediction records the latest forecast.
func (e *Exporter) SetPrediction(rate, confidence, spikeProbability float64) {
	e.predictedRate.Set(rate)
	e.confidence.Set(confidence)
	e.spikeProbability.Set(spikeProbability)
}
