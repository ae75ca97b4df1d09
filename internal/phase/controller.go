// Package phase implements the 5-level throttling state machine that drives
// the global degradation posture.
//
// The controller evaluates system metrics on a fixed tick against an ordered
// ladder of thresholds (warning, caution, critical, emergency; normal is
// implicit). Escalation advances one severity level per cooldown window
// toward the most severe matching threshold. Recovery requires the current
// phase's minimum dwell to elapse and metrics to fall below a
// recovery-discounted version of the thresholds, which makes recovery
// stricter than escalation and prevents phase oscillation.
//
// The controller is the only writer of the current phase. Peers read
// immutable-until-next-tick snapshots through Status and CurrentPhase, and a
// serialized snapshot is written to the shared cache for cross-process
// visibility.
package phase

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/cache"
	"github.com/cboxdk/overload-manager/internal/config"
	"github.com/cboxdk/overload-manager/internal/forecast"
	"github.com/cboxdk/overload-manager/internal/telemetry"
	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

// Threshold is a compiled severity rung of the throttling ladder.
type Threshold struct {
	Phase           types.Phase
	Action          types.ThrottleAction
	Conditions      map[string]float64
	Factor          float64
	MinDwell        time.Duration
	EscalationDelay time.Duration
}

// Predictor is the forecaster surface the controller consumes. Predictions
// are advisory: an unstable predicted trend adds a delay penalty but never
// changes the phase on its own.
type Predictor interface {
	Predict() (*forecast.Prediction, bool)
}

// Stats tracks admission decision counts since startup.
type Stats struct {
	Allowed   uint64 `json:"allowed"`
	Warned    uint64 `json:"warned"`
	Throttled uint64 `json:"throttled"`
	Blocked   uint64 `json:"blocked"`
	Rejected  uint64 `json:"rejected"`
}

// Status is a point-in-time snapshot of the controller state.
type Status struct {
	Phase          types.Phase          `json:"phase"`
	Action         types.ThrottleAction `json:"action"`
	Factor         float64              `json:"factor"`
	LastTransition time.Time            `json:"last_transition"`
	Stats          Stats                `json:"stats"`
}

// snapshot is the serialized form written to the shared cache.
type snapshot struct {
	Phase     string    `json:"phase"`
	Action    string    `json:"action"`
	Factor    float64   `json:"factor"`
	Timestamp time.Time `json:"timestamp"`
}

// Controller owns the phase state machine.
type Controller struct {
	thresholds  []Threshold // sorted most to least severe
	recovery    float64
	maxDelay    time.Duration
	snapshotTTL time.Duration

	provider  types.MetricsProvider
	cache     types.Cache
	predictor Predictor
	emitter   *telemetry.EventEmitter
	clock     types.Clock
	logger    *zap.Logger
	rng       *rand.Rand

	mu             sync.RWMutex
	current        types.Phase
	action         types.ThrottleAction
	factor         float64
	lastTransition time.Time
	stats          Stats
}

// NewController compiles the threshold ladder and returns a controller in
// the normal phase. The predictor and emitter may be nil.
func NewController(
	cfg config.ThrottlingConfig,
	snapshotTTL time.Duration,
	provider types.MetricsProvider,
	kv types.Cache,
	predictor Predictor,
	emitter *telemetry.EventEmitter,
	clock types.Clock,
	logger *zap.Logger,
) *Controller {
	sorted := (&config.Config{Throttling: cfg}).SortedThresholds()
	thresholds := make([]Threshold, 0, len(sorted))
	for _, t := range sorted {
		p, _ := types.ParsePhase(t.Phase)
		thresholds = append(thresholds, Threshold{
			Phase:           p,
			Action:          types.ThrottleAction(t.Action),
			Conditions:      t.Conditions,
			Factor:          t.Factor,
			MinDwell:        t.MinDwell,
			EscalationDelay: t.EscalationDelay,
		})
	}

	return &Controller{
		thresholds:     thresholds,
		recovery:       cfg.RecoveryFactor,
		maxDelay:       cfg.MaxThrottleDelay,
		snapshotTTL:    snapshotTTL,
		provider:       provider,
		cache:          kv,
		predictor:      predictor,
		emitter:        emitter,
		clock:          clock,
		logger:         logger,
		rng:            rand.New(rand.NewSource(clock.Now().UnixNano())),
		current:        types.PhaseNormal,
		action:         types.ActionNone,
		factor:         1.0,
		lastTransition: clock.Now(),
	}
}

// Evaluate runs one tick of the state machine: pull metrics, escalate or
// recover, and publish the snapshot. Metric retrieval failures fail open:
// the phase is left unchanged and the tick is skipped.
func (c *Controller) Evaluate(ctx context.Context) {
	sample, err := c.provider.Sample(ctx)
	if err != nil {
		c.logger.Warn("Metrics retrieval failed, keeping current phase", zap.Error(err))
		return
	}
	c.EvaluateSample(ctx, sample)
}

// EvaluateSample runs one tick against an already retrieved sample.
func (c *Controller) EvaluateSample(ctx context.Context, sample types.MetricsSample) {
	c.mu.Lock()
	now := c.clock.Now()
	matched := c.mostSevereMatch(sample, 1.0)

	var transitioned bool
	var from, to types.Phase
	var reason string

	if matched != nil && matched.Phase > c.current {
		// Escalate one level per cooldown window toward the matched
		// severity. Levels are never skipped in a single tick.
		cooldown := c.escalationDelayFor(c.current)
		if now.Sub(c.lastTransition) >= cooldown {
			from, to = c.current, c.current+1
			c.applyPhaseLocked(to, now)
			transitioned = true
			reason = "escalation"
		}
	} else if matched == nil && c.current > types.PhaseNormal {
		transitioned, from, to = c.tryRecoverLocked(sample, now)
		reason = "recovery"
	}

	phase, action, factor := c.current, c.action, c.factor
	c.mu.Unlock()

	if transitioned {
		c.logger.Info("Phase transition",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
			zap.String("action", string(action)),
			zap.Float64("factor", factor),
			zap.String("reason", reason))
		if c.emitter != nil {
			c.emitter.EmitPhaseChanged(ctx, telemetry.PhaseChangedDetails{
				From:   from.String(),
				To:     to.String(),
				Action: string(action),
				Factor: factor,
				Reason: reason,
			})
		}
	}

	c.writeSnapshot(ctx, phase, action, factor)
}

// mostSevereMatch returns the most severe threshold matching the sample, or
// nil. scale discounts condition values for recovery checks.
func (c *Controller) mostSevereMatch(sample types.MetricsSample, scale float64) *Threshold {
	for i := range c.thresholds {
		t := &c.thresholds[i]
		if thresholdMatches(sample, t.Conditions, scale) {
			return t
		}
	}
	return nil
}

// thresholdMatches reports whether at least half of the conditions are met.
// cache_hit_rate_percent is inverted: the condition is met when the sample
// falls below the configured value, and recovery scaling tightens it upward.
func thresholdMatches(sample types.MetricsSample, conditions map[string]float64, scale float64) bool {
	if len(conditions) == 0 {
		return false
	}
	met := 0
	for name, value := range conditions {
		actual, ok := sample.Value(name)
		if !ok {
			continue
		}
		if name == types.MetricCacheHitRate {
			limit := value
			if scale != 1.0 && scale > 0 {
				limit = value / scale
			}
			if actual < limit {
				met++
			}
		} else if actual >= value*scale {
			met++
		}
	}
	return float64(met) >= float64(len(conditions))/2.0
}

// tryRecoverLocked attempts recovery after dwell. Recovery conditions are the
// escalation conditions scaled by the recovery factor, so metrics must fall
// well below the original trigger before the phase steps down (hysteresis).
func (c *Controller) tryRecoverLocked(sample types.MetricsSample, now time.Time) (bool, types.Phase, types.Phase) {
	dwell := c.minDwellFor(c.current)
	if now.Sub(c.lastTransition) < dwell {
		return false, 0, 0
	}

	// Adopt the most severe phase whose recovery-discounted conditions
	// still match; normal when everything is clear.
	target := types.PhaseNormal
	if m := c.mostSevereMatch(sample, c.recovery); m != nil {
		target = m.Phase
	}
	if target >= c.current {
		return false, 0, 0
	}

	from := c.current
	c.applyPhaseLocked(target, now)
	return true, from, target
}

// applyPhaseLocked installs a new phase with its action and factor.
func (c *Controller) applyPhaseLocked(p types.Phase, now time.Time) {
	c.current = p
	c.lastTransition = now
	if t := c.thresholdFor(p); t != nil {
		c.action = t.Action
		c.factor = t.Factor
	} else {
		c.action = types.ActionNone
		c.factor = 1.0
	}
}

func (c *Controller) thresholdFor(p types.Phase) *Threshold {
	for i := range c.thresholds {
		if c.thresholds[i].Phase == p {
			return &c.thresholds[i]
		}
	}
	return nil
}

// escalationDelayFor returns the cooldown gating escalation out of the given
// phase. Leaving normal uses the least severe configured delay.
func (c *Controller) escalationDelayFor(p types.Phase) time.Duration {
	if t := c.thresholdFor(p); t != nil {
		return t.EscalationDelay
	}
	if len(c.thresholds) > 0 {
		return c.thresholds[len(c.thresholds)-1].EscalationDelay
	}
	return 0
}

// minDwellFor returns the minimum dwell of the given phase; normal has none.
func (c *Controller) minDwellFor(p types.Phase) time.Duration {
	if t := c.thresholdFor(p); t != nil {
		return t.MinDwell
	}
	return 0
}

// writeSnapshot publishes the serialized phase state to the shared cache.
// Failures are logged and ignored; visibility is best effort.
func (c *Controller) writeSnapshot(ctx context.Context, p types.Phase, a types.ThrottleAction, f float64) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(snapshot{
		Phase:     p.String(),
		Action:    string(a),
		Factor:    f,
		Timestamp: c.clock.Now(),
	})
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, cache.KeyPhaseSnapshot, string(data), c.snapshotTTL); err != nil {
		c.logger.Debug("Failed to write phase snapshot", zap.Error(err))
	}
}

// CurrentPhase returns the current phase.
func (c *Controller) CurrentPhase() types.Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// GetStatus returns a snapshot of phase, action, factor and stats.
func (c *Controller) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Phase:          c.current,
		Action:         c.action,
		Factor:         c.factor,
		LastTransition: c.lastTransition,
		Stats:          c.stats,
	}
}

// ForcePhase is an operational override that installs the given phase
// immediately, bypassing cooldown and dwell. Intended for incident response.
func (c *Controller) ForcePhase(ctx context.Context, p types.Phase, reason string) {
	c.mu.Lock()
	from := c.current
	c.applyPhaseLocked(p, c.clock.Now())
	action, factor := c.action, c.factor
	c.mu.Unlock()

	c.logger.Warn("Phase forced",
		zap.String("from", from.String()),
		zap.String("to", p.String()),
		zap.String("reason", reason))
	if c.emitter != nil {
		c.emitter.EmitPhaseChanged(ctx, telemetry.PhaseChangedDetails{
			From:   from.String(),
			To:     p.String(),
			Action: string(action),
			Factor: factor,
			Reason: "forced: " + reason,
		})
	}
	c.writeSnapshot(ctx, p, action, factor)
}
