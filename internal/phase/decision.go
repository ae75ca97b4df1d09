package phase

import (
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

// Decision is the admission verdict for a single request.
type Decision struct {
	Allowed    bool                 `json:"allowed"`
	Phase      types.Phase          `json:"phase"`
	Action     types.ThrottleAction `json:"action"`
	Factor     float64              `json:"factor"`
	Delay      time.Duration        `json:"delay"`
	RetryAfter time.Duration        `json:"retry_after,omitempty"`
	Reasons    []string             `json:"reasons"`
}

// Delay shaping constants. Base delays are scaled by the current throttling
// factor and adjusted per request before the jitter is applied.
const (
	warnJitterMax      = 100 * time.Millisecond
	limitBaseDelay     = time.Second
	throttleBaseDelay  = 5 * time.Second
	blockAdmitDelay    = time.Second
	throttleJitterSpan = 0.4 // +-20% around the computed delay

	// expensiveCostThreshold marks a request as expensive for the
	// secondary delay adjustment.
	expensiveCostThreshold = 10.0

	// predictivePenalty multiplies the delay when the forecaster reports
	// an unstable, spike-prone trend.
	predictivePenalty = 1.25
)

// CheckThrottling decides admission for a request under the current phase.
// Any internal panic during computation fails open: the request is allowed
// with a minimal delay, because availability wins over strict enforcement
// when the controller itself is unhealthy.
func (c *Controller) CheckThrottling(meta types.RequestMetadata) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Throttling decision panicked, failing open", zap.Any("error", r))
			d = Decision{
				Allowed: true,
				Phase:   types.PhaseNormal,
				Action:  types.ActionNone,
				Factor:  1.0,
				Delay:   10 * time.Millisecond,
				Reasons: []string{"fail_open"},
			}
		}
	}()

	c.mu.Lock()
	phase, action, factor := c.current, c.action, c.factor
	dwell := c.minDwellFor(phase)
	jitter := c.rng.Float64()
	c.mu.Unlock()

	d = Decision{
		Allowed: true,
		Phase:   phase,
		Action:  action,
		Factor:  factor,
	}

	switch action {
	case types.ActionBlock:
		c.decideBlock(&d, meta, dwell)
	case types.ActionThrottle:
		c.decideThrottle(&d, meta, jitter)
	case types.ActionLimit:
		d.Delay = time.Duration(float64(limitBaseDelay) * (1 - factor))
		d.Delay = adjustDelay(d.Delay, meta)
		d.Reasons = append(d.Reasons, "limit_delay")
	case types.ActionWarn:
		d.Delay = time.Duration(jitter * float64(warnJitterMax))
		d.Reasons = append(d.Reasons, "warn_jitter")
	default:
		d.Reasons = append(d.Reasons, "phase_normal")
	}

	if d.Allowed && d.Delay > 0 && c.trendUnstable() {
		d.Delay = time.Duration(float64(d.Delay) * predictivePenalty)
		d.Reasons = append(d.Reasons, "predictive_penalty")
	}

	c.recordDecision(&d)
	return d
}

// decideBlock handles the emergency phase: only high-priority or
// premium/internal callers are admitted, with an added delay; everyone else
// is rejected with a retry-after hint derived from the phase dwell.
func (c *Controller) decideBlock(d *Decision, meta types.RequestMetadata, dwell time.Duration) {
	privileged := meta.Priority <= types.PriorityHigh ||
		meta.UserTier == types.TierPremium || meta.UserTier == types.TierInternal

	if !privileged {
		d.Allowed = false
		d.RetryAfter = dwell
		d.Reasons = append(d.Reasons, "emergency_block")
		return
	}

	d.Delay = adjustDelay(blockAdmitDelay, meta)
	d.Reasons = append(d.Reasons, "emergency_admit_privileged")
}

// decideThrottle handles the critical phase: a jittered factor-derived delay,
// with outright rejection instead of pathological waits for low-priority and
// free-tier callers.
func (c *Controller) decideThrottle(d *Decision, meta types.RequestMetadata, jitter float64) {
	base := time.Duration(float64(throttleBaseDelay) * (1 - d.Factor))
	spread := 1 + (jitter-0.5)*throttleJitterSpan
	delay := adjustDelay(time.Duration(float64(base)*spread), meta)

	if delay > c.maxDelay {
		if meta.Priority >= types.PriorityLow || meta.UserTier == types.TierFree {
			d.Allowed = false
			d.RetryAfter = c.maxDelay
			d.Reasons = append(d.Reasons, "throttle_reject_excessive_delay")
			return
		}
		delay = c.maxDelay
	}

	d.Delay = delay
	d.Reasons = append(d.Reasons, "throttle_delay")
}

// adjustDelay applies the secondary per-request adjustment: premium and
// high-priority callers wait less, low-priority, free-tier and expensive
// requests wait longer.
func adjustDelay(delay time.Duration, meta types.RequestMetadata) time.Duration {
	m := 1.0
	switch meta.Priority {
	case types.PriorityCritical:
		m *= 0.5
	case types.PriorityHigh:
		m *= 0.7
	case types.PriorityLow:
		m *= 1.3
	case types.PriorityBackground:
		m *= 1.5
	}
	switch meta.UserTier {
	case types.TierInternal:
		m *= 0.5
	case types.TierPremium:
		m *= 0.6
	case types.TierFree:
		m *= 1.4
	}
	if meta.EstimatedCost > expensiveCostThreshold {
		m *= 1.2
	}
	return time.Duration(float64(delay) * m)
}

// trendUnstable consults the forecaster: a fresh prediction with high spike
// probability marks the trend unstable.
func (c *Controller) trendUnstable() bool {
	if c.predictor == nil {
		return false
	}
	p, ok := c.predictor.Predict()
	if !ok || p.Expired(c.clock.Now()) {
		return false
	}
	return p.SpikeProbability > 0.5 && p.SpikeMagnitude > 1.2
}

// recordDecision updates the running admission statistics.
func (c *Controller) recordDecision(d *Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !d.Allowed {
		c.stats.Rejected++
		if d.Action == types.ActionBlock {
			c.stats.Blocked++
		} else {
			c.stats.Throttled++
		}
		return
	}
	c.stats.Allowed++
	switch d.Action {
	case types.ActionWarn:
		c.stats.Warned++
	case types.ActionThrottle, types.ActionLimit:
		c.stats.Throttled++
	}
}
