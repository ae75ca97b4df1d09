// Package allocator redistributes a fixed capacity budget across registered
// logical services by business priority when the system is overloaded.
//
// Each service carries a priority score blended from its tier weight,
// business impact and SLA tightness. On every overload-level change the
// allocator recomputes per-service allocation percentages using
// tier-dependent reduction multipliers: optional services are cut hardest
// and first, critical services are never reduced. Allocation diffs produce
// discrete mitigation actions (throttle, degrade, disable, prioritize)
// which are flagged idempotently in the shared cache so that the serving
// layer and external processes can honor them. Recovery rolls applied
// actions back most aggressive first once metrics sustain below a
// recovery-discounted threshold for a cooldown period.
//
// The allocator's overload ladder mirrors the phase controller's threshold
// structure but is evaluated independently from the same metrics and
// expressed as capacity budgets rather than admission policy.
package allocator

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/config"
	"github.com/cboxdk/overload-manager/internal/telemetry"
	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

// Tier weights for priority scoring.
var tierWeights = map[types.ServiceTier]float64{
	types.ServiceTierCritical:  100,
	types.ServiceTierEssential: 80,
	types.ServiceTierImportant: 60,
	types.ServiceTierStandard:  40,
	types.ServiceTierOptional:  20,
}

// reductionMultipliers maps overload level to per-tier allocation
// multipliers. Critical services are never reduced; optional services are
// cut hardest and reach zero at the severe level.
var reductionMultipliers = map[types.OverloadLevel]map[types.ServiceTier]float64{
	types.LevelNone: {
		types.ServiceTierCritical:  1.0,
		types.ServiceTierEssential: 1.0,
		types.ServiceTierImportant: 1.0,
		types.ServiceTierStandard:  1.0,
		types.ServiceTierOptional:  1.0,
	},
	types.LevelLow: {
		types.ServiceTierCritical:  1.0,
		types.ServiceTierEssential: 1.0,
		types.ServiceTierImportant: 0.95,
		types.ServiceTierStandard:  0.9,
		types.ServiceTierOptional:  0.8,
	},
	types.LevelModerate: {
		types.ServiceTierCritical:  1.0,
		types.ServiceTierEssential: 0.95,
		types.ServiceTierImportant: 0.85,
		types.ServiceTierStandard:  0.7,
		types.ServiceTierOptional:  0.5,
	},
	types.LevelSevere: {
		types.ServiceTierCritical:  1.0,
		types.ServiceTierEssential: 0.85,
		types.ServiceTierImportant: 0.65,
		types.ServiceTierStandard:  0.45,
		types.ServiceTierOptional:  0.0,
	},
	types.LevelCritical: {
		types.ServiceTierCritical:  1.0,
		types.ServiceTierEssential: 0.7,
		types.ServiceTierImportant: 0.45,
		types.ServiceTierStandard:  0.25,
		types.ServiceTierOptional:  0.0,
	},
}

// Service is a registered logical service with its compiled priority score.
// Definitions are registered once at startup and immutable thereafter.
type Service struct {
	Name      string
	Tier      types.ServiceTier
	Endpoints []string
	Weights   config.ResourceWeights
	SLA       config.SLAConfig
	Impact    config.BusinessImpact
	Overload  config.OverloadCapability

	PriorityScore float64
}

// Allocation is the per-service capacity assignment, owned exclusively by
// the allocator and recomputed on every overload-level change.
type Allocation struct {
	Service          string          `json:"service"`
	Tier             types.ServiceTier `json:"tier"`
	BaselinePercent  float64         `json:"baseline_percent"`
	AllocatedPercent float64         `json:"allocated_percent"`
	CurrentUsage     float64         `json:"current_usage"`
	PriorityScore    float64         `json:"priority_score"`
	Actions          []AppliedAction `json:"actions,omitempty"`
}

// Priority is the per-endpoint lookup result consumed by the scheduler and
// the serving layer.
type Priority struct {
	Service        string            `json:"service"`
	Tier           types.ServiceTier `json:"tier"`
	Score          float64           `json:"score"`
	ShouldThrottle bool              `json:"should_throttle"`
	ShouldDegrade  bool              `json:"should_degrade"`
}

// Response summarizes one overload-handling cycle.
type Response struct {
	Level           types.OverloadLevel   `json:"level"`
	Triggers        []string              `json:"triggers,omitempty"`
	Allocations     map[string]Allocation `json:"allocations"`
	ActionsExecuted []AppliedAction       `json:"actions_executed"`
}

// level is a compiled rung of the overload ladder.
type level struct {
	Level           types.OverloadLevel
	Conditions      map[string]float64
	CapacityPercent float64
}

// Allocator owns the priority-weighted capacity model.
type Allocator struct {
	cfg     config.AllocatorConfig
	flagTTL time.Duration
	cache   types.Cache
	emitter *telemetry.EventEmitter
	clock   types.Clock
	logger  *zap.Logger

	levels []level // sorted most to least severe

	mu          sync.RWMutex
	services    map[string]*Service
	ordered     []*Service // sorted by priority score descending
	allocations map[string]*Allocation
	current     types.OverloadLevel
	applied     []AppliedAction
	belowSince  time.Time
}

// New creates an allocator with the compiled overload ladder. The emitter
// may be nil.
func New(cfg config.AllocatorConfig, flagTTL time.Duration, kv types.Cache, emitter *telemetry.EventEmitter, clock types.Clock, logger *zap.Logger) *Allocator {
	levels := make([]level, 0, len(cfg.Levels))
	for _, l := range cfg.Levels {
		lv := parseLevel(l.Level)
		levels = append(levels, level{
			Level:           lv,
			Conditions:      l.Conditions,
			CapacityPercent: l.CapacityPercent,
		})
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level > levels[j].Level })

	return &Allocator{
		cfg:         cfg,
		flagTTL:     flagTTL,
		cache:       kv,
		emitter:     emitter,
		clock:       clock,
		logger:      logger,
		levels:      levels,
		services:    make(map[string]*Service),
		allocations: make(map[string]*Allocation),
		current:     types.LevelNone,
	}
}

func parseLevel(s string) types.OverloadLevel {
	for l := types.LevelNone; l <= types.LevelCritical; l++ {
		if l.String() == s {
			return l
		}
	}
	return types.LevelNone
}

// RegisterService registers a logical service and computes its priority
// score. Registration happens once at startup; definitions are immutable.
func (a *Allocator) RegisterService(def config.ServiceConfig) {
	svc := &Service{
		Name:      def.Name,
		Tier:      types.ServiceTier(def.Tier),
		Endpoints: def.Endpoints,
		Weights:   def.Weights,
		SLA:       def.SLA,
		Impact:    def.Impact,
		Overload:  def.Overload,
	}
	svc.PriorityScore = priorityScore(svc)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.services[svc.Name] = svc
	a.ordered = append(a.ordered, svc)
	sort.Slice(a.ordered, func(i, j int) bool {
		return a.ordered[i].PriorityScore > a.ordered[j].PriorityScore
	})
	a.rebaselineLocked()

	a.logger.Info("Service registered",
		zap.String("service", svc.Name),
		zap.String("tier", string(svc.Tier)),
		zap.Float64("priority_score", svc.PriorityScore))
}

// priorityScore blends tier weight, aggregate business impact and an
// SLA-derived factor. Tighter latency, error and availability targets raise
// priority.
func priorityScore(s *Service) float64 {
	tier := tierWeights[s.Tier]

	impact := s.Impact.Revenue + s.Impact.UserFacing + s.Impact.Downstream
	if impact > 100 {
		impact = 100
	}

	sla := 0.0
	if s.SLA.LatencyMs > 0 {
		sla += 40 * (1000 / (1000 + s.SLA.LatencyMs))
	}
	if s.SLA.ErrorRatePercent > 0 {
		sla += 30 * (1 / (1 + s.SLA.ErrorRatePercent))
	}
	if s.SLA.AvailabilityPercent > 0 {
		sla += 30 * (s.SLA.AvailabilityPercent / 100)
	}

	return 0.5*tier + 0.3*impact + 0.2*sla
}

// rebaselineLocked recomputes baseline allocations proportional to priority
// scores, normalized so the total is exactly 100%.
func (a *Allocator) rebaselineLocked() {
	var total float64
	for _, s := range a.ordered {
		total += s.PriorityScore
	}
	if total == 0 {
		return
	}
	for _, s := range a.ordered {
		baseline := s.PriorityScore / total * 100
		alloc, ok := a.allocations[s.Name]
		if !ok {
			alloc = &Allocation{Service: s.Name, Tier: s.Tier}
			a.allocations[s.Name] = alloc
		}
		alloc.BaselinePercent = baseline
		alloc.AllocatedPercent = baseline * reductionMultipliers[a.current][s.Tier]
		alloc.PriorityScore = s.PriorityScore
	}
}

// EvaluateLevel returns the most severe overload level whose conditions the
// sample matches (at least half of the conditions met), LevelNone otherwise.
// scale discounts condition values for recovery checks.
func (a *Allocator) EvaluateLevel(sample types.MetricsSample, scale float64) types.OverloadLevel {
	for _, l := range a.levels {
		if l.Level == types.LevelNone || len(l.Conditions) == 0 {
			continue
		}
		met := 0
		for name, value := range l.Conditions {
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
		if float64(met) >= float64(len(l.Conditions))/2.0 {
			return l.Level
		}
	}
	return types.LevelNone
}

// CurrentLevel returns the allocator's current overload level.
func (a *Allocator) CurrentLevel() types.OverloadLevel {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Allocations returns a copy of the current allocation map.
func (a *Allocator) Allocations() map[string]Allocation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Allocation, len(a.allocations))
	for name, alloc := range a.allocations {
		cp := *alloc
		cp.Actions = append([]AppliedAction(nil), alloc.Actions...)
		out[name] = cp
	}
	return out
}

// GetPriority resolves an endpoint to its owning service's priority view.
// Unknown endpoints resolve to a standard-tier default so callers always
// get a usable answer.
func (a *Allocator) GetPriority(endpoint string) Priority {
	a.mu.RLock()
	defer a.mu.RUnlock()

	svc := a.matchEndpointLocked(endpoint)
	if svc == nil {
		return Priority{Tier: types.ServiceTierStandard, Score: tierWeights[types.ServiceTierStandard] * 0.5}
	}

	p := Priority{
		Service: svc.Name,
		Tier:    svc.Tier,
		Score:   svc.PriorityScore,
	}
	if alloc, ok := a.allocations[svc.Name]; ok && alloc.BaselinePercent > 0 {
		ratio := alloc.AllocatedPercent / alloc.BaselinePercent
		p.ShouldThrottle = ratio < throttleRatio && svc.Overload.CanThrottle
		p.ShouldDegrade = ratio < degradeRatio && svc.Overload.CanDegrade
	}
	return p
}

// matchEndpointLocked finds the registered service owning an endpoint.
// Patterns support a trailing * wildcard; more specific (longer) patterns
// win.
func (a *Allocator) matchEndpointLocked(endpoint string) *Service {
	var best *Service
	bestLen := -1
	for _, svc := range a.ordered {
		for _, pattern := range svc.Endpoints {
			if matchPattern(pattern, endpoint) && len(pattern) > bestLen {
				best = svc
				bestLen = len(pattern)
			}
		}
	}
	return best
}

func matchPattern(pattern, endpoint string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(endpoint, prefix)
	}
	return pattern == endpoint
}

// ObserveSample feeds the allocator the recovery-side view of the metrics:
// it tracks how long the system has sustained below the recovery-discounted
// thresholds. Called on every evaluation tick.
func (a *Allocator) ObserveSample(sample types.MetricsSample) {
	level := a.EvaluateLevel(sample, a.cfg.RecoveryFactor)

	a.mu.Lock()
	defer a.mu.Unlock()

	if level == types.LevelNone {
		if a.belowSince.IsZero() {
			a.belowSince = a.clock.Now()
		}
	} else {
		a.belowSince = time.Time{}
	}
}
