package allocator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cboxdk/overload-manager/internal/cache"
	"github.com/cboxdk/overload-manager/internal/telemetry"
	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

// ActionType identifies a mitigation applied to a service.
type ActionType string

const (
	ActionThrottle   ActionType = "throttle"
	ActionDegrade    ActionType = "degrade"
	ActionDisable    ActionType = "disable"
	ActionPrioritize ActionType = "prioritize"
)

// FallbackMode is the degradation depth for a degrade action.
type FallbackMode string

const (
	FallbackReduced       FallbackMode = "reduced"
	FallbackCacheOnly     FallbackMode = "cache_only"
	FallbackEssentialOnly FallbackMode = "essential_only"
)

// Allocation-ratio cut points for action derivation. The ratio is the
// service's new allocation over its baseline.
const (
	throttleRatio = 0.9
	degradeRatio  = 0.7
	disableRatio  = 0.3
)

// AppliedAction is one executed mitigation, retained for rollback.
type AppliedAction struct {
	Type      ActionType   `json:"type"`
	Service   string       `json:"service"`
	Mode      FallbackMode `json:"mode,omitempty"`
	Reduction float64      `json:"reduction_percent,omitempty"`
	Savings   float64      `json:"expected_savings"`
	AppliedAt time.Time    `json:"applied_at"`
}

// aggressiveness orders actions for rollback: the most aggressive
// mitigations are rolled back first.
func (t ActionType) aggressiveness() int {
	switch t {
	case ActionDisable:
		return 3
	case ActionDegrade:
		return 2
	case ActionThrottle:
		return 1
	default:
		return 0
	}
}

func flagKey(t ActionType, service string) string {
	switch t {
	case ActionThrottle:
		return cache.ThrottleFlagKey(service)
	case ActionDegrade:
		return cache.DegradeFlagKey(service)
	case ActionDisable:
		return cache.DisableFlagKey(service)
	default:
		return cache.PrioritizeFlagKey(service)
	}
}

// HandleOverload recomputes allocations for the given overload level and
// executes the resulting mitigation actions. It is safe to call repeatedly
// with the same level; already-applied actions are not re-executed.
func (a *Allocator) HandleOverload(ctx context.Context, lvl types.OverloadLevel, triggers []string) (*Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	previous := a.current
	a.current = lvl
	a.belowSince = time.Time{}

	multipliers := reductionMultipliers[lvl]
	candidates := make([]AppliedAction, 0, len(a.ordered))
	reduced := 0

	for _, svc := range a.ordered {
		alloc := a.allocations[svc.Name]
		if alloc == nil || alloc.BaselinePercent == 0 {
			continue
		}
		alloc.AllocatedPercent = alloc.BaselinePercent * multipliers[svc.Tier]
		ratio := alloc.AllocatedPercent / alloc.BaselinePercent
		if ratio < 1 {
			reduced++
		}
		candidates = append(candidates, a.deriveActionsLocked(svc, alloc, ratio, lvl)...)
	}

	// The per-cycle cap governs reduction actions only, most savings
	// first. Prioritize markers are free and always applied.
	var reductions, markers []AppliedAction
	for _, act := range candidates {
		if act.Type == ActionPrioritize {
			markers = append(markers, act)
		} else {
			reductions = append(reductions, act)
		}
	}
	sort.Slice(reductions, func(i, j int) bool {
		return reductions[i].Savings > reductions[j].Savings
	})
	if len(reductions) > a.cfg.MaxActionsPerCycle {
		reductions = reductions[:a.cfg.MaxActionsPerCycle]
	}

	executed := a.executeLocked(ctx, append(reductions, markers...))

	if err := a.cache.Set(ctx, cache.KeyOverloadLevel, lvl.String(), a.flagTTL); err != nil {
		a.logger.Warn("Failed to publish overload level", zap.Error(err))
	}

	a.logger.Warn("Overload handled",
		zap.String("level", lvl.String()),
		zap.String("previous", previous.String()),
		zap.Strings("triggers", triggers),
		zap.Int("actions_executed", len(executed)),
		zap.Int("services_reduced", reduced))

	if a.emitter != nil {
		a.emitter.EmitOverloadHandled(ctx, telemetry.OverloadDetails{
			Level:           lvl.String(),
			Triggers:        triggers,
			ActionsExecuted: len(executed),
			ServicesReduced: reduced,
		})
	}

	return a.responseLocked(lvl, triggers, executed), nil
}

// deriveActionsLocked translates an allocation ratio into the mitigations
// the service supports. Critical and essential services additionally get a
// prioritize marker so downstream layers favor them.
func (a *Allocator) deriveActionsLocked(svc *Service, alloc *Allocation, ratio float64, lvl types.OverloadLevel) []AppliedAction {
	now := a.clock.Now()
	weight := svc.Weights.CPU + svc.Weights.Memory + svc.Weights.IO
	if weight == 0 {
		weight = 1
	}
	savings := (alloc.BaselinePercent - alloc.AllocatedPercent) * weight

	var out []AppliedAction
	if ratio < throttleRatio && svc.Overload.CanThrottle {
		out = append(out, AppliedAction{
			Type:      ActionThrottle,
			Service:   svc.Name,
			Reduction: alloc.BaselinePercent - alloc.AllocatedPercent,
			Savings:   savings,
			AppliedAt: now,
		})
	}
	if ratio < degradeRatio && svc.Overload.CanDegrade {
		out = append(out, AppliedAction{
			Type:      ActionDegrade,
			Service:   svc.Name,
			Mode:      fallbackMode(svc, lvl),
			Savings:   savings * 1.2,
			AppliedAt: now,
		})
	}
	if ratio < disableRatio && svc.Overload.CanDisable {
		out = append(out, AppliedAction{
			Type:      ActionDisable,
			Service:   svc.Name,
			Savings:   alloc.BaselinePercent * weight * 1.5,
			AppliedAt: now,
		})
	}
	if svc.Tier == types.ServiceTierCritical || svc.Tier == types.ServiceTierEssential {
		out = append(out, AppliedAction{
			Type:      ActionPrioritize,
			Service:   svc.Name,
			AppliedAt: now,
		})
	}
	return out
}

// fallbackMode escalates the degradation depth with overload severity,
// never below the service's configured starting mode.
func fallbackMode(svc *Service, lvl types.OverloadLevel) FallbackMode {
	mode := FallbackMode(svc.Overload.FallbackMode)
	if mode == "" {
		mode = FallbackReduced
	}
	switch lvl {
	case types.LevelCritical:
		return FallbackEssentialOnly
	case types.LevelSevere:
		if mode == FallbackReduced {
			return FallbackCacheOnly
		}
	}
	return mode
}

// executeLocked applies actions by flagging them in the shared cache.
// Execution is idempotent per service and action type; a cache failure is
// logged and the action skipped, never fatal to the cycle.
func (a *Allocator) executeLocked(ctx context.Context, actions []AppliedAction) []AppliedAction {
	executed := make([]AppliedAction, 0, len(actions))
	for _, act := range actions {
		if a.appliedLocked(act.Type, act.Service) {
			continue
		}
		value := string(act.Type)
		if act.Type == ActionDegrade {
			value = string(act.Mode)
		}
		if err := a.cache.Set(ctx, flagKey(act.Type, act.Service), value, a.flagTTL); err != nil {
			a.logger.Error("Failed to flag action",
				zap.String("action", string(act.Type)),
				zap.String("service", act.Service),
				zap.Error(err))
			continue
		}
		a.applied = append(a.applied, act)
		executed = append(executed, act)
		if alloc := a.allocations[act.Service]; alloc != nil {
			alloc.Actions = append(alloc.Actions, act)
		}
		a.logger.Info("Mitigation applied",
			zap.String("action", string(act.Type)),
			zap.String("service", act.Service),
			zap.Float64("expected_savings", act.Savings))
	}
	return executed
}

func (a *Allocator) appliedLocked(t ActionType, service string) bool {
	for _, act := range a.applied {
		if act.Type == t && act.Service == service {
			return true
		}
	}
	return false
}

// AttemptRecovery rolls applied actions back once metrics have sustained
// below the recovery-discounted thresholds for the configured cooldown.
// Rollback proceeds most aggressive first. Returns true when a rollback
// cycle ran.
func (a *Allocator) AttemptRecovery(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == types.LevelNone && len(a.applied) == 0 {
		return false
	}
	if a.belowSince.IsZero() || a.clock.Now().Sub(a.belowSince) < a.cfg.RecoveryCooldown {
		return false
	}

	sort.Slice(a.applied, func(i, j int) bool {
		return a.applied[i].Type.aggressiveness() > a.applied[j].Type.aggressiveness()
	})

	rolledBack := 0
	for _, act := range a.applied {
		if err := a.cache.Delete(ctx, flagKey(act.Type, act.Service)); err != nil {
			a.logger.Error("Failed to clear action flag",
				zap.String("action", string(act.Type)),
				zap.String("service", act.Service),
				zap.Error(err))
			continue
		}
		rolledBack++
	}

	recovered := a.current
	a.applied = nil
	a.current = types.LevelNone
	a.belowSince = time.Time{}
	for _, alloc := range a.allocations {
		alloc.AllocatedPercent = alloc.BaselinePercent
		alloc.Actions = nil
	}

	if err := a.cache.Set(ctx, cache.KeyOverloadLevel, types.LevelNone.String(), a.flagTTL); err != nil {
		a.logger.Warn("Failed to publish overload level", zap.Error(err))
	}

	a.logger.Info("Recovery completed",
		zap.String("from_level", recovered.String()),
		zap.Int("actions_rolled_back", rolledBack))

	if a.emitter != nil {
		a.emitter.EmitRecoveryCompleted(ctx, telemetry.RecoveryDetails{
			Level:             recovered.String(),
			ActionsRolledBack: rolledBack,
		})
	}
	return true
}

// responseLocked snapshots the cycle outcome.
func (a *Allocator) responseLocked(lvl types.OverloadLevel, triggers []string, executed []AppliedAction) *Response {
	allocs := make(map[string]Allocation, len(a.allocations))
	for name, alloc := range a.allocations {
		cp := *alloc
		cp.Actions = append([]AppliedAction(nil), alloc.Actions...)
		allocs[name] = cp
	}
	return &Response{
		Level:           lvl,
		Triggers:        triggers,
		Allocations:     allocs,
		ActionsExecuted: executed,
	}
}

// AppliedActions returns a copy of all currently applied actions.
func (a *Allocator) AppliedActions() []AppliedAction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]AppliedAction(nil), a.applied...)
}

// Triggers renders the condition names of a matched level for event
// payloads, in deterministic order.
func Triggers(conditions map[string]float64, sample types.MetricsSample) []string {
	names := make([]string, 0, len(conditions))
	for name, value := range conditions {
		actual, ok := sample.Value(name)
		if !ok {
			continue
		}
		if name == types.MetricCacheHitRate {
			if actual < value {
				names = append(names, fmt.Sprintf("%s=%.1f<%.1f", name, actual, value))
			}
		} else if actual >= value {
			names = append(names, fmt.Sprintf("%s=%.1f>=%.1f", name, actual, value))
		}
	}
	sort.Strings(names)
	return names
}

// LevelConditions returns the configured conditions for a level, nil when
// the level is not configured.
func (a *Allocator) LevelConditions(lvl types.OverloadLevel) map[string]float64 {
	for _, l := range a.levels {
		if l.Level == lvl {
			return l.Conditions
		}
	}
	return nil
}
