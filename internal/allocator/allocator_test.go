package allocator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cboxdk/overload-manager/internal/cache"
	"github.com/cboxdk/overload-manager/internal/config"
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

func serviceDef(name, tier string, canAll bool) config.ServiceConfig {
	return config.ServiceConfig{
		Name:      name,
		Tier:      tier,
		Endpoints: []string{"/api/" + name + "/*"},
		Weights:   config.ResourceWeights{CPU: 1, Memory: 1, IO: 1},
		SLA:       config.SLAConfig{LatencyMs: 200, ErrorRatePercent: 1, AvailabilityPercent: 99.9},
		Impact:    config.BusinessImpact{Revenue: 30, UserFacing: 30, Downstream: 20},
		Overload: config.OverloadCapability{
			CanThrottle: canAll,
			CanDegrade:  canAll,
			CanDisable:  canAll,
		},
	}
}

func newTestAllocator(t *testing.T, clock types.Clock) (*Allocator, *cache.Memory) {
	t.Helper()
	cfg := config.AllocatorConfig{
		Levels:             config.DefaultOverloadLevels(),
		MaxActionsPerCycle: 5,
		RecoveryCooldown:   2 * time.Minute,
		RecoveryFactor:     0.8,
	}
	kv := cache.NewMemory(clock)
	return New(cfg, 10*time.Minute, kv, nil, clock, zap.NewNop()), kv
}

func registerFiveTiers(a *Allocator) {
	a.RegisterService(serviceDef("payments", "critical", false))
	a.RegisterService(serviceDef("auth", "essential", true))
	a.RegisterService(serviceDef("search", "important", true))
	a.RegisterService(serviceDef("reporting", "standard", true))
	a.RegisterService(serviceDef("recommendations", "optional", true))
}

func TestBaselineAllocationsSumToHundred(t *testing.T) {
	a, _ := newTestAllocator(t, newFakeClock())
	registerFiveTiers(a)

	var total float64
	for _, alloc := range a.Allocations() {
		total += alloc.BaselinePercent
	}
	if total < 99.99 || total > 100.01 {
		t.Errorf("baseline allocations should sum to 100%%, got %.4f", total)
	}
}

func TestPriorityOrderFollowsTiers(t *testing.T) {
	a, _ := newTestAllocator(t, newFakeClock())
	registerFiveTiers(a)

	allocs := a.Allocations()
	order := []string{"payments", "auth", "search", "reporting", "recommendations"}
	for i := 1; i < len(order); i++ {
		if allocs[order[i-1]].PriorityScore <= allocs[order[i]].PriorityScore {
			t.Errorf("%s should outrank %s: %.1f vs %.1f",
				order[i-1], order[i],
				allocs[order[i-1]].PriorityScore, allocs[order[i]].PriorityScore)
		}
	}
}

// Under severe overload the optional service loses its entire allocation
// and is disabled, while the critical service keeps its baseline untouched
// and is marked prioritized.
func TestSevereOverloadFiveTiers(t *testing.T) {
	clock := newFakeClock()
	a, kv := newTestAllocator(t, clock)
	registerFiveTiers(a)
	ctx := context.Background()

	resp, err := a.HandleOverload(ctx, types.LevelSevere, []string{"cpu_percent=92.0>=90.0"})
	if err != nil {
		t.Fatalf("HandleOverload failed: %v", err)
	}

	optional := resp.Allocations["recommendations"]
	if optional.AllocatedPercent != 0 {
		t.Errorf("optional service should be fully reduced, got %.2f%%", optional.AllocatedPercent)
	}

	critical := resp.Allocations["payments"]
	if critical.AllocatedPercent != critical.BaselinePercent {
		t.Errorf("critical service must keep its baseline: %.2f vs %.2f",
			critical.AllocatedPercent, critical.BaselinePercent)
	}

	var sawDisable, sawPrioritize bool
	for _, act := range resp.ActionsExecuted {
		if act.Type == ActionDisable && act.Service == "recommendations" {
			sawDisable = true
		}
		if act.Type == ActionPrioritize && act.Service == "payments" {
			sawPrioritize = true
		}
	}
	if !sawDisable {
		t.Error("expected a disable action for the optional service")
	}
	if !sawPrioritize {
		t.Error("expected a prioritize action for the critical service")
	}

	if _, found, _ := kv.Get(ctx, cache.DisableFlagKey("recommendations")); !found {
		t.Error("disable flag should be set in the cache")
	}
	if _, found, _ := kv.Get(ctx, cache.PrioritizeFlagKey("payments")); !found {
		t.Error("prioritize flag should be set in the cache")
	}
}

func TestAllocationsNeverExceedBudget(t *testing.T) {
	clock := newFakeClock()
	a, _ := newTestAllocator(t, clock)
	registerFiveTiers(a)
	ctx := context.Background()

	for _, lvl := range []types.OverloadLevel{
		types.LevelLow, types.LevelModerate, types.LevelSevere, types.LevelCritical,
	} {
		resp, err := a.HandleOverload(ctx, lvl, nil)
		if err != nil {
			t.Fatalf("HandleOverload(%v) failed: %v", lvl, err)
		}
		var total float64
		for _, alloc := range resp.Allocations {
			total += alloc.AllocatedPercent
		}
		if total > 100.01 {
			t.Errorf("level %v: allocations exceed 100%%: %.2f", lvl, total)
		}
	}
}

func TestHandleOverloadIdempotent(t *testing.T) {
	clock := newFakeClock()
	a, _ := newTestAllocator(t, clock)
	registerFiveTiers(a)
	ctx := context.Background()

	first, _ := a.HandleOverload(ctx, types.LevelSevere, nil)
	if len(first.ActionsExecuted) == 0 {
		t.Fatal("first cycle should execute actions")
	}

	second, _ := a.HandleOverload(ctx, types.LevelSevere, nil)
	if len(second.ActionsExecuted) != 0 {
		t.Errorf("repeated cycle at the same level re-executed %d actions", len(second.ActionsExecuted))
	}
}

func TestRecoveryRequiresSustainedCalm(t *testing.T) {
	clock := newFakeClock()
	a, kv := newTestAllocator(t, clock)
	registerFiveTiers(a)
	ctx := context.Background()

	a.HandleOverload(ctx, types.LevelSevere, nil)

	calm := types.MetricsSample{CPUPercent: 20, MemoryPercent: 30}

	// Not yet below thresholds long enough.
	a.ObserveSample(calm)
	if a.AttemptRecovery(ctx) {
		t.Fatal("recovery before the cooldown elapsed")
	}

	// A relapse must reset the calm timer.
	clock.Advance(time.Minute)
	a.ObserveSample(types.MetricsSample{CPUPercent: 95, MemoryPercent: 95, ErrorRatePercent: 20})
	clock.Advance(90 * time.Second)
	a.ObserveSample(calm)
	if a.AttemptRecovery(ctx) {
		t.Fatal("recovery should restart the cooldown after a relapse")
	}

	clock.Advance(2 * time.Minute)
	a.ObserveSample(calm)
	if !a.AttemptRecovery(ctx) {
		t.Fatal("expected recovery after sustained calm")
	}

	if got := a.CurrentLevel(); got != types.LevelNone {
		t.Errorf("expected level none after recovery, got %v", got)
	}
	if _, found, _ := kv.Get(ctx, cache.DisableFlagKey("recommendations")); found {
		t.Error("mitigation flags should be cleared on recovery")
	}
	for _, alloc := range a.Allocations() {
		if alloc.AllocatedPercent != alloc.BaselinePercent {
			t.Errorf("%s allocation not restored: %.2f vs %.2f",
				alloc.Service, alloc.AllocatedPercent, alloc.BaselinePercent)
		}
	}
}

func TestEvaluateLevelMostSevereMatch(t *testing.T) {
	a, _ := newTestAllocator(t, newFakeClock())

	cases := []struct {
		sample types.MetricsSample
		want   types.OverloadLevel
	}{
		{types.MetricsSample{CPUPercent: 30, MemoryPercent: 30}, types.LevelNone},
		{types.MetricsSample{CPUPercent: 75, MemoryPercent: 75}, types.LevelLow},
		{types.MetricsSample{CPUPercent: 85, MemoryPercent: 85}, types.LevelModerate},
		{types.MetricsSample{CPUPercent: 92, MemoryPercent: 92}, types.LevelSevere},
		{types.MetricsSample{CPUPercent: 97, MemoryPercent: 97, ErrorRatePercent: 30}, types.LevelCritical},
	}
	for _, tc := range cases {
		if got := a.EvaluateLevel(tc.sample, 1.0); got != tc.want {
			t.Errorf("sample %+v: expected %v, got %v", tc.sample, tc.want, got)
		}
	}
}

func TestGetPriorityEndpointMatching(t *testing.T) {
	a, _ := newTestAllocator(t, newFakeClock())
	registerFiveTiers(a)

	p := a.GetPriority("/api/payments/charge")
	if p.Service != "payments" {
		t.Errorf("expected payments, got %q", p.Service)
	}
	if p.Tier != types.ServiceTierCritical {
		t.Errorf("expected critical tier, got %v", p.Tier)
	}

	unknown := a.GetPriority("/api/nonexistent/thing")
	if unknown.Service != "" {
		t.Errorf("unknown endpoint should resolve to the default, got %q", unknown.Service)
	}
	if unknown.Tier != types.ServiceTierStandard {
		t.Errorf("unknown endpoint should default to standard tier, got %v", unknown.Tier)
	}
}

func TestGetPriorityFlagsUnderOverload(t *testing.T) {
	clock := newFakeClock()
	a, _ := newTestAllocator(t, clock)
	registerFiveTiers(a)

	a.HandleOverload(context.Background(), types.LevelSevere, nil)

	opt := a.GetPriority("/api/recommendations/feed")
	if !opt.ShouldThrottle || !opt.ShouldDegrade {
		t.Errorf("fully reduced optional service should throttle and degrade: %+v", opt)
	}

	crit := a.GetPriority("/api/payments/charge")
	if crit.ShouldThrottle || crit.ShouldDegrade {
		t.Errorf("critical service must not be throttled or degraded: %+v", crit)
	}
}

func TestFallbackModeEscalatesWithSeverity(t *testing.T) {
	svc := &Service{Overload: config.OverloadCapability{FallbackMode: "reduced"}}

	if got := fallbackMode(svc, types.LevelModerate); got != FallbackReduced {
		t.Errorf("moderate: expected reduced, got %v", got)
	}
	if got := fallbackMode(svc, types.LevelSevere); got != FallbackCacheOnly {
		t.Errorf("severe: expected cache_only, got %v", got)
	}
	if got := fallbackMode(svc, types.LevelCritical); got != FallbackEssentialOnly {
		t.Errorf("critical: expected essential_only, got %v", got)
	}
}
