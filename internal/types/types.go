// Package types defines the shared data model and collaborator contracts for
// the overload-control system.
//
// The core components (forecaster, phase controller, service allocator,
// request scheduler) exchange data exclusively through the types defined here,
// and reach the outside world through two narrow collaborator interfaces:
// a pull-based MetricsProvider and a key-value Cache with TTL.
package types

import (
	"context"
	"time"
)

// MetricsSample is a timestamped vector of system health indicators.
// Samples are immutable once recorded; history keepers append them to bounded
// ring buffers and evict oldest first.
type MetricsSample struct {
	Timestamp             time.Time `json:"timestamp"`
	CPUPercent            float64   `json:"cpu_percent"`
	MemoryPercent         float64   `json:"memory_percent"`
	ResponseTimeMs        float64   `json:"response_time_ms"`
	ErrorRatePercent      float64   `json:"error_rate_percent"`
	RequestRate           float64   `json:"request_rate"`
	QueueDepth            float64   `json:"queue_depth"`
	ActiveConnections     float64   `json:"active_connections"`
	DependencyConnections float64   `json:"dependency_connections"`
	CacheHitRatePercent   float64   `json:"cache_hit_rate_percent"`
}

// Metric names used in threshold condition maps. Threshold evaluation looks
// metrics up by name so that condition sets stay configurable.
const (
	MetricCPU                   = "cpu_percent"
	MetricMemory                = "memory_percent"
	MetricResponseTime          = "response_time_ms"
	MetricErrorRate             = "error_rate_percent"
	MetricRequestRate           = "request_rate"
	MetricQueueDepth            = "queue_depth"
	MetricActiveConnections     = "active_connections"
	MetricDependencyConnections = "dependency_connections"
	MetricCacheHitRate          = "cache_hit_rate_percent"
)

// Value returns the named metric from the sample. Unknown names return
// (0, false) so that misconfigured conditions never match.
func (s MetricsSample) Value(name string) (float64, bool) {
	switch name {
	case MetricCPU:
		return s.CPUPercent, true
	case MetricMemory:
		return s.MemoryPercent, true
	case MetricResponseTime:
		return s.ResponseTimeMs, true
	case MetricErrorRate:
		return s.ErrorRatePercent, true
	case MetricRequestRate:
		return s.RequestRate, true
	case MetricQueueDepth:
		return s.QueueDepth, true
	case MetricActiveConnections:
		return s.ActiveConnections, true
	case MetricDependencyConnections:
		return s.DependencyConnections, true
	case MetricCacheHitRate:
		return s.CacheHitRatePercent, true
	default:
		return 0, false
	}
}

// Phase is the global severity level of the overload-control state machine.
// Phases are totally ordered by severity; exactly one phase is current per
// process and only the phase controller mutates it.
type Phase int

const (
	PhaseNormal Phase = iota
	PhaseWarning
	PhaseCaution
	PhaseCritical
	PhaseEmergency
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "normal"
	case PhaseWarning:
		return "warning"
	case PhaseCaution:
		return "caution"
	case PhaseCritical:
		return "critical"
	case PhaseEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParsePhase converts a phase name back to its Phase value.
func ParsePhase(s string) (Phase, bool) {
	for p := PhaseNormal; p <= PhaseEmergency; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return PhaseNormal, false
}

// ThrottleAction is the admission policy associated with a phase.
type ThrottleAction string

const (
	ActionNone     ThrottleAction = "none"
	ActionWarn     ThrottleAction = "warn"
	ActionLimit    ThrottleAction = "limit"
	ActionThrottle ThrottleAction = "throttle"
	ActionBlock    ThrottleAction = "block"
)

// Priority identifies one of the five scheduler lanes, ordered from most to
// least urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// ParsePriority converts a lane name back to its Priority value.
func ParsePriority(s string) (Priority, bool) {
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return PriorityMedium, false
}

// UserTier classifies the caller of a request for delay and admission
// adjustments.
type UserTier string

const (
	TierPremium  UserTier = "premium"
	TierStandard UserTier = "standard"
	TierFree     UserTier = "free"
	TierInternal UserTier = "internal"
)

// ServiceTier is the business-priority classification of a logical service.
type ServiceTier string

const (
	ServiceTierCritical  ServiceTier = "critical"
	ServiceTierEssential ServiceTier = "essential"
	ServiceTierImportant ServiceTier = "important"
	ServiceTierStandard  ServiceTier = "standard"
	ServiceTierOptional  ServiceTier = "optional"
)

// OverloadLevel is the allocator's 5-level view of system stress. It mirrors
// the phase controller's severity ladder but drives resource-allocation
// percentages instead of admission policy.
type OverloadLevel int

const (
	LevelNone OverloadLevel = iota
	LevelLow
	LevelModerate
	LevelSevere
	LevelCritical
)

func (l OverloadLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// RequestMetadata carries the admission-relevant attributes of an inbound
// request through the phase controller and scheduler.
type RequestMetadata struct {
	Priority      Priority      `json:"priority"`
	UserTier      UserTier      `json:"user_tier"`
	Deadline      time.Time     `json:"deadline,omitempty"`
	EstimatedCost float64       `json:"estimated_cost,omitempty"`
	RetryCount    int           `json:"retry_count,omitempty"`
	MaxWait       time.Duration `json:"max_wait,omitempty"`
}

// MetricsProvider supplies the current system health snapshot. Implementations
// must be safe for concurrent use; the control loop pulls on every evaluation
// tick.
type MetricsProvider interface {
	Sample(ctx context.Context) (MetricsSample, error)
}

// Cache is a key-value store with TTL used for cross-process state visibility
// and flag-based mitigation signaling. The second Get return reports presence,
// distinguishing a missing key from an empty value.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Clock abstracts time for the control loops so tests can drive evaluation
// deterministically with a virtual clock.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by the system time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
