package config

import (
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
)

// Default values for the server, storage and cache layers
const (
	DefaultBindAddress            = "localhost:9180"
	DefaultAdminRequestsPerSecond = 10.0
	DefaultAdminBurst             = 20

	DefaultDatabasePath    = "/var/lib/overload-manager/events.db"
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour

	DefaultSnapshotTTL = 30 * time.Second
	DefaultFlagTTL     = 10 * time.Minute
)

// Default cadences for the control loops
const (
	DefaultSampleInterval   = 5 * time.Second
	DefaultSnapshotInterval = 30 * time.Second
	DefaultMetricsWindow    = time.Minute
)

// Default phase controller tuning
const (
	DefaultRecoveryFactor   = 0.8
	DefaultMaxThrottleDelay = 10 * time.Second
)

// Default allocator tuning
const (
	DefaultMaxActionsPerCycle        = 5
	DefaultAllocatorRecoveryCooldown = 2 * time.Minute
)

// Default scheduler tuning
const (
	DefaultMaxQueueSize        = 1000
	DefaultMaxConcurrent       = 50
	DefaultDrainInterval       = 100 * time.Millisecond
	DefaultMaxWait             = 30 * time.Second
	DefaultStarvationThreshold = 10 * time.Second
)

// Default forecaster tuning
const (
	DefaultForecastHistory    = 10000
	DefaultForecastMinSamples = 12
	DefaultTrendWindow        = 24
	DefaultSmoothingFactor    = 0.3
	DefaultForecastHorizon    = 5 * time.Minute
	DefaultPatternInterval    = 5 * time.Minute
	DefaultPatternHighRatio   = 1.3
	DefaultPatternLowRatio    = 0.7
	DefaultSpikeProbability   = 0.6
	DefaultSpikeMagnitude     = 1.5
)

// DefaultThresholds returns the built-in throttling ladder. Each threshold
// matches when at least half of its conditions are exceeded; the normal phase
// is implicit with a fully open factor of 1.0.
func DefaultThresholds() []ThresholdConfig {
	return []ThresholdConfig{
		{
			Phase:  types.PhaseWarning.String(),
			Action: string(types.ActionWarn),
			Conditions: map[string]float64{
				types.MetricCPU:          70,
				types.MetricMemory:       70,
				types.MetricErrorRate:    4,
				types.MetricResponseTime: 2000,
			},
			Factor:          0.9,
			MinDwell:        30 * time.Second,
			EscalationDelay: 15 * time.Second,
		},
		{
			Phase:  types.PhaseCaution.String(),
			Action: string(types.ActionLimit),
			Conditions: map[string]float64{
				types.MetricCPU:          80,
				types.MetricMemory:       80,
				types.MetricErrorRate:    8,
				types.MetricResponseTime: 5000,
				types.MetricCacheHitRate: 60,
			},
			Factor:          0.7,
			MinDwell:        time.Minute,
			EscalationDelay: 15 * time.Second,
		},
		{
			Phase:  types.PhaseCritical.String(),
			Action: string(types.ActionThrottle),
			Conditions: map[string]float64{
				types.MetricCPU:          90,
				types.MetricMemory:       90,
				types.MetricErrorRate:    15,
				types.MetricResponseTime: 10000,
			},
			Factor:          0.4,
			MinDwell:        2 * time.Minute,
			EscalationDelay: 30 * time.Second,
		},
		{
			Phase:  types.PhaseEmergency.String(),
			Action: string(types.ActionBlock),
			Conditions: map[string]float64{
				types.MetricCPU:          95,
				types.MetricMemory:       95,
				types.MetricErrorRate:    25,
				types.MetricResponseTime: 20000,
			},
			Factor:          0.1,
			MinDwell:        5 * time.Minute,
			EscalationDelay: 30 * time.Second,
		},
	}
}

// DefaultOverloadLevels returns the built-in allocator ladder, expressed as
// capacity budgets rather than admission policy. Conditions mirror the
// throttling thresholds but are evaluated independently.
func DefaultOverloadLevels() []OverloadLevelConfig {
	return []OverloadLevelConfig{
		{
			Level:           types.LevelNone.String(),
			Conditions:      map[string]float64{},
			CapacityPercent: 100,
		},
		{
			Level: types.LevelLow.String(),
			Conditions: map[string]float64{
				types.MetricCPU:       70,
				types.MetricMemory:    70,
				types.MetricErrorRate: 4,
			},
			CapacityPercent: 90,
		},
		{
			Level: types.LevelModerate.String(),
			Conditions: map[string]float64{
				types.MetricCPU:       80,
				types.MetricMemory:    80,
				types.MetricErrorRate: 8,
			},
			CapacityPercent: 75,
		},
		{
			Level: types.LevelSevere.String(),
			Conditions: map[string]float64{
				types.MetricCPU:       90,
				types.MetricMemory:    90,
				types.MetricErrorRate: 15,
			},
			CapacityPercent: 55,
		},
		{
			Level: types.LevelCritical.String(),
			Conditions: map[string]float64{
				types.MetricCPU:       95,
				types.MetricMemory:    95,
				types.MetricErrorRate: 25,
			},
			CapacityPercent: 35,
		},
	}
}
