package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Cache      CacheConfig      `yaml:"cache"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Throttling ThrottlingConfig `yaml:"throttling"`
	Allocator  AllocatorConfig  `yaml:"allocator"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Forecaster ForecasterConfig `yaml:"forecaster"`
	Services   []ServiceConfig  `yaml:"services"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig contains the admin/metrics HTTP server settings
type ServerConfig struct {
	BindAddress string          `yaml:"bind_address"`
	MetricsPath string          `yaml:"metrics_path"`
	HealthPath  string          `yaml:"health_path"`
	AdminPath   string          `yaml:"admin_path"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains admin API rate limiting settings
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// StorageConfig contains event/sample persistence settings
type StorageConfig struct {
	Enabled      bool          `yaml:"enabled"`
	DatabasePath string        `yaml:"database_path"`
	Retention    time.Duration `yaml:"retention"`
	CleanupEvery time.Duration `yaml:"cleanup_every"`
}

// CacheConfig selects and configures the shared key-value cache
type CacheConfig struct {
	// Backend is "memory" (single process) or "redis" (cross-process
	// visibility of phase snapshots and mitigation flags).
	Backend     string        `yaml:"backend"`
	Redis       RedisConfig   `yaml:"redis"`
	SnapshotTTL time.Duration `yaml:"snapshot_ttl"`
	FlagTTL     time.Duration `yaml:"flag_ttl"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig contains metrics sampling settings
type MetricsConfig struct {
	// SampleInterval drives the phase/overload evaluation tick.
	SampleInterval time.Duration `yaml:"sample_interval"`
	// SnapshotInterval drives periodic statistics snapshots to storage.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	// WindowSize bounds the rolling window used to derive rates from
	// pipeline feedback counters.
	WindowSize time.Duration `yaml:"window_size"`
}

// ThresholdConfig defines one severity rung of the throttling ladder
type ThresholdConfig struct {
	Phase string `yaml:"phase"`
	// Action is one of warn, limit, throttle, block.
	Action string `yaml:"action"`
	// Conditions maps metric names to trigger values. A threshold matches
	// when at least half of its conditions are met. cache_hit_rate_percent
	// is inverted: lower is worse.
	Conditions map[string]float64 `yaml:"conditions"`
	// Factor is the throttling factor in [0,1] applied while this phase
	// is active.
	Factor float64 `yaml:"factor"`
	// MinDwell is the minimum time to remain in this phase before
	// recovery to a lower severity is considered.
	MinDwell time.Duration `yaml:"min_dwell"`
	// EscalationDelay is the cooldown after any transition before a
	// further escalation is permitted.
	EscalationDelay time.Duration `yaml:"escalation_delay"`
}

// ThrottlingConfig configures the phase controller
type ThrottlingConfig struct {
	Thresholds []ThresholdConfig `yaml:"thresholds"`
	// RecoveryFactor scales escalation conditions for recovery checks
	// (hysteresis). Must be in (0,1].
	RecoveryFactor float64 `yaml:"recovery_factor"`
	// MaxThrottleDelay is the delay above which throttled low-priority
	// requests are rejected instead of kept waiting.
	MaxThrottleDelay time.Duration `yaml:"max_throttle_delay"`
}

// OverloadLevelConfig maps an overload level to its trigger conditions and
// the capacity fraction left available at that level.
type OverloadLevelConfig struct {
	Level      string             `yaml:"level"`
	Conditions map[string]float64 `yaml:"conditions"`
	// CapacityPercent is the total capacity budget available at this
	// level, before per-tier reduction multipliers.
	CapacityPercent float64 `yaml:"capacity_percent"`
}

// AllocatorConfig configures the service allocator
type AllocatorConfig struct {
	Levels []OverloadLevelConfig `yaml:"levels"`
	// MaxActionsPerCycle caps mitigation actions executed per overload
	// cycle.
	MaxActionsPerCycle int `yaml:"max_actions_per_cycle"`
	// RecoveryCooldown is how long metrics must sustain below the
	// recovery threshold before rollback starts.
	RecoveryCooldown time.Duration `yaml:"recovery_cooldown"`
	// RecoveryFactor scales level conditions for recovery checks.
	RecoveryFactor float64 `yaml:"recovery_factor"`
}

// SchedulerConfig configures the request scheduler
type SchedulerConfig struct {
	MaxQueueSize  int           `yaml:"max_queue_size"`
	MaxConcurrent int           `yaml:"max_concurrent"`
	DrainInterval time.Duration `yaml:"drain_interval"`
	// MaxWait is the per-request timeout armed at enqueue time.
	MaxWait time.Duration `yaml:"max_wait"`
	// StarvationThreshold promotes a waiter ahead of nominal priority
	// once exceeded. Zero disables starvation prevention.
	StarvationThreshold time.Duration `yaml:"starvation_threshold"`
	DeadlineAware       bool          `yaml:"deadline_aware"`
	CostAware           bool          `yaml:"cost_aware"`
}

// ForecasterConfig configures the traffic forecaster
type ForecasterConfig struct {
	MaxHistory      int           `yaml:"max_history"`
	MinSamples      int           `yaml:"min_samples"`
	TrendWindow     int           `yaml:"trend_window"`
	SmoothingFactor float64       `yaml:"smoothing_factor"`
	Horizon         time.Duration `yaml:"horizon"`
	PatternInterval time.Duration `yaml:"pattern_interval"`
	// PatternHighRatio / PatternLowRatio bound the bucket-vs-global mean
	// ratio beyond which a recurring pattern is flagged.
	PatternHighRatio float64 `yaml:"pattern_high_ratio"`
	PatternLowRatio  float64 `yaml:"pattern_low_ratio"`
	// Spike thresholds gate emission of preparation recommendations.
	SpikeProbability float64 `yaml:"spike_probability"`
	SpikeMagnitude   float64 `yaml:"spike_magnitude"`
}

// ServiceConfig declares a logical service registered with the allocator
type ServiceConfig struct {
	Name      string             `yaml:"name"`
	Tier      string             `yaml:"tier"`
	Endpoints []string           `yaml:"endpoints"`
	Weights   ResourceWeights    `yaml:"weights"`
	SLA       SLAConfig          `yaml:"sla"`
	Impact    BusinessImpact     `yaml:"impact"`
	Overload  OverloadCapability `yaml:"overload"`
}

// ResourceWeights describes relative resource consumption of a service
type ResourceWeights struct {
	CPU    float64 `yaml:"cpu"`
	Memory float64 `yaml:"memory"`
	IO     float64 `yaml:"io"`
}

// SLAConfig defines service level targets; tighter targets raise priority
type SLAConfig struct {
	LatencyMs           float64 `yaml:"latency_ms"`
	ErrorRatePercent    float64 `yaml:"error_rate_percent"`
	AvailabilityPercent float64 `yaml:"availability_percent"`
}

// BusinessImpact weights the business consequence of degrading a service
type BusinessImpact struct {
	Revenue    float64 `yaml:"revenue"`
	UserFacing float64 `yaml:"user_facing"`
	Downstream float64 `yaml:"downstream"`
}

// OverloadCapability flags which mitigations a service supports
type OverloadCapability struct {
	CanThrottle bool `yaml:"can_throttle"`
	CanDegrade  bool `yaml:"can_degrade"`
	CanDisable  bool `yaml:"can_disable"`
	// FallbackMode is the initial degrade mode; escalates from reduced
	// to cache_only to essential_only with severity.
	FallbackMode string `yaml:"fallback_mode,omitempty"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, console
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled        bool           `yaml:"enabled"`
	ServiceName    string         `yaml:"service_name"`
	ServiceVersion string         `yaml:"service_version"`
	Environment    string         `yaml:"environment"`
	Exporter       ExporterConfig `yaml:"exporter"`
	Sampling       SamplingConfig `yaml:"sampling"`
}

// ExporterConfig configures telemetry exporters
type ExporterConfig struct {
	Type     string            `yaml:"type"` // "stdout", "otlp"
	Endpoint string            `yaml:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// SamplingConfig configures trace sampling
type SamplingConfig struct {
	Rate float64 `yaml:"rate"` // 0.0 to 1.0
}

// Load reads, defaults and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a fully defaulted configuration without reading a file
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields with production defaults
func (c *Config) ApplyDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = DefaultBindAddress
	}
	if c.Server.MetricsPath == "" {
		c.Server.MetricsPath = "/metrics"
	}
	if c.Server.HealthPath == "" {
		c.Server.HealthPath = "/health"
	}
	if c.Server.AdminPath == "" {
		c.Server.AdminPath = "/api/v1"
	}
	if c.Server.RateLimit.RequestsPerSecond == 0 {
		c.Server.RateLimit.RequestsPerSecond = DefaultAdminRequestsPerSecond
	}
	if c.Server.RateLimit.Burst == 0 {
		c.Server.RateLimit.Burst = DefaultAdminBurst
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = DefaultDatabasePath
	}
	if c.Storage.Retention == 0 {
		c.Storage.Retention = DefaultRetention
	}
	if c.Storage.CleanupEvery == 0 {
		c.Storage.CleanupEvery = DefaultCleanupInterval
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = "localhost:6379"
	}
	if c.Cache.SnapshotTTL == 0 {
		c.Cache.SnapshotTTL = DefaultSnapshotTTL
	}
	if c.Cache.FlagTTL == 0 {
		c.Cache.FlagTTL = DefaultFlagTTL
	}

	if c.Metrics.SampleInterval == 0 {
		c.Metrics.SampleInterval = DefaultSampleInterval
	}
	if c.Metrics.SnapshotInterval == 0 {
		c.Metrics.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.Metrics.WindowSize == 0 {
		c.Metrics.WindowSize = DefaultMetricsWindow
	}

	if len(c.Throttling.Thresholds) == 0 {
		c.Throttling.Thresholds = DefaultThresholds()
	}
	if c.Throttling.RecoveryFactor == 0 {
		c.Throttling.RecoveryFactor = DefaultRecoveryFactor
	}
	if c.Throttling.MaxThrottleDelay == 0 {
		c.Throttling.MaxThrottleDelay = DefaultMaxThrottleDelay
	}

	if len(c.Allocator.Levels) == 0 {
		c.Allocator.Levels = DefaultOverloadLevels()
	}
	if c.Allocator.MaxActionsPerCycle == 0 {
		c.Allocator.MaxActionsPerCycle = DefaultMaxActionsPerCycle
	}
	if c.Allocator.RecoveryCooldown == 0 {
		c.Allocator.RecoveryCooldown = DefaultAllocatorRecoveryCooldown
	}
	if c.Allocator.RecoveryFactor == 0 {
		c.Allocator.RecoveryFactor = DefaultRecoveryFactor
	}

	if c.Scheduler.MaxQueueSize == 0 {
		c.Scheduler.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Scheduler.DrainInterval == 0 {
		c.Scheduler.DrainInterval = DefaultDrainInterval
	}
	if c.Scheduler.MaxWait == 0 {
		c.Scheduler.MaxWait = DefaultMaxWait
	}
	if c.Scheduler.StarvationThreshold == 0 {
		c.Scheduler.StarvationThreshold = DefaultStarvationThreshold
	}

	if c.Forecaster.MaxHistory == 0 {
		c.Forecaster.MaxHistory = DefaultForecastHistory
	}
	if c.Forecaster.MinSamples == 0 {
		c.Forecaster.MinSamples = DefaultForecastMinSamples
	}
	if c.Forecaster.TrendWindow == 0 {
		c.Forecaster.TrendWindow = DefaultTrendWindow
	}
	if c.Forecaster.SmoothingFactor == 0 {
		c.Forecaster.SmoothingFactor = DefaultSmoothingFactor
	}
	if c.Forecaster.Horizon == 0 {
		c.Forecaster.Horizon = DefaultForecastHorizon
	}
	if c.Forecaster.PatternInterval == 0 {
		c.Forecaster.PatternInterval = DefaultPatternInterval
	}
	if c.Forecaster.PatternHighRatio == 0 {
		c.Forecaster.PatternHighRatio = DefaultPatternHighRatio
	}
	if c.Forecaster.PatternLowRatio == 0 {
		c.Forecaster.PatternLowRatio = DefaultPatternLowRatio
	}
	if c.Forecaster.SpikeProbability == 0 {
		c.Forecaster.SpikeProbability = DefaultSpikeProbability
	}
	if c.Forecaster.SpikeMagnitude == 0 {
		c.Forecaster.SpikeMagnitude = DefaultSpikeMagnitude
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "overload-manager"
	}
	if c.Telemetry.ServiceVersion == "" {
		c.Telemetry.ServiceVersion = "dev"
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = "production"
	}
	if c.Telemetry.Exporter.Type == "" {
		c.Telemetry.Exporter.Type = "stdout"
	}
	if c.Telemetry.Sampling.Rate == 0 {
		c.Telemetry.Sampling.Rate = 1.0
	}
}

// Validate checks the configuration for startup-time contract violations.
// Malformed threshold or service definitions are an operator contract; they
// are rejected here, never defended against at runtime.
func (c *Config) Validate() error {
	if err := c.validateThrottling(); err != nil {
		return err
	}
	if err := c.validateAllocator(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateForecaster(); err != nil {
		return err
	}
	if err := c.validateServices(); err != nil {
		return err
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

func (c *Config) validateThrottling() error {
	if len(c.Throttling.Thresholds) == 0 {
		return fmt.Errorf("throttling.thresholds must not be empty")
	}
	seen := make(map[string]bool)
	for i, t := range c.Throttling.Thresholds {
		phase, ok := types.ParsePhase(t.Phase)
		if !ok || phase == types.PhaseNormal {
			return fmt.Errorf("throttling.thresholds[%d]: invalid phase %q", i, t.Phase)
		}
		if seen[t.Phase] {
			return fmt.Errorf("throttling.thresholds[%d]: duplicate phase %q", i, t.Phase)
		}
		seen[t.Phase] = true
		switch types.ThrottleAction(t.Action) {
		case types.ActionWarn, types.ActionLimit, types.ActionThrottle, types.ActionBlock:
		default:
			return fmt.Errorf("throttling.thresholds[%d]: invalid action %q", i, t.Action)
		}
		if t.Factor < 0 || t.Factor > 1 {
			return fmt.Errorf("throttling.thresholds[%d]: factor must be in [0,1], got %v", i, t.Factor)
		}
		if len(t.Conditions) == 0 {
			return fmt.Errorf("throttling.thresholds[%d]: conditions must not be empty", i)
		}
		for name := range t.Conditions {
			if _, ok := (types.MetricsSample{}).Value(name); !ok {
				return fmt.Errorf("throttling.thresholds[%d]: unknown metric %q", i, name)
			}
		}
		if t.MinDwell <= 0 {
			return fmt.Errorf("throttling.thresholds[%d]: min_dwell must be positive", i)
		}
		if t.EscalationDelay <= 0 {
			return fmt.Errorf("throttling.thresholds[%d]: escalation_delay must be positive", i)
		}
	}
	if c.Throttling.RecoveryFactor <= 0 || c.Throttling.RecoveryFactor > 1 {
		return fmt.Errorf("throttling.recovery_factor must be in (0,1], got %v", c.Throttling.RecoveryFactor)
	}
	return nil
}

func (c *Config) validateAllocator() error {
	if len(c.Allocator.Levels) == 0 {
		return fmt.Errorf("allocator.levels must not be empty")
	}
	for i, l := range c.Allocator.Levels {
		if l.CapacityPercent < 0 || l.CapacityPercent > 100 {
			return fmt.Errorf("allocator.levels[%d]: capacity_percent must be in [0,100], got %v", i, l.CapacityPercent)
		}
		for name := range l.Conditions {
			if _, ok := (types.MetricsSample{}).Value(name); !ok {
				return fmt.Errorf("allocator.levels[%d]: unknown metric %q", i, name)
			}
		}
	}
	if c.Allocator.MaxActionsPerCycle < 1 {
		return fmt.Errorf("allocator.max_actions_per_cycle must be at least 1")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.MaxQueueSize < 1 {
		return fmt.Errorf("scheduler.max_queue_size must be at least 1")
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1")
	}
	if c.Scheduler.DrainInterval <= 0 {
		return fmt.Errorf("scheduler.drain_interval must be positive")
	}
	if c.Scheduler.MaxWait <= 0 {
		return fmt.Errorf("scheduler.max_wait must be positive")
	}
	return nil
}

func (c *Config) validateForecaster() error {
	if c.Forecaster.MinSamples < 2 {
		return fmt.Errorf("forecaster.min_samples must be at least 2")
	}
	if c.Forecaster.MaxHistory < c.Forecaster.MinSamples {
		return fmt.Errorf("forecaster.max_history must be >= min_samples")
	}
	if c.Forecaster.SmoothingFactor <= 0 || c.Forecaster.SmoothingFactor >= 1 {
		return fmt.Errorf("forecaster.smoothing_factor must be in (0,1)")
	}
	if c.Forecaster.PatternHighRatio <= 1 {
		return fmt.Errorf("forecaster.pattern_high_ratio must be > 1")
	}
	if c.Forecaster.PatternLowRatio <= 0 || c.Forecaster.PatternLowRatio >= 1 {
		return fmt.Errorf("forecaster.pattern_low_ratio must be in (0,1)")
	}
	return nil
}

func (c *Config) validateServices() error {
	seen := make(map[string]bool)
	for i, s := range c.Services {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("services[%d]: name must not be empty", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("services[%d]: duplicate service %q", i, s.Name)
		}
		seen[s.Name] = true
		switch types.ServiceTier(s.Tier) {
		case types.ServiceTierCritical, types.ServiceTierEssential, types.ServiceTierImportant,
			types.ServiceTierStandard, types.ServiceTierOptional:
		default:
			return fmt.Errorf("services[%d]: invalid tier %q", i, s.Tier)
		}
		if len(s.Endpoints) == 0 {
			return fmt.Errorf("services[%d]: endpoints must not be empty", i)
		}
	}
	return nil
}

// SortedThresholds returns the throttling thresholds ordered from most to
// least severe, the order in which the phase controller scans them.
func (c *Config) SortedThresholds() []ThresholdConfig {
	out := make([]ThresholdConfig, len(c.Throttling.Thresholds))
	copy(out, c.Throttling.Thresholds)
	sort.Slice(out, func(i, j int) bool {
		pi, _ := types.ParsePhase(out[i].Phase)
		pj, _ := types.ParsePhase(out[j].Phase)
		return pi > pj
	})
	return out
}
