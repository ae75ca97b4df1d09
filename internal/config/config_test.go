package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default configuration must validate: %v", err)
	}

	if cfg.Cache.Backend != "memory" {
		t.Errorf("expected memory cache backend, got %q", cfg.Cache.Backend)
	}
	if len(cfg.Throttling.Thresholds) != 4 {
		t.Errorf("expected 4 throttling thresholds, got %d", len(cfg.Throttling.Thresholds))
	}
	if len(cfg.Allocator.Levels) != 5 {
		t.Errorf("expected 5 overload levels, got %d", len(cfg.Allocator.Levels))
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
logging:
  level: debug
scheduler:
  max_queue_size: 500
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("explicit value overridden: %q", cfg.Logging.Level)
	}
	if cfg.Scheduler.MaxQueueSize != 500 {
		t.Errorf("explicit queue size overridden: %d", cfg.Scheduler.MaxQueueSize)
	}
	if cfg.Scheduler.MaxConcurrent == 0 {
		t.Error("unset fields should be defaulted")
	}
	if cfg.Throttling.RecoveryFactor == 0 {
		t.Error("recovery factor should be defaulted")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "bad cache backend",
			content: `
cache:
  backend: memcached
`,
			wantErr: "cache.backend",
		},
		{
			name: "bad threshold phase",
			content: `
throttling:
  thresholds:
    - phase: panic
      action: warn
      factor: 1.0
      min_dwell: 30s
      escalation_delay: 15s
      conditions:
        cpu_percent: 70
`,
			wantErr: "invalid phase",
		},
		{
			name: "unknown condition metric",
			content: `
throttling:
  thresholds:
    - phase: warning
      action: warn
      factor: 1.0
      min_dwell: 30s
      escalation_delay: 15s
      conditions:
        gpu_percent: 70
`,
			wantErr: "unknown metric",
		},
		{
			name: "duplicate service",
			content: `
services:
  - name: search
    tier: important
    endpoints: ["/api/search/*"]
  - name: search
    tier: standard
    endpoints: ["/api/other/*"]
`,
			wantErr: "duplicate service",
		},
		{
			name: "invalid service tier",
			content: `
services:
  - name: search
    tier: platinum
    endpoints: ["/api/search/*"]
`,
			wantErr: "invalid tier",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSortedThresholdsMostSevereFirst(t *testing.T) {
	cfg := Default()
	sorted := cfg.SortedThresholds()

	prev := types.PhaseEmergency + 1
	for _, th := range sorted {
		phase, ok := types.ParsePhase(th.Phase)
		if !ok {
			t.Fatalf("unparseable phase %q", th.Phase)
		}
		if phase >= prev {
			t.Fatalf("thresholds not sorted most severe first: %q after %v", th.Phase, prev)
		}
		prev = phase
	}
}

func TestDefaultThresholdShape(t *testing.T) {
	for _, th := range DefaultThresholds() {
		if th.MinDwell <= 0 {
			t.Errorf("%s: min_dwell must be positive", th.Phase)
		}
		if th.EscalationDelay <= 0 {
			t.Errorf("%s: escalation_delay must be positive", th.Phase)
		}
		if th.Factor < 0 || th.Factor > 1 {
			t.Errorf("%s: factor out of range: %v", th.Phase, th.Factor)
		}
		if len(th.Conditions) == 0 {
			t.Errorf("%s: conditions must not be empty", th.Phase)
		}
	}
}

func TestValidateSchedulerBounds(t *testing.T) {
	cfg := Default()
	cfg.Scheduler.MaxConcurrent = 0
	cfg.Scheduler.MaxWait = time.Second
	if err := cfg.Validate(); err == nil {
		t.Error("zero max_concurrent should fail validation")
	}
}
