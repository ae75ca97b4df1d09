package types

import "testing"

func TestSampleValueLookup(t *testing.T) {
	s := MetricsSample{
		CPUPercent:          81.5,
		MemoryPercent:       60,
		CacheHitRatePercent: 92,
	}

	cases := []struct {
		name string
		want float64
	}{
		{MetricCPU, 81.5},
		{MetricMemory, 60},
		{MetricCacheHitRate, 92},
		{MetricErrorRate, 0},
	}
	for _, tc := range cases {
		got, ok := s.Value(tc.name)
		if !ok {
			t.Errorf("%s: expected lookup to succeed", tc.name)
		}
		if got != tc.want {
			t.Errorf("%s: expected %.1f, got %.1f", tc.name, tc.want, got)
		}
	}

	if _, ok := s.Value("nonexistent_metric"); ok {
		t.Error("unknown metric name must not resolve")
	}
}

func TestPhaseRoundTrip(t *testing.T) {
	for p := PhaseNormal; p <= PhaseEmergency; p++ {
		got, ok := ParsePhase(p.String())
		if !ok || got != p {
			t.Errorf("phase %v did not round-trip: got %v ok=%v", p, got, ok)
		}
	}
	if _, ok := ParsePhase("panic"); ok {
		t.Error("unknown phase name must not parse")
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		got, ok := ParsePriority(p.String())
		if !ok || got != p {
			t.Errorf("priority %v did not round-trip: got %v ok=%v", p, got, ok)
		}
	}
	if fallback, ok := ParsePriority("urgent"); ok || fallback != PriorityMedium {
		t.Errorf("unknown priority should fall back to medium, got %v ok=%v", fallback, ok)
	}
}

func TestPhaseOrdering(t *testing.T) {
	if !(PhaseNormal < PhaseWarning && PhaseWarning < PhaseCaution &&
		PhaseCaution < PhaseCritical && PhaseCritical < PhaseEmergency) {
		t.Error("phases must be totally ordered by severity")
	}
	if !(LevelNone < LevelLow && LevelLow < LevelModerate &&
		LevelModerate < LevelSevere && LevelSevere < LevelCritical) {
		t.Error("overload levels must be totally ordered by severity")
	}
}
