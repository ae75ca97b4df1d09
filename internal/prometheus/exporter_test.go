package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func scrape(t *testing.T, e *Exporter) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape failed: %d", rec.Code)
	}
	return rec.Body.String()
}

func TestExporterExposesControlState(t *testing.T) {
	e := NewExporter(zap.NewNop())

	e.SetPhase(3, 0.4)
	e.SetOverloadLevel(2)
	e.SetSampleValue("cpu_percent", 87.5)
	e.CountDecision("allowed")
	e.CountDecision("allowed")
	e.CountDecision("blocked")
	e.SetQueueDepth("critical", 2)
	e.SetInFlight(4)
	e.CountQueueOutcome("timed_out", 3)
	e.SetAllocation("search", "important", 18.5)
	e.SetPrediction(250, 0.8, 0.65)

	body := scrape(t, e)
	expected := []string{
		"overload_phase 3",
		"overload_throttle_factor 0.4",
		"overload_level 2",
		`overload_metric{name="cpu_percent"} 87.5`,
		`overload_decisions_total{outcome="allowed"} 2`,
		`overload_decisions_total{outcome="blocked"} 1`,
		`overload_queue_depth{lane="critical"} 2`,
		"overload_queue_in_flight 4",
		`overload_queue_outcomes_total{outcome="timed_out"} 3`,
		`overload_service_allocation_percent{service="search",tier="important"} 18.5`,
		"overload_predicted_request_rate 250",
		"overload_spike_probability 0.65",
		"overload_prediction_confidence 0.8",
	}
	for _, line := range expected {
		if !strings.Contains(body, line) {
			t.Errorf("scrape output missing %q", line)
		}
	}
}

func TestExportersUseIsolatedRegistries(t *testing.T) {
	a := NewExporter(zap.NewNop())
	b := NewExporter(zap.NewNop())

	a.SetPhase(4, 0.1)
	b.SetPhase(0, 1.0)

	if body := scrape(t, b); !strings.Contains(body, "overload_phase 0") {
		t.Error("second exporter should not see the first exporter's state")
	}
}
