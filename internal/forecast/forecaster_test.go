package forecast

import (
	"sync"
	"testing"
	"time"

	"github.com/cboxdk/overload-manager/internal/config"
	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
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

func testConfig() config.ForecasterConfig {
	return config.ForecasterConfig{
		MaxHistory:       100,
		MinSamples:       5,
		TrendWindow:      10,
		SmoothingFactor:  0.3,
		Horizon:          5 * time.Minute,
		PatternInterval:  5 * time.Minute,
		PatternHighRatio: 1.3,
		PatternLowRatio:  0.7,
		SpikeProbability: 0.6,
		SpikeMagnitude:   1.5,
	}
}

func newTestForecaster(t *testing.T, clock types.Clock) *Forecaster {
	t.Helper()
	return New(testConfig(), clock, zap.NewNop())
}

func sampleAt(ts time.Time, rate float64) types.MetricsSample {
	return types.MetricsSample{Timestamp: ts, RequestRate: rate}
}

func TestPredictRequiresMinSamples(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	f := newTestForecaster(t, clock)

	for i := 0; i < 4; i++ {
		f.RecordSample(sampleAt(clock.Now(), 100))
		clock.Advance(5 * time.Second)
	}

	if _, ok := f.Predict(); ok {
		t.Fatal("expected no prediction below minimum sample count")
	}

	f.RecordSample(sampleAt(clock.Now(), 100))
	if _, ok := f.Predict(); !ok {
		t.Fatal("expected a prediction at minimum sample count")
	}
}

func TestPredictFlatTraffic(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	f := newTestForecaster(t, clock)

	for i := 0; i < 10; i++ {
		f.RecordSample(sampleAt(clock.Now(), 100))
		clock.Advance(5 * time.Second)
	}

	p, ok := f.Predict()
	if !ok {
		t.Fatal("expected a prediction")
	}
	if p.PredictedRate < 99 || p.PredictedRate > 101 {
		t.Errorf("flat traffic should predict ~100, got %.2f", p.PredictedRate)
	}
	if p.SpikeProbability != 0 {
		t.Errorf("flat healthy traffic should have zero spike probability, got %.2f", p.SpikeProbability)
	}
	if p.Confidence <= 0 {
		t.Errorf("agreeing estimators should give positive confidence, got %.2f", p.Confidence)
	}
}

func TestSpikeProbabilityStressContribution(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	f := newTestForecaster(t, clock)

	for i := 0; i < 10; i++ {
		s := sampleAt(clock.Now(), 100)
		s.ErrorRatePercent = 10
		f.RecordSample(s)
		clock.Advance(5 * time.Second)
	}

	p, ok := f.Predict()
	if !ok {
		t.Fatal("expected a prediction")
	}
	// Flat traffic contributes nothing; the elevated error rate alone
	// should account for the whole score.
	if p.SpikeProbability != stressContribution {
		t.Errorf("expected spike probability %.2f from stress alone, got %.2f",
			stressContribution, p.SpikeProbability)
	}
}

func TestSpikeProbabilityGrowsWithTrend(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	flat := newTestForecaster(t, clock)
	rising := newTestForecaster(t, clock)

	for i := 0; i < 12; i++ {
		flat.RecordSample(sampleAt(clock.Now(), 100))
		rising.RecordSample(sampleAt(clock.Now(), 100+float64(i)*30))
		clock.Advance(5 * time.Second)
	}

	pFlat, _ := flat.Predict()
	pRising, _ := rising.Predict()
	if pRising.SpikeProbability <= pFlat.SpikeProbability {
		t.Errorf("rising traffic should score higher spike probability: rising=%.2f flat=%.2f",
			pRising.SpikeProbability, pFlat.SpikeProbability)
	}
}

func TestPredictAfterRingWrap(t *testing.T) {
	clock := newFakeClock(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	cfg := testConfig()
	cfg.MaxHistory = 8
	f := New(cfg, clock, zap.NewNop())

	// Record far more samples than the buffer holds; the window must be the
	// chronologically newest entries, so the trend stays positive.
	for i := 0; i < 30; i++ {
		f.RecordSample(sampleAt(clock.Now(), float64(i)*10))
		clock.Advance(5 * time.Second)
	}

	if got := f.SampleCount(); got != 30 {
		t.Fatalf("expected sample count 30, got %d", got)
	}

	p, ok := f.Predict()
	if !ok {
		t.Fatal("expected a prediction")
	}
	// Last recorded rate is 290 and rising; a scrambled window would pull
	// the prediction far below the current rate.
	if p.PredictedRate < 200 {
		t.Errorf("expected prediction near recent rates, got %.2f", p.PredictedRate)
	}
}

func TestPredictionExpiry(t *testing.T) {
	generated := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	p := &Prediction{GeneratedAt: generated, Horizon: 5 * time.Minute}

	if p.Expired(generated.Add(4 * time.Minute)) {
		t.Error("prediction should be valid within its horizon")
	}
	if !p.Expired(generated.Add(6 * time.Minute)) {
		t.Error("prediction should expire after its horizon")
	}
}

func TestDetectPatternsFlagsBusyHour(t *testing.T) {
	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC) // Monday
	clock := newFakeClock(base)
	f := newTestForecaster(t, clock)

	// Hour 12 runs at triple the rate of every other hour.
	for day := 0; day < 3; day++ {
		for hour := 0; hour < 24; hour++ {
			ts := base.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
			rate := 100.0
			if hour == 12 {
				rate = 300.0
			}
			f.RecordSample(sampleAt(ts, rate))
		}
	}

	patterns := f.DetectPatterns()
	if len(patterns) == 0 {
		t.Fatal("expected at least one detected pattern")
	}

	var busy *TrafficPattern
	for i := range patterns {
		if patterns[i].Type == PatternHourly && patterns[i].Bucket == 12 {
			busy = &patterns[i]
			break
		}
	}
	if busy == nil {
		t.Fatal("expected an hourly pattern for the busy hour")
	}
	if busy.Multiplier <= 1.3 {
		t.Errorf("busy hour multiplier should exceed the high ratio, got %.2f", busy.Multiplier)
	}
	if busy.Samples != 3 {
		t.Errorf("expected 3 samples in the busy bucket, got %d", busy.Samples)
	}
}

func TestDetectPatternsReplacesPreviousSet(t *testing.T) {
	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(base)
	cfg := testConfig()
	cfg.MaxHistory = 48
	f := New(cfg, clock, zap.NewNop())

	for day := 0; day < 2; day++ {
		for hour := 0; hour < 24; hour++ {
			ts := base.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
			rate := 100.0
			if hour == 9 {
				rate = 400.0
			}
			f.RecordSample(sampleAt(ts, rate))
		}
	}
	first := f.DetectPatterns()
	if len(first) == 0 {
		t.Fatal("expected patterns from the first pass")
	}

	// Overwrite the full ring with uniform traffic; the busy-hour pattern
	// must disappear on the next pass.
	for day := 2; day < 4; day++ {
		for hour := 0; hour < 24; hour++ {
			ts := base.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
			f.RecordSample(sampleAt(ts, 100))
		}
	}
	second := f.DetectPatterns()
	for _, p := range second {
		if p.Type == PatternHourly && p.Bucket == 9 {
			t.Errorf("stale busy-hour pattern survived redetection: %+v", p)
		}
	}
	if got := f.Patterns(); len(got) != len(second) {
		t.Errorf("Patterns() should reflect the latest pass: got %d want %d", len(got), len(second))
	}
}
