package forecast

import (
	"sort"

	"go.uber.org/zap"
)

// bucketStats accumulates per-bucket request-rate statistics during a
// detection pass.
type bucketStats struct {
	sum   float64
	count int
}

// DetectPatterns recomputes the recurring-pattern set from the full history.
// It groups samples by hour-of-day, day-of-week and weekday-vs-weekend and
// flags any bucket whose mean deviates from the global mean beyond the
// configured ratios. The result fully replaces the previous pattern set.
//
// Detection is expensive relative to prediction and runs on a slower cadence
// (the pattern-detection tick), never inline with Predict.
func (f *Forecaster) DetectPatterns() []TrafficPattern {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.count < f.cfg.MinSamples {
		return nil
	}

	hourly := make(map[int]*bucketStats)
	daily := make(map[int]*bucketStats)
	weekly := make(map[int]*bucketStats)
	var globalSum float64
	total := 0

	for _, s := range f.history {
		if s.Timestamp.IsZero() {
			continue
		}
		globalSum += s.RequestRate
		total++

		accumulate(hourly, s.Timestamp.Hour(), s.RequestRate)
		accumulate(daily, int(s.Timestamp.Weekday()), s.RequestRate)
		wk := 0
		if d := s.Timestamp.Weekday(); d == 0 || d == 6 {
			wk = 1
		}
		accumulate(weekly, wk, s.RequestRate)
	}

	if total == 0 || globalSum == 0 {
		f.patterns = nil
		return nil
	}
	globalMean := globalSum / float64(total)

	var patterns []TrafficPattern
	patterns = append(patterns, f.flagDeviations(hourly, PatternHourly, globalMean, total)...)
	patterns = append(patterns, f.flagDeviations(daily, PatternDaily, globalMean, total)...)
	patterns = append(patterns, f.flagDeviations(weekly, PatternWeekly, globalMean, total)...)

	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].Confidence > patterns[j].Confidence
	})

	f.patterns = patterns
	f.logger.Debug("Pattern detection completed",
		zap.Int("patterns", len(patterns)),
		zap.Int("samples", total),
		zap.Float64("global_mean_rate", globalMean))

	out := make([]TrafficPattern, len(patterns))
	copy(out, patterns)
	return out
}

func accumulate(buckets map[int]*bucketStats, key int, rate float64) {
	b := buckets[key]
	if b == nil {
		b = &bucketStats{}
		buckets[key] = b
	}
	b.sum += rate
	b.count++
}

// flagDeviations emits a pattern for every bucket whose mean rate deviates
// from the global mean beyond the configured high/low ratios. Confidence is
// proportional to the bucket's share of an even sample distribution, capped
// at 1.
func (f *Forecaster) flagDeviations(buckets map[int]*bucketStats, kind PatternType, globalMean float64, total int) []TrafficPattern {
	expected := float64(total) / float64(len(buckets))
	if expected <= 0 {
		return nil
	}

	var out []TrafficPattern
	for key, b := range buckets {
		if b.count < 2 {
			continue
		}
		mean := b.sum / float64(b.count)
		ratio := mean / globalMean
		if ratio < f.cfg.PatternHighRatio && ratio > f.cfg.PatternLowRatio {
			continue
		}

		confidence := float64(b.count) / expected
		if confidence > 1 {
			confidence = 1
		}
		out = append(out, TrafficPattern{
			Type:       kind,
			Bucket:     key,
			Multiplier: ratio,
			Confidence: confidence,
			Samples:    b.count,
		})
	}
	return out
}
