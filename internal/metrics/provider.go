// Package metrics implements the local metrics provider: host CPU and
// memory readings combined with pipeline feedback from the serving layer.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/cboxdk/overload-manager/internal/types"
	"go.uber.org/zap"
)

// Local is a MetricsProvider that samples the host it runs on. CPU and
// memory come from the operating system; request rate, error rate,
// response time and cache hit rate come from the embedded Feedback
// recorder. Host read failures degrade to zero values rather than failing
// the sample, so the control loop keeps running on partial data.
type Local struct {
	*Feedback

	clock  types.Clock
	logger *zap.Logger

	mu      sync.Mutex
	lastCPU cpuTimes
}

// NewLocal creates a local provider with a feedback window.
func NewLocal(window time.Duration, clock types.Clock, logger *zap.Logger) *Local {
	return &Local{
		Feedback: NewFeedback(window, clock),
		clock:    clock,
		logger:   logger,
	}
}

// Sample returns the current health snapshot.
func (l *Local) Sample(ctx context.Context) (types.MetricsSample, error) {
	s := types.MetricsSample{Timestamp: l.clock.Now()}

	cpu, err := readCPUTimes()
	if err != nil {
		l.logger.Warn("CPU read failed", zap.Error(err))
	} else {
		l.mu.Lock()
		if l.lastCPU.total > 0 {
			s.CPUPercent = cpu.busyPercentSince(l.lastCPU)
		}
		l.lastCPU = cpu
		l.mu.Unlock()
	}

	memPercent, err := readMemoryPercent()
	if err != nil {
		l.logger.Warn("Memory read failed", zap.Error(err))
	} else {
		s.MemoryPercent = memPercent
	}

	l.fill(&s)
	return s, nil
}

// cpuTimes is an aggregate CPU time reading.
type cpuTimes struct {
	busy  uint64
	total uint64
}

// busyPercentSince computes utilization between two readings.
func (c cpuTimes) busyPercentSince(prev cpuTimes) float64 {
	totalDelta := c.total - prev.total
	if totalDelta == 0 {
		return 0
	}
	return float64(c.busy-prev.busy) / float64(totalDelta) * 100
}
