//go:build !linux

package metrics

// Host readings are Linux-only; other platforms run on pipeline feedback
// alone.

func readCPUTimes() (cpuTimes, error) { return cpuTimes{}, nil }

func readMemoryPercent() (float64, error) { return 0, nil }
