//go:build linux

package metrics

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// readCPUTimes parses the aggregate cpu line of /proc/stat.
func readCPUTimes() (cpuTimes, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return cpuTimes{}, fmt.Errorf("failed to read /proc/stat: %w", err)
	}

	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTimes{}, fmt.Errorf("unexpected /proc/stat format: %q", line)
	}

	var times cpuTimes
	for i, field := range fields[1:] {
		v, err := strconv.ParseUint(field, 10, 64)
		if err != nil {
			return cpuTimes{}, fmt.Errorf("failed to parse /proc/stat field %d: %w", i, err)
		}
		times.total += v
		// Fields 4 and 5 are idle and iowait.
		if i != 3 && i != 4 {
			times.busy += v
		}
	}
	return times, nil
}

// readMemoryPercent reports used physical memory via sysinfo. Buffer pages
// count as free since the kernel reclaims them under pressure.
func readMemoryPercent() (float64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo failed: %w", err)
	}

	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(info.Totalram) * unit
	free := (uint64(info.Freeram) + uint64(info.Bufferram)) * unit
	if total == 0 {
		return 0, fmt.Errorf("sysinfo reported zero total memory")
	}
	return float64(total-free) / float64(total) * 100, nil
}
