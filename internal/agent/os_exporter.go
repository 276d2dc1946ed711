package agent

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// OSExporter is the built-in reference exporter: CPU, memory,
// filesystem and network counters from procfs. Hardware exporters
// (IPMI, NVMe SMART, PSU, GPU) plug in through the same Exporter
// contract.
type OSExporter struct {
	mountpoints []string

	lastCPUTotal float64
	lastCPUIdle  float64
}

func NewOSExporter(mountpoints []string) *OSExporter {
	if len(mountpoints) == 0 {
		mountpoints = []string{"/"}
	}
	return &OSExporter{mountpoints: mountpoints}
}

func (e *OSExporter) Name() string { return "os" }

func (e *OSExporter) Collect(ctx context.Context) ([]Sample, error) {
	now := time.Now()
	var out []Sample

	if stat, err := os.ReadFile("/proc/stat"); err == nil {
		if pct, ok := e.cpuPercent(stat); ok {
			out = append(out, FloatSample("cpu_usage_percent", nil, pct, now))
		}
	}

	if meminfo, err := os.ReadFile("/proc/meminfo"); err == nil {
		total, avail, ok := parseMeminfo(meminfo)
		if ok {
			out = append(out,
				IntSample("memory_total_bytes", nil, total, now),
				IntSample("memory_available_bytes", nil, avail, now),
				IntSample("memory_used_bytes", nil, total-avail, now),
			)
		}
	}

	for _, mp := range e.mountpoints {
		var fs syscall.Statfs_t
		if err := syscall.Statfs(mp, &fs); err != nil {
			continue
		}
		bsize := uint64(fs.Bsize)
		total := fs.Blocks * bsize
		free := fs.Bavail * bsize
		lbl := map[string]string{"mountpoint": mp}
		out = append(out,
			IntSample("fs_total_bytes", lbl, int64(total), now),
			IntSample("fs_used_bytes", lbl, int64(total-free), now),
		)
	}

	if netdev, err := os.ReadFile("/proc/net/dev"); err == nil {
		for dev, counters := range parseNetDev(netdev) {
			lbl := map[string]string{"device": dev}
			out = append(out,
				IntSample("network_receive_bytes_total", lbl, counters[0], now),
				IntSample("network_transmit_bytes_total", lbl, counters[1], now),
			)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no OS metrics collected")
	}
	return out, nil
}

// cpuPercent derives utilization from consecutive /proc/stat
// snapshots; the first call only primes the counters.
func (e *OSExporter) cpuPercent(stat []byte) (float64, bool) {
	total, idle, ok := parseCPUStat(stat)
	if !ok {
		return 0, false
	}
	defer func() {
		e.lastCPUTotal = total
		e.lastCPUIdle = idle
	}()
	if e.lastCPUTotal == 0 {
		return 0, false
	}
	dTotal := total - e.lastCPUTotal
	dIdle := idle - e.lastCPUIdle
	if dTotal <= 0 {
		return 0, false
	}
	return (1 - dIdle/dTotal) * 100, true
}

func parseCPUStat(data []byte) (total, idle float64, ok bool) {
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return 0, 0, false
			}
			total += v
			// idle + iowait
			if i == 3 || i == 4 {
				idle += v
			}
		}
		return total, idle, true
	}
	return 0, 0, false
}

func parseMeminfo(data []byte) (totalBytes, availableBytes int64, ok bool) {
	var total, avail int64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v * 1024
		case "MemAvailable:":
			avail = v * 1024
		}
	}
	return total, avail, total > 0
}

// parseNetDev returns per-device [rxBytes, txBytes], loopback
// excluded.
func parseNetDev(data []byte) map[string][2]int64 {
	out := make(map[string][2]int64)
	for _, line := range strings.Split(string(data), "\n") {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		dev := strings.TrimSpace(line[:idx])
		if dev == "" || dev == "lo" {
			continue
		}
		fields := strings.Fields(line[idx+1:])
		if len(fields) < 9 {
			continue
		}
		rx, err1 := strconv.ParseInt(fields[0], 10, 64)
		tx, err2 := strconv.ParseInt(fields[8], 10, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out[dev] = [2]int64{rx, tx}
	}
	return out
}
