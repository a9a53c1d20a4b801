// Package collect supplies host gauges for the metrics sampling loop.
package collect

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// SystemSampler reads CPU, memory, disk, network and load gauges via
// gopsutil. It implements guard.SystemProvider.
type SystemSampler struct{}

// NewSystemSampler creates a sampler.
func NewSystemSampler() *SystemSampler { return &SystemSampler{} }

// Sample polls the host. Gauges that fail to read are left out of the
// map rather than failing the whole poll; the poll errors only when
// nothing could be read.
func (s *SystemSampler) Sample(ctx context.Context) (map[string]float64, error) {
	out := make(map[string]float64, 8)

	var firstErr error
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		out["system.cpu.percent"] = percents[0]
	} else if err != nil {
		firstErr = err
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["system.memory.percent"] = vm.UsedPercent
		out["system.memory.used_mb"] = float64(vm.Used) / (1 << 20)
	} else if firstErr == nil {
		firstErr = err
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		out["system.disk.percent"] = du.UsedPercent
	} else if firstErr == nil {
		firstErr = err
	}

	// Cumulative counters; the anomaly detector watches the series for
	// rate changes, not absolute values.
	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		out["system.net.bytes_sent_mb"] = float64(counters[0].BytesSent) / (1 << 20)
		out["system.net.bytes_recv_mb"] = float64(counters[0].BytesRecv) / (1 << 20)
	} else if firstErr == nil {
		firstErr = err
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		out["system.load.1m"] = avg.Load1
		out["system.load.5m"] = avg.Load5
	} else if firstErr == nil {
		firstErr = err
	}

	out["system.goroutines"] = float64(runtime.NumGoroutine())

	if len(out) == 1 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
