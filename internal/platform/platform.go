// Package platform samples host resource usage for the metrics package,
// grounded on the teacher's internal/shared/limits.ResourceGuard and its
// platform.CPUMonitor: rather than hand-parsing cgroup v1/v2 files the way
// cgroup_cpu.go does, this uses gopsutil directly, which already handles
// container-aware CPU and memory accounting across platforms.
package platform

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	cpuutil "github.com/shirou/gopsutil/v3/cpu"
	memutil "github.com/shirou/gopsutil/v3/mem"
)

// Usage is a single resource snapshot.
type Usage struct {
	CPUPercent    float64
	MemoryBytes   uint64
	MemoryPercent float64
}

// Monitor samples CPU and memory usage on an interval and exposes the most
// recent reading, the same role the teacher's SystemMonitor singleton
// plays for every ResourceGuard in the process.
type Monitor struct {
	logger zerolog.Logger

	mu      sync.Mutex
	current Usage
}

// NewMonitor constructs a Monitor. Call Run to begin sampling.
func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With().Str("component", "platform_monitor").Logger(),
	}
}

// Run samples usage every interval until ctx is cancelled. Intended to run
// in its own goroutine, mirroring the teacher's SystemMonitor.StartMonitoring.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	var u Usage

	if pcts, err := cpuutil.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		u.CPUPercent = pcts[0]
	} else if err != nil {
		m.logger.Debug().Err(err).Msg("cpu sample failed")
	}

	if vm, err := memutil.VirtualMemoryWithContext(ctx); err == nil {
		u.MemoryBytes = vm.Used
		u.MemoryPercent = vm.UsedPercent
	} else {
		m.logger.Debug().Err(err).Msg("memory sample failed")
	}

	m.mu.Lock()
	m.current = u
	m.mu.Unlock()
}

// Current returns the most recent sample. Zero value until Run takes its
// first sample.
func (m *Monitor) Current() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
