package tasks

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/lucid-vigil/agentwatch/pkg/config"
	"github.com/lucid-vigil/agentwatch/pkg/metrics"
)

// ResourceMonitorName is the configuration name of the resource monitor.
const ResourceMonitorName = "resource_monitor"

// ResourceSample is one reading of the daemon's own footprint.
type ResourceSample struct {
	RSSBytes   uint64
	CPUPercent float64
}

// ResourceMonitor samples the daemon's memory and CPU use and warns when
// resident memory exceeds the configured ceiling.
type ResourceMonitor struct {
	*BaseTask
	metrics     *metrics.Metrics
	maxMemoryMB int
	sample      func() (ResourceSample, error)
}

// NewResourceMonitor creates a monitor of the current process. m may be nil.
func NewResourceMonitor(m *metrics.Metrics, logger zerolog.Logger) *ResourceMonitor {
	return &ResourceMonitor{
		BaseTask: NewBaseTask(ResourceMonitorName, logger),
		metrics:  m,
		sample:   sampleSelf,
	}
}

// Configure applies the task's configuration entry.
func (r *ResourceMonitor) Configure(cfg config.TaskConfig) error {
	if cfg.MaxMemoryMB < 0 {
		return fmt.Errorf("max_memory_mb must not be negative, got %d", cfg.MaxMemoryMB)
	}
	r.maxMemoryMB = cfg.MaxMemoryMB
	return nil
}

// Run takes one sample.
func (r *ResourceMonitor) Run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	s, err := r.sample()
	r.RecordRun(time.Now(), err)
	if err != nil {
		r.Logger().Error().Err(err).Msg("Failed to sample process resources")
		return
	}

	if r.metrics != nil {
		r.metrics.ProcessMemoryBytes.Set(float64(s.RSSBytes))
	}
	r.UpdateMetrics("rss_bytes", s.RSSBytes)
	r.UpdateMetrics("cpu_percent", s.CPUPercent)

	rssMB := s.RSSBytes / (1024 * 1024)
	if r.maxMemoryMB > 0 && rssMB > uint64(r.maxMemoryMB) {
		r.Logger().Warn().
			Uint64("rss_mb", rssMB).
			Int("max_memory_mb", r.maxMemoryMB).
			Float64("cpu_percent", s.CPUPercent).
			Msg("High memory usage detected.")
		return
	}
	r.Logger().Debug().Uint64("rss_mb", rssMB).Float64("cpu_percent", s.CPUPercent).Msg("Resource sample")
}

func sampleSelf() (ResourceSample, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return ResourceSample{}, err
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return ResourceSample{}, err
	}
	cpu, err := p.CPUPercent()
	if err != nil {
		return ResourceSample{}, err
	}
	return ResourceSample{RSSBytes: mem.RSS, CPUPercent: cpu}, nil
}
