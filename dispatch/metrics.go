package dispatch

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"` // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`  // Total configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
	JobsWaiting   int     `json:"jobs_waiting"`
	JobsDelayed   int     `json:"jobs_delayed"`
	JobsActive    int     `json:"jobs_active"`
}

// memoryPressureThreshold is the utilization percentage above which Start
// warns that the worker count may be too high for this host.
const memoryPressureThreshold = 90.0

// GetSystemMetrics returns current system resource usage alongside the
// queue census.
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	var memUsedGB, memTotalGB, memPercent float64
	if v, err := mem.VirtualMemory(); err == nil && v.Total > 0 {
		memTotalGB = float64(v.Total) / 1024 / 1024 / 1024
		memUsedGB = float64(v.Total-v.Available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	stats, err := wp.queue.Stats(time.Now())
	if err != nil {
		stats = &QueueStats{}
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  wp.workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		JobsWaiting:   stats.Waiting,
		JobsDelayed:   stats.Delayed,
		JobsActive:    stats.Active,
	}
}

// checkMemoryPressure validates worker count against available memory.
// Returns a warning message if the host is already under pressure, empty
// string if OK. Executions buffer their full output in memory, so starting
// a wide pool on a strained host degrades everything on it.
func (wp *WorkerPool) checkMemoryPressure() string {
	v, err := mem.VirtualMemory()
	if err != nil || v.Total == 0 {
		return "" // Can't check, assume OK
	}

	usedPercent := float64(v.Total-v.Available) / float64(v.Total) * 100
	if usedPercent > memoryPressureThreshold {
		return fmt.Sprintf(
			"System memory at %.1f%% before starting %d workers. "+
				"Consider reducing workers to prevent memory pressure.",
			usedPercent, wp.workers)
	}
	return ""
}
