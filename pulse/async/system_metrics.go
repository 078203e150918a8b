package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/slate/errors"
)

// SystemMetrics is the engine's view of load, reported by /health.
type SystemMetrics struct {
	JobsQueued   int `json:"jobs_queued"`
	JobsRunning  int `json:"jobs_running"`
	JobsPaused   int `json:"jobs_paused"`
	JobsAwaiting int `json:"jobs_awaiting_approval"`

	// Jobs a driver is ticking right now
	LiveClaims  int `json:"live_claims"`
	// Open event streams
	Subscribers int `json:"subscribers"`

	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// getMemoryStats returns current memory usage in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// CalculateSafeDriveCount recommends how many jobs one process should drive
// concurrently given available memory and the footprint of one work unit.
func CalculateSafeDriveCount(availableGB, perDriveGB float64) int {
	const memoryBuffer = 2.0 // GB reserved for the rest of the system

	if perDriveGB <= 0 || availableGB < memoryBuffer {
		return 1 // Always allow at least 1 drive
	}

	recommended := int((availableGB - memoryBuffer) / perDriveGB)
	if recommended < 1 {
		return 1
	}
	if recommended > 32 {
		return 32
	}
	return recommended
}

// SystemMetrics returns current job and memory usage. Database errors leave
// the job counts at zero.
func (e *Engine) SystemMetrics(ctx context.Context) SystemMetrics {
	var m SystemMetrics

	total, available, err := getMemoryStats()
	if err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / 1024 / 1024 / 1024
		m.MemoryUsedGB = float64(total-available) / 1024 / 1024 / 1024
		m.MemoryPercent = (m.MemoryUsedGB / m.MemoryTotalGB) * 100
	}

	if counts, err := e.store.StatusCounts(ctx); err == nil {
		m.JobsQueued = counts.Queued
		m.JobsRunning = counts.Running
		m.JobsPaused = counts.Paused
		m.JobsAwaiting = counts.Awaiting
		m.LiveClaims = counts.LiveClaims
	} else {
		e.logger.Debugw("Failed to count jobs for metrics", "error", err)
	}
	m.Subscribers = e.events.SubscriberCount()
	return m
}

// CheckMemoryPressure returns a warning when drives exceeds what available
// memory supports, or "" if it is fine or cannot be checked.
func CheckMemoryPressure(drives int, perDriveGB float64) string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := CalculateSafeDriveCount(availableGB, perDriveGB)

	if drives > recommended {
		return fmt.Sprintf(
			"Concurrent drives (%d) exceed recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider lowering pulse.max_concurrent_drives.",
			drives, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
