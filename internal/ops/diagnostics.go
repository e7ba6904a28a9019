package ops

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// SystemStats contains overall system statistics
type SystemStats struct {
	Version   string        `json:"version"`
	Commit    string        `json:"commit"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"startTime"`

	// Runtime stats
	GoVersion       string  `json:"goVersion"`
	NumGoroutines   int     `json:"goroutines"`
	MemAllocMB      float64 `json:"memAllocMb"`
	MemTotalAllocMB float64 `json:"memTotalAllocMb"`
	MemSysMB        float64 `json:"memSysMb"`
	NumGC           uint32  `json:"numGc"`
}

// KindCount is the number of live and soft-deleted rows of one record kind
type KindCount struct {
	Kind    string `json:"kind"`
	Live    int64  `json:"live"`
	Deleted int64  `json:"deleted"`
}

// StorageStats contains relational store statistics
type StorageStats struct {
	Driver       string      `json:"driver"`
	Kinds        []KindCount `json:"kinds"`
	TotalLive    int64       `json:"totalLive"`
	TotalDeleted int64       `json:"totalDeleted"`
}

// QueueStats contains job queue statistics
type QueueStats struct {
	Pending     int64 `json:"pending"`
	DeadLetters int64 `json:"deadLetters"`
}

// StorageSource reports row counts for the relational store
type StorageSource interface {
	Driver() string
	KindCounts(ctx context.Context) ([]KindCount, error)
}

// QueueSource reports queue depth
type QueueSource interface {
	Depth(ctx context.Context) (pending, dead int64, err error)
}

// DiagnosticsCollector collects system diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	storage   StorageSource
	queue     QueueSource
}

// NewDiagnosticsCollector creates a new diagnostics collector. queue may be
// nil when no queue is configured.
func NewDiagnosticsCollector(version, commit string, st StorageSource, q QueueSource) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		storage:   st,
		queue:     q,
	}
}

// CollectSystemStats collects system-level statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   d.version,
		Commit:    d.commit,
		Uptime:    time.Since(d.startTime),
		StartTime: d.startTime,

		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

// CollectStorageStats collects storage-related statistics
func (d *DiagnosticsCollector) CollectStorageStats(ctx context.Context) (*StorageStats, error) {
	kinds, err := d.storage.KindCounts(ctx)
	if err != nil {
		return nil, err
	}

	stats := &StorageStats{Driver: d.storage.Driver(), Kinds: kinds}
	for _, k := range kinds {
		stats.TotalLive += k.Live
		stats.TotalDeleted += k.Deleted
	}
	return stats, nil
}

// CollectQueueStats collects queue depth, or nil without a queue
func (d *DiagnosticsCollector) CollectQueueStats(ctx context.Context) (*QueueStats, error) {
	if d.queue == nil {
		return nil, nil
	}
	pending, dead, err := d.queue.Depth(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{Pending: pending, DeadLetters: dead}, nil
}

// CollectAll collects all diagnostic information
func (d *DiagnosticsCollector) CollectAll(ctx context.Context) (*Diagnostics, error) {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
		System:      d.CollectSystemStats(),
	}

	storageStats, err := d.CollectStorageStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect storage stats: %w", err)
	}
	diag.Storage = storageStats

	queueStats, err := d.CollectQueueStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect queue stats: %w", err)
	}
	diag.Queue = queueStats

	return diag, nil
}

// Diagnostics contains all diagnostic information
type Diagnostics struct {
	CollectedAt time.Time     `json:"collectedAt"`
	System      *SystemStats  `json:"system"`
	Storage     *StorageStats `json:"storage"`
	Queue       *QueueStats   `json:"queue,omitempty"`
}

// FormatAsText formats diagnostics as plain text
func (d *Diagnostics) FormatAsText() string {
	var b strings.Builder

	fmt.Fprintf(&b, "=== castfeed Diagnostics ===\n")
	fmt.Fprintf(&b, "Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	fmt.Fprintf(&b, "--- System ---\n")
	fmt.Fprintf(&b, "Version: %s (%s)\n", d.System.Version, d.System.Commit)
	fmt.Fprintf(&b, "Go Version: %s\n", d.System.GoVersion)
	fmt.Fprintf(&b, "Goroutines: %d\n", d.System.NumGoroutines)
	fmt.Fprintf(&b, "Memory: %.2f MB allocated, %.2f MB system\n\n", d.System.MemAllocMB, d.System.MemSysMB)

	fmt.Fprintf(&b, "--- Storage ---\n")
	fmt.Fprintf(&b, "Driver: %s\n", d.Storage.Driver)
	fmt.Fprintf(&b, "Records: %d live, %d deleted\n", d.Storage.TotalLive, d.Storage.TotalDeleted)
	for _, k := range d.Storage.Kinds {
		fmt.Fprintf(&b, "  %-15s %8d live %8d deleted\n", k.Kind, k.Live, k.Deleted)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "--- Queue ---\n")
	if d.Queue != nil {
		fmt.Fprintf(&b, "Pending: %d\n", d.Queue.Pending)
		fmt.Fprintf(&b, "Dead Letters: %d\n", d.Queue.DeadLetters)
	} else {
		fmt.Fprintf(&b, "Not configured\n")
	}

	return b.String()
}
