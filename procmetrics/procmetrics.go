// Package procmetrics provides read-only sampling of a running child
// process for surfacing liveness: CPU and memory usage, and staleness
// relative to the last time the process produced output. It never signals
// or otherwise influences the process it samples — samples are
// informational only, consumed by agent.Runtime's liveness warnings,
// never by anything that could auto-kill a child.
package procmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Snapshot is one read-only sample of a child process's resource usage.
type Snapshot struct {
	PID          int32
	CPUPercent   float64
	RSSBytes     uint64
	ElapsedSince time.Duration
}

// Sample reads a single snapshot for pid. Returns an error if the
// process has already exited — callers should treat that as "nothing to
// report" rather than a hard failure, since child processes routinely
// exit between the liveness timer firing and the sample being taken.
func Sample(pid int32, startedAt time.Time) (Snapshot, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return Snapshot{}, fmt.Errorf("procmetrics: pid %d: %w", pid, err)
	}
	cpuPct, err := proc.CPUPercent()
	if err != nil {
		return Snapshot{}, fmt.Errorf("procmetrics: cpu percent: %w", err)
	}
	mem, err := proc.MemoryInfo()
	var rss uint64
	if err == nil && mem != nil {
		rss = mem.RSS
	}
	return Snapshot{
		PID:          pid,
		CPUPercent:   cpuPct,
		RSSBytes:     rss,
		ElapsedSince: time.Since(startedAt),
	}, nil
}

// Watcher periodically samples a single child process and reports
// whether it has gone stale — produced no output for longer than the
// configured window. Watcher never kills or signals the process; it only
// reports.
type Watcher struct {
	PID            int32
	StartedAt      time.Time
	LivenessWindow time.Duration
	LastOutputAt   func() time.Time // polled each tick; wired to the agent's last-output timestamp

	OnSample func(Snapshot)
	OnStale  func(idle time.Duration)
}

// Run samples every interval until ctx is cancelled. Sampling and
// staleness-warning errors are swallowed (the process may have exited)
// rather than propagated, since a liveness watcher's whole purpose is
// to degrade gracefully when it can't observe anything.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if snap, err := Sample(w.PID, w.StartedAt); err == nil && w.OnSample != nil {
				w.OnSample(snap)
			}
			if w.LastOutputAt == nil || w.OnStale == nil {
				continue
			}
			idle := time.Since(w.LastOutputAt())
			if idle > w.LivenessWindow {
				w.OnStale(idle)
			}
		}
	}
}
