package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// DefaultSampleInterval is how often a running replica is polled.
const DefaultSampleInterval = time.Second

// Usage is the resource footprint observed for one process.
type Usage struct {
	PID        int     `json:"pid" yaml:"pid"`
	PeakRSS    uint64  `json:"peak_rss" yaml:"peak_rss"`
	CPUSeconds float64 `json:"cpu_seconds" yaml:"cpu_seconds"`
	Threads    int32   `json:"threads,omitempty" yaml:"threads,omitempty"`
	Samples    int     `json:"samples" yaml:"samples"`
}

// Sampling polls one pid until Stop is called or the process disappears.
type Sampling struct {
	mu       sync.Mutex
	usage    Usage
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Sample starts polling pid every interval. The first sample is taken
// immediately so short-lived processes are still observed once.
func Sample(ctx context.Context, pid int, interval time.Duration) *Sampling {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	s := &Sampling{usage: Usage{PID: pid}, stopCh: make(chan struct{})}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		slog.Debug("resource sampling unavailable", "pid", pid, "error", err)
		return s
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if !s.collect(ctx, proc) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// collect reports false once the process can no longer be read.
func (s *Sampling) collect(ctx context.Context, proc *process.Process) bool {
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		slog.Debug("failed to read memory info", "pid", proc.Pid, "error", err)
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Samples++
	if mem.RSS > s.usage.PeakRSS {
		s.usage.PeakRSS = mem.RSS
	}
	if t, err := proc.TimesWithContext(ctx); err == nil {
		s.usage.CPUSeconds = t.User + t.System
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		s.usage.Threads = n
	}
	return true
}

// Stop ends sampling and returns what was observed. Safe to call more than once.
func (s *Sampling) Stop() Usage {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}
