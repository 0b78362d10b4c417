package history

import (
	"context"
	"sort"
	"time"
)

// MaxListLimit bounds how many events a single listing returns.
const MaxListLimit = 10000

// RunInfo summarizes one run from its start and end events.
type RunInfo struct {
	RunID      string     `json:"run_id" yaml:"run_id"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Status     string     `json:"status" yaml:"status"`
	ExitCode   *int       `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty" yaml:"error,omitempty"`
}

// Runs returns the latest limit runs, newest first, joining each run_start
// with its run_end. Runs that never recorded an end keep the status of
// their start event.
func Runs(ctx context.Context, r Reader, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	starts, err := r.List(ctx, Query{Type: EventRunStart, Limit: limit, Newest: true})
	if err != nil {
		return nil, err
	}
	if len(starts) == 0 {
		return []RunInfo{}, nil
	}
	runs := make([]RunInfo, 0, len(starts))
	index := make(map[string]int, len(starts))
	for _, e := range starts {
		index[e.RunID] = len(runs)
		runs = append(runs, RunInfo{RunID: e.RunID, StartedAt: e.OccurredAt, Status: e.Status})
	}

	// The latest ends cover the latest starts unless runs overlapped;
	// the remaining ones are looked up per run.
	ends, err := r.List(ctx, Query{Type: EventRunEnd, Limit: min(2*limit, MaxListLimit), Newest: true})
	if err != nil {
		return nil, err
	}
	found := make(map[string]bool, len(runs))
	for _, e := range ends {
		if i, ok := index[e.RunID]; ok && !found[e.RunID] {
			runs[i].finish(e)
			found[e.RunID] = true
		}
	}
	for i := range runs {
		if found[runs[i].RunID] {
			continue
		}
		end, err := r.List(ctx, Query{RunID: runs[i].RunID, Type: EventRunEnd, Limit: 1, Newest: true})
		if err != nil {
			return nil, err
		}
		if len(end) > 0 {
			runs[i].finish(end[0])
		}
	}
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].StartedAt.After(runs[b].StartedAt) })
	return runs, nil
}

func (ri *RunInfo) finish(e Event) {
	at, code := e.OccurredAt, e.ExitCode
	ri.FinishedAt = &at
	ri.ExitCode = &code
	ri.Status = e.Status
	ri.Error = e.Error
}
