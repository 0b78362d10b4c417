package process

import "time"

// Status is a snapshot of a process run.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   error     `json:"-"`
}

// Duration is the wall time between start and stop, or zero while running.
func (s Status) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.StoppedAt.IsZero() {
		return 0
	}
	return s.StoppedAt.Sub(s.StartedAt)
}
