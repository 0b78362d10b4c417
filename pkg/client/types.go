package client

import "time"

// Run summarizes one recorded run.
type Run struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Event is one recorded step of a run.
type Event struct {
	Type       string    `json:"type"`
	RunID      string    `json:"run_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Subject    string    `json:"subject"`
	Target     string    `json:"target,omitempty"`
	ReplicaID  int       `json:"replica_id"`
	Status     string    `json:"status"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

// EventQuery represents query parameters for the events endpoint
type EventQuery struct {
	RunID string
	Type  string
	Limit int
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
