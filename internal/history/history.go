package history

import (
	"context"
	"time"
)

// EventType defines the kind of run event.
type EventType string

const (
	EventRunStart     EventType = "run_start"
	EventArchive      EventType = "archive"
	EventReplicaStart EventType = "replica_start"
	EventReplicaExit  EventType = "replica_exit"
	EventRunEnd       EventType = "run_end"
)

// NoReplica marks events that do not belong to a replica.
const NoReplica = -1

// Event is one step of an orchestrated run. Subject is the data file for
// archive events and the program argv for replica events.
type Event struct {
	Type       EventType `json:"type" yaml:"type"`
	RunID      string    `json:"run_id" yaml:"run_id"`
	OccurredAt time.Time `json:"occurred_at" yaml:"occurred_at"`
	Subject    string    `json:"subject" yaml:"subject"`
	Target     string    `json:"target,omitempty" yaml:"target,omitempty"`
	ReplicaID  int       `json:"replica_id" yaml:"replica_id"`
	Status     string    `json:"status" yaml:"status"`
	PID        int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	ExitCode   int       `json:"exit_code" yaml:"exit_code"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Query filters List results. Zero fields match everything.
type Query struct {
	RunID string
	Type  EventType
	Limit int
	// Newest returns the most recent events first, so Limit keeps the tail.
	Newest bool
}

// DefaultLimit caps List when Query.Limit is not positive.
const DefaultLimit = 500

// Reader is implemented by sinks that can read their events back.
type Reader interface {
	List(ctx context.Context, q Query) ([]Event, error)
}

// Nop discards events.
type Nop struct{}

func (Nop) Send(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }

// Store is a Sink that can also list its events.
type Store interface {
	Sink
	Reader
}
