package job

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/loykin/islerun/internal/archive"
	"github.com/loykin/islerun/internal/env"
	"github.com/loykin/islerun/internal/history"
	"github.com/loykin/islerun/internal/launcher"
	"github.com/loykin/islerun/internal/metrics"
)

// Phase represents the phase of run execution
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseArchiving Phase = "Archiving"
	PhaseLaunching Phase = "Launching"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
)

// Summary is the outcome of a finished run.
type Summary struct {
	RunID             string                `json:"run_id" yaml:"run_id"`
	Phase             Phase                 `json:"phase" yaml:"phase"`
	StartedAt         time.Time             `json:"started_at" yaml:"started_at"`
	FinishedAt        time.Time             `json:"finished_at" yaml:"finished_at"`
	Archived          int                   `json:"archived" yaml:"archived"`
	ArchiveFailed     int                   `json:"archive_failed" yaml:"archive_failed"`
	ReplicasSucceeded int                   `json:"replicas_succeeded" yaml:"replicas_succeeded"`
	ReplicasFailed    int                   `json:"replicas_failed" yaml:"replicas_failed"`
	Canceled          bool                  `json:"canceled,omitempty" yaml:"canceled,omitempty"`
	ExitCode          int                   `json:"exit_code" yaml:"exit_code"`
	Archive           archive.Report        `json:"archive" yaml:"archive"`
	Replicas          []launcher.Result     `json:"replicas" yaml:"replicas"`
	Usage             map[int]metrics.Usage `json:"usage,omitempty" yaml:"usage,omitempty"`
}

func (s Summary) Duration() time.Duration { return s.FinishedAt.Sub(s.StartedAt) }

type Option func(*Job)

// WithSink records run events. Events are not recorded in dry runs.
func WithSink(s history.Sink) Option { return func(j *Job) { j.sink = s } }

func WithLogger(l *slog.Logger) Option { return func(j *Job) { j.log = l } }

// WithRunner replaces the process runner used for replicas.
func WithRunner(r launcher.Runner) Option { return func(j *Job) { j.runner = r } }

func WithEnv(e *env.Env) Option { return func(j *Job) { j.env = e } }

func WithClock(now func() time.Time) Option { return func(j *Job) { j.now = now } }

// WithRunID overrides the generated ULID.
func WithRunID(id string) Option { return func(j *Job) { j.id = id } }

// Job runs the archive phase to completion and then the replica loop.
type Job struct {
	mu     sync.RWMutex
	spec   Spec
	id     string
	phase  Phase
	sink   history.Sink
	log    *slog.Logger
	runner launcher.Runner
	env    *env.Env
	now    func() time.Time

	sampling map[int]*metrics.Sampling
	usage    map[int]metrics.Usage
	// ctx is the run context; observers use it without cancellation to
	// record the events of an interrupted run.
	ctx context.Context
}

// New validates spec and prepares a run with a fresh ULID.
func New(spec Spec, opts ...Option) (*Job, error) {
	if spec.ExitPolicy == "" {
		spec.ExitPolicy = ExitLast
	}
	spec.applyDryRun()
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	j := &Job{
		spec:     spec,
		phase:    PhasePending,
		sink:     history.Nop{},
		log:      slog.Default(),
		env:      env.New(),
		now:      time.Now,
		sampling: make(map[int]*metrics.Sampling),
		usage:    make(map[int]metrics.Usage),
	}
	for _, o := range opts {
		o(j)
	}
	if j.id == "" {
		id, err := NewRunID(j.now())
		if err != nil {
			return nil, err
		}
		j.id = id
	}
	j.log = j.log.With("run_id", j.id)
	return j, nil
}

// NewRunID returns a ULID for a run starting at t.
func NewRunID(t time.Time) (string, error) {
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// ValidRunID reports whether s parses as a run id.
func ValidRunID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}

func (j *Job) ID() string { return j.id }

func (j *Job) Phase() Phase {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.phase
}

func (j *Job) setPhase(p Phase) {
	j.mu.Lock()
	from := j.phase
	j.phase = p
	j.mu.Unlock()
	metrics.RecordPhase(string(from), string(p))
	j.log.Debug("phase changed", "from", from, "to", p)
}

// Run archives, then launches. The error is non-nil when the data directory
// cannot be used or ctx was canceled; the summary is filled in either way.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	j.mu.Lock()
	if j.phase != PhasePending {
		j.mu.Unlock()
		return Summary{}, fmt.Errorf("run %s already started", j.id)
	}
	j.ctx = context.WithoutCancel(ctx)
	j.mu.Unlock()

	sum := Summary{RunID: j.id, StartedAt: j.now()}
	j.log.Info("run started", "dry_run", j.spec.DryRun, "policy", j.spec.ExitPolicy)
	j.record(history.Event{Type: history.EventRunStart, OccurredAt: sum.StartedAt, ReplicaID: history.NoReplica, Status: "running"})

	var runErr error
	if !j.spec.SkipArchive {
		j.setPhase(PhaseArchiving)
		a := archive.New(j.spec.Archive,
			archive.WithClock(j.now),
			archive.WithLogger(j.log),
			archive.WithObserver(j.archived),
		)
		sum.Archive = a.Archive(ctx)
		sum.Archived = sum.Archive.Count(archive.StatusArchived)
		sum.ArchiveFailed = sum.Archive.Failed()
	}

	if !j.spec.SkipLaunch && ctx.Err() == nil {
		j.setPhase(PhaseLaunching)
		opts := []launcher.Option{
			launcher.WithEnv(j.env),
			launcher.WithLogger(j.log),
			launcher.WithObserver(j),
			launcher.WithRunID(j.id),
		}
		if j.runner != nil {
			opts = append(opts, launcher.WithRunner(j.runner))
		}
		results, err := launcher.New(j.spec.Launch, opts...).Launch(ctx)
		sum.Replicas = results
		if err != nil {
			runErr = err
		}
		for _, r := range results {
			if r.Status == launcher.StatusSucceeded {
				sum.ReplicasSucceeded++
			} else if r.Status != launcher.StatusPlanned {
				sum.ReplicasFailed++
			}
		}
	}

	if err := ctx.Err(); err != nil && runErr == nil {
		sum.Canceled = true
		runErr = fmt.Errorf("run %s interrupted: %w", j.id, err)
	}

	j.mu.RLock()
	if len(j.usage) > 0 {
		sum.Usage = make(map[int]metrics.Usage, len(j.usage))
		for id, u := range j.usage {
			sum.Usage[id] = u
		}
	}
	j.mu.RUnlock()

	sum.ExitCode = j.exitCode(sum, runErr)
	sum.FinishedAt = j.now()
	sum.Phase = PhaseSucceeded
	if sum.ExitCode != 0 || runErr != nil {
		sum.Phase = PhaseFailed
	}
	j.setPhase(sum.Phase)

	endEvent := history.Event{Type: history.EventRunEnd, OccurredAt: sum.FinishedAt, ReplicaID: history.NoReplica, Status: strings.ToLower(string(sum.Phase)), ExitCode: sum.ExitCode}
	if runErr != nil {
		endEvent.Error = runErr.Error()
	}
	j.record(endEvent)

	j.log.Info("run finished",
		"phase", sum.Phase,
		"archived", sum.Archived,
		"archive_failed", sum.ArchiveFailed,
		"replicas_succeeded", sum.ReplicasSucceeded,
		"replicas_failed", sum.ReplicasFailed,
		"exit_code", sum.ExitCode,
		"duration", sum.Duration(),
	)
	return sum, runErr
}

// exitCode applies the exit policy.
func (j *Job) exitCode(sum Summary, runErr error) int {
	if runErr != nil && !sum.Canceled {
		return 1
	}
	switch j.spec.ExitPolicy {
	case ExitNever:
		return 0
	case ExitAny:
		if sum.ArchiveFailed > 0 || sum.ReplicasFailed > 0 {
			return 1
		}
		return 0
	default:
		if len(sum.Replicas) == 0 {
			return 0
		}
		return replicaExitCode(sum.Replicas[len(sum.Replicas)-1])
	}
}

func replicaExitCode(r launcher.Result) int {
	switch r.Status {
	case launcher.StatusSucceeded, launcher.StatusPlanned:
		return 0
	case launcher.StatusLaunchFailed:
		return ExitLaunchFailed
	default:
		if r.ExitCode > 0 {
			return r.ExitCode
		}
		return 1
	}
}

// record sends e to the sink. Sink failures are logged and never fail the run.
func (j *Job) record(e history.Event) {
	if j.spec.DryRun {
		return
	}
	e.RunID = j.id
	if e.OccurredAt.IsZero() {
		e.OccurredAt = j.now()
	}
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := j.sink.Send(ctx, e); err != nil {
		j.log.Warn("failed to record history event", "type", e.Type, "error", err)
	}
}

func (j *Job) archived(r archive.Result) {
	metrics.IncArchive(string(r.Status))
	e := history.Event{Type: history.EventArchive, Subject: r.Source, Target: r.Target, ReplicaID: history.NoReplica, Status: string(r.Status)}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	j.record(e)
}

// ReplicaStarted implements launcher.Observer.
func (j *Job) ReplicaStarted(id int, argv []string) {
	j.record(history.Event{Type: history.EventReplicaStart, Subject: strings.Join(argv, " "), ReplicaID: id, Status: "running"})
}

// ReplicaRunning implements launcher.RunningObserver.
func (j *Job) ReplicaRunning(id, pid int) {
	if j.spec.SampleInterval < 0 {
		return
	}
	s := metrics.Sample(j.ctx, pid, j.spec.SampleInterval)
	j.mu.Lock()
	j.sampling[id] = s
	j.mu.Unlock()
}

// ReplicaFinished implements launcher.Observer.
func (j *Job) ReplicaFinished(r launcher.Result) {
	j.mu.Lock()
	s := j.sampling[r.ReplicaID]
	delete(j.sampling, r.ReplicaID)
	j.mu.Unlock()
	if s != nil {
		u := s.Stop()
		metrics.SetReplicaUsage(r.ReplicaID, u)
		if u.Samples > 0 {
			j.mu.Lock()
			j.usage[r.ReplicaID] = u
			j.mu.Unlock()
		}
	}
	if r.Status == launcher.StatusPlanned {
		return
	}
	metrics.ObserveReplica(r.ReplicaID, string(r.Status), r.Duration.Seconds(), r.ExitCode)
	e := history.Event{
		Type:      history.EventReplicaExit,
		Subject:   strings.Join(r.Argv, " "),
		ReplicaID: r.ReplicaID,
		Status:    string(r.Status),
		PID:       r.PID,
		ExitCode:  r.ExitCode,
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	j.record(e)
}
