package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/loykin/islerun/internal/env"
	"github.com/loykin/islerun/internal/process"
)

var (
	// ErrLaunch means the program could not be started.
	ErrLaunch = errors.New("replica launch failed")
	// ErrChildFailed means the program ran and exited non-zero.
	ErrChildFailed = errors.New("replica exited with failure")
	// ErrDataDir means the data directory path is occupied by a regular file.
	ErrDataDir = errors.New("data directory unusable")
)

// Status is the outcome of one replica.
type Status string

const (
	StatusSucceeded    Status = "succeeded"
	StatusChildFailed  Status = "child_failed"
	StatusLaunchFailed Status = "launch_failed"
	StatusCanceled     Status = "canceled"
	StatusPlanned      Status = "planned"
)

type Result struct {
	ReplicaID int           `json:"replica_id" yaml:"replica_id"`
	Argv      []string      `json:"argv" yaml:"argv"`
	Status    Status        `json:"status" yaml:"status"`
	PID       int           `json:"pid,omitempty" yaml:"pid,omitempty"`
	ExitCode  int           `json:"exit_code" yaml:"exit_code"`
	StartedAt time.Time     `json:"started_at" yaml:"started_at"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Err       error         `json:"-" yaml:"-"`
}

// Runner executes a replica to completion.
type Runner interface {
	Run(ctx context.Context, spec process.Spec, mergedEnv []string) (process.Status, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, spec process.Spec, mergedEnv []string) (process.Status, error)

func (f RunnerFunc) Run(ctx context.Context, spec process.Spec, mergedEnv []string) (process.Status, error) {
	return f(ctx, spec, mergedEnv)
}

// Observer receives replica lifecycle callbacks in launch order.
type Observer interface {
	ReplicaStarted(id int, argv []string)
	ReplicaFinished(r Result)
}

// RunningObserver is an optional Observer extension notified with the pid
// once a replica process has started.
type RunningObserver interface {
	ReplicaRunning(id, pid int)
}

type Option func(*Launcher)

func WithRunner(r Runner) Option { return func(l *Launcher) { l.runner = r } }

func WithEnv(e *env.Env) Option { return func(l *Launcher) { l.env = e } }

func WithLogger(log *slog.Logger) Option { return func(l *Launcher) { l.log = log } }

func WithObserver(o Observer) Option { return func(l *Launcher) { l.observer = o } }

// WithRunID exports the run id to replicas as ISLERUN_RUN_ID.
func WithRunID(id string) Option { return func(l *Launcher) { l.runID = id } }

// Launcher runs the replicas one at a time in ascending id order.
type Launcher struct {
	spec     Spec
	runner   Runner
	env      *env.Env
	log      *slog.Logger
	observer Observer
	runID    string
}

func New(spec Spec, opts ...Option) *Launcher {
	l := &Launcher{
		spec:   spec,
		runner: RunnerFunc(process.Run),
		env:    env.New(),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Plan lists the invocations Launch would perform.
func (l *Launcher) Plan() []Result {
	out := make([]Result, 0, l.spec.Replicas)
	for id := 0; id < l.spec.Replicas; id++ {
		ps := l.spec.ReplicaSpec(id)
		out = append(out, Result{ReplicaID: id, Argv: ps.Argv(), Status: StatusPlanned})
	}
	return out
}

// Launch runs every replica synchronously. A replica that fails to start or
// exits non-zero is recorded and the loop moves on to the next id.
// Cancellation stops the loop; replicas not started are not reported.
// The error is non-nil only when the data directory check fails, in which
// case no replica runs.
func (l *Launcher) Launch(ctx context.Context) ([]Result, error) {
	if err := l.prepare(); err != nil {
		return nil, err
	}
	results := make([]Result, 0, l.spec.Replicas)
	for id := 0; id < l.spec.Replicas; id++ {
		if ctx.Err() != nil {
			l.log.Warn("replica loop interrupted", "next_replica", id, "error", ctx.Err())
			break
		}
		res := l.runOne(ctx, id)
		results = append(results, res)
		if res.Status == StatusCanceled {
			break
		}
	}
	return results, nil
}

func (l *Launcher) runOne(ctx context.Context, id int) Result {
	ps := l.spec.ReplicaSpec(id)
	res := Result{ReplicaID: id, Argv: ps.Argv(), StartedAt: time.Now()}
	log := l.log.With("replica", id)

	if l.spec.DryRun {
		res.Status = StatusPlanned
		log.Info("would launch replica", "argv", res.Argv)
		l.finished(res)
		return res
	}

	if l.observer != nil {
		l.observer.ReplicaStarted(id, res.Argv)
	}
	log.Info("launching replica", "argv", res.Argv)
	if ro, ok := l.observer.(RunningObserver); ok {
		ps.OnStart = func(pid int) { ro.ReplicaRunning(id, pid) }
	}
	perProc := append(ps.Env, "ISLERUN_REPLICA_ID="+strconv.Itoa(id))
	if l.runID != "" {
		perProc = append(perProc, "ISLERUN_RUN_ID="+l.runID)
	}
	st, err := l.runner.Run(ctx, ps, l.env.Merge(perProc))
	res.PID = st.PID
	res.ExitCode = st.ExitCode
	if !st.StartedAt.IsZero() {
		res.StartedAt = st.StartedAt
	}
	res.Duration = st.Duration()

	switch {
	case err == nil:
		res.Status = StatusSucceeded
		log.Info("replica finished", "duration", res.Duration)
	case ctx.Err() != nil:
		res.Status = StatusCanceled
		res.Err = err
		log.Warn("replica canceled", "error", err)
	case errors.Is(err, process.ErrStart):
		res.Status = StatusLaunchFailed
		res.Err = fmt.Errorf("%w: replica %d: %w", ErrLaunch, id, err)
		log.Error("replica launch failed", "error", err)
	default:
		// non-zero exit or per-replica timeout
		res.Status = StatusChildFailed
		res.Err = fmt.Errorf("%w: replica %d: %w", ErrChildFailed, id, err)
		log.Warn("replica failed", "exit_code", res.ExitCode, "error", err)
	}
	l.finished(res)
	return res
}

func (l *Launcher) finished(res Result) {
	if l.observer != nil {
		l.observer.ReplicaFinished(res)
	}
}

// prepare creates the data directory the simulation writes into.
func (l *Launcher) prepare() error {
	if !l.spec.EnsureDataDir || l.spec.DataDir == "" {
		return nil
	}
	fi, err := os.Stat(l.spec.DataDir)
	switch {
	case err == nil && !fi.IsDir():
		return fmt.Errorf("%w: %s exists as a regular file", ErrDataDir, l.spec.DataDir)
	case err == nil:
		return nil
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrDataDir, err)
	}
	if l.spec.DryRun {
		l.log.Info("would create data directory", "dir", l.spec.DataDir)
		return nil
	}
	if err := os.MkdirAll(l.spec.DataDir, 0o750); err != nil {
		return fmt.Errorf("%w: %w", ErrDataDir, err)
	}
	l.log.Info("created data directory", "dir", l.spec.DataDir)
	return nil
}
