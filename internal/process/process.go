package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"
)

var (
	// ErrStart wraps failures to launch the program (missing, not executable).
	ErrStart = errors.New("process failed to start")
	// ErrExit wraps a non-zero exit status.
	ErrExit = errors.New("process exited with non-zero status")
)

type Process struct {
	spec      Spec
	status    Status
	mu        sync.Mutex
	outCloser io.WriteCloser
	errCloser io.WriteCloser
}

func New(spec Spec) *Process { return &Process{spec: spec} }

// ConfigureCmd builds and configures *exec.Cmd for this process using mergedEnv.
// It sets workdir, environment, stdio/logging, and process group attributes.
func (r *Process) ConfigureCmd(mergedEnv []string) (*exec.Cmd, error) {
	r.mu.Lock()
	spec := r.spec
	r.mu.Unlock()

	cmd := spec.BuildCommand()
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd)

	outW, errW, err := spec.Log.ProcessWriters(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("log writers for %s: %w", spec.Name, err)
	}
	r.mu.Lock()
	r.outCloser, r.errCloser = outW, errW
	r.mu.Unlock()
	cmd.Stdout = pick(outW, spec.Stdout, os.Stdout)
	cmd.Stderr = pick(errW, spec.Stderr, os.Stderr)
	return cmd, nil
}

func pick(file io.WriteCloser, w io.Writer, def io.Writer) io.Writer {
	switch {
	case file != nil:
		return file
	case w != nil:
		return w
	default:
		return def
	}
}

// Run starts the process and blocks until it exits or ctx is done. On
// cancellation the process group receives SIGTERM, then SIGKILL after the
// grace period. The returned error wraps ErrStart, ErrExit or the context error.
// A shell-wrapped command whose shell reports a missing or non-executable
// program also yields ErrStart.
func (r *Process) Run(ctx context.Context, mergedEnv []string) (Status, error) {
	defer r.CloseWriters()
	cmd, err := r.ConfigureCmd(mergedEnv)
	if err != nil {
		return r.markExited(-1, fmt.Errorf("%w: %s: %w", ErrStart, r.spec.Name, err))
	}
	if r.spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.spec.Timeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return r.markExited(-1, err)
	}
	if err := cmd.Start(); err != nil {
		return r.markExited(-1, fmt.Errorf("%w: %s: %w", ErrStart, r.spec.Name, err))
	}
	r.setStarted(cmd)
	if r.spec.OnStart != nil {
		r.spec.OnStart(cmd.Process.Pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = terminate(cmd)
		grace := r.spec.GracePeriod
		if grace <= 0 {
			grace = DefaultGracePeriod
		}
		select {
		case <-done:
		case <-time.After(grace):
			_ = kill(cmd)
			<-done
		}
		return r.markExited(exitCode(cmd), fmt.Errorf("%s: %w", r.spec.Name, ctx.Err()))
	}
	if err != nil {
		code := exitCode(cmd)
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if r.spec.shellWrapped() && slices.Contains(shellNotFoundCodes, code) {
				return r.markExited(code, fmt.Errorf("%w: %s: shell exit code %d, program not found or not executable", ErrStart, r.spec.Name, code))
			}
			return r.markExited(code, fmt.Errorf("%w: %s: exit code %d", ErrExit, r.spec.Name, code))
		}
		return r.markExited(code, fmt.Errorf("%s: %w", r.spec.Name, err))
	}
	return r.markExited(0, nil)
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

func (r *Process) setStarted(cmd *exec.Cmd) {
	r.mu.Lock()
	r.status.Name = r.spec.Name
	r.status.Running = true
	r.status.PID = cmd.Process.Pid
	r.status.StartedAt = time.Now()
	r.mu.Unlock()
}

func (r *Process) markExited(code int, err error) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Name = r.spec.Name
	r.status.Running = false
	r.status.StoppedAt = time.Now()
	r.status.ExitCode = code
	r.status.ExitErr = err
	return r.status, err
}

// Snapshot returns a copy of the current status.
func (r *Process) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// CloseWriters closes file log writers opened by ConfigureCmd.
func (r *Process) CloseWriters() {
	r.mu.Lock()
	out, errW := r.outCloser, r.errCloser
	r.outCloser, r.errCloser = nil, nil
	r.mu.Unlock()
	if out != nil {
		_ = out.Close()
	}
	if errW != nil {
		_ = errW.Close()
	}
}

// Run is a convenience wrapper for a single run of spec.
func Run(ctx context.Context, spec Spec, mergedEnv []string) (Status, error) {
	return New(spec).Run(ctx, mergedEnv)
}
