package process

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/islerun/internal/logger"
)

// DefaultGracePeriod is how long a canceled process may take to exit after SIGTERM.
const DefaultGracePeriod = 5 * time.Second

// Spec describes a process that runs to completion.
type Spec struct {
	Name        string        `json:"name" yaml:"name"`
	Command     string        `json:"command" yaml:"command"`             // program and leading arguments
	Args        []string      `json:"args,omitempty" yaml:"args"`         // appended verbatim after Command
	WorkDir     string        `json:"work_dir,omitempty" yaml:"work_dir"` // optional working dir
	Env         []string      `json:"env,omitempty" yaml:"env"`           // optional extra env
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout"`   // zero waits forever
	GracePeriod time.Duration `json:"grace_period,omitempty" yaml:"grace_period"`
	Log         logger.Config `json:"-" yaml:"-"`
	// Stdout and Stderr receive output when Log has no file destination.
	// Nil inherits the orchestrator's streams.
	Stdout io.Writer `json:"-" yaml:"-"`
	Stderr io.Writer `json:"-" yaml:"-"`
	// OnStart is called with the child pid right after a successful start.
	OnStart func(pid int) `json:"-" yaml:"-"`
}

// BuildCommand constructs an *exec.Cmd for spec.Command followed by spec.Args.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'python start.py'"), avoiding double-wrapping with another shell.
// Args are always passed as separate argv entries, never re-parsed.
func (s *Spec) BuildCommand() *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC, s.Args)
	}
	if needsShell(cmdStr) {
		return getShellCommand(cmdStr, s.Args)
	}
	argv := s.Argv()
	if len(argv) == 0 {
		// Start reports the missing program
		return exec.Command("")
	}
	// #nosec G204
	return exec.Command(argv[0], argv[1:]...)
}

// shellWrapped reports whether BuildCommand runs the command through a shell.
func (s *Spec) shellWrapped() bool {
	cmdStr := strings.TrimSpace(s.Command)
	if _, _, ok := parseExplicitShell(cmdStr); ok {
		return true
	}
	return needsShell(cmdStr)
}

func needsShell(cmdStr string) bool {
	return strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~")
}

// Argv returns the program and arguments as they appear to the user.
func (s *Spec) Argv() []string {
	parts := strings.Fields(strings.TrimSpace(s.Command))
	return append(parts, s.Args...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}

// Validate enforces Spec invariants
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("process requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("process %q requires command", s.Name)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("process %q: timeout cannot be negative", s.Name)
	}
	if s.GracePeriod < 0 {
		return fmt.Errorf("process %q: grace_period cannot be negative", s.Name)
	}
	return nil
}
