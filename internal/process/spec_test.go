package process

import (
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireUnixSpec(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

// Ensure that when the command string already includes an explicit
// shell invocation (e.g., "sh -c 'python start.py'"), we do not double-wrap
// it with another "/bin/sh -c" layer.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "x", Command: "sh -c 'cd sim && python start.py'", Args: []string{"--replicid", "2"}}
	cmd := s.BuildCommand()
	if len(cmd.Args) != 6 || cmd.Args[1] != "-c" {
		t.Fatalf("unexpected argv: %#v", cmd.Args)
	}
	if strings.HasPrefix(cmd.Args[2], "sh -c ") || !strings.HasPrefix(cmd.Args[2], "cd sim && python start.py") {
		t.Fatalf("command was double-wrapped: %q", cmd.Args[2])
	}
	if cmd.Args[4] != "--replicid" || cmd.Args[5] != "2" {
		t.Fatalf("args not forwarded: %#v", cmd.Args)
	}
}

func TestBuildCommand_MetacharTriggersShell(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Name: "y", Command: "PYTHONHASHSEED=0 python start.py; true"}
	cmd := s.BuildCommand()
	if len(cmd.Args) < 3 || cmd.Args[1] != "-c" {
		t.Fatalf("expected shell -c wrapping, got argv=%#v", cmd.Args)
	}
}

func TestBuildCommand_PlainArgv(t *testing.T) {
	s := Spec{Name: "r0", Command: "python start.py", Args: []string{"--abce", "0", "--replicid", "0"}}
	cmd := s.BuildCommand()
	want := []string{"python", "start.py", "--abce", "0", "--replicid", "0"}
	if strings.Join(cmd.Args, " ") != strings.Join(want, " ") {
		t.Fatalf("argv = %#v want %#v", cmd.Args, want)
	}
	if got := s.Argv(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("Argv = %#v", got)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name        string
		spec        Spec
		errContains string
	}{
		{name: "valid", spec: Spec{Name: "replica-0", Command: "python start.py"}},
		{name: "empty name", spec: Spec{Command: "echo"}, errContains: "process requires name"},
		{name: "whitespace command", spec: Spec{Name: "a", Command: "  "}, errContains: "requires command"},
		{name: "negative timeout", spec: Spec{Name: "a", Command: "x", Timeout: -time.Second}, errContains: "timeout"},
		{name: "negative grace", spec: Spec{Name: "a", Command: "x", GracePeriod: -1}, errContains: "grace_period"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Fatalf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}
