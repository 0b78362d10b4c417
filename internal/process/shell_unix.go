//go:build !windows

package process

import "os/exec"

// getShellCommand runs script with /bin/sh and forwards args as "$@".
func getShellCommand(script string, args []string) *exec.Cmd {
	argv := append([]string{"-c", script + ` "$@"`, "sh"}, args...)
	// #nosec G204
	return exec.Command("/bin/sh", argv...)
}

// shellNotFoundCodes are the exit codes sh uses when the program is missing
// (127) or not executable (126).
var shellNotFoundCodes = []int{126, 127}
