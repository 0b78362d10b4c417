//go:build windows

package process

import (
	"os/exec"
	"strings"
)

// getShellCommand runs script with cmd.exe; args are appended to the line.
func getShellCommand(script string, args []string) *exec.Cmd {
	line := strings.TrimSpace(script + " " + strings.Join(args, " "))
	// #nosec G204
	return exec.Command("cmd", "/C", line)
}

// shellNotFoundCodes holds the cmd.exe status for an unknown command.
var shellNotFoundCodes = []int{9009}
