//go:build windows

package supervise

import (
	"os"
	"os/exec"
)

// setProcGroup is a no-op on Windows; process-group signaling is not
// available and cancellation falls back to killing the direct child.
func setProcGroup(*exec.Cmd) {}

// signalGroup kills the direct child. Windows has no graceful signal, so
// both passes are a hard kill.
func signalGroup(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// exitCode maps a wait error to an exit code.
func exitCode(err *exec.ExitError, killed bool) int {
	if killed {
		return -1
	}
	return err.ExitCode()
}
