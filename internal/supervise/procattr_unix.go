//go:build !windows

package supervise

import (
	"os/exec"
	"syscall"
)

// setProcGroup configures the command to run in its own process group so
// signals reach the whole subprocess tree.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the child's process group: SIGTERM for the graceful
// pass, SIGKILL for the hard kill.
func signalGroup(pid int, hard bool) error {
	sig := syscall.SIGTERM
	if hard {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pid, sig)
}

// exitCode maps a wait error to an exit code. A signaled child reports the
// negated signal number so callers can distinguish kills from failures.
func exitCode(err *exec.ExitError, killed bool) int {
	ws, ok := err.Sys().(syscall.WaitStatus)
	if !ok {
		if killed {
			return -1
		}
		return 1
	}
	if ws.Signaled() {
		return -int(ws.Signal())
	}
	return ws.ExitStatus()
}
