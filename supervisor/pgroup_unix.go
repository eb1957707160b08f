//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup places the child in its own process group so the
// engine's forked worker subprocesses can be signaled and reaped together
// with it. Killing only the top-level process would leak workers.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup asks the whole process group to shut down.
func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup forcibly kills the whole process group.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
