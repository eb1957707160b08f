//go:build windows

package supervisor

import (
	"os"
	"os/exec"
)

// Windows has no POSIX process groups; descendants of the engine process are
// not reaped here. Only the top-level process is killed.
func configureProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func killGroup(pid int) error {
	return terminateGroup(pid)
}
