//go:build unix

package executor

import (
	"os/exec"
	"syscall"
)

// configureProcessGroup starts the program in its own process group and
// makes context cancellation kill the whole group, so children the program
// spawned do not outlive it.
func configureProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
