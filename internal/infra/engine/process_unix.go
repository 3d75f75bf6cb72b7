//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess puts the tool in its own process group so cancellation
// also reaches anything it forked.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
