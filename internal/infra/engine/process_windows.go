package engine

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window and gives the tool its own
// process group on Windows.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}
