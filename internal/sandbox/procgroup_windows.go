//go:build windows

package sandbox

import (
	"os/exec"
	"syscall"
)

func configureProcessGroup(cmd *exec.Cmd) {
	_ = cmd
}

func signalProcessGroup(pid int) error {
	_ = pid
	return syscall.EWINDOWS
}
