//go:build !linux && !windows

package sandbox

import "syscall"

func setParentDeathSignal(attr *syscall.SysProcAttr) {
	_ = attr
}
