//go:build !windows

package pidfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Alive reports whether pid names a running process.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
