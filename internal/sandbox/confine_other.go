//go:build !linux

package sandbox

import (
	"errors"
	"runtime"
)

// Confine is only implemented with Landlock on Linux.
func Confine(spec ConfineSpec) error {
	_ = spec
	return errors.New("confine: not supported on " + runtime.GOOS)
}
