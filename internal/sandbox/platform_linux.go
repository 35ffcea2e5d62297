package sandbox

import (
	"os/exec"

	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

func platformBackend(opts Options) backend {
	useBwrap := opts.Backend == "" || opts.Backend == "auto" || opts.Backend == "bwrap"
	if useBwrap {
		if path, err := exec.LookPath("bwrap"); err == nil {
			return bwrapBackend{path: path}
		}
		if opts.Backend == "bwrap" {
			logger.Warn("bwrap requested but not found, falling back to landlock")
		}
	}
	if opts.Backend == "seatbelt" {
		logger.Warn("seatbelt backend is macOS only")
	}
	exe, err := confineExe(opts)
	if err != nil {
		logger.Warn("%v", err)
		return nil
	}
	return landlockBackend{exe: exe}
}
