package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/landlock-lsm/go-landlock/landlock"
	"golang.org/x/sys/unix"

	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// landlockBackend re-executes this binary through ConfineCommand, which
// restricts itself with Landlock before exec'ing the target.
type landlockBackend struct {
	exe string
}

func (b landlockBackend) name() string { return "landlock" }

func (b landlockBackend) command(ctx context.Context, p *plan) (*exec.Cmd, func(), error) {
	read, write := append([]string(nil), p.read...), append([]string(nil), p.write...)
	if p.cwdWritable {
		write = append(write, p.cwd)
	} else {
		read = append(read, p.cwd)
	}
	spec := ConfineSpec{
		Read:  read,
		Write: write,
		Net:   p.net,
		Argv:  append([]string{p.command}, p.args...),
	}
	cmd := exec.Command(b.exe, spec.Args()...)
	cmd.Dir = p.cwd
	cmd.Env = p.env
	return cmd, nil, nil
}

var landlockSystemRead = []string{
	"/usr", "/bin", "/lib", "/lib64", "/sbin", "/etc",
	"/usr/local/bin", "/usr/local/lib",
	"/run/current-system/sw", "/nix/store",
	"/proc/self", "/sys/devices/system/cpu",
}

var landlockSystemWrite = []string{
	"/dev/null", "/dev/zero", "/dev/random", "/dev/urandom", "/dev/tty",
	"/tmp", "/var/tmp",
}

// Confine restricts the current process and then execs spec.Argv. It only
// returns on failure.
func Confine(spec ConfineSpec) error {
	if len(spec.Argv) == 0 {
		return errors.New("confine: no command given")
	}
	rules := make([]landlock.Rule, 0, len(landlockSystemRead)+len(spec.Read)+len(spec.Write))
	add := func(path string, write bool) {
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		switch {
		case info.IsDir() && write:
			rules = append(rules, landlock.RWDirs(path))
		case info.IsDir():
			rules = append(rules, landlock.RODirs(path))
		case write:
			rules = append(rules, landlock.RWFiles(path))
		default:
			rules = append(rules, landlock.ROFiles(path))
		}
	}
	for _, p := range landlockSystemRead {
		add(p, false)
	}
	for _, p := range landlockSystemWrite {
		add(p, true)
	}
	for _, p := range spec.Read {
		add(p, false)
	}
	for _, p := range spec.Write {
		add(p, true)
	}

	target, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return fmt.Errorf("confine: %w", err)
	}
	abs, err := filepath.Abs(target)
	if err == nil {
		add(abs, false)
	}

	cfg := landlock.V5.BestEffort()
	if spec.Net {
		err = cfg.RestrictPaths(rules...)
	} else {
		// no network rules: every TCP bind and connect is denied
		err = cfg.Restrict(rules...)
	}
	if err != nil {
		return fmt.Errorf("confine: landlock restriction failed: %w", err)
	}
	logger.Debug("landlock applied: %d rules, net=%t", len(rules), spec.Net)

	return unix.Exec(target, spec.Argv, os.Environ())
}
