package sandbox

import (
	"context"
	"os"
	"os/exec"
)

var bwrapSystemPaths = []string{
	"/usr", "/bin", "/lib", "/lib64", "/sbin",
	"/etc/alternatives", "/etc/ssl", "/etc/resolv.conf", "/etc/passwd", "/etc/hosts",
	"/nix/store", "/run/current-system/sw",
}

// bwrapBackend confines with bubblewrap namespaces. Only the system paths,
// the capability roots and the cwd exist inside the sandbox.
type bwrapBackend struct {
	path string
}

func (b bwrapBackend) name() string { return "bwrap" }

func (b bwrapBackend) command(ctx context.Context, p *plan) (*exec.Cmd, func(), error) {
	cmd := exec.Command(b.path, bwrapArgs(p, pathExists)...)
	cmd.Env = p.env
	cmd.Dir = p.cwd
	return cmd, nil, nil
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func bwrapArgs(p *plan, exists func(string) bool) []string {
	args := []string{"--unshare-all", "--die-with-parent", "--new-session"}
	for _, sys := range bwrapSystemPaths {
		if exists(sys) {
			args = append(args, "--ro-bind", sys, sys)
		}
	}
	args = append(args, "--tmpfs", "/tmp", "--dev", "/dev", "--proc", "/proc")

	for _, r := range p.read {
		if exists(r) {
			args = append(args, "--ro-bind", r, r)
		}
	}
	for _, w := range p.write {
		if exists(w) {
			args = append(args, "--bind", w, w)
		}
	}
	if exists(p.cwd) {
		if p.cwdWritable {
			args = append(args, "--bind", p.cwd, p.cwd)
		} else {
			args = append(args, "--ro-bind", p.cwd, p.cwd)
		}
	}
	if p.net {
		args = append(args, "--share-net")
	}
	args = append(args, "--chdir", p.cwd, "--", p.command)
	return append(args, p.args...)
}
