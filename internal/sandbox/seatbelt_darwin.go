package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// seatbeltBackend runs commands under sandbox-exec with a per-call profile.
type seatbeltBackend struct {
	path string
}

func (b seatbeltBackend) name() string { return "seatbelt" }

func (b seatbeltBackend) command(ctx context.Context, p *plan) (*exec.Cmd, func(), error) {
	exe, err := exec.LookPath(p.command)
	if err != nil {
		exe = p.command
	}
	script := ""
	if len(p.args) > 0 {
		script = p.args[0]
	}
	home, _ := os.UserHomeDir()
	write := dirRules(p.write)
	if p.cwdWritable {
		write = append(write, dirRules([]string{p.cwd})...)
	}
	profile := CompileProfile(Profile{
		Net:        p.net,
		Read:       append(dirRules(p.read), dirRules([]string{p.cwd})...),
		Write:      write,
		Executable: exe,
		Script:     script,
		Home:       home,
	})

	f, err := os.CreateTemp("", "zier_sandbox_*.sb")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create profile: %w", err)
	}
	if _, err := f.WriteString(profile); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, fmt.Errorf("failed to write profile: %w", err)
	}
	f.Close()
	cleanup := func() { os.Remove(f.Name()) }

	args := append([]string{"-f", f.Name(), p.command}, p.args...)
	cmd := exec.Command(b.path, args...)
	cmd.Dir = p.cwd
	cmd.Env = p.env
	return cmd, cleanup, nil
}

func platformBackend(opts Options) backend {
	path, err := exec.LookPath("sandbox-exec")
	if err != nil {
		return nil
	}
	return seatbeltBackend{path: path}
}
