// Package sandbox spawns external commands under OS-level confinement.
//
// One Isolator is chosen at startup for the running platform: bubblewrap or
// Landlock on Linux, sandbox-exec on macOS, direct execution elsewhere. All
// backends share the same cwd confinement, environment merge and timeout
// handling.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// ErrSpawn wraps failures to create or confine a process.
var ErrSpawn = errors.New("process spawn failed")

// EnvSource says who declared the environment overrides of a request.
type EnvSource int

const (
	// EnvFromOperator overrides come from the config file and may set anything.
	EnvFromOperator EnvSource = iota
	// EnvFromScript requests come from script code: overrides may not touch
	// protected variables and the cwd must lie inside the request's own
	// capability roots.
	EnvFromScript
)

// SpawnRequest describes one confined process.
type SpawnRequest struct {
	Command      string
	Args         []string
	Cwd          string
	Env          map[string]string
	EnvSource    EnvSource
	Capabilities capability.Capabilities
	Timeout      time.Duration
}

// SpawnResult is the outcome of a process that was started.
type SpawnResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// Isolator is implemented once per platform.
type Isolator interface {
	Name() string
	Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error)
}

// Options configure the isolator selected by New.
type Options struct {
	Enabled bool
	// Backend is "auto", "bwrap", "landlock", "seatbelt" or "none".
	Backend      string
	Workspace    string
	Project      string
	ExtraRead    []string
	ExtraWrite   []string
	DefaultLimit time.Duration
	// ConfineExe is the binary providing the hidden __confine command.
	// Empty means the running executable.
	ConfineExe string
}

// plan is the platform-independent part of a request after validation.
type plan struct {
	command string
	args    []string
	cwd     string
	env     []string
	read    []string
	write   []string
	net     bool
	timeout time.Duration

	// cwdWritable is set when cwd lies inside a write root.
	cwdWritable bool
}

// backend turns a validated plan into a command.
type backend interface {
	name() string
	command(ctx context.Context, p *plan) (*exec.Cmd, func(), error)
}

type isolator struct {
	opts    Options
	backend backend
	log     *logger.Logger
}

// New picks the backend for this platform. The choice is fixed for the
// lifetime of the returned Isolator.
func New(opts Options) Isolator {
	log := logger.Global().WithPrefix("sandbox")
	var b backend = directBackend{}
	if opts.Enabled && opts.Backend != "none" {
		if pb := platformBackend(opts); pb != nil {
			b = pb
		} else {
			log.Warn("no OS sandbox available on this platform, commands run unconfined")
		}
	}
	log.Info("process isolation backend: %s", b.name())
	return &isolator{opts: opts, backend: b, log: log}
}

func (i *isolator) Name() string { return i.backend.name() }

func (i *isolator) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	p, err := i.prepare(req)
	if err != nil {
		return nil, err
	}
	cmd, cleanup, err := i.backend.command(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	if cleanup != nil {
		defer cleanup()
	}
	i.log.Debug("spawn %s %v in %s (net=%t)", p.command, p.args, p.cwd, p.net)
	return run(ctx, cmd, p.timeout)
}

// prepare validates the request. Nothing here creates a process.
func (i *isolator) prepare(req SpawnRequest) (*plan, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrSpawn)
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = i.opts.Project
	}
	if !filepath.IsAbs(cwd) {
		cwd = filepath.Join(i.opts.Project, cwd)
	}
	cwd = filepath.Clean(cwd)

	read := append(req.Capabilities.ReadRoots(), i.opts.ExtraRead...)
	write := append(req.Capabilities.WriteRoots(), i.opts.ExtraWrite...)

	var allowed []string
	if req.EnvSource == EnvFromScript {
		allowed = append(req.Capabilities.ReadRoots(), req.Capabilities.WriteRoots()...)
	} else {
		allowed = append([]string{i.opts.Workspace, i.opts.Project}, read...)
		allowed = append(allowed, write...)
	}
	if !cwdAllowed(cwd, allowed) {
		return nil, fmt.Errorf("%w: working directory %s is outside allowed roots", capability.ErrPermissionDenied, cwd)
	}

	if req.EnvSource == EnvFromScript {
		if err := ValidateOverrides(req.Env); err != nil {
			return nil, err
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = i.opts.DefaultLimit
	}
	if timeout <= 0 {
		timeout = consts.DefaultProcessTimeout
	}

	return &plan{
		command:     req.Command,
		args:        req.Args,
		cwd:         cwd,
		env:         MergeEnv(inheritedEnv(), req.Env),
		read:        read,
		write:       write,
		cwdWritable: cwdAllowed(cwd, write),
		net:         req.Capabilities.Net(),
		timeout:     timeout,
	}, nil
}

func cwdAllowed(cwd string, roots []string) bool {
	for _, r := range roots {
		if r != "" && capability.Within(cwd, r) {
			return true
		}
	}
	return false
}

type directBackend struct{}

func (directBackend) name() string { return "direct" }

func (directBackend) command(ctx context.Context, p *plan) (*exec.Cmd, func(), error) {
	cmd := exec.Command(p.command, p.args...)
	cmd.Dir = p.cwd
	cmd.Env = p.env
	return cmd, nil, nil
}
