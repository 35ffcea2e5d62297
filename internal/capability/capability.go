// Package capability holds the immutable permission set granted to a
// script session or tool, and the pure path resolver that checks requests
// against it.
package capability

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPermissionDenied marks every capability or confinement violation.
var ErrPermissionDenied = errors.New("permission denied")

// Capabilities is a read-only permission set. The zero value grants
// nothing. There is deliberately no way to add to an existing value.
type Capabilities struct {
	read  []string
	write []string
	net   bool
	env   bool
	exec  bool
}

// Spec is the declarative input to New.
type Spec struct {
	Read  []string
	Write []string
	Net   bool
	Env   bool
	Exec  bool
}

// New builds Capabilities from roots that must already be absolute. Roots
// are cleaned; relative roots are rejected.
func New(spec Spec) (Capabilities, error) {
	read, err := cleanRoots(spec.Read)
	if err != nil {
		return Capabilities{}, err
	}
	write, err := cleanRoots(spec.Write)
	if err != nil {
		return Capabilities{}, err
	}
	return Capabilities{
		read:  read,
		write: write,
		net:   spec.Net,
		env:   spec.Env,
		exec:  spec.Exec,
	}, nil
}

func cleanRoots(roots []string) ([]string, error) {
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if !filepath.IsAbs(r) {
			return nil, fmt.Errorf("capability root %q is not absolute", r)
		}
		out = append(out, filepath.Clean(r))
	}
	return out, nil
}

// ReadRoots returns a copy of the read roots.
func (c Capabilities) ReadRoots() []string { return append([]string(nil), c.read...) }

// WriteRoots returns a copy of the write roots.
func (c Capabilities) WriteRoots() []string { return append([]string(nil), c.write...) }

func (c Capabilities) Net() bool  { return c.net }
func (c Capabilities) Env() bool  { return c.env }
func (c Capabilities) Exec() bool { return c.exec }

// Spec returns the declarative form, e.g. for display.
func (c Capabilities) Spec() Spec {
	return Spec{Read: c.ReadRoots(), Write: c.WriteRoots(), Net: c.net, Env: c.env, Exec: c.exec}
}

func (c Capabilities) String() string {
	return fmt.Sprintf("read=%v write=%v net=%t env=%t exec=%t", c.read, c.write, c.net, c.env, c.exec)
}

// ResolveRead resolves p and checks it against the read roots.
func (c Capabilities) ResolveRead(p string, roots Roots) (string, error) {
	return Resolve(p, roots, c.read)
}

// ResolveWrite resolves p and checks it against the write roots.
func (c Capabilities) ResolveWrite(p string, roots Roots) (string, error) {
	return Resolve(p, roots, c.write)
}

// RequireNet fails unless network access was declared.
func (c Capabilities) RequireNet() error {
	if !c.net {
		return fmt.Errorf("%w: network access not declared", ErrPermissionDenied)
	}
	return nil
}

// RequireExec fails unless process execution was declared.
func (c Capabilities) RequireExec() error {
	if !c.exec {
		return fmt.Errorf("%w: execution not declared", ErrPermissionDenied)
	}
	return nil
}

// RequireEnv fails unless environment access was declared.
func (c Capabilities) RequireEnv() error {
	if !c.env {
		return fmt.Errorf("%w: environment access not declared", ErrPermissionDenied)
	}
	return nil
}

// Strategy routes relative paths between workspace and project.
type Strategy int

const (
	// Overlay sends cognitive files to the workspace, the rest to the project.
	Overlay Strategy = iota
	// Mount treats the workspace as root with the project under "project/".
	Mount
)

// ParseStrategy maps the config string to a Strategy.
func ParseStrategy(s string) Strategy {
	if strings.EqualFold(s, "mount") {
		return Mount
	}
	return Overlay
}

// Roots are the base directories relative requests are joined against.
// Home is captured once so that "~" expansion needs no lookup.
type Roots struct {
	Workspace string
	Project   string
	Home      string
	Strategy  Strategy
}

var cognitiveFiles = map[string]bool{
	"memory.md":    true,
	"soul.md":      true,
	"heartbeat.md": true,
	"identity.md":  true,
	"user.md":      true,
	"agents.md":    true,
	"tools.md":     true,
}

// IsCognitivePath reports whether a relative path names one of the agent's
// own memory files, which live in the workspace.
func IsCognitivePath(p string) bool {
	lower := strings.ToLower(filepath.ToSlash(strings.TrimPrefix(p, "./")))
	return cognitiveFiles[lower] || lower == "memory" || strings.HasPrefix(lower, "memory/")
}

// Absolute turns a request into a clean absolute path using only string
// manipulation.
func (r Roots) Absolute(requested string) string {
	p := requested
	if p == "~" || strings.HasPrefix(p, "~/") {
		p = filepath.Join(r.Home, strings.TrimPrefix(p, "~"))
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}

	switch r.Strategy {
	case Mount:
		clean := strings.TrimPrefix(strings.TrimPrefix(filepath.ToSlash(p), "./"), "/")
		if clean == "project" {
			return filepath.Clean(r.Project)
		}
		if strings.HasPrefix(clean, "project/") {
			return filepath.Join(r.Project, strings.TrimPrefix(clean, "project/"))
		}
		return filepath.Join(r.Workspace, p)
	default:
		if IsCognitivePath(p) {
			return filepath.Join(r.Workspace, p)
		}
		return filepath.Join(r.Project, p)
	}
}

// Resolve normalizes requested against roots and returns it when some
// member of allowed contains it. It performs no system calls: no existence
// check and no symlink resolution. Missing files surface from the I/O that
// follows.
func Resolve(requested string, roots Roots, allowed []string) (string, error) {
	if requested == "" {
		return "", fmt.Errorf("%w: empty path", ErrPermissionDenied)
	}
	abs := roots.Absolute(requested)
	for _, root := range allowed {
		if Within(abs, root) {
			return abs, nil
		}
	}
	return "", fmt.Errorf("%w: access to %s is outside declared roots", ErrPermissionDenied, requested)
}

// Within reports whether p equals root or lies beneath it, comparing whole
// path components. Both arguments are cleaned first.
func Within(p, root string) bool {
	p = filepath.Clean(p)
	root = filepath.Clean(root)
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return filepath.IsAbs(p)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}

// Limit fails when c asks for anything outside ceiling. Declared roots must
// each lie inside some ceiling root of the same kind. Commands themselves
// are checked by the safety policy at spawn time.
func (c Capabilities) Limit(ceiling Capabilities) error {
	check := func(kind string, roots, allowed []string) error {
		for _, r := range roots {
			ok := false
			for _, a := range allowed {
				if Within(r, a) {
					ok = true
					break
				}
			}
			if !ok {
				return fmt.Errorf("%w: declared %s root %s exceeds the sandbox policy", ErrPermissionDenied, kind, r)
			}
		}
		return nil
	}
	if err := check("read", c.read, ceiling.read); err != nil {
		return err
	}
	if err := check("write", c.write, ceiling.write); err != nil {
		return err
	}
	if c.net && !ceiling.net {
		return fmt.Errorf("%w: declared net access exceeds the sandbox policy", ErrPermissionDenied)
	}
	if c.env && !ceiling.env {
		return fmt.Errorf("%w: declared env access exceeds the sandbox policy", ErrPermissionDenied)
	}
	if c.exec && !ceiling.exec {
		return fmt.Errorf("%w: declared exec access exceeds the sandbox policy", ErrPermissionDenied)
	}
	return nil
}
