package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/lockfile"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/mcp"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/sandbox"
	"github.com/kir-gadjello/zier-alpha/internal/tools"
)

// base is the part of the runtime every command needs: the operator's
// capability ceiling, the safety policy and the process isolator.
type base struct {
	cfg        *config.Config
	roots      capability.Roots
	ceiling    capability.Capabilities
	policy     *safety.Policy
	isolator   sandbox.Isolator
	unconfined sandbox.Isolator
	lock       *lockfile.Lockfile
	env        *tools.Environment
}

func newBase(cfg *config.Config) (*base, error) {
	home, _ := os.UserHomeDir()
	roots := capability.Roots{
		Workspace: cfg.Workspace,
		Project:   cfg.ProjectDir,
		Home:      home,
		Strategy:  capability.ParseStrategy(cfg.Workdir.Strategy),
	}

	read := append([]string{cfg.Workspace, cfg.ProjectDir}, absAll(cfg.Sandbox.AllowRead)...)
	write := append([]string{cfg.Workspace, cfg.ProjectDir}, absAll(cfg.Sandbox.AllowWrite)...)
	ceiling, err := capability.New(capability.Spec{
		Read:  read,
		Write: write,
		Net:   cfg.Sandbox.AllowNetwork,
		Env:   cfg.Sandbox.AllowEnv,
		Exec:  cfg.Sandbox.AllowExec,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sandbox roots: %w", err)
	}

	policy, err := safety.New(safety.Options{
		ProjectDir:         cfg.ProjectDir,
		WorkspaceDir:       cfg.Workspace,
		AllowShellChaining: cfg.Safety.AllowShellChaining,
		AllowGlobalCwd:     cfg.Safety.AllowGlobalCwd,
		ApprovalPatterns:   cfg.Safety.ApprovalPatterns,
	})
	if err != nil {
		return nil, err
	}

	sbOpts := sandbox.Options{
		Enabled:      cfg.Sandbox.EnableOSSandbox,
		Backend:      cfg.Sandbox.Backend,
		Workspace:    cfg.Workspace,
		Project:      cfg.ProjectDir,
		ExtraRead:    absAll(cfg.Sandbox.AllowRead),
		ExtraWrite:   absAll(cfg.Sandbox.AllowWrite),
		DefaultLimit: cfg.ProcessTimeout(),
	}
	isolator := sandbox.New(sbOpts)
	sbOpts.Enabled = false
	unconfined := sandbox.New(sbOpts)

	lock := lockfile.ForWorkspace(cfg.Workspace, cfg.LockTimeout())
	b := &base{
		cfg:        cfg,
		roots:      roots,
		ceiling:    ceiling,
		policy:     policy,
		isolator:   isolator,
		unconfined: unconfined,
		lock:       lock,
	}
	b.env = &tools.Environment{
		Roots:          roots,
		Caps:           ceiling,
		Isolator:       isolator,
		Policy:         policy,
		Lock:           lock,
		ProcessTimeout: cfg.ProcessTimeout(),
	}
	return b, nil
}

// registry builds the native, external, WASM and (when mcpServers is set)
// MCP tools. The returned manager must be closed by the caller.
func (b *base) registry(ctx context.Context, mcpServers bool) (*tools.Registry, *mcp.Manager) {
	reg := tools.NewRegistry()
	tools.RegisterNative(reg, b.env)
	for _, ext := range b.cfg.Tools.External {
		if _, exists := reg.Get(ext.Name); exists {
			logger.Warn("external tool %s shadows an existing tool, skipped", ext.Name)
			continue
		}
		reg.Register(tools.NewExternalTool(ext, b.env, b.unconfined))
	}
	for _, w := range b.cfg.Tools.Wasm {
		if _, exists := reg.Get(w.Name); exists {
			logger.Warn("wasm tool %s shadows an existing tool, skipped", w.Name)
			continue
		}
		reg.Register(tools.NewWasmTool(w, b.env))
	}
	if !mcpServers || len(b.cfg.MCP.Servers) == 0 {
		return reg, nil
	}

	manager := mcp.NewManager(b.cfg.MCP.Servers, b.cfg.Workspace)
	built, errs := manager.BuildTools(ctx)
	for _, err := range errs {
		logger.Warn("mcp: %v", err)
	}
	for _, t := range built {
		if _, exists := reg.Get(t.Name()); exists {
			logger.Warn("mcp tool %s shadows an existing tool, skipped", t.Name())
			continue
		}
		reg.Register(t)
	}
	return reg, manager
}

func absAll(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = config.ExpandPath(p)
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		out = append(out, p)
	}
	return out
}
