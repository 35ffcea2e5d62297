package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// WasmTool runs a WASI command module under wazero. The guest sees only
// the directories its config declares, each of which must also be inside
// the operator's capabilities; it has no network and no host environment.
type WasmTool struct {
	cfg     config.WasmToolConfig
	env     *Environment
	timeout time.Duration

	once     sync.Once
	initErr  error
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	mounts   wazero.FSConfig
}

func NewWasmTool(cfg config.WasmToolConfig, env *Environment) *WasmTool {
	timeout := env.ProcessTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = consts.DefaultProcessTimeout
	}
	return &WasmTool{cfg: cfg, env: env, timeout: timeout}
}

func (t *WasmTool) Name() string { return t.cfg.Name }

func (t *WasmTool) Description() string {
	if t.cfg.Description != "" {
		return t.cfg.Description
	}
	return fmt.Sprintf("Run the WebAssembly module %s", filepath.Base(t.cfg.Module))
}

func (t *WasmTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"args": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Arguments passed to the module after the configured ones",
			},
			"stdin": map[string]interface{}{
				"type":        "string",
				"description": "Text fed to the module's standard input",
			},
		},
	}
}

// guestPath is where a host directory appears inside the guest.
func guestPath(declared string) string {
	p := filepath.ToSlash(filepath.Clean(declared))
	p = strings.TrimPrefix(p, "./")
	if p == "." || p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

func (t *WasmTool) init(ctx context.Context) error {
	t.once.Do(func() {
		modPath := t.env.Roots.Absolute(t.cfg.Module)
		if _, err := t.env.Caps.ResolveRead(modPath, t.env.Roots); err != nil {
			t.initErr = err
			return
		}
		wasmBytes, err := os.ReadFile(modPath)
		if err != nil {
			t.initErr = fmt.Errorf("%w: %v", ErrToolExecution, err)
			return
		}

		fsCfg := wazero.NewFSConfig()
		for _, dir := range t.cfg.Read {
			host, err := t.env.Caps.ResolveRead(dir, t.env.Roots)
			if err != nil {
				t.initErr = err
				return
			}
			fsCfg = fsCfg.WithReadOnlyDirMount(host, guestPath(dir))
		}
		for _, dir := range t.cfg.Write {
			host, err := t.env.Caps.ResolveWrite(dir, t.env.Roots)
			if err != nil {
				t.initErr = err
				return
			}
			fsCfg = fsCfg.WithDirMount(host, guestPath(dir))
		}
		t.mounts = fsCfg

		r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
		wasi_snapshot_preview1.MustInstantiate(ctx, r)
		compiled, err := r.CompileModule(ctx, wasmBytes)
		if err != nil {
			_ = r.Close(ctx)
			t.initErr = fmt.Errorf("%w: compile %s: %v", ErrToolExecution, t.cfg.Module, err)
			return
		}
		t.runtime = r
		t.compiled = compiled
		logger.Info("wasm tool %s: compiled %s (%d bytes)", t.cfg.Name, modPath, len(wasmBytes))
	})
	return t.initErr
}

func (t *WasmTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	if err := t.init(context.Background()); err != nil {
		return ErrorResult(err)
	}
	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	stdout := &limitedBuffer{max: consts.MaxProcessOutputBytes}
	stderr := &limitedBuffer{max: consts.MaxProcessOutputBytes}
	args := append([]string{t.cfg.Name}, t.cfg.Args...)
	args = append(args, GetStringSliceParam(params, "args")...)

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(args...).
		WithStdin(strings.NewReader(GetStringParam(params, "stdin", ""))).
		WithStdout(stdout).
		WithStderr(stderr).
		WithFSConfig(t.mounts).
		WithSysWalltime().
		WithSysNanotime()

	start := time.Now()
	exitCode := 0
	mod, err := t.runtime.InstantiateModule(runCtx, t.compiled, modCfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}
	timedOut := false
	var exitErr *sys.ExitError
	switch {
	case errors.As(err, &exitErr):
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded, sys.ExitCodeContextCanceled:
			timedOut = true
		default:
			exitCode = int(exitErr.ExitCode())
		}
	case err != nil && runCtx.Err() != nil:
		timedOut = true
	case err != nil:
		return ErrorResult(fmt.Errorf("%w: %s: %v", ErrToolExecution, t.cfg.Name, err))
	}
	if timedOut {
		if ctx.Err() != nil {
			return ErrorResult(ctx.Err())
		}
		return &ToolResult{
			Result:    stdout.String(),
			Error:     fmt.Sprintf("%s timed out after %s", t.cfg.Name, t.timeout),
			ErrorKind: KindToolError,
			ExecutionMetadata: &ExecutionMetadata{
				StartTime:      timePtr(start),
				WasTimedOut:    true,
				TimeoutSeconds: int(t.timeout / time.Second),
				ToolType:       "wasm",
			},
		}
	}

	out := stdout.String()
	if s := stderr.String(); s != "" {
		if out != "" {
			out += "\n\nSTDERR:\n"
		}
		out += s
	}
	md := &ExecutionMetadata{StartTime: timePtr(start), ExitCode: exitCode, ToolType: "wasm"}
	if exitCode != 0 {
		return &ToolResult{Result: out, Error: fmt.Sprintf("%s exited with code %d", t.cfg.Name, exitCode), ErrorKind: KindToolError, ExecutionMetadata: md}
	}
	return &ToolResult{Result: out, ExecutionMetadata: md}
}

// Close releases the compiled module and its runtime.
func (t *WasmTool) Close(ctx context.Context) error {
	if t.runtime == nil {
		return nil
	}
	return t.runtime.Close(ctx)
}

type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.truncated = true
		b.buf.Write(p[:room])
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
