package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/sandbox"
)

// ExternalTool exposes an operator-configured command. The model may only
// append arguments.
type ExternalTool struct {
	cfg      config.ExternalToolConfig
	env      *Environment
	isolator sandbox.Isolator
	timeout  time.Duration
}

// NewExternalTool builds a tool from config. Tools with sandbox = false
// run through unconfined, which the operator opted into.
func NewExternalTool(cfg config.ExternalToolConfig, env *Environment, unconfined sandbox.Isolator) *ExternalTool {
	iso := env.Isolator
	if !cfg.Sandbox && unconfined != nil {
		iso = unconfined
	}
	timeout := env.ProcessTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &ExternalTool{cfg: cfg, env: env, isolator: iso, timeout: timeout}
}

func (t *ExternalTool) Name() string { return t.cfg.Name }

func (t *ExternalTool) Description() string {
	if t.cfg.Description != "" {
		return t.cfg.Description
	}
	return fmt.Sprintf("Run %s", t.cfg.Command)
}

func (t *ExternalTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"args": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Additional arguments to append to the command",
			},
		},
	}
}

func (t *ExternalTool) argv(params map[string]interface{}) []string {
	argv := append([]string{t.cfg.Command}, t.cfg.Args...)
	return append(argv, GetStringSliceParam(params, "args")...)
}

func (t *ExternalTool) cwd() string {
	if t.cfg.WorkingDir != "" {
		return t.env.Roots.Absolute(t.cfg.WorkingDir)
	}
	return t.env.RunDir()
}

// Classify implements Classifier over the full argv.
func (t *ExternalTool) Classify(_ context.Context, params map[string]interface{}) safety.Verdict {
	if t.env.Policy == nil {
		return safety.Verdict{Kind: safety.Blocked, Reason: "no safety policy configured"}
	}
	return t.env.Policy.ClassifyArgs(t.argv(params), t.cwd())
}

func (t *ExternalTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	if t.isolator == nil {
		return Errorf("no process isolator configured")
	}
	argv := t.argv(params)
	logger.Debug("external tool %s: %v", t.cfg.Name, argv)
	start := time.Now()
	res, err := t.isolator.Spawn(ctx, sandbox.SpawnRequest{
		Command:      argv[0],
		Args:         argv[1:],
		Cwd:          t.cwd(),
		Env:          t.cfg.Env,
		EnvSource:    sandbox.EnvFromOperator,
		Capabilities: t.env.Caps,
		Timeout:      t.timeout,
	})
	if err != nil {
		return ErrorResult(err)
	}
	md := &ExecutionMetadata{
		StartTime:      timePtr(start),
		Command:        fmt.Sprint(argv),
		ExitCode:       res.ExitCode,
		WorkingDir:     t.cwd(),
		TimeoutSeconds: int(t.timeout / time.Second),
		WasTimedOut:    res.TimedOut,
		ToolType:       "external",
	}
	out := FormatProcessOutput(res)
	switch {
	case res.TimedOut:
		return &ToolResult{Result: out, Error: fmt.Sprintf("%s timed out after %s", t.cfg.Name, t.timeout), ErrorKind: KindToolError, ExecutionMetadata: md}
	case res.ExitCode != 0:
		return &ToolResult{Result: out, Error: fmt.Sprintf("%s exited with code %d", t.cfg.Name, res.ExitCode), ErrorKind: KindToolError, ExecutionMetadata: md}
	}
	return &ToolResult{Result: out, ExecutionMetadata: md}
}
