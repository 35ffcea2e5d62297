package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/lockfile"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/sandbox"
)

const (
	ToolNameShell     = "shell"
	ToolNameReadFile  = "read_file"
	ToolNameWriteFile = "write_file"
	ToolNameEditFile  = "edit_file"
	ToolNameListDir   = "list_dir"

	maxReadLines = 2000
	maxShellSecs = 600
)

// Environment is what the native tools act through. Caps is the operator's
// own permission set, derived from the sandbox config.
type Environment struct {
	Roots          capability.Roots
	Caps           capability.Capabilities
	Isolator       sandbox.Isolator
	Policy         *safety.Policy
	Lock           *lockfile.Lockfile
	ProcessTimeout time.Duration
}

// RunDir is where commands start: the project in overlay mode, the
// workspace in mount mode.
func (env *Environment) RunDir() string {
	if env.Roots.Strategy == capability.Mount {
		return env.Roots.Workspace
	}
	return env.Roots.Project
}

// RegisterNative adds the native tools to r.
func RegisterNative(r *Registry, env *Environment) {
	r.Register(NewShellTool(env))
	r.Register(NewReadFileTool(env))
	r.Register(NewWriteFileTool(env))
	r.Register(NewEditFileTool(env))
	r.Register(NewListDirTool(env))
}

func (env *Environment) mutate(ctx context.Context, fn func() error) error {
	if env.Lock == nil {
		return fn()
	}
	return lockfile.WithLock(ctx, env.Lock, fn)
}

// ShellTool runs a command line through the isolator.
type ShellTool struct {
	env *Environment
}

func NewShellTool(env *Environment) *ShellTool { return &ShellTool{env: env} }

func (t *ShellTool) Name() string { return ToolNameShell }

func (t *ShellTool) Description() string {
	return "Execute a shell command inside the sandbox. Chaining operators are rejected unless raw shell mode is enabled for owner turns."
}

func (t *ShellTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "Command line to execute.",
			},
			"working_dir": map[string]interface{}{
				"type":        "string",
				"description": "Working directory (optional, defaults to the project directory)",
			},
			"timeout": map[string]interface{}{
				"type":        "integer",
				"description": "Timeout in seconds (optional)",
				"minimum":     1,
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) cwd(params map[string]interface{}) string {
	if wd := GetStringParam(params, "working_dir", ""); wd != "" {
		return t.env.Roots.Absolute(wd)
	}
	return t.env.RunDir()
}

// Classify implements Classifier. Raw shell mode is only offered to owner
// turns.
func (t *ShellTool) Classify(ctx context.Context, params map[string]interface{}) safety.Verdict {
	if t.env.Policy == nil {
		return safety.Verdict{Kind: safety.Blocked, Reason: "no safety policy configured"}
	}
	raw := TurnFrom(ctx).Trust == ingress.OwnerCommand
	return t.env.Policy.ClassifyShell(GetStringParam(params, "command", ""), t.cwd(params), raw)
}

func (t *ShellTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	command := strings.TrimSpace(GetStringParam(params, "command", ""))
	if command == "" {
		return ErrorResult(fmt.Errorf("%w: command is required", ErrInvalidArguments))
	}
	if t.env.Isolator == nil {
		return Errorf("no process isolator configured")
	}
	timeout := t.env.ProcessTimeout
	if secs := GetIntParam(params, "timeout", 0); secs > 0 {
		if secs > maxShellSecs {
			secs = maxShellSecs
		}
		timeout = time.Duration(secs) * time.Second
	}
	cwd := t.cwd(params)

	name, args := "sh", []string{"-c", command}
	if runtime.GOOS == "windows" {
		name, args = "cmd", []string{"/C", command}
	}
	logger.Debug("shell: command='%s', working_dir=%s, timeout=%s", command, cwd, timeout)

	start := time.Now()
	res, err := t.env.Isolator.Spawn(ctx, sandbox.SpawnRequest{
		Command:      name,
		Args:         args,
		Cwd:          cwd,
		EnvSource:    sandbox.EnvFromOperator,
		Capabilities: t.env.Caps,
		Timeout:      timeout,
	})
	if err != nil {
		return ErrorResult(err)
	}
	md := &ExecutionMetadata{
		StartTime:      timePtr(start),
		Command:        command,
		ExitCode:       res.ExitCode,
		WorkingDir:     cwd,
		TimeoutSeconds: int(timeout / time.Second),
		WasTimedOut:    res.TimedOut,
		ToolType:       "shell",
	}
	out := FormatProcessOutput(res)
	if res.TimedOut {
		return &ToolResult{Result: out, Error: fmt.Sprintf("command timed out after %s", timeout), ErrorKind: KindToolError, ExecutionMetadata: md}
	}
	return &ToolResult{Result: out, ExecutionMetadata: md}
}

// FormatProcessOutput renders stdout, stderr and the exit code the way the
// model expects them.
func FormatProcessOutput(res *sandbox.SpawnResult) string {
	var b strings.Builder
	b.WriteString(res.Stdout)
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n\nSTDERR:\n")
		}
		b.WriteString(res.Stderr)
	}
	if b.Len() == 0 || res.ExitCode != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Command completed with exit code: %d", res.ExitCode)
	}
	if res.Truncated {
		b.WriteString("\n[output truncated]")
	}
	return b.String()
}

// ReadFileTool reads a file within the read roots.
type ReadFileTool struct {
	env *Environment
}

func NewReadFileTool(env *Environment) *ReadFileTool { return &ReadFileTool{env: env} }

func (t *ReadFileTool) Name() string { return ToolNameReadFile }

func (t *ReadFileTool) Description() string {
	return "Read a file. Can read the entire file or a line range; at most 2000 lines per read."
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read (relative to the project, memory files resolve to the workspace)",
			},
			"from_line": map[string]interface{}{
				"type":        "integer",
				"description": "Starting line number (1-indexed, optional)",
				"minimum":     1,
			},
			"to_line": map[string]interface{}{
				"type":        "integer",
				"description": "Ending line number (1-indexed, optional)",
				"minimum":     1,
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	path := GetStringParam(params, "path", "")
	abs, err := t.env.Caps.ResolveRead(path, t.env.Roots)
	if err != nil {
		return ErrorResult(err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return ErrorResult(fmt.Errorf("%w: %v", ErrToolExecution, err))
	}

	lines := strings.Split(string(data), "\n")
	from := GetIntParam(params, "from_line", 1)
	to := GetIntParam(params, "to_line", len(lines))
	if from < 1 {
		from = 1
	}
	if to > len(lines) {
		to = len(lines)
	}
	if from > to {
		return Errorf("from_line %d is past the end of %s (%d lines)", from, path, len(lines))
	}
	truncated := false
	if to-from+1 > maxReadLines {
		to = from + maxReadLines - 1
		truncated = true
	}
	content := strings.Join(lines[from-1:to], "\n")
	if truncated {
		content += fmt.Sprintf("\n\n[... file truncated, %d total lines, showing lines %d-%d. Use from_line and to_line to read more]", len(lines), from, to)
	}
	logger.Debug("read_file: %s lines %d-%d", abs, from, to)
	return &ToolResult{Result: content}
}

// WriteFileTool writes a whole file under the workspace lock.
type WriteFileTool struct {
	env *Environment
}

func NewWriteFileTool(env *Environment) *WriteFileTool { return &WriteFileTool{env: env} }

func (t *WriteFileTool) Name() string { return ToolNameWriteFile }

func (t *WriteFileTool) Description() string {
	return "Create or overwrite a file with the given content. Parent directories are created."
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path of the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Full file content",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	path := GetStringParam(params, "path", "")
	content := GetStringParam(params, "content", "")
	abs, err := t.env.Caps.ResolveWrite(path, t.env.Roots)
	if err != nil {
		return ErrorResult(err)
	}
	err = t.env.mutate(ctx, func() error {
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		return os.WriteFile(abs, []byte(content), 0o644)
	})
	if err != nil {
		return writeError(err)
	}
	logger.Info("write_file: wrote %d bytes to %s", len(content), abs)
	return &ToolResult{Result: fmt.Sprintf("Wrote %d bytes to %s", len(content), path)}
}

func writeError(err error) *ToolResult {
	if errors.Is(err, lockfile.ErrLockTimeout) || errors.Is(err, context.Canceled) {
		return ErrorResult(err)
	}
	return ErrorResult(fmt.Errorf("%w: %v", ErrToolExecution, err))
}

// EditFileTool replaces one exact occurrence of a string in a file.
type EditFileTool struct {
	env *Environment
}

func NewEditFileTool(env *Environment) *EditFileTool { return &EditFileTool{env: env} }

func (t *EditFileTool) Name() string { return ToolNameEditFile }

func (t *EditFileTool) Description() string {
	return "Replace exactly one occurrence of old_string with new_string in a file."
}

func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":       map[string]interface{}{"type": "string", "description": "File to edit"},
			"old_string": map[string]interface{}{"type": "string", "description": "Text to replace; must occur exactly once", "minLength": 1},
			"new_string": map[string]interface{}{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	path := GetStringParam(params, "path", "")
	oldStr := GetStringParam(params, "old_string", "")
	newStr := GetStringParam(params, "new_string", "")
	abs, err := t.env.Caps.ResolveWrite(path, t.env.Roots)
	if err != nil {
		return ErrorResult(err)
	}
	var count int
	err = t.env.mutate(ctx, func() error {
		data, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		count = strings.Count(string(data), oldStr)
		if count != 1 {
			return nil
		}
		return os.WriteFile(abs, []byte(strings.Replace(string(data), oldStr, newStr, 1)), 0o644)
	})
	if err != nil {
		return writeError(err)
	}
	if count != 1 {
		return Errorf("old_string occurs %d times in %s, expected exactly once", count, path)
	}
	return &ToolResult{Result: fmt.Sprintf("Edited %s", path)}
}

// ListDirTool lists a directory within the read roots.
type ListDirTool struct {
	env *Environment
}

func NewListDirTool(env *Environment) *ListDirTool { return &ListDirTool{env: env} }

func (t *ListDirTool) Name() string { return ToolNameListDir }

func (t *ListDirTool) Description() string {
	return "List directory contents with sizes. Directories end with a slash."
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Directory to list (optional, defaults to the project directory)",
			},
			"all": map[string]interface{}{
				"type":        "boolean",
				"description": "Show hidden files (files starting with .)",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]interface{}) *ToolResult {
	path := GetStringParam(params, "path", ".")
	all := GetBoolParam(params, "all", false)
	abs, err := t.env.Caps.ResolveRead(path, t.env.Roots)
	if err != nil {
		return ErrorResult(err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return ErrorResult(fmt.Errorf("%w: %v", ErrToolExecution, err))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var b strings.Builder
	shown := 0
	for _, e := range entries {
		if !all && strings.HasPrefix(e.Name(), ".") {
			continue
		}
		shown++
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		size := int64(0)
		if info, err := e.Info(); err == nil {
			size = info.Size()
		}
		fmt.Fprintf(&b, "%s\t%d\n", e.Name(), size)
	}
	if shown == 0 {
		return &ToolResult{Result: "(empty directory)"}
	}
	return &ToolResult{Result: strings.TrimRight(b.String(), "\n")}
}
