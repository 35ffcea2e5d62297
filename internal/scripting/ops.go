package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.starlark.net/starlark"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/lockfile"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/sandbox"
)

var errOpQueueFull = errors.New("host op queue is full")

type opFunc func(ctx context.Context) (interface{}, error)

// async schedules fn on the session worker and returns its future.
func (s *Session) async(th *starlark.Thread, op string, fn opFunc) *Future {
	f := s.loop.newFuture(op)
	callCtx := threadContext(th)
	id := f.id
	job := func() {
		ctx, cancel := context.WithCancel(callCtx)
		defer cancel()
		stop := context.AfterFunc(s.life, cancel)
		defer stop()

		v, err := fn(ctx)
		s.observe(op, err)
		s.loop.complete(id, v, err)
	}
	select {
	case s.ops <- job:
	default:
		s.loop.abandon(f, fmt.Errorf("%s: %w", op, errOpQueueFull))
		s.observe(op, errOpQueueFull)
	}
	return f
}

// denied returns a settled future for an op rejected before any work.
func (s *Session) denied(op string, err error) *Future {
	s.log.Warn("%s denied: %v", op, err)
	s.observe(op, err)
	return s.loop.failed(op, err)
}

func (s *Session) observe(op string, err error) {
	if s.host.Observe != nil {
		s.host.Observe(s.name, op, err)
	}
}

// mutate runs fn under the workspace lock when a workspace is configured.
func (s *Session) mutate(ctx context.Context, fn func() error) error {
	if s.host.Roots.Workspace == "" {
		return fn()
	}
	return lockfile.WithLock(ctx, lockfile.ForWorkspace(s.host.Roots.Workspace, s.host.LockTimeout), fn)
}

func (s *Session) opReadFile(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	abs, err := s.caps.ResolveRead(path, s.host.Roots)
	if err != nil {
		return s.denied(b.Name(), err), nil
	}
	return s.async(th, b.Name(), func(context.Context) (interface{}, error) {
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}), nil
}

func (s *Session) opWriteFile(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return s.write(th, b, args, kwargs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
}

func (s *Session) opWriteFileExclusive(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return s.write(th, b, args, kwargs, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
}

func (s *Session) write(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, flags int) (starlark.Value, error) {
	var path, content string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "content", &content); err != nil {
		return nil, err
	}
	abs, err := s.caps.ResolveWrite(path, s.host.Roots)
	if err != nil {
		return s.denied(b.Name(), err), nil
	}
	return s.async(th, b.Name(), func(ctx context.Context) (interface{}, error) {
		return nil, s.mutate(ctx, func() error {
			f, err := os.OpenFile(abs, flags, 0o644)
			if err != nil {
				return err
			}
			if _, err := io.WriteString(f, content); err != nil {
				f.Close()
				return err
			}
			return f.Close()
		})
	}), nil
}

func (s *Session) opMkdir(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	abs, err := s.caps.ResolveWrite(path, s.host.Roots)
	if err != nil {
		return s.denied(b.Name(), err), nil
	}
	return s.async(th, b.Name(), func(ctx context.Context) (interface{}, error) {
		return nil, s.mutate(ctx, func() error { return os.MkdirAll(abs, 0o755) })
	}), nil
}

func (s *Session) opRemove(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	recursive := false
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path, "recursive?", &recursive); err != nil {
		return nil, err
	}
	abs, err := s.caps.ResolveWrite(path, s.host.Roots)
	if err != nil {
		return s.denied(b.Name(), err), nil
	}
	for _, root := range s.caps.WriteRoots() {
		if abs == root {
			return s.denied(b.Name(), fmt.Errorf("%w: refusing to remove a declared root", capability.ErrPermissionDenied)), nil
		}
	}
	return s.async(th, b.Name(), func(ctx context.Context) (interface{}, error) {
		return nil, s.mutate(ctx, func() error {
			if recursive {
				return os.RemoveAll(abs)
			}
			return os.Remove(abs)
		})
	}), nil
}

func (s *Session) opReadDir(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var path string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "path", &path); err != nil {
		return nil, err
	}
	abs, err := s.caps.ResolveRead(path, s.host.Roots)
	if err != nil {
		return s.denied(b.Name(), err), nil
	}
	return s.async(th, b.Name(), func(context.Context) (interface{}, error) {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, err
		}
		out := make([]interface{}, 0, len(entries))
		for _, e := range entries {
			var size int64
			if info, err := e.Info(); err == nil {
				size = info.Size()
			}
			out = append(out, map[string]interface{}{
				"name":   e.Name(),
				"is_dir": e.IsDir(),
				"size":   size,
			})
		}
		return out, nil
	}), nil
}

func (s *Session) opFetch(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var url string
	method := "GET"
	var headers starlark.Value = starlark.None
	var body starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "url", &url, "method?", &method, "headers?", &headers, "body?", &body); err != nil {
		return nil, err
	}
	if err := s.caps.RequireNet(); err != nil {
		return s.denied(b.Name(), err), nil
	}
	hdrs, err := stringDict(headers)
	if err != nil {
		return nil, fmt.Errorf("%s: headers: %w", b.Name(), err)
	}
	var payload string
	if body != starlark.None {
		str, ok := starlark.AsString(body)
		if !ok {
			return nil, fmt.Errorf("%s: body must be a string", b.Name())
		}
		payload = str
	}
	client := s.host.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: consts.DefaultFetchTimeout}
	}

	return s.async(th, b.Name(), func(ctx context.Context) (interface{}, error) {
		var rdr io.Reader
		if payload != "" {
			rdr = strings.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, rdr)
		if err != nil {
			return nil, err
		}
		for k, v := range hdrs {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, consts.MaxFetchBodyBytes))
		if err != nil {
			return nil, err
		}
		respHeaders := make(map[string]interface{}, len(resp.Header))
		for k := range resp.Header {
			respHeaders[strings.ToLower(k)] = resp.Header.Get(k)
		}
		return map[string]interface{}{
			"status":  resp.StatusCode,
			"body":    string(data),
			"headers": respHeaders,
		}, nil
	}), nil
}

func (s *Session) opExec(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command, cwd string
	var argv, env starlark.Value = starlark.None, starlark.None
	var timeout float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"cmd", &command, "args?", &argv, "cwd?", &cwd, "env?", &env, "timeout?", &timeout); err != nil {
		return nil, err
	}
	if err := s.caps.RequireExec(); err != nil {
		return s.denied(b.Name(), err), nil
	}
	if s.host.Isolator == nil {
		return s.denied(b.Name(), fmt.Errorf("%w: no process isolator configured", capability.ErrPermissionDenied)), nil
	}
	cmdArgs, err := stringList(argv)
	if err != nil {
		return nil, fmt.Errorf("%s: args: %w", b.Name(), err)
	}
	overrides, err := stringDict(env)
	if err != nil {
		return nil, fmt.Errorf("%s: env: %w", b.Name(), err)
	}
	if err := sandbox.ValidateOverrides(overrides); err != nil {
		return s.denied(b.Name(), err), nil
	}
	dir, err := s.execDir(cwd)
	if err != nil {
		return s.denied(b.Name(), err), nil
	}

	var verdict safety.Verdict
	if s.host.Policy != nil {
		verdict = s.host.Policy.ClassifyArgs(append([]string{command}, cmdArgs...), dir)
		if verdict.Kind == safety.Blocked {
			return s.denied(b.Name(), verdict.Err()), nil
		}
		if verdict.Kind == safety.RequiresApproval && s.host.Approver == nil {
			return s.denied(b.Name(), fmt.Errorf("%w: %s needs approval and no approver is configured", capability.ErrPermissionDenied, command)), nil
		}
	}

	if s.host.Isolator.Name() == "direct" && !s.host.AllowUnconfinedExec {
		return s.denied(b.Name(), fmt.Errorf("%w: exec needs an OS sandbox backend", capability.ErrPermissionDenied)), nil
	}

	limit := s.host.ExecTimeout
	if timeout > 0 {
		limit = time.Duration(timeout * float64(time.Second))
	}
	req := sandbox.SpawnRequest{
		Command:      command,
		Args:         cmdArgs,
		Cwd:          dir,
		Env:          overrides,
		EnvSource:    sandbox.EnvFromScript,
		Capabilities: s.caps,
		Timeout:      limit,
	}
	return s.async(th, b.Name(), func(ctx context.Context) (interface{}, error) {
		if verdict.Kind == safety.RequiresApproval {
			line := strings.TrimSpace(command + " " + strings.Join(cmdArgs, " "))
			if err := s.host.Approver.ApproveCommand(ctx, s.name, line, verdict.Reason); err != nil {
				return nil, err
			}
		}
		res, err := s.host.Isolator.Spawn(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"exit_code": res.ExitCode,
			"stdout":    res.Stdout,
			"stderr":    res.Stderr,
			"timed_out": res.TimedOut,
		}, nil
	}), nil
}

// execDir picks the working directory for exec. It must lie inside the
// session's own roots; without cwd the first write root wins, then the
// first read root.
func (s *Session) execDir(cwd string) (string, error) {
	roots := append(s.caps.WriteRoots(), s.caps.ReadRoots()...)
	if cwd == "" {
		if len(roots) == 0 {
			return "", fmt.Errorf("%w: exec needs a read or write root for its working directory", capability.ErrPermissionDenied)
		}
		return roots[0], nil
	}
	dir := s.host.Roots.Absolute(cwd)
	for _, root := range roots {
		if capability.Within(dir, root) {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%w: working directory %s is outside the session roots", capability.ErrPermissionDenied, dir)
}

func (s *Session) opSleep(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var seconds float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "seconds", &seconds); err != nil {
		return nil, err
	}
	if seconds < 0 {
		seconds = 0
	}
	f := s.loop.newFuture(b.Name())
	id := f.id
	time.AfterFunc(time.Duration(seconds*float64(time.Second)), func() {
		s.loop.complete(id, nil, nil)
	})
	return f, nil
}

func (s *Session) opPushEvent(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var text string
	source := s.name
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "text", &text, "source?", &source); err != nil {
		return nil, err
	}
	if s.host.Events == nil {
		return s.denied(b.Name(), fmt.Errorf("%w: no event bus", capability.ErrPermissionDenied)), nil
	}
	// scripts always speak as scripts, whatever source they claim
	source = "script:" + strings.TrimPrefix(source, "script:")
	return s.async(th, b.Name(), func(ctx context.Context) (interface{}, error) {
		return nil, s.host.Events.PushEvent(ctx, source, text)
	}), nil
}

func (s *Session) opSchedule(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, spec, script string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "cron", &spec, "script", &script); err != nil {
		return nil, err
	}
	if s.host.Scheduler == nil {
		return s.denied(b.Name(), fmt.Errorf("%w: no scheduler", capability.ErrPermissionDenied)), nil
	}
	abs, err := s.caps.ResolveRead(script, s.host.Roots)
	if err != nil {
		return s.denied(b.Name(), err), nil
	}
	// a scheduled run reloads the file with its own manifest, so only the
	// operator's scripts directory may be named
	if _, err := scriptInDir(s.host.ScriptsDir, abs); err != nil {
		return s.denied(b.Name(), err), nil
	}
	return s.async(th, b.Name(), func(context.Context) (interface{}, error) {
		return nil, s.host.Scheduler.RegisterScript(name, spec, abs)
	}), nil
}

func (s *Session) future(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (*Future, error) {
	var v starlark.Value
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &v); err != nil {
		return nil, err
	}
	f, ok := v.(*Future)
	if !ok {
		return nil, fmt.Errorf("%s: got %s, want future", b.Name(), v.Type())
	}
	return f, nil
}

func (s *Session) builtinWait(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	f, err := s.future(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	v, err := s.loop.Await(threadContext(th), f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.op, err)
	}
	return v, nil
}

func (s *Session) builtinTryWait(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	f, err := s.future(b, args, kwargs)
	if err != nil {
		return nil, err
	}
	v, err := s.loop.Await(threadContext(th), f)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return starlark.Tuple{starlark.None, starlark.String(err.Error())}, nil
	}
	return starlark.Tuple{v, starlark.None}, nil
}

func (s *Session) builtinLog(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	level := "info"
	parts := make([]string, 0, len(args))
	for _, kv := range kwargs {
		if string(kv[0].(starlark.String)) != "level" {
			return nil, fmt.Errorf("%s: unexpected keyword argument %s", b.Name(), kv[0])
		}
		str, ok := starlark.AsString(kv[1])
		if !ok {
			return nil, fmt.Errorf("%s: level must be a string", b.Name())
		}
		level = str
	}
	for _, a := range args {
		if str, ok := starlark.AsString(a); ok {
			parts = append(parts, str)
		} else {
			parts = append(parts, a.String())
		}
	}
	msg := strings.Join(parts, " ")
	switch strings.ToLower(level) {
	case "debug":
		s.log.Debug("%s", msg)
	case "warn", "warning":
		s.log.Warn("%s", msg)
	case "error":
		s.log.Error("%s", msg)
	default:
		s.log.Info("%s", msg)
	}
	return starlark.None, nil
}

func (s *Session) builtinRegisterTool(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name, description string
	var handler starlark.Callable
	var params starlark.Value = starlark.None
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"name", &name, "description", &description, "handler", &handler, "parameters?", &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%s: empty tool name", b.Name())
	}
	schema := map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	if params != starlark.None {
		v, err := fromStarlark(params)
		if err != nil {
			return nil, fmt.Errorf("%s: parameters: %w", b.Name(), err)
		}
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: parameters must be a dict", b.Name())
		}
		schema = m
	}
	desc := ToolDescriptor{Name: name, Description: description, Parameters: schema, Session: s.name}
	if err := s.registerTool(desc, handler); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

func (s *Session) builtinOnStatus(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn starlark.Callable
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &fn); err != nil {
		return nil, err
	}
	s.statusHooks = append(s.statusHooks, fn)
	return starlark.None, nil
}

func (s *Session) builtinUUID(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(uuid.NewString()), nil
}

func (s *Session) builtinEnvGet(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key); err != nil {
		return nil, err
	}
	if err := s.caps.RequireEnv(); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	v, ok := s.env[key]
	if !ok {
		return starlark.None, nil
	}
	return starlark.String(v), nil
}

func (s *Session) builtinTempDir(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(os.TempDir()), nil
}

func (s *Session) builtinHomeDir(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 0); err != nil {
		return nil, err
	}
	return starlark.String(s.host.Roots.Home), nil
}

func (s *Session) builtinConfigGet(th *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, kwargs, 1, &key); err != nil {
		return nil, err
	}
	if s.host.Config == nil {
		return starlark.None, nil
	}
	v, ok := s.host.Config.Get(key)
	if !ok {
		return starlark.None, nil
	}
	return toStarlark(v)
}

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
