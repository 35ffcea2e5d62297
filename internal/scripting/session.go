// Package scripting runs Starlark extension scripts in isolated sessions.
//
// Every loaded script owns one Session driven by one actor goroutine. Script
// code only ever runs on that goroutine. Host ops that do I/O return a
// future and run on the session's FIFO worker; their completions are posted
// back to the session's Loop and settled when the script awaits.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/kir-gadjello/zier-alpha/internal/actor"
	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// ErrSandboxFault marks script errors and panics raised inside a session.
var ErrSandboxFault = errors.New("sandbox fault")

// ErrUnknownTool is returned when a session has no tool by that name.
var ErrUnknownTool = errors.New("unknown script tool")

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

const ctxLocal = "zier.ctx"

// ToolDescriptor describes a tool a script registered.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Session     string
}

type scriptTool struct {
	desc    ToolDescriptor
	handler starlark.Callable
}

// Session is one script execution context. Its capabilities are fixed at
// construction and never shared.
type Session struct {
	name string
	path string
	caps capability.Capabilities
	host *Host
	log  *logger.Logger
	loop *Loop
	ops  chan func()
	env  map[string]string

	life     context.Context
	stopLife context.CancelFunc
	worker   sync.WaitGroup

	globals     starlark.StringDict
	predeclared starlark.StringDict
	statusHooks []starlark.Callable

	mu    sync.RWMutex
	tools map[string]*scriptTool
	order []string
}

// NewSession creates a session for the script at path. Nothing runs until
// the session is started by an actor and sent a load message.
func NewSession(name, path string, caps capability.Capabilities, host *Host) *Session {
	if host == nil {
		host = &Host{}
	}
	s := &Session{
		name:  name,
		path:  path,
		caps:  caps,
		host:  host,
		log:   logger.Global().WithPrefix("script:" + name),
		loop:  newLoop(),
		ops:   make(chan func(), consts.SessionOpQueueSize),
		tools: make(map[string]*scriptTool),
	}
	if caps.Env() {
		s.env = snapshotEnv()
	}
	s.predeclared = s.builtins()
	return s
}

func snapshotEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// ID implements actor.Actor.
func (s *Session) ID() string { return s.name }

// Name is the script name.
func (s *Session) Name() string { return s.name }

// Capabilities returns the session's permission set.
func (s *Session) Capabilities() capability.Capabilities { return s.caps }

// Start launches the op worker. Ops run strictly in issue order.
func (s *Session) Start(ctx context.Context) error {
	s.life, s.stopLife = context.WithCancel(context.Background())
	s.worker.Add(1)
	go func() {
		defer s.worker.Done()
		for job := range s.ops {
			job()
		}
	}()
	return nil
}

// Stop cancels in-flight ops and waits for the worker to drain.
func (s *Session) Stop(ctx context.Context) error {
	if s.stopLife != nil {
		s.stopLife()
	}
	close(s.ops)
	done := make(chan struct{})
	go func() {
		s.worker.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type loadMsg struct {
	ctx    context.Context
	source interface{}
	reply  chan error
}

func (*loadMsg) Type() string { return "load" }

type callResult struct {
	output string
	err    error
}

type callMsg struct {
	ctx   context.Context
	tool  string
	args  map[string]interface{}
	reply chan callResult
}

func (*callMsg) Type() string { return "call" }

type statusMsg struct {
	ctx   context.Context
	reply chan []string
}

func (*statusMsg) Type() string { return "status" }

// Receive implements actor.Actor. Every message gets exactly one reply,
// including when the handler panics.
func (s *Session) Receive(_ context.Context, msg actor.Message) error {
	switch m := msg.(type) {
	case *loadMsg:
		err := s.guard("load", func() error { return s.load(m.ctx, m.source) })
		m.reply <- err
		return err
	case *callMsg:
		var out string
		err := s.guard(m.tool, func() error {
			var err error
			out, err = s.call(m.ctx, m.tool, m.args)
			return err
		})
		m.reply <- callResult{output: out, err: err}
		return nil
	case *statusMsg:
		var lines []string
		_ = s.guard("status", func() error {
			lines = s.status(m.ctx)
			return nil
		})
		m.reply <- lines
		return nil
	default:
		return fmt.Errorf("unknown message type %s", msg.Type())
	}
}

func (s *Session) guard(what string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in %s: %v\n%s", what, r, debug.Stack())
			err = fmt.Errorf("%w: %s: panic: %v", ErrSandboxFault, what, r)
		}
	}()
	return fn()
}

func (s *Session) newThread(ctx context.Context) (*starlark.Thread, func() bool) {
	th := &starlark.Thread{
		Name:  s.name,
		Print: func(_ *starlark.Thread, msg string) { s.log.Info("%s", msg) },
		Load: func(_ *starlark.Thread, module string) (starlark.StringDict, error) {
			return nil, fmt.Errorf("load(%q): modules are not available to scripts", module)
		},
	}
	th.SetLocal(ctxLocal, ctx)
	stop := context.AfterFunc(ctx, func() { th.Cancel(ctx.Err().Error()) })
	return th, stop
}

func threadContext(th *starlark.Thread) context.Context {
	if ctx, ok := th.Local(ctxLocal).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func (s *Session) load(ctx context.Context, source interface{}) error {
	th, stop := s.newThread(ctx)
	defer stop()
	globals, err := starlark.ExecFileOptions(fileOptions, th, s.path, source, s.predeclared)
	if err != nil {
		return s.fault(err)
	}
	s.globals = globals
	s.log.Info("loaded %s (%d tools, caps %s)", s.path, len(s.order), s.caps)
	return nil
}

// call is the tool bridge: it looks the handler up by name, invokes it with
// the arguments dict and drains a returned future.
func (s *Session) call(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	s.mu.RLock()
	tool, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	argv, err := toStarlark(args)
	if err != nil {
		return "", fmt.Errorf("%w: arguments: %v", ErrSandboxFault, err)
	}

	th, stop := s.newThread(ctx)
	defer stop()
	handlers := starlark.NewDict(1)
	if err := handlers.SetKey(starlark.String(name), tool.handler); err != nil {
		return "", err
	}
	env := starlark.StringDict{
		"__tools": handlers,
		"__name":  starlark.String(name),
		"__args":  argv,
	}
	result, err := starlark.EvalOptions(fileOptions, th, "<tool:"+name+">", "__tools[__name](__args)", env)
	if err != nil {
		return "", s.fault(err)
	}
	if f, ok := result.(*Future); ok {
		result, err = s.loop.Await(ctx, f)
		if err != nil {
			return "", s.fault(err)
		}
	}
	return renderResult(result)
}

// fault classifies an error raised by script evaluation. Capability
// violations stay permission errors; the rest is a sandbox fault.
func (s *Session) fault(err error) error {
	if errors.Is(err, capability.ErrPermissionDenied) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if evalErr, ok := err.(*starlark.EvalError); ok {
		s.log.Warn("script error: %s", evalErr.Backtrace())
	} else {
		s.log.Warn("script error: %v", err)
	}
	return fmt.Errorf("%w: %s: %v", ErrSandboxFault, s.name, err)
}

func renderResult(v starlark.Value) (string, error) {
	switch v := v.(type) {
	case nil, starlark.NoneType:
		return "", nil
	case starlark.String:
		return string(v), nil
	}
	host, err := fromStarlark(v)
	if err != nil {
		return "", fmt.Errorf("%w: result: %v", ErrSandboxFault, err)
	}
	return marshalJSON(host)
}

func (s *Session) status(ctx context.Context) []string {
	var lines []string
	for _, hook := range s.statusHooks {
		th, stop := s.newThread(ctx)
		v, err := starlark.Call(th, hook, nil, nil)
		stop()
		if err != nil {
			s.log.Warn("status hook failed: %v", err)
			continue
		}
		switch v := v.(type) {
		case starlark.String:
			if v != "" {
				lines = append(lines, string(v))
			}
		case starlark.NoneType:
		default:
			items, err := stringList(v)
			if err != nil {
				lines = append(lines, v.String())
				continue
			}
			lines = append(lines, items...)
		}
	}
	return lines
}

// Tools lists the registered tools in registration order.
func (s *Session) Tools() []ToolDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name].desc)
	}
	return out
}

func (s *Session) registerTool(desc ToolDescriptor, handler starlark.Callable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[desc.Name]; exists {
		return fmt.Errorf("tool %q already registered", desc.Name)
	}
	s.tools[desc.Name] = &scriptTool{desc: desc, handler: handler}
	s.order = append(s.order, desc.Name)
	return nil
}

func (s *Session) builtins() starlark.StringDict {
	return starlark.StringDict{
		"json": starlarkjson.Module,

		"read_file":            starlark.NewBuiltin("read_file", s.opReadFile),
		"write_file":           starlark.NewBuiltin("write_file", s.opWriteFile),
		"write_file_exclusive": starlark.NewBuiltin("write_file_exclusive", s.opWriteFileExclusive),
		"mkdir":                starlark.NewBuiltin("mkdir", s.opMkdir),
		"remove":               starlark.NewBuiltin("remove", s.opRemove),
		"read_dir":             starlark.NewBuiltin("read_dir", s.opReadDir),
		"fetch":                starlark.NewBuiltin("fetch", s.opFetch),
		"exec":                 starlark.NewBuiltin("exec", s.opExec),
		"sleep":                starlark.NewBuiltin("sleep", s.opSleep),
		"push_event":           starlark.NewBuiltin("push_event", s.opPushEvent),
		"schedule":             starlark.NewBuiltin("schedule", s.opSchedule),

		"wait":     starlark.NewBuiltin("wait", s.builtinWait),
		"try_wait": starlark.NewBuiltin("try_wait", s.builtinTryWait),

		"log":           starlark.NewBuiltin("log", s.builtinLog),
		"register_tool": starlark.NewBuiltin("register_tool", s.builtinRegisterTool),
		"on_status":     starlark.NewBuiltin("on_status", s.builtinOnStatus),
		"uuid":          starlark.NewBuiltin("uuid", s.builtinUUID),
		"env_get":       starlark.NewBuiltin("env_get", s.builtinEnvGet),
		"temp_dir":      starlark.NewBuiltin("temp_dir", s.builtinTempDir),
		"home_dir":      starlark.NewBuiltin("home_dir", s.builtinHomeDir),
		"config_get":    starlark.NewBuiltin("config_get", s.builtinConfigGet),
	}
}
