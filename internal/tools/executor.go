package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kir-gadjello/zier-alpha/internal/approval"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/secretdetect"
)

// Observer is told the outcome of every call.
type Observer func(tool string, kind ErrorKind, elapsed time.Duration)

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	Registry *Registry
	// Approvals may be nil; calls that need approval then fail.
	Approvals       *approval.Coordinator
	RequireApproval []string
	Output          OutputOptions
	LogInjection    bool
	Detector        *secretdetect.Detector
	Observe         Observer
	// LockAttempts and LockBackoff bound retries after a lock timeout.
	LockAttempts int
	LockBackoff  time.Duration
}

// Executor runs tool calls for a turn: visibility, argument validation,
// the approval gate, execution and output sanitation. It never returns a
// Go error; every failure is folded into the result.
type Executor struct {
	registry        *Registry
	approvals       *approval.Coordinator
	requireApproval map[string]bool
	output          OutputOptions
	logInjection    bool
	detector        *secretdetect.Detector
	observe         Observer
	lockAttempts    int
	lockBackoff     time.Duration
	log             *logger.Logger

	mu          sync.Mutex
	preApproved map[string]bool
}

// NewExecutor creates an executor over a registry.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.LockAttempts <= 0 {
		opts.LockAttempts = consts.LockAttempts
	}
	if opts.LockBackoff <= 0 {
		opts.LockBackoff = consts.LockRetryBackoff
	}
	if opts.Output.Redact && opts.Detector == nil {
		opts.Detector = secretdetect.NewDetector()
	}
	req := make(map[string]bool, len(opts.RequireApproval))
	for _, name := range opts.RequireApproval {
		req[name] = true
	}
	return &Executor{
		registry:        opts.Registry,
		approvals:       opts.Approvals,
		requireApproval: req,
		output:          opts.Output,
		logInjection:    opts.LogInjection,
		detector:        opts.Detector,
		observe:         opts.Observe,
		lockAttempts:    opts.LockAttempts,
		lockBackoff:     opts.LockBackoff,
		log:             logger.Global().WithPrefix("tools"),
		preApproved:     make(map[string]bool),
	}
}

// Registry returns the executor's registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Approve pre-approves one call id. The approval is consumed by the first
// execution of that id.
func (e *Executor) Approve(callID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.preApproved[callID] = true
}

func (e *Executor) consumeApproval(callID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.preApproved[callID] {
		delete(e.preApproved, callID)
		return true
	}
	return false
}

// Execute runs call at the given trust level. The tool scope and chat
// reference for trusted turns come from the Turn attached to ctx.
func (e *Executor) Execute(ctx context.Context, trust ingress.TrustLevel, call *ToolCall) *ToolResult {
	start := time.Now()
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	turn := TurnFrom(ctx)
	turn.Trust = trust
	ctx = WithTurn(ctx, turn)

	res := e.execute(ctx, turn, call)
	res.ID = call.ID
	if res.ExecutionMetadata == nil {
		res.ExecutionMetadata = &ExecutionMetadata{}
	}
	md := res.ExecutionMetadata
	if md.StartTime == nil {
		md.StartTime = timePtr(start)
	}
	md.EndTime = timePtr(time.Now())
	md.DurationMs = time.Since(start).Milliseconds()

	e.render(call.Name, res)
	if e.observe != nil {
		e.observe(call.Name, res.ErrorKind, time.Since(start))
	}
	return res
}

func (e *Executor) execute(ctx context.Context, turn Turn, call *ToolCall) *ToolResult {
	tool, ok := e.visible(turn, call.Name)
	if !ok {
		e.log.Warn("call to %s rejected at trust %s", call.Name, turn.Trust)
		err := fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
		var names []string
		for _, t := range e.registry.Visible(turn.Trust, turn.Scope) {
			names = append(names, t.Name())
		}
		if near, ok := closestName(call.Name, names); ok {
			err = fmt.Errorf("%w (did you mean %s?)", err, near)
		}
		return ErrorResult(err)
	}
	if err := ValidateArgs(tool, call.Parameters); err != nil {
		return ErrorResult(err)
	}

	approved, res := e.gate(ctx, turn, tool, call)
	if res != nil {
		return res
	}

	var out *ToolResult
	attempts := 0
	backoff := e.lockBackoff
	for {
		attempts++
		out = safeExecute(ctx, tool, call.Parameters)
		if out.ErrorKind != KindLockTimeout || attempts >= e.lockAttempts {
			break
		}
		e.log.Warn("%s hit the workspace lock timeout, retrying in %s (attempt %d/%d)", call.Name, backoff, attempts, e.lockAttempts)
		select {
		case <-ctx.Done():
			return ErrorResult(ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if out.ExecutionMetadata == nil {
		out.ExecutionMetadata = &ExecutionMetadata{}
	}
	out.ExecutionMetadata.Attempts = attempts
	out.ExecutionMetadata.Approved = approved
	return out
}

func (e *Executor) visible(turn Turn, name string) (Tool, bool) {
	tool, ok := e.registry.Get(name)
	if !ok {
		return nil, false
	}
	switch turn.Trust {
	case ingress.OwnerCommand:
		return tool, true
	case ingress.TrustedEvent:
		return tool, turn.Scope.Allows(name)
	default:
		return nil, false
	}
}

// gate runs the safety classification and, where needed, waits for a
// human. Nothing the tool does happens before gate returns nil.
func (e *Executor) gate(ctx context.Context, turn Turn, tool Tool, call *ToolCall) (bool, *ToolResult) {
	needs := e.requireApproval[call.Name]
	reason := "tool requires approval"
	if c, ok := tool.(Classifier); ok {
		v := c.Classify(ctx, call.Parameters)
		switch v.Kind {
		case safety.Blocked:
			e.log.Warn("%s blocked: %s", call.Name, v.Reason)
			return false, ErrorResult(v.Err())
		case safety.SoftBlock:
			e.log.Warn("%s allowed with warning: %s", call.Name, v.Reason)
		case safety.RequiresApproval:
			needs = true
			reason = v.Reason
		}
	}
	if !needs {
		return false, nil
	}
	if e.consumeApproval(call.ID) {
		e.log.Info("%s runs on a pre-approval (call %s)", call.Name, call.ID)
		return true, nil
	}
	if e.approvals == nil {
		return false, ErrorResult(fmt.Errorf("%w: %s (%s)", approval.ErrApprovalRequired, call.Name, reason))
	}

	args, _ := json.Marshal(call.Parameters)
	chatRef := turn.ChatRef
	if chatRef == "" {
		chatRef = turn.Trust.String()
	}
	if _, err := e.approvals.AwaitDecision(ctx, approval.Request{
		CallID:   call.ID,
		ChatRef:  chatRef,
		ToolName: call.Name,
		Args:     string(args),
	}, 0); err != nil {
		return false, ErrorResult(err)
	}
	return true, nil
}

// safeExecute turns a panicking tool into a tool_error result.
func safeExecute(ctx context.Context, tool Tool, params map[string]interface{}) (res *ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ErrorResult(fmt.Errorf("%w: %s panicked: %v", ErrToolExecution, tool.Name(), r))
		}
	}()
	res = tool.Execute(ctx, params)
	if res == nil {
		res = ErrorResult(fmt.Errorf("%w: %s returned no result", ErrToolExecution, tool.Name()))
	}
	if res.Error != "" && res.ErrorKind == "" {
		res.ErrorKind = KindToolError
	}
	return res
}

func (e *Executor) render(name string, res *ToolResult) {
	text := RenderValue(res.Result)
	if res.Error != "" {
		text = "Error: " + res.Error
		if out := RenderValue(res.Result); out != "" {
			text += "\n" + out
		}
	}
	r := Sanitize(name, text, e.output, e.detector)
	if e.logInjection && len(r.Warnings) > 0 {
		e.log.Warn("suspicious patterns in %s output: %v", name, r.Warnings)
	}
	if r.Redactions > 0 {
		e.log.Info("redacted %d secret(s) from %s output", r.Redactions, name)
	}
	res.Content = r.Content
	res.ExecutionMetadata.Truncated = r.Truncated
	res.ExecutionMetadata.Redactions = r.Redactions
}
