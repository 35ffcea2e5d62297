package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/kir-gadjello/zier-alpha/internal/approval"
	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/lockfile"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/sandbox"
	"github.com/kir-gadjello/zier-alpha/internal/scripting"
)

var (
	// ErrToolExecution wraps failures raised by a tool itself.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrInvalidArguments is returned when arguments fail schema validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrUnknownTool is returned for calls to tools that are not registered
	// or not visible at the caller's trust level.
	ErrUnknownTool = errors.New("unknown tool")
)

// ErrorKind classifies a failed call for the model and for metrics.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindBlocked          ErrorKind = "blocked"
	KindApprovalDenied   ErrorKind = "approval_denied"
	KindApprovalTimedOut ErrorKind = "approval_timed_out"
	KindToolError        ErrorKind = "tool_error"
	KindSandboxFault     ErrorKind = "sandbox_fault"
	KindSpawnError       ErrorKind = "spawn_error"
	KindLockTimeout      ErrorKind = "lock_timeout"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindUnknownTool      ErrorKind = "unknown_tool"
	KindCancelled        ErrorKind = "cancelled"
)

// KindOf maps an error chain to its kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, capability.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, safety.ErrBlocked):
		return KindBlocked
	case errors.Is(err, approval.ErrTimedOut):
		return KindApprovalTimedOut
	case errors.Is(err, approval.ErrDenied), errors.Is(err, approval.ErrApprovalRequired):
		return KindApprovalDenied
	case errors.Is(err, lockfile.ErrLockTimeout):
		return KindLockTimeout
	case errors.Is(err, scripting.ErrSandboxFault):
		return KindSandboxFault
	case errors.Is(err, sandbox.ErrSpawn):
		return KindSpawnError
	case errors.Is(err, ErrInvalidArguments):
		return KindInvalidArguments
	case errors.Is(err, ErrUnknownTool), errors.Is(err, scripting.ErrUnknownTool), errors.Is(err, scripting.ErrNoSession):
		return KindUnknownTool
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindToolError
	}
}

// ErrorResult turns err into a failed result.
func ErrorResult(err error) *ToolResult {
	return &ToolResult{Error: err.Error(), ErrorKind: KindOf(err)}
}

// Errorf builds a failed tool_error result.
func Errorf(format string, args ...interface{}) *ToolResult {
	return ErrorResult(fmt.Errorf("%w: %s", ErrToolExecution, fmt.Sprintf(format, args...)))
}
