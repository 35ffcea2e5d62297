package scripting

import (
	"context"
	"net/http"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/safety"
	"github.com/kir-gadjello/zier-alpha/internal/sandbox"
)

// EventSink receives push_event calls. Source is already prefixed with
// "script:".
type EventSink interface {
	PushEvent(ctx context.Context, source, text string) error
}

// ScheduleRegistrar receives schedule calls from scripts.
type ScheduleRegistrar interface {
	RegisterScript(name, spec, scriptPath string) error
}

// ConfigGetter resolves dotted config keys for config_get.
type ConfigGetter interface {
	Get(key string) (interface{}, bool)
}

// CommandApprover decides exec calls the safety policy flags for approval.
// A nil error means approved.
type CommandApprover interface {
	ApproveCommand(ctx context.Context, session, command, reason string) error
}

// OpObserver is told about every host op a script issues.
type OpObserver func(session, op string, err error)

// Host is everything outside the session a script can reach, always
// through its capabilities. Nil members disable the ops that need them.
type Host struct {
	Roots      capability.Roots
	Isolator   sandbox.Isolator
	Policy     *safety.Policy
	HTTPClient *http.Client
	Events     EventSink
	Scheduler  ScheduleRegistrar
	Config     ConfigGetter
	Approver   CommandApprover
	Observe    OpObserver

	// ScriptsDir bounds which files schedule may register. Empty disables
	// script schedules.
	ScriptsDir string
	// AllowUnconfinedExec lets exec run on the direct backend, where the
	// capability roots are not enforced by the OS.
	AllowUnconfinedExec bool

	LockTimeout time.Duration
	ExecTimeout time.Duration
}
