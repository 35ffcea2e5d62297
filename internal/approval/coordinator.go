// Package approval pauses tool execution until an out-of-band decision
// arrives from a front-end, the request expires, or the caller gives up.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

var (
	// ErrApprovalRequired is returned when a call needs approval and no
	// coordinator is available to ask.
	ErrApprovalRequired = errors.New("approval required")
	// ErrDenied is returned when the call was explicitly rejected.
	ErrDenied = errors.New("approval denied")
	// ErrTimedOut is returned when the request expired undecided.
	ErrTimedOut = errors.New("approval request expired")
	// ErrDuplicate is returned when a call id is already pending.
	ErrDuplicate = errors.New("approval already pending for call")
)

// Decision is the front-end's answer.
type Decision int

const (
	Deny Decision = iota
	Approve
)

func (d Decision) String() string {
	if d == Approve {
		return "approve"
	}
	return "deny"
}

// Request is what the executor asks to be approved.
type Request struct {
	CallID   string
	ChatRef  string
	ToolName string
	// Args is the serialized argument object.
	Args string
}

// Pending is the public view of a waiting request.
type Pending struct {
	CallID      string    `json:"call_id"`
	ChatRef     string    `json:"chat_ref"`
	ToolName    string    `json:"tool_name"`
	ArgsSummary string    `json:"args_summary"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// UIContext lets a front-end update the message it showed for a request.
type UIContext struct {
	ChatRef   string `json:"chat_ref"`
	MessageID string `json:"message_id,omitempty"`
}

// Expired is a request removed by Sweep.
type Expired struct {
	CallID string
	UI     UIContext
}

// Presenter shows a pending request to a human. Implementations must not
// block on the human; they eventually call Resolve.
type Presenter interface {
	OnApprovalRequested(ctx context.Context, p Pending) error
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(ctx context.Context, p Pending) error

func (f PresenterFunc) OnApprovalRequested(ctx context.Context, p Pending) error { return f(ctx, p) }

type outcome struct {
	decision Decision
	expired  bool
}

type entry struct {
	pending Pending
	ui      UIContext
	done    chan outcome
}

// Options configure a Coordinator.
type Options struct {
	Timeout time.Duration
	// Observe is told the final state of every request.
	Observe func(tool, state string)
	Now     func() time.Time
}

// Coordinator is the single owner of the pending-approval map. Every
// request ends in exactly one of approved, denied, timed out or cancelled;
// whoever removes the entry from the map decides which.
type Coordinator struct {
	mu         sync.Mutex
	pending    map[string]*entry
	presenters []Presenter

	timeout time.Duration
	observe func(tool, state string)
	now     func() time.Time
	log     *logger.Logger
}

// NewCoordinator creates a coordinator with no presenters.
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		pending: make(map[string]*entry),
		timeout: opts.Timeout,
		observe: opts.Observe,
		now:     opts.Now,
		log:     logger.Global().WithPrefix("approval"),
	}
	if c.timeout <= 0 {
		c.timeout = consts.DefaultApprovalTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// AddPresenter registers a front-end. Call before the first request.
func (c *Coordinator) AddPresenter(p Presenter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presenters = append(c.presenters, p)
}

// Timeout is the default expiry used when AwaitDecision gets zero.
func (c *Coordinator) Timeout() time.Duration { return c.timeout }

// Summarize shortens serialized arguments for display.
func Summarize(args string, max int) string {
	r := []rune(args)
	if max <= 0 || len(r) <= max {
		return args
	}
	return string(r[:max]) + "…"
}

// AwaitDecision registers the request, notifies the presenters and waits.
// It returns Approve with a nil error only when the call was approved.
func (c *Coordinator) AwaitDecision(ctx context.Context, req Request, timeout time.Duration) (Decision, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}
	if req.CallID == "" {
		req.CallID = uuid.NewString()
	}
	now := c.now()
	e := &entry{
		pending: Pending{
			CallID:      req.CallID,
			ChatRef:     req.ChatRef,
			ToolName:    req.ToolName,
			ArgsSummary: Summarize(req.Args, 500),
			RequestedAt: now,
			ExpiresAt:   now.Add(timeout),
		},
		ui:   UIContext{ChatRef: req.ChatRef},
		done: make(chan outcome, 1),
	}

	c.mu.Lock()
	if _, exists := c.pending[req.CallID]; exists {
		c.mu.Unlock()
		return Deny, fmt.Errorf("%w: %s", ErrDuplicate, req.CallID)
	}
	c.pending[req.CallID] = e
	presenters := append([]Presenter(nil), c.presenters...)
	c.mu.Unlock()

	c.log.Info("approval requested for %s (call %s)", req.ToolName, req.CallID)
	for _, p := range presenters {
		if err := p.OnApprovalRequested(ctx, e.pending); err != nil {
			c.log.Warn("presenter failed for call %s: %v", req.CallID, err)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-e.done:
		return c.finish(req, o)
	case <-timer.C:
		if c.remove(req.CallID) {
			return c.finish(req, outcome{expired: true})
		}
	case <-ctx.Done():
		if c.remove(req.CallID) {
			c.record(req.ToolName, "cancelled")
			return Deny, ctx.Err()
		}
	}
	// lost the race: a resolver or the sweeper removed the entry first and
	// its outcome is already buffered
	return c.finish(req, <-e.done)
}

func (c *Coordinator) finish(req Request, o outcome) (Decision, error) {
	switch {
	case o.expired:
		c.log.Warn("approval for %s expired (call %s)", req.ToolName, req.CallID)
		c.record(req.ToolName, "timed_out")
		return Deny, fmt.Errorf("%w: %s", ErrTimedOut, req.ToolName)
	case o.decision == Approve:
		c.log.Info("approved %s (call %s)", req.ToolName, req.CallID)
		c.record(req.ToolName, "approved")
		return Approve, nil
	default:
		c.log.Info("denied %s (call %s)", req.ToolName, req.CallID)
		c.record(req.ToolName, "denied")
		return Deny, fmt.Errorf("%w: %s", ErrDenied, req.ToolName)
	}
}

func (c *Coordinator) record(tool, state string) {
	if c.observe != nil {
		c.observe(tool, state)
	}
}

func (c *Coordinator) remove(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[callID]; !ok {
		return false
	}
	delete(c.pending, callID)
	return true
}

// Resolve delivers a decision. Only the first resolution of a call takes
// effect; later ones, and resolutions of expired calls, return false.
func (c *Coordinator) Resolve(callID string, d Decision) (UIContext, bool) {
	c.mu.Lock()
	e, ok := c.pending[callID]
	if ok {
		delete(c.pending, callID)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("resolve of unknown call %s ignored", callID)
		return UIContext{}, false
	}
	e.done <- outcome{decision: d}
	return e.ui, true
}

// Sweep expires every request whose deadline is before now.
func (c *Coordinator) Sweep(now time.Time) []Expired {
	var expired []*entry
	c.mu.Lock()
	for id, e := range c.pending {
		if now.After(e.pending.ExpiresAt) {
			delete(c.pending, id)
			expired = append(expired, e)
		}
	}
	c.mu.Unlock()

	out := make([]Expired, 0, len(expired))
	for _, e := range expired {
		e.done <- outcome{expired: true}
		out = append(out, Expired{CallID: e.pending.CallID, UI: e.ui})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CallID < out[j].CallID })
	return out
}

// SetMessageID records the front-end message showing a request.
func (c *Coordinator) SetMessageID(callID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pending[callID]
	if !ok {
		return false
	}
	e.ui.MessageID = messageID
	return true
}

// List returns the pending requests, oldest first.
func (c *Coordinator) List() []Pending {
	c.mu.Lock()
	out := make([]Pending, 0, len(c.pending))
	for _, e := range c.pending {
		out = append(out, e.pending)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Len is the number of pending requests.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RunSweeper sweeps every interval until ctx ends, passing each expired
// request to onExpired so front-ends can update their message.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration, onExpired func(Expired)) {
	if interval <= 0 {
		interval = consts.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, exp := range c.Sweep(c.now()) {
				if onExpired != nil {
					onExpired(exp)
				}
			}
		}
	}
}

// ApproveCommand asks for approval of a command a script wants to run.
func (c *Coordinator) ApproveCommand(ctx context.Context, session, command, reason string) error {
	_, err := c.AwaitDecision(ctx, Request{
		CallID:   uuid.NewString(),
		ChatRef:  "script:" + session,
		ToolName: "exec",
		Args:     fmt.Sprintf("%s (%s)", command, reason),
	}, 0)
	return err
}
