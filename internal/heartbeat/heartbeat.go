// Package heartbeat periodically wakes the agent with the workspace's
// HEARTBEAT.md checklist as a trusted event.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/config"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// FileName is the checklist read from the workspace on every beat.
const FileName = "HEARTBEAT.md"

// Gate reports whether every turn slot is taken. The runner only looks;
// the controller admits the heartbeat turn itself.
type Gate interface {
	Busy() bool
}

// Pusher receives heartbeat messages. The ingress bus implements it.
type Pusher interface {
	Push(ctx context.Context, m ingress.Message) error
}

// Outcome of a single beat.
type Outcome string

const (
	Sent           Outcome = "sent"
	OutsideHours   Outcome = "outside_hours"
	EmptyChecklist Outcome = "empty"
	Busy           Outcome = "busy"
	Failed         Outcome = "failed"
)

// Window is an HH:MM active range. End before Start wraps past midnight.
type Window struct {
	Start, End time.Duration
}

// ParseWindow parses the configured active hours.
func ParseWindow(h *config.ActiveHours) (*Window, error) {
	if h == nil {
		return nil, nil
	}
	start, err := parseClock(h.Start)
	if err != nil {
		return nil, fmt.Errorf("invalid active_hours.start: %w", err)
	}
	end, err := parseClock(h.End)
	if err != nil {
		return nil, fmt.Errorf("invalid active_hours.end: %w", err)
	}
	return &Window{Start: start, End: end}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether now's wall clock falls inside the window.
func (w *Window) Contains(now time.Time) bool {
	if w == nil {
		return true
	}
	clock := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute
	if w.Start <= w.End {
		return clock >= w.Start && clock <= w.End
	}
	return clock >= w.Start || clock <= w.End
}

// Options configures a Runner.
type Options struct {
	Workspace string
	Interval  time.Duration
	Window    *Window
	Gate      Gate
	Bus       Pusher
	Now       func() time.Time
	// Observe is told the outcome of every beat.
	Observe func(Outcome)
}

// Runner fires beats on a fixed interval.
type Runner struct {
	opts Options
	log  *logger.Logger
}

// New builds a runner. A zero interval uses the default.
func New(opts Options) *Runner {
	if opts.Interval <= 0 {
		opts.Interval = consts.DefaultHeartbeatInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{opts: opts, log: logger.Global().WithPrefix("heartbeat")}
}

// FromConfig builds a runner from the [heartbeat] section.
func FromConfig(cfg config.HeartbeatConfig, workspace string, g Gate, bus Pusher) (*Runner, error) {
	interval := consts.DefaultHeartbeatInterval
	if strings.TrimSpace(cfg.Interval) != "" {
		d, err := time.ParseDuration(cfg.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid heartbeat interval %q: %w", cfg.Interval, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("heartbeat interval must be positive, got %s", d)
		}
		interval = d
	}
	w, err := ParseWindow(cfg.ActiveHours)
	if err != nil {
		return nil, err
	}
	return New(Options{Workspace: workspace, Interval: interval, Window: w, Gate: g, Bus: bus}), nil
}

// Run beats until ctx ends. The first beat happens one interval after start.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info("heartbeat every %s", r.opts.Interval)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Beat(ctx)
		}
	}
}

// Beat runs one heartbeat check.
func (r *Runner) Beat(ctx context.Context) Outcome {
	out := r.beat(ctx)
	if r.opts.Observe != nil {
		r.opts.Observe(out)
	}
	return out
}

func (r *Runner) beat(ctx context.Context) Outcome {
	if !r.opts.Window.Contains(r.opts.Now()) {
		r.log.Debug("outside active hours, skipping")
		return OutsideHours
	}

	data, err := os.ReadFile(filepath.Join(r.opts.Workspace, FileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.Warn("failed to read %s: %v", FileName, err)
		return Failed
	}
	checklist := strings.TrimSpace(string(data))
	if checklist == "" {
		r.log.Debug("%s missing or empty, skipping", FileName)
		return EmptyChecklist
	}

	if r.opts.Gate != nil && r.opts.Gate.Busy() {
		r.log.Debug("turn in progress, skipping")
		return Busy
	}

	prompt := "Heartbeat check. Review the checklist below and act on anything due.\n\n" + checklist
	if err := r.opts.Bus.Push(ctx, ingress.NewMessage(ingress.SourceHeartbeat, prompt)); err != nil {
		r.log.Error("failed to push heartbeat: %v", err)
		return Failed
	}
	return Sent
}
