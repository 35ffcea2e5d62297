package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/capability"
	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/ingress"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
	"github.com/kir-gadjello/zier-alpha/internal/scheduler"
)

// ClearCommand resets the owner's session.
const ClearCommand = "!clear"

// Turn outcomes reported to ObserveTurn.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Gate admits turns.
type Gate interface {
	Acquire(ctx context.Context) error
	TryAcquire() bool
	Release()
}

// ScriptReloader reloads a script on an EXECUTE_SCRIPT event.
type ScriptReloader interface {
	Reload(ctx context.Context, scriptPath string) error
}

// Responder delivers a turn's reply to whoever should see it.
type Responder interface {
	Respond(ctx context.Context, source, text string) error
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, source, text string) error

func (f ResponderFunc) Respond(ctx context.Context, source, text string) error {
	return f(ctx, source, text)
}

// ControllerOptions configure a Controller.
type ControllerOptions struct {
	Router    *ingress.Router
	Gate      Gate
	Engine    *Engine
	Scripts   ScriptReloader
	Debouncer *ingress.Debouncer
	Responder Responder

	ObserveIngress func(trust string)
	ObserveTurn    func(trust, outcome string, elapsed time.Duration)
	// LaneIdle is how long an idle per-source lane lingers.
	LaneIdle time.Duration
}

// Controller consumes the ingress bus. Each message is routed by its
// source; messages from one source are handled in order, different sources
// run concurrently up to the turn gate's capacity.
type Controller struct {
	opts ControllerOptions
	log  *logger.Logger

	mu    sync.Mutex
	lanes map[string]chan ingress.Message
	wg    sync.WaitGroup
}

// NewController creates a controller.
func NewController(opts ControllerOptions) *Controller {
	if opts.Router == nil {
		opts.Router = ingress.NewRouter(nil, nil)
	}
	if opts.Debouncer == nil {
		opts.Debouncer = ingress.NewDebouncer(ingress.DebounceOptions{})
	}
	if opts.Responder == nil {
		opts.Responder = ResponderFunc(logReply)
	}
	if opts.LaneIdle <= 0 {
		opts.LaneIdle = time.Minute
	}
	return &Controller{
		opts:  opts,
		log:   logger.Global().WithPrefix("controller"),
		lanes: make(map[string]chan ingress.Message),
	}
}

func logReply(_ context.Context, source, text string) error {
	logger.Info("reply to %s: %s", source, text)
	return nil
}

// Run consumes in until it closes or ctx ends, then waits for running
// turns. Owner and untrusted messages are debounced per source; trusted
// control events are dispatched as they arrive.
func (c *Controller) Run(ctx context.Context, in <-chan ingress.Message) {
	debounced := make(chan ingress.Message)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.opts.Debouncer.Run(ctx, debounced, func(m ingress.Message) { c.dispatch(ctx, m) })
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case m, ok := <-in:
			if !ok {
				break loop
			}
			m = c.opts.Router.Resolve(m)
			if c.opts.ObserveIngress != nil {
				c.opts.ObserveIngress(m.Trust.String())
			}
			if m.Trust == ingress.TrustedEvent {
				c.dispatch(ctx, m)
				continue
			}
			select {
			case debounced <- m:
			case <-ctx.Done():
				break loop
			}
		}
	}
	close(debounced)
	<-done
	c.wg.Wait()
}

func (c *Controller) dispatch(ctx context.Context, m ingress.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lane, ok := c.lanes[m.Source]
	if !ok {
		lane = make(chan ingress.Message, consts.SessionMailboxSize)
		c.lanes[m.Source] = lane
		c.wg.Add(1)
		go c.runLane(ctx, m.Source, lane)
	}
	select {
	case lane <- m:
	default:
		c.log.Warn("lane %s is full, dropped message %s", m.Source, m.ID)
	}
}

func (c *Controller) runLane(ctx context.Context, source string, lane chan ingress.Message) {
	defer c.wg.Done()
	idle := time.NewTimer(c.opts.LaneIdle)
	defer idle.Stop()
	for {
		select {
		case m := <-lane:
			c.Handle(ctx, m)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(c.opts.LaneIdle)
		case <-idle.C:
			c.mu.Lock()
			if len(lane) == 0 {
				delete(c.lanes, source)
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
			idle.Reset(c.opts.LaneIdle)
		case <-ctx.Done():
			return
		}
	}
}

// Handle processes one message synchronously.
func (c *Controller) Handle(ctx context.Context, m ingress.Message) {
	m = c.opts.Router.Resolve(m)
	start := time.Now()
	outcome, err := c.handle(ctx, m)
	if err != nil {
		c.log.Error("%s turn from %s failed: %v", m.Trust, m.Source, err)
	}
	if c.opts.ObserveTurn != nil {
		c.opts.ObserveTurn(m.Trust.String(), outcome, time.Since(start))
	}
}

func (c *Controller) handle(ctx context.Context, m ingress.Message) (string, error) {
	switch m.Trust {
	case ingress.OwnerCommand:
		return c.handleOwner(ctx, m)
	case ingress.TrustedEvent:
		return c.handleTrusted(ctx, m)
	default:
		return c.handleUntrusted(ctx, m)
	}
}

func (c *Controller) handleOwner(ctx context.Context, m ingress.Message) (string, error) {
	if strings.TrimSpace(m.Payload) == ClearCommand {
		if err := c.opts.Engine.Store().Clear(ctx, m.Source); err != nil {
			return OutcomeError, err
		}
		c.log.Info("cleared session %s", m.Source)
		return OutcomeOK, c.opts.Responder.Respond(ctx, m.Source, "Session cleared.")
	}
	return c.turn(ctx, m, false, TurnRequest{
		SessionID: m.Source,
		Prompt:    m.Payload,
		Trust:     m.Trust,
		Scope:     ingress.AllTools,
		Persist:   true,
	})
}

func (c *Controller) handleTrusted(ctx context.Context, m ingress.Message) (string, error) {
	payload := strings.TrimSpace(m.Payload)
	switch {
	case strings.HasPrefix(payload, strings.TrimSpace(scheduler.ScriptPrefix)):
		if !strings.HasPrefix(m.Source, scheduler.ScriptSource) {
			c.log.Warn("ignoring script reload from %s: only script schedules may request one", m.Source)
			return OutcomeError, fmt.Errorf("%w: script reload from %s", capability.ErrPermissionDenied, m.Source)
		}
		path := strings.TrimSpace(strings.TrimPrefix(payload, strings.TrimSpace(scheduler.ScriptPrefix)))
		if c.opts.Scripts == nil {
			return OutcomeError, errors.New("script reload requested but no script loader is running")
		}
		c.log.Info("reloading %s for %s", path, m.Source)
		if err := c.opts.Scripts.Reload(ctx, path); err != nil {
			return OutcomeError, err
		}
		return OutcomeOK, nil

	case strings.HasPrefix(payload, strings.TrimSpace(scheduler.JobPrefix)):
		prompt := strings.TrimSpace(strings.TrimPrefix(payload, strings.TrimSpace(scheduler.JobPrefix)))
		return c.turn(ctx, m, false, TurnRequest{
			SessionID: m.Source,
			Prompt:    prompt,
			Trust:     m.Trust,
			Scope:     c.opts.Router.Scope(m, m.Trust),
			Persona:   JobPersona,
		})
	}

	return c.turn(ctx, m, m.Source == ingress.SourceHeartbeat, TurnRequest{
		SessionID: m.Source,
		Prompt:    m.Payload,
		Trust:     m.Trust,
		Scope:     c.opts.Router.Scope(m, m.Trust),
		Persona:   JobPersona,
	})
}

func (c *Controller) handleUntrusted(ctx context.Context, m ingress.Message) (string, error) {
	return c.turn(ctx, m, false, TurnRequest{
		SessionID: m.Source,
		Prompt:    wrapUntrusted(m.Source, m.Payload),
		Trust:     ingress.UntrustedEvent,
		Scope:     ingress.NoTools,
		Persona:   SummarizerPersona,
	})
}

// turn admits and runs one engine turn. Background turns skip when the
// gate is busy; the rest wait for it.
func (c *Controller) turn(ctx context.Context, m ingress.Message, background bool, req TurnRequest) (string, error) {
	if c.opts.Gate != nil {
		if background {
			if !c.opts.Gate.TryAcquire() {
				c.log.Debug("gate busy, skipping %s", m.Source)
				return OutcomeSkipped, nil
			}
		} else if err := c.opts.Gate.Acquire(ctx); err != nil {
			return OutcomeSkipped, err
		}
		defer c.opts.Gate.Release()
	}

	res, err := c.opts.Engine.Run(ctx, req)
	if res == nil {
		return OutcomeError, err
	}
	if rerr := c.opts.Responder.Respond(ctx, m.Source, res.Text); rerr != nil {
		c.log.Warn("failed to deliver reply to %s: %v", m.Source, rerr)
	}
	if err != nil {
		return OutcomeError, err
	}
	return OutcomeOK, nil
}
