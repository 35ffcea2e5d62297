// Package actor runs single-goroutine actors fed by a bounded mailbox.
// Each script session is driven by one actor, so everything a session does
// happens on that actor's goroutine.
package actor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

var (
	// ErrStopped is returned when sending to a stopped actor.
	ErrStopped = errors.New("actor is stopped")
	// ErrMailboxFull is returned by Send when the mailbox has no room.
	ErrMailboxFull = errors.New("actor mailbox is full")
)

// Message is anything delivered to an actor. Type names it in logs.
type Message interface {
	Type() string
}

// Actor handles messages one at a time. Start runs before the first
// message and Stop after the last.
type Actor interface {
	ID() string
	Start(ctx context.Context) error
	Receive(ctx context.Context, msg Message) error
	Stop(ctx context.Context) error
}

// Ref is the running side of an actor: its mailbox and loop.
type Ref struct {
	id     string
	impl   Actor
	inbox  chan Message
	health *Health

	mu      sync.RWMutex
	closed  bool
	cancel  context.CancelFunc
	exited  chan struct{}
	started bool
}

// NewRef wires impl to a mailbox of the given capacity. Nothing runs until
// Start.
func NewRef(id string, impl Actor, capacity int) *Ref {
	inbox := make(chan Message, capacity)
	return &Ref{
		id:     id,
		impl:   impl,
		inbox:  inbox,
		health: newHealth(id, inbox),
		exited: make(chan struct{}),
	}
}

func (r *Ref) ID() string { return r.id }

// Done is closed once the loop has exited.
func (r *Ref) Done() <-chan struct{} { return r.exited }

// Health returns the actor's counters.
func (r *Ref) Health() HealthReport { return r.health.Report() }

func (r *Ref) isClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Send enqueues msg or fails at once when the mailbox is full.
func (r *Ref) Send(msg Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("%w: %s", ErrStopped, r.id)
	}
	select {
	case r.inbox <- msg:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrMailboxFull, r.id)
	}
}

// SendWait enqueues msg, waiting for room until ctx ends or the actor stops.
func (r *Ref) SendWait(ctx context.Context, msg Message) error {
	if r.isClosed() {
		return fmt.Errorf("%w: %s", ErrStopped, r.id)
	}
	select {
	case r.inbox <- msg:
		return nil
	case <-r.exited:
		return fmt.Errorf("%w: %s", ErrStopped, r.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start calls the actor's Start and launches the loop.
func (r *Ref) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	if err := r.impl.Start(loopCtx); err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	r.cancel = cancel
	r.started = true
	r.mu.Unlock()
	go r.loop(loopCtx)
	return nil
}

// Stop ends the loop and then calls the actor's Stop. Messages still in
// the mailbox are dropped. Calling Stop twice is a no-op.
func (r *Ref) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, started := r.cancel, r.started
	r.mu.Unlock()

	if !started {
		close(r.exited)
		return r.impl.Stop(ctx)
	}
	cancel()
	select {
	case <-r.exited:
		return r.impl.Stop(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Ref) loop(ctx context.Context) {
	defer close(r.exited)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.inbox:
			r.health.recordActivity()
			if err := r.deliver(ctx, msg); err != nil {
				logger.Error("actor %s: %s: %v", r.id, msg.Type(), err)
				r.health.recordError(err)
			}
		}
	}
}

// deliver turns a panic in the handler into an error so the loop keeps
// serving later messages.
func (r *Ref) deliver(ctx context.Context, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("actor %s panicked on %s: %v\n%s", r.id, msg.Type(), p, debug.Stack())
			r.health.recordPanic()
			err = fmt.Errorf("panic handling %s: %v", msg.Type(), p)
		}
	}()
	return r.impl.Receive(ctx, msg)
}

// System is a set of running actors keyed by id.
type System struct {
	mu   sync.RWMutex
	refs map[string]*Ref
}

func NewSystem() *System {
	return &System{refs: make(map[string]*Ref)}
}

// Spawn starts impl under id. Ids are unique within the system.
func (s *System) Spawn(ctx context.Context, id string, impl Actor, capacity int) (*Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.refs[id]; taken {
		return nil, fmt.Errorf("actor %s already exists", id)
	}
	ref := NewRef(id, impl, capacity)
	if err := ref.Start(ctx); err != nil {
		return nil, err
	}
	s.refs[id] = ref
	return ref, nil
}

func (s *System) Get(id string) (*Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.refs[id]
	return ref, ok
}

// IDs returns the actor ids in sorted order.
func (s *System) IDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.refs))
	for id := range s.refs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Stop removes the actor and stops it.
func (s *System) Stop(ctx context.Context, id string) error {
	s.mu.Lock()
	ref, ok := s.refs[id]
	delete(s.refs, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("actor %s not found", id)
	}
	return ref.Stop(ctx)
}

// HealthCheck reports every actor's counters.
func (s *System) HealthCheck() map[string]HealthReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]HealthReport, len(s.refs))
	for id, ref := range s.refs {
		out[id] = ref.Health()
	}
	return out
}

// StopAll stops every actor and empties the system. The first error wins.
func (s *System) StopAll(ctx context.Context) error {
	s.mu.Lock()
	refs := s.refs
	s.refs = make(map[string]*Ref)
	s.mu.Unlock()

	var first error
	for _, ref := range refs {
		if err := ref.Stop(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
