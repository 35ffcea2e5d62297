package scripting

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.starlark.net/starlark"
)

// errNeverSettles is returned when a future is awaited that no op will
// ever complete.
var errNeverSettles = errors.New("awaited future has no pending operation")

type completion struct {
	id    uint64
	value interface{}
	err   error
}

// Loop is the cooperative scheduler of one session. Ops complete on other
// goroutines and post a completion; the session goroutine settles futures
// by draining completions one at a time.
type Loop struct {
	mu     sync.Mutex
	queue  []completion
	notify chan struct{}

	// owned by the session goroutine
	nextID  uint64
	pending map[uint64]*Future
}

func newLoop() *Loop {
	return &Loop{
		notify:  make(chan struct{}, 1),
		pending: make(map[uint64]*Future),
	}
}

func (l *Loop) newFuture(op string) *Future {
	l.nextID++
	f := &Future{id: l.nextID, op: op}
	l.pending[f.id] = f
	return f
}

// failed returns a future that already failed, without scheduling work.
func (l *Loop) failed(op string, err error) *Future {
	l.nextID++
	f := &Future{id: l.nextID, op: op}
	f.settle(starlark.None, err)
	return f
}

// abandon fails a future whose work was never scheduled.
func (l *Loop) abandon(f *Future, err error) {
	delete(l.pending, f.id)
	f.settle(starlark.None, err)
}

// complete may be called from any goroutine and never blocks.
func (l *Loop) complete(id uint64, value interface{}, err error) {
	l.mu.Lock()
	l.queue = append(l.queue, completion{id: id, value: value, err: err})
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Loop) pop() (completion, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return completion{}, false
	}
	c := l.queue[0]
	l.queue[0] = completion{}
	l.queue = l.queue[1:]
	return c, true
}

// Step advances the scheduler by exactly one completion, waiting for one to
// arrive if none is queued. It only settles futures and never runs script
// code, so it cannot re-enter itself.
func (l *Loop) Step(ctx context.Context) error {
	for {
		if c, ok := l.pop(); ok {
			l.settle(c)
			return nil
		}
		select {
		case <-l.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) settle(c completion) {
	f, ok := l.pending[c.id]
	if !ok {
		return
	}
	delete(l.pending, c.id)
	if c.err != nil {
		f.settle(starlark.None, c.err)
		return
	}
	v, err := toStarlark(c.value)
	if err != nil {
		f.settle(starlark.None, fmt.Errorf("%s: %w", f.op, err))
		return
	}
	f.settle(v, nil)
}

// Await polls f and advances the loop one step at a time until f settles.
// This is the only way host code waits on a script-side computation.
func (l *Loop) Await(ctx context.Context, f *Future) (starlark.Value, error) {
	for !f.settled {
		if _, ok := l.pending[f.id]; !ok {
			return nil, errNeverSettles
		}
		if err := l.Step(ctx); err != nil {
			return nil, err
		}
	}
	return f.value, f.err
}

// Pending returns the number of unsettled futures.
func (l *Loop) Pending() int { return len(l.pending) }
