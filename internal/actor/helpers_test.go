package actor

import (
	"context"
	"sync"
	"sync/atomic"
)

type note struct{ seq int }

func (note) Type() string { return "note" }

type boom struct{}

func (boom) Type() string { return "boom" }

// recorder keeps every message it receives. A boom message panics.
type recorder struct {
	id      string
	mu      sync.Mutex
	got     []Message
	count   atomic.Int32
	started atomic.Bool
	stopped atomic.Bool
}

func newRecorder(id string) *recorder { return &recorder{id: id} }

func (r *recorder) ID() string { return r.id }

func (r *recorder) Start(context.Context) error {
	r.started.Store(true)
	return nil
}

func (r *recorder) Stop(context.Context) error {
	r.stopped.Store(true)
	return nil
}

func (r *recorder) Receive(_ context.Context, msg Message) error {
	defer r.count.Add(1)
	if _, ok := msg.(boom); ok {
		panic("boom")
	}
	r.mu.Lock()
	r.got = append(r.got, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.got...)
}
