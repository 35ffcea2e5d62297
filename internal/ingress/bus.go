package ingress

import (
	"context"
	"errors"
	"sync"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// ErrBusClosed is returned by pushes after Close.
var ErrBusClosed = errors.New("ingress bus closed")

// ErrBusFull is returned by TryPush when the buffer is full.
var ErrBusFull = errors.New("ingress bus full")

// Bus is a bounded many-producer, single-consumer queue of messages.
type Bus struct {
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
	log    *logger.Logger
}

// NewBus creates a bus holding up to size messages. Zero uses the default.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = consts.IngressBusSize
	}
	return &Bus{
		ch:   make(chan Message, size),
		done: make(chan struct{}),
		log:  logger.Global().WithPrefix("ingress"),
	}
}

// Push enqueues m, waiting for room until ctx ends.
func (b *Bus) Push(ctx context.Context, m Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- m:
		b.log.Debug("queued message %s from %s", m.ID, m.Source)
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues m without waiting.
func (b *Bus) TryPush(m Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- m:
		return nil
	default:
		b.log.Warn("dropped message from %s: bus full", m.Source)
		return ErrBusFull
	}
}

// PushEvent enqueues a text event from source. Scripts, the scheduler and
// the heartbeat push through here.
func (b *Bus) PushEvent(ctx context.Context, source, text string) error {
	return b.Push(ctx, NewMessage(source, text))
}

// Submit enqueues an owner-typed message from source.
func (b *Bus) Submit(ctx context.Context, source, text string) error {
	return b.Push(ctx, NewMessage(source, text))
}

// C is the consumer side. It is closed by Close.
func (b *Bus) C() <-chan Message { return b.ch }

// Len is the number of queued messages.
func (b *Bus) Len() int { return len(b.ch) }

// Close stops accepting messages. Already queued messages can still be
// drained from C.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.done)
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
	})
}
