// Package gate bounds how many agent turns run at once. Foreground turns
// wait for a slot; background work skips when none is free.
package gate

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
)

// TurnGate is a counting semaphore over turns.
type TurnGate struct {
	sem      *semaphore.Weighted
	capacity int64
	held     atomic.Int64
}

// New creates a gate admitting capacity concurrent turns. Zero uses the
// default of one.
func New(capacity int) *TurnGate {
	if capacity <= 0 {
		capacity = consts.DefaultTurnConcurrency
	}
	return &TurnGate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire waits for a slot until ctx ends.
func (g *TurnGate) Acquire(ctx context.Context) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.held.Add(1)
	return nil
}

// TryAcquire takes a slot if one is free.
func (g *TurnGate) TryAcquire() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.held.Add(1)
	return true
}

// Release returns a slot taken by Acquire or TryAcquire.
func (g *TurnGate) Release() {
	g.held.Add(-1)
	g.sem.Release(1)
}

// Busy reports whether every slot is taken. It never takes a slot itself,
// so the answer is advisory: admission is decided by Acquire and
// TryAcquire.
func (g *TurnGate) Busy() bool {
	return g.held.Load() >= g.capacity
}

// Capacity is the number of concurrent turns admitted.
func (g *TurnGate) Capacity() int { return int(g.capacity) }

// Do runs fn holding a slot.
func (g *TurnGate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.Acquire(ctx); err != nil {
		return err
	}
	defer g.Release()
	return fn(ctx)
}
