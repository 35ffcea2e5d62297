package scripting

import (
	"fmt"

	"go.starlark.net/starlark"
)

// Future is the script-visible handle of an asynchronous host op. It is
// only ever touched on the owning session's goroutine.
type Future struct {
	id      uint64
	op      string
	settled bool
	value   starlark.Value
	err     error
}

var _ starlark.Value = (*Future)(nil)

func (f *Future) String() string {
	state := "pending"
	if f.settled {
		state = "settled"
	}
	return fmt.Sprintf("<future %s#%d %s>", f.op, f.id, state)
}

func (f *Future) Type() string          { return "future" }
func (f *Future) Freeze()               {}
func (f *Future) Truth() starlark.Bool  { return starlark.Bool(f.settled) }
func (f *Future) Hash() (uint32, error) { return uint32(f.id), nil }

// Settled reports whether the op has completed.
func (f *Future) Settled() bool { return f.settled }

func (f *Future) settle(v starlark.Value, err error) {
	if f.settled {
		return
	}
	if v == nil {
		v = starlark.None
	}
	f.settled = true
	f.value = v
	f.err = err
}
