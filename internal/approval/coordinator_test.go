package approval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePresenter struct {
	mu   sync.Mutex
	seen []Pending
	ch   chan Pending
}

func newCapturePresenter() *capturePresenter {
	return &capturePresenter{ch: make(chan Pending, 16)}
}

func (p *capturePresenter) OnApprovalRequested(_ context.Context, pending Pending) error {
	p.mu.Lock()
	p.seen = append(p.seen, pending)
	p.mu.Unlock()
	p.ch <- pending
	return nil
}

func waitPending(t *testing.T, p *capturePresenter) Pending {
	t.Helper()
	select {
	case got := <-p.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("presenter was not notified")
		return Pending{}
	}
}

type result struct {
	d   Decision
	err error
}

func await(c *Coordinator, ctx context.Context, req Request, timeout time.Duration) chan result {
	out := make(chan result, 1)
	go func() {
		d, err := c.AwaitDecision(ctx, req, timeout)
		out <- result{d, err}
	}()
	return out
}

func TestApproveResolvesWaiter(t *testing.T) {
	c := NewCoordinator(Options{})
	p := newCapturePresenter()
	c.AddPresenter(p)

	res := await(c, context.Background(), Request{CallID: "c1", ChatRef: "telegram:42", ToolName: "shell", Args: `{"command":"ls"}`}, time.Minute)
	pending := waitPending(t, p)
	assert.Equal(t, "c1", pending.CallID)
	assert.Equal(t, "shell", pending.ToolName)
	assert.Contains(t, pending.ArgsSummary, "ls")

	require.True(t, c.SetMessageID("c1", "msg-7"))
	ui, ok := c.Resolve("c1", Approve)
	require.True(t, ok)
	assert.Equal(t, UIContext{ChatRef: "telegram:42", MessageID: "msg-7"}, ui)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, Approve, r.d)
	assert.Equal(t, 0, c.Len())
}

func TestDenyReturnsErrDenied(t *testing.T) {
	c := NewCoordinator(Options{})
	p := newCapturePresenter()
	c.AddPresenter(p)

	res := await(c, context.Background(), Request{CallID: "c2", ToolName: "write_file"}, time.Minute)
	waitPending(t, p)
	_, ok := c.Resolve("c2", Deny)
	require.True(t, ok)

	r := <-res
	assert.ErrorIs(t, r.err, ErrDenied)
	assert.Equal(t, Deny, r.d)
}

func TestDoubleResolveIsNoop(t *testing.T) {
	c := NewCoordinator(Options{})
	p := newCapturePresenter()
	c.AddPresenter(p)

	res := await(c, context.Background(), Request{CallID: "c3", ToolName: "shell"}, time.Minute)
	waitPending(t, p)

	_, first := c.Resolve("c3", Deny)
	_, second := c.Resolve("c3", Approve)
	assert.True(t, first)
	assert.False(t, second)

	r := <-res
	assert.ErrorIs(t, r.err, ErrDenied, "the first resolution wins")
}

func TestTimeoutThenResolveReturnsFalse(t *testing.T) {
	c := NewCoordinator(Options{})
	d, err := c.AwaitDecision(context.Background(), Request{CallID: "c4", ToolName: "shell"}, 20*time.Millisecond)
	assert.Equal(t, Deny, d)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.Contains(t, err.Error(), "request expired")

	_, ok := c.Resolve("c4", Approve)
	assert.False(t, ok)
}

func TestCancellationDropsEntry(t *testing.T) {
	c := NewCoordinator(Options{})
	p := newCapturePresenter()
	c.AddPresenter(p)
	ctx, cancel := context.WithCancel(context.Background())

	res := await(c, ctx, Request{CallID: "c5", ToolName: "shell"}, time.Minute)
	waitPending(t, p)
	cancel()

	r := <-res
	assert.ErrorIs(t, r.err, context.Canceled)
	assert.Equal(t, 0, c.Len())
	_, ok := c.Resolve("c5", Approve)
	assert.False(t, ok)
}

func TestSweepExpiresAndWakesWaiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c := NewCoordinator(Options{Now: func() time.Time { return now }})
	p := newCapturePresenter()
	c.AddPresenter(p)

	res := await(c, context.Background(), Request{CallID: "c6", ChatRef: "http:owner", ToolName: "shell"}, time.Minute)
	waitPending(t, p)

	assert.Empty(t, c.Sweep(now.Add(30*time.Second)))
	expired := c.Sweep(now.Add(2 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "c6", expired[0].CallID)
	assert.Equal(t, "http:owner", expired[0].UI.ChatRef)

	r := <-res
	assert.ErrorIs(t, r.err, ErrTimedOut)
	_, ok := c.Resolve("c6", Approve)
	assert.False(t, ok)
}

func TestDuplicateCallID(t *testing.T) {
	c := NewCoordinator(Options{})
	p := newCapturePresenter()
	c.AddPresenter(p)

	res := await(c, context.Background(), Request{CallID: "dup", ToolName: "shell"}, time.Minute)
	waitPending(t, p)
	_, err := c.AwaitDecision(context.Background(), Request{CallID: "dup", ToolName: "shell"}, time.Minute)
	assert.ErrorIs(t, err, ErrDuplicate)

	c.Resolve("dup", Approve)
	require.NoError(t, (<-res).err)
}

// Resolve, Sweep and the timer race; exactly one outcome must be reported.
func TestExactlyOneOutcomeUnderRaces(t *testing.T) {
	for i := 0; i < 200; i++ {
		var states sync.Map
		var count atomic.Int32
		c := NewCoordinator(Options{Observe: func(tool, state string) {
			count.Add(1)
			states.Store(state, true)
		}})

		res := await(c, context.Background(), Request{CallID: "race", ToolName: "shell"}, time.Millisecond)
		var wg sync.WaitGroup
		var resolved atomic.Int32
		wg.Add(2)
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			if _, ok := c.Resolve("race", Approve); ok {
				resolved.Add(1)
			}
		}()
		go func() {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			c.Sweep(time.Now().Add(time.Hour))
		}()
		r := <-res
		wg.Wait()

		require.Equal(t, int32(1), count.Load(), "iteration %d", i)
		if resolved.Load() == 1 {
			require.NoError(t, r.err)
		} else {
			require.True(t, errors.Is(r.err, ErrTimedOut), "iteration %d: %v", i, r.err)
		}
	}
}

func TestListOldestFirst(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	c := NewCoordinator(Options{Now: func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}})
	p := newCapturePresenter()
	c.AddPresenter(p)

	r1 := await(c, context.Background(), Request{CallID: "first", ToolName: "a"}, time.Minute)
	waitPending(t, p)
	r2 := await(c, context.Background(), Request{CallID: "second", ToolName: "b"}, time.Minute)
	waitPending(t, p)

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].CallID)
	assert.Equal(t, "second", list[1].CallID)

	c.Resolve("first", Deny)
	c.Resolve("second", Deny)
	<-r1
	<-r2
}

func TestRunSweeperReportsExpired(t *testing.T) {
	c := NewCoordinator(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Expired, 1)
	go c.RunSweeper(ctx, 5*time.Millisecond, func(e Expired) { got <- e })

	res := await(c, context.Background(), Request{CallID: "sw", ToolName: "shell"}, 15*time.Millisecond)
	select {
	case e := <-got:
		assert.Equal(t, "sw", e.CallID)
	case r := <-res:
		// the waiter's own timer may win; it must still be a timeout
		assert.ErrorIs(t, r.err, ErrTimedOut)
		return
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never reported")
	}
	assert.ErrorIs(t, (<-res).err, ErrTimedOut)
}

func TestApproveCommand(t *testing.T) {
	c := NewCoordinator(Options{Timeout: time.Minute})
	p := newCapturePresenter()
	c.AddPresenter(p)

	done := make(chan error, 1)
	go func() { done <- c.ApproveCommand(context.Background(), "deploy", "terraform destroy", "matches approval pattern") }()
	pending := waitPending(t, p)
	assert.Equal(t, "exec", pending.ToolName)
	assert.Equal(t, "script:deploy", pending.ChatRef)
	c.Resolve(pending.CallID, Approve)
	assert.NoError(t, <-done)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "abc", Summarize("abc", 10))
	assert.Equal(t, "ab…", Summarize("abcdef", 2))
}
