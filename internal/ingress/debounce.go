package ingress

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kir-gadjello/zier-alpha/internal/consts"
)

// DebounceOptions configure a Debouncer.
type DebounceOptions struct {
	// Window is how long a source must stay quiet before its buffer is
	// flushed.
	Window time.Duration
	// MaxMessages and MaxChars force a flush once a buffer grows past them.
	MaxMessages int
	MaxChars    int
	Now         func() time.Time
}

type burst struct {
	buffer     []Message
	chars      int
	lastUpdate time.Time
	// full buffers flush on the next FlushReady regardless of the window
	full bool
}

// Debouncer coalesces bursts of messages from one source into a single
// message. Sources are independent.
type Debouncer struct {
	opts DebounceOptions

	mu     sync.Mutex
	bursts map[string]*burst
}

// NewDebouncer creates a debouncer. Zero limits use the defaults.
func NewDebouncer(opts DebounceOptions) *Debouncer {
	if opts.Window <= 0 {
		opts.Window = consts.DefaultDebounceWindow
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 50
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 100_000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Debouncer{opts: opts, bursts: make(map[string]*burst)}
}

// Ingest buffers m under its source.
func (d *Debouncer) Ingest(m Message) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.bursts[m.Source]
	if !ok {
		b = &burst{}
		d.bursts[m.Source] = b
	}
	b.buffer = append(b.buffer, m)
	b.chars += len(m.Payload)
	b.lastUpdate = d.opts.Now()
	if len(b.buffer) > d.opts.MaxMessages || b.chars > d.opts.MaxChars {
		b.full = true
	}
}

// FlushReady returns one combined message per source that has been quiet
// for the window, or whose buffer is full. Results are ordered by source.
func (d *Debouncer) FlushReady(now time.Time) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ready []Message
	for source, b := range d.bursts {
		if b.full || now.Sub(b.lastUpdate) >= d.opts.Window {
			ready = append(ready, combine(source, b.buffer))
			delete(d.bursts, source)
		}
	}
	sortBySource(ready)
	return ready
}

// FlushAll returns every buffered source, e.g. on shutdown.
func (d *Debouncer) FlushAll() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	all := make([]Message, 0, len(d.bursts))
	for source, b := range d.bursts {
		all = append(all, combine(source, b.buffer))
	}
	d.bursts = make(map[string]*burst)
	sortBySource(all)
	return all
}

// Pending is the number of sources with buffered messages.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.bursts)
}

// Run feeds messages from in through the debouncer and hands combined
// messages to out. It polls at a quarter of the window and flushes
// everything when in closes or ctx ends.
func (d *Debouncer) Run(ctx context.Context, in <-chan Message, out func(Message)) {
	tick := d.opts.Window / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	emit := func(ms []Message) {
		for _, m := range ms {
			out(m)
		}
	}
	for {
		select {
		case <-ctx.Done():
			emit(d.FlushAll())
			return
		case m, ok := <-in:
			if !ok {
				emit(d.FlushAll())
				return
			}
			d.Ingest(m)
			emit(d.flushFull())
		case <-ticker.C:
			emit(d.FlushReady(d.opts.Now()))
		}
	}
}

func (d *Debouncer) flushFull() []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var ready []Message
	for source, b := range d.bursts {
		if b.full {
			ready = append(ready, combine(source, b.buffer))
			delete(d.bursts, source)
		}
	}
	sortBySource(ready)
	return ready
}

// combine merges a burst: payloads joined by a blank line, the earliest
// timestamp, the first message's trust and a fresh id.
func combine(source string, buffer []Message) Message {
	if len(buffer) == 1 {
		return buffer[0]
	}
	payloads := make([]string, len(buffer))
	earliest := buffer[0].Timestamp
	for i, m := range buffer {
		payloads[i] = m.Payload
		if m.Timestamp.Before(earliest) {
			earliest = m.Timestamp
		}
	}
	return Message{
		ID:        uuid.New(),
		Source:    source,
		Payload:   strings.Join(payloads, "\n\n"),
		Trust:     buffer[0].Trust,
		Timestamp: earliest,
	}
}

func sortBySource(ms []Message) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Source < ms[j].Source })
}
