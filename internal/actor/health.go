package actor

import (
	"sync"
	"time"
)

// HealthReport is a snapshot of an actor's counters.
type HealthReport struct {
	ActorID         string    `json:"actor_id"`
	MailboxDepth    int       `json:"mailbox_depth"`
	MailboxCapacity int       `json:"mailbox_capacity"`
	Processed       int64     `json:"processed"`
	ErrorCount      int64     `json:"error_count"`
	PanicCount      int64     `json:"panic_count"`
	LastActivity    time.Time `json:"last_activity"`
	LastErrorMsg    string    `json:"last_error_msg,omitempty"`
	StartTime       time.Time `json:"start_time"`
}

// Healthy is false while errors are recent or the mailbox is nearly full.
func (r HealthReport) Healthy() bool {
	if r.MailboxCapacity > 0 && float64(r.MailboxDepth)/float64(r.MailboxCapacity) > 0.9 {
		return false
	}
	return r.PanicCount == 0
}

// Health accumulates counters for one actor.
type Health struct {
	id           string
	mu           sync.RWMutex
	mailbox      chan Message
	startTime    time.Time
	lastActivity time.Time
	processed    int64
	errorCount   int64
	panicCount   int64
	lastErrorMsg string
}

func newHealth(id string, mailbox chan Message) *Health {
	now := time.Now()
	return &Health{id: id, mailbox: mailbox, startTime: now, lastActivity: now}
}

func (h *Health) recordActivity() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastActivity = time.Now()
	h.processed++
}

func (h *Health) recordError(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errorCount++
	h.lastErrorMsg = err.Error()
}

func (h *Health) recordPanic() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.panicCount++
}

// Report returns a snapshot.
func (h *Health) Report() HealthReport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HealthReport{
		ActorID:         h.id,
		MailboxDepth:    len(h.mailbox),
		MailboxCapacity: cap(h.mailbox),
		Processed:       h.processed,
		ErrorCount:      h.errorCount,
		PanicCount:      h.panicCount,
		LastActivity:    h.lastActivity,
		LastErrorMsg:    h.lastErrorMsg,
		StartTime:       h.startTime,
	}
}
