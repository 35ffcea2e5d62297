// Package ingress is the entry point for everything that can start an
// agent turn: owner commands, scheduled jobs, script events and untrusted
// input. Messages carry their source; the Router decides how far they are
// trusted.
package ingress

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TrustLevel decides which tools a turn may see.
type TrustLevel int

const (
	// UntrustedEvent is summarized with no tools. It is the zero value.
	UntrustedEvent TrustLevel = iota
	// TrustedEvent comes from the scheduler, a script, the heartbeat or the
	// system and runs with its job's tool subset.
	TrustedEvent
	// OwnerCommand comes from a configured owner identity and sees every
	// tool.
	OwnerCommand
)

func (t TrustLevel) String() string {
	switch t {
	case OwnerCommand:
		return "owner"
	case TrustedEvent:
		return "trusted"
	default:
		return "untrusted"
	}
}

// Well-known source prefixes.
const (
	SourceScheduler = "scheduler:"
	SourceScript    = "script:"
	SourceSystem    = "system:"
	SourceHeartbeat = "heartbeat"
)

// Message is one unit of ingress.
type Message struct {
	ID uuid.UUID
	// Source is "channel:identity", e.g. "telegram:42" or "scheduler:backup".
	Source    string
	Payload   string
	Trust     TrustLevel
	Timestamp time.Time
}

// NewMessage stamps a fresh id and the current time. Trust is left to the
// Router.
func NewMessage(source, payload string) Message {
	return Message{
		ID:        uuid.New(),
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Channel is the part of Source before the first colon.
func (m Message) Channel() string {
	ch, _, _ := strings.Cut(m.Source, ":")
	return ch
}
