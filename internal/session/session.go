// Package session persists conversation turns per session.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/kir-gadjello/zier-alpha/internal/config"
)

// Roles of stored turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("session store closed")

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Turn is one stored conversation message.
type Turn struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Store keeps turns per session id. Implementations are safe for
// concurrent use.
type Store interface {
	Append(ctx context.Context, sessionID string, turns ...Turn) error
	Load(ctx context.Context, sessionID string) ([]Turn, error)
	Clear(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]Summary, error)
	Close() error
}

// Summary describes a stored session.
type Summary struct {
	ID        string    `json:"id"`
	Turns     int       `json:"turns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Open returns the store configured by cfg. An empty path or ":memory:"
// keeps sessions in process memory.
func Open(cfg config.SessionConfig) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" || path == ":memory:" {
		return NewMemoryStore(), nil
	}
	return NewSQLiteStore(path)
}

// Tail returns at most n trailing turns, never starting on an orphaned
// tool result.
func Tail(turns []Turn, n int) []Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	out := turns[len(turns)-n:]
	for len(out) > 0 && out[0].Role == RoleTool {
		out = out[1:]
	}
	return out
}
