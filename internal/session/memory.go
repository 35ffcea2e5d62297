package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps turns in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Turn
	updated  map[string]time.Time
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]Turn),
		updated:  make(map[string]time.Time),
	}
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, turns ...Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	now := time.Now()
	for _, t := range turns {
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		m.sessions[sessionID] = append(m.sessions[sessionID], t)
	}
	m.updated[sessionID] = now
	return nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) ([]Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return append([]Turn(nil), m.sessions[sessionID]...), nil
}

func (m *MemoryStore) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.sessions, sessionID)
	delete(m.updated, sessionID)
	return nil
}

func (m *MemoryStore) Sessions(_ context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Summary, 0, len(m.sessions))
	for id, turns := range m.sessions {
		out = append(out, Summary{ID: id, Turns: len(turns), UpdatedAt: m.updated[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
