package web

import (
	"sync"

	"github.com/kir-gadjello/zier-alpha/internal/logger"
)

// hub is the set of connected peers. A peer's send channel is closed only
// while holding mu, so every push goes through the hub.
type hub struct {
	mu     sync.Mutex
	peers  map[*peer]struct{}
	closed bool
	log    *logger.Logger
}

func newHub(log *logger.Logger) *hub {
	return &hub{peers: make(map[*peer]struct{}), log: log}
}

// add registers p; it fails once the hub is closed.
func (h *hub) add(p *peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.peers[p] = struct{}{}
	h.log.Debug("peer %s connected (%d total)", p.id, len(h.peers))
	return true
}

func (h *hub) remove(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(p)
}

func (h *hub) dropLocked(p *peer) {
	if _, ok := h.peers[p]; !ok {
		return
	}
	delete(h.peers, p)
	close(p.send)
	h.log.Debug("peer %s disconnected", p.id)
}

// broadcast queues msg for every peer. A peer whose queue is full is
// disconnected rather than blocking the others.
func (h *hub) broadcast(msg *WebMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for p := range h.peers {
		if !h.pushLocked(p, msg) {
			h.log.Warn("peer %s is not keeping up, disconnecting", p.id)
			h.dropLocked(p)
		}
	}
}

// push queues msg for a single peer and reports whether it was queued.
func (h *hub) push(p *peer, msg *WebMessage) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[p]; !ok {
		return false
	}
	return h.pushLocked(p, msg)
}

func (h *hub) pushLocked(p *peer, msg *WebMessage) bool {
	select {
	case p.send <- msg:
		return true
	default:
		return false
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// close disconnects everyone and refuses new peers.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for p := range h.peers {
		h.dropLocked(p)
	}
}
