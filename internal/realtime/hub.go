// Package realtime owns the duplex connection layer: the per-user connection
// registry, the websocket session with its bounded outbound queue, and the
// upgrade handler that authenticates peers.
package realtime

import "sync"

// Peer is the enqueue handle the hub holds for each connected user. Holding
// only the handle keeps the hub out of the connection's ownership cycle.
type Peer interface {
	SendEvent(event string, payload any)
	SendError(code, message string)
}

// Hub is the concurrency-safe registry mapping a user id to its live
// connection. Lookups never block on a slow peer; delivery is the
// connection's responsibility under its backpressure policy.
type Hub struct {
	mu    sync.Mutex
	peers map[int]Peer
}

// NewHub constructs an empty registry.
func NewHub() *Hub {
	return &Hub{peers: make(map[int]Peer)}
}

// Register stores the peer for the user, replacing any prior entry. The
// replaced connection discovers its fate through its own write failure.
func (h *Hub) Register(userID int, peer Peer) {
	if h == nil || peer == nil {
		return
	}
	h.mu.Lock()
	h.peers[userID] = peer
	h.mu.Unlock()
}

// Unregister removes the entry only while it still points at this peer, so a
// teardown racing a reconnect never evicts the replacement.
func (h *Hub) Unregister(userID int, peer Peer) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if current, ok := h.peers[userID]; ok && current == peer {
		delete(h.peers, userID)
	}
	h.mu.Unlock()
}

// SendEventToUser enqueues a server event on the user's connection, dropping
// silently when the user has no live connection.
func (h *Hub) SendEventToUser(userID int, event string, payload any) {
	if peer := h.lookup(userID); peer != nil {
		peer.SendEvent(event, payload)
	}
}

// SendErrorToUser enqueues a server error frame, dropping silently when the
// user has no live connection.
func (h *Hub) SendErrorToUser(userID int, code, message string) {
	if peer := h.lookup(userID); peer != nil {
		peer.SendError(code, message)
	}
}

// ActiveConnections reports the registered connection count for metrics.
func (h *Hub) ActiveConnections() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// lookup resolves the peer under the mutex and releases before any delivery.
func (h *Hub) lookup(userID int) Peer {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[userID]
}
