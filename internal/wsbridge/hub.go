package wsbridge

import (
	"sync"

	"github.com/google/uuid"

	"github.com/peagen/peagen/internal/metrics"
)

// Hub is the central pub/sub broker for WebSocket clients. It maintains the
// registry of connected clients and routes published messages to all clients
// subscribed to a given topic.
//
// # Design: direct mutation under a read-write lock
//
// Unlike a single dispatcher goroutine serialising registration through
// channels, Subscribe/Unsubscribe/Publish here mutate the client/topic maps
// directly under mu. There is no event loop to start or stop: a Hub is
// usable the instant NewHub returns, and every method is safe to call
// concurrently from any HTTP handler goroutine. Publish itself still copies
// its target set under a read lock and sends outside it, so one slow
// client's full buffer can never stall the lock for every other publisher.
type Hub struct {
	mu sync.RWMutex

	// clients is keyed by each client's connection ID rather than its
	// pointer, so a specific connection can be targeted for eviction (e.g.
	// an operator revoking a tenant's live stream) without the caller
	// needing to hold the *Client itself.
	clients map[uuid.UUID]*Client
	topics  map[string]map[uuid.UUID]*Client
}

// NewHub creates an idle, immediately usable Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]*Client),
		topics:  make(map[string]map[uuid.UUID]*Client),
	}
}

// Subscribe registers client under every topic it was constructed with.
func (h *Hub) Subscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client.id] = client
	for _, topic := range client.topics {
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[uuid.UUID]*Client)
		}
		h.topics[topic][client.id] = client
	}
	metrics.WebsocketConnections.Inc()
}

// Unsubscribe removes client from the hub and every topic it belonged to,
// and closes its send channel so writePump can drain and exit. A no-op if
// the client was already removed (e.g. by a concurrent Evict).
func (h *Hub) Unsubscribe(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(client.id)
}

// Evict force-disconnects the client currently registered under id, if
// any, returning whether one was found. Used when a tenant's signing key
// is revoked and its open streams must be torn down immediately rather
// than waiting for their next failed write.
func (h *Hub) Evict(id uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[id]; !ok {
		return false
	}
	h.removeLocked(id)
	return true
}

func (h *Hub) removeLocked(id uuid.UUID) {
	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	for _, topic := range c.topics {
		delete(h.topics[topic], id)
		if len(h.topics[topic]) == 0 {
			delete(h.topics, topic)
		}
	}
	close(c.send)
	metrics.WebsocketConnections.Dec()
}

// Publish delivers msg to every client subscribed to any of topics. A
// client subscribed to more than one matching topic (e.g. both
// "task:<id>" and "all") still receives it exactly once per call.
// Clients whose send buffer is full are evicted rather than blocked on,
// so one stalled consumer can never hold up delivery to the rest.
func (h *Hub) Publish(msg Message, topics ...string) {
	h.mu.RLock()
	recipients := make(map[uuid.UUID]*Client)
	for _, topic := range topics {
		for id, c := range h.topics[topic] {
			recipients[id] = c
		}
	}
	h.mu.RUnlock()

	for id, c := range recipients {
		select {
		case c.send <- msg:
		default:
			metrics.WebsocketSlowClientDropsTotal.Inc()
			h.Evict(id)
		}
	}
}

// Close disconnects every currently connected client. Called once on
// gateway shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		close(c.send)
	}
	h.clients = make(map[uuid.UUID]*Client)
	h.topics = make(map[string]map[uuid.UUID]*Client)
}

// ConnectedCount returns the current number of connected WebSocket clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// TopicSubscriberCount returns how many clients are currently subscribed
// to topic. Used by operator tooling to confirm a dashboard's "all"
// subscription or a specific task:<id> stream actually has a listener.
func (h *Hub) TopicSubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
