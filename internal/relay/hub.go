package relay

import (
	"sync"

	"github.com/omochice/docmux/internal/metrics"
	"github.com/omochice/docmux/internal/transport"
)

// Client is one authenticated connection.
type Client struct {
	ID       string
	Subject  string
	Conn     transport.Conn
	Outgoing chan []byte
}

// Hub tracks connected clients and the channels each one subscribes to.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]map[string]struct{}
	subs    map[string]map[*Client]struct{}
	metrics *metrics.Relay
}

// NewHub creates a new Hub. m may be nil.
func NewHub(m *metrics.Relay) *Hub {
	return &Hub{
		clients: make(map[*Client]map[string]struct{}),
		subs:    make(map[string]map[*Client]struct{}),
		metrics: m,
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = make(map[string]struct{})
	h.metrics.ConnOpened()
}

// Unregister removes a client and all of its subscriptions. No Publish
// targets the client once Unregister returns.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tokens, ok := h.clients[client]
	if !ok {
		return
	}
	for token := range tokens {
		h.removeLocked(client, token)
	}
	delete(h.clients, client)
	h.metrics.ConnClosed()
	h.metrics.SetChannels(len(h.subs))
}

// Subscribe adds client to token's subscribers.
func (h *Hub) Subscribe(client *Client, token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tokens, ok := h.clients[client]
	if !ok {
		return
	}
	tokens[token] = struct{}{}
	subs := h.subs[token]
	if subs == nil {
		subs = make(map[*Client]struct{})
		h.subs[token] = subs
	}
	subs[client] = struct{}{}
	h.metrics.SetChannels(len(h.subs))
}

// Unsubscribe removes client from token's subscribers.
func (h *Hub) Unsubscribe(client *Client, token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tokens, ok := h.clients[client]; ok {
		delete(tokens, token)
	}
	h.removeLocked(client, token)
	h.metrics.SetChannels(len(h.subs))
}

func (h *Hub) removeLocked(client *Client, token string) {
	subs := h.subs[token]
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.subs, token)
	}
}

// Subscribed reports whether client subscribes to token.
func (h *Hub) Subscribed(client *Client, token string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[token][client]
	return ok
}

// Publish queues frame for every subscriber of token except from and
// returns how many were reached. Subscribers whose queue is full miss the
// frame and have their connection closed so they resubscribe from scratch.
func (h *Hub) Publish(from *Client, token string, frame []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.subs[token] {
		if client == from {
			continue
		}
		select {
		case client.Outgoing <- frame:
			n++
		default:
			client.Conn.Close()
		}
	}
	h.metrics.Pushed(n)
	return n
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ChannelCount returns the number of tokens with at least one subscriber.
func (h *Hub) ChannelCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Disconnect closes every client connection.
func (h *Hub) Disconnect() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.Conn.Close()
	}
}
