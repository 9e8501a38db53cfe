package ws

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Hub owns the set of connected clients. All callbacks run on the Run
// goroutine, so handlers see messages one at a time.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client
	Incoming   chan *ClientMessage

	// OnMessage is called for each incoming client message.
	OnMessage func(cm *ClientMessage)
	// OnDisconnect is called when a client disconnects.
	OnDisconnect func(client *Client)

	// client -> time of connection
	clients map[*Client]time.Time
	mu      sync.RWMutex

	done chan struct{}
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Incoming:   make(chan *ClientMessage, 256),
		clients:    make(map[*Client]time.Time),
		done:       make(chan struct{}),
	}
}

// Done is closed when Run returns. Pumps use it to stop handing messages
// to a hub nobody is reading.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run processes registrations and messages until ctx is done, then closes
// every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			n := len(h.clients)
			for client := range h.clients {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()
			slog.Info("hub stopped", "closed_clients", n)
			return

		case client := <-h.Register:
			h.mu.Lock()
			h.clients[client] = time.Now()
			h.mu.Unlock()
			slog.Info("client connected", "client", client.ID)

		case client := <-h.Unregister:
			h.mu.Lock()
			since, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				client.Close()
			}
			h.mu.Unlock()
			if !ok {
				continue
			}
			slog.Info("client disconnected", "client", client.ID, "connected_for", time.Since(since).Round(time.Second))
			if h.OnDisconnect != nil {
				h.OnDisconnect(client)
			}

		case cm := <-h.Incoming:
			if h.OnMessage != nil {
				h.OnMessage(cm)
			}
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
