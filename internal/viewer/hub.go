// Package viewer relays transcript events consumed from Kafka to browser
// clients over WebSocket.
package viewer

import (
	"sync"

	"github.com/rs/zerolog"

	"turn-transcription-service/internal/models"
	"turn-transcription-service/internal/observability/logging"
)

// Conn is the part of a WebSocket connection the hub writes to.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// client is one browser. An empty sessionID receives every session.
type client struct {
	conn      Conn
	sessionID string
}

// Hub manages WebSocket connections. Only the run goroutine writes to
// connections, so each connection has a single writer.
type Hub struct {
	clients    map[Conn]*client
	broadcast  chan models.Event
	register   chan *client
	unregister chan Conn
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	logger     zerolog.Logger
}

// NewHub creates a hub; call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[Conn]*client),
		broadcast:  make(chan models.Event, 100),
		register:   make(chan *client),
		unregister: make(chan Conn),
		done:       make(chan struct{}),
		logger:     logging.WithComponent("transcript-viewer"),
	}
}

// Register adds a connection filtered to sessionID (empty for all).
func (h *Hub) Register(conn Conn, sessionID string) {
	select {
	case h.register <- &client{conn: conn, sessionID: sessionID}:
	case <-h.done:
		conn.Close()
	}
}

// Unregister removes and closes a connection.
func (h *Hub) Unregister(conn Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast queues an event for delivery.
func (h *Hub) Broadcast(ev models.Event) {
	select {
	case h.broadcast <- ev:
	case <-h.done:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop ends Run and closes every connection. Safe to call concurrently.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Run delivers events until Stop.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.conn] = c
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("clients", n).Str("sessionId", c.sessionID).Msg("Client connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info().Int("clients", n).Msg("Client disconnected")

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, c := range h.clients {
		if c.sessionID != "" && c.sessionID != ev.SessionID {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			h.logger.Debug().Err(err).Msg("Write error, dropping client")
			conn.Close()
			delete(h.clients, conn)
		}
	}
}
