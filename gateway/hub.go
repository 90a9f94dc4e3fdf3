package gateway

import (
	"sync"

	"github.com/gofiber/contrib/websocket"
)

const clientSendBuffer = 8

// wsConn is the write side of a websocket connection. Tests use fakes.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type client struct {
	conn wsConn
	send chan []byte

	closeOnce sync.Once
}

func (c *client) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub tracks connected UI clients and fans state envelopes out to them.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// add registers a connection and returns its client, or nil when the hub
// has already shut down. Callers must not touch a nil client's channel.
func (h *Hub) add(conn wsConn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Broadcast queues data on every connected client. Clients whose send
// buffer is full skip this frame; every frame carries the full state, so
// the next one catches them up.
func (h *Hub) Broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
		_ = c.conn.Close()
	}
}
