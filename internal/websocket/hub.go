package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iago/inbox-triage-back/internal/domain"
)

const (
	defaultMaxClients = 10
	writeTimeout      = 10 * time.Second
)

// Client wraps a WebSocket connection. Writes are serialized because a
// gorilla connection supports one concurrent writer.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// WriteJSON sends one value as a text frame.
func (c *Client) WriteJSON(value any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(value)
}

func (c *Client) writeMessage(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub tracks the connections watching the refresh status.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]struct{}
	maxClients int
	logger     *log.Logger
}

func NewHub(maxClients int, logger *log.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}
	return &Hub{
		clients:    make(map[*Client]struct{}),
		maxClients: maxClients,
		logger:     logger,
	}
}

// Register adds a connection. Past the limit the connection is closed and
// nil is returned.
func (h *Hub) Register(conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxClients {
		h.logf("websocket connection rejected max_clients=%d", h.maxClients)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	h.clients[client] = struct{}{}
	return client
}

// Unregister removes a client and closes its connection.
func (h *Hub) Unregister(client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Broadcast sends a message to every client. Clients that fail a write are
// dropped.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.writeMessage(msg); err != nil {
			h.logf("websocket write failed, dropping client: %v", err)
			h.Unregister(client)
		}
	}
}

// Run forwards every status update to the connected clients until ctx is
// done or updates is closed.
func (h *Hub) Run(ctx context.Context, updates <-chan domain.RefreshStatus) {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case status, ok := <-updates:
			if !ok {
				h.closeAll()
				return
			}
			msg, err := json.Marshal(status)
			if err != nil {
				h.logf("encode refresh status failed: %v", err)
				continue
			}
			h.Broadcast(msg)
		}
	}
}

func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*Client]struct{})
	h.mu.Unlock()

	for client := range clients {
		_ = client.conn.Close()
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
