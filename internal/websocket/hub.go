package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/models"
)

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection. gorilla connections allow one writer
// at a time, so writes go through mu.
type Client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub fans sync events out to every open connection of an owner
// (several tabs may be open at once).
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]map[*Client]struct{} // ownerID -> set of clients
	maxPerUser int
	log        *zerolog.Logger
}

// NewHub creates a new Hub with a per-owner connection limit.
func NewHub(maxPerUser int, log *zerolog.Logger) *Hub {
	if maxPerUser <= 0 {
		maxPerUser = 10
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxPerUser: maxPerUser,
		log:        log,
	}
}

// Register adds a WebSocket connection for the given owner.
// If the per-owner limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(ownerID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	ownerClients, ok := h.clients[ownerID]
	if !ok {
		ownerClients = make(map[*Client]struct{})
		h.clients[ownerID] = ownerClients
	}

	if len(ownerClients) >= h.maxPerUser {
		h.log.Warn().Str("owner_id", ownerID).Int("max", h.maxPerUser).Msg("Too many websocket connections, closing new one")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this user"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	ownerClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given owner and closes the connection.
func (h *Hub) Unregister(ownerID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	if ownerClients, ok := h.clients[ownerID]; ok {
		delete(ownerClients, client)
		if len(ownerClients) == 0 {
			delete(h.clients, ownerID)
		}
	}
	h.mu.Unlock()

	_ = client.conn.Close()
}

// Send writes msg to all of the owner's connections. A connection that fails
// to take the write is dropped.
func (h *Hub) Send(ownerID string, msg []byte) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[ownerID]))
	for c := range h.clients[ownerID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, client := range targets {
		if err := client.write(msg); err != nil {
			h.log.Debug().Err(err).Str("owner_id", ownerID).Msg("Websocket write failed, dropping connection")
			h.Unregister(ownerID, client)
		}
	}
}

// Publish encodes a sync event and sends it to the owner's connections.
func (h *Hub) Publish(ownerID string, event models.SyncEvent) {
	msg, err := models.MarshalEvent(event)
	if err != nil {
		h.log.Error().Err(err).Str("type", event.EventType()).Msg("Failed to encode sync event")
		return
	}
	h.Send(ownerID, msg)
}

// ActiveConnections returns the number of active WebSocket connections for an owner.
func (h *Hub) ActiveConnections(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[ownerID])
}
