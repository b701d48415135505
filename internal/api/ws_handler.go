package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/jobs"
	"github.com/vdavid/mailsync/internal/models"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint that streams sync events.
type WebSocketHandler struct {
	pool  *pgxpool.Pool
	auth  *auth.Authenticator
	hub   *ws.Hub
	queue *jobs.Queue
	log   *zerolog.Logger
}

// NewWebSocketHandler creates the handler. queue may be nil; when set, an
// owner's first connection queues a catch-up sync for each enabled account.
func NewWebSocketHandler(pool *pgxpool.Pool, authenticator *auth.Authenticator, hub *ws.Hub, queue *jobs.Queue, log *zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{pool: pool, auth: authenticator, hub: hub, queue: queue, log: log}
}

var wsUpgrader = websocket.Upgrader{
	// Served behind the CRM's reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle authenticates from ?token= (browsers cannot set headers on a
// WebSocket) or the Authorization header, then registers the connection.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	email, err := h.auth.ValidateToken(token)
	if err != nil {
		h.log.Info().Err(err).Msg("Websocket token validation failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ownerID, err := db.GetOrCreateUser(ctx, h.pool, email)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get or create user")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("owner_id", ownerID).Msg("Websocket upgrade failed")
		return
	}

	isFirstConnection := h.hub.ActiveConnections(ownerID) == 0

	client := h.hub.Register(ownerID, conn)
	if client == nil {
		return
	}
	h.log.Debug().Str("owner_id", ownerID).Msg("Websocket connected")

	if isFirstConnection && h.queue != nil {
		go h.catchUp(ownerID)
	}

	go h.readLoop(ownerID, client)
}

// catchUp queues an incremental sync for each of the owner's enabled accounts
// so mail that arrived while nobody was listening shows up promptly.
func (h *WebSocketHandler) catchUp(ownerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	accounts, err := db.ListAccountsForOwner(ctx, h.pool, ownerID)
	if err != nil {
		h.log.Warn().Err(err).Str("owner_id", ownerID).Msg("Failed to list accounts for catch-up sync")
		return
	}
	for _, account := range accounts {
		if !account.SyncEnabled || !account.IsActive || account.Status != models.AccountStatusOK {
			continue
		}
		if _, _, err := h.queue.Enqueue(ctx, account, models.JobKindIncremental, true); err != nil {
			h.log.Warn().Err(err).Str("account_id", account.ID).Msg("Failed to queue catch-up sync")
		}
	}
}

// readLoop drains the connection until it closes. The stream is one-way;
// client messages are ignored.
func (h *WebSocketHandler) readLoop(ownerID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(ownerID, client)
	h.log.Debug().Str("owner_id", ownerID).Msg("Websocket disconnected")
}
