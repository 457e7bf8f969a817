package api

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailsync/internal/auth"
	ws "github.com/vdavid/mailsync/internal/websocket"
)

// WebSocketHandler handles the /api/v1/ws endpoint for sync and outbox events.
type WebSocketHandler struct {
	auth *auth.Authenticator
	hub  *ws.Hub
	log  zerolog.Logger
}

func NewWebSocketHandler(authenticator *auth.Authenticator, hub *ws.Hub, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{auth: authenticator, hub: hub, log: logger.With().Str("component", "api").Logger()}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// This server is expected to be used behind a reverse proxy in a
		// trusted environment; the token is the access check.
		return true
	},
}

// Handle upgrades the connection and subscribes it to ?account=<id>, or to
// every account when the parameter is absent. Authentication accepts the
// token query parameter since browsers cannot set headers on WebSocket
// connections.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !h.auth.Valid(auth.TokenFromRequest(r)) {
		h.log.Debug().Msg("WebSocket connection without a valid token")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		accountID = ws.AllAccounts
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := h.hub.Register(accountID, conn)
	if client == nil {
		return
	}
	h.log.Debug().Str("account", accountID).Msg("WebSocket connection established")

	go h.readLoop(accountID, client)
}

// readLoop reads until the connection closes, then unregisters the client.
func (h *WebSocketHandler) readLoop(accountID string, client *ws.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(accountID, client)
}
