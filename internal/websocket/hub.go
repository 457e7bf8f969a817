package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AllAccounts is the subscription key of clients that follow every account.
const AllAccounts = "*"

const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection. Writes are serialized.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// Hub manages active WebSocket connections per subscribed account.
// It supports multiple connections per account (e.g., multiple tabs).
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[*Client]struct{} // accountID -> set of clients
	maxPerKey int
	log       zerolog.Logger
}

// NewHub creates a new Hub with a per-account connection limit.
func NewHub(maxPerKey int, logger zerolog.Logger) *Hub {
	if maxPerKey <= 0 {
		maxPerKey = 10
	}
	return &Hub{
		clients:   make(map[string]map[*Client]struct{}),
		maxPerKey: maxPerKey,
		log:       logger.With().Str("component", "websocket").Logger(),
	}
}

// Register adds a WebSocket connection for the given account, or for every
// account with AllAccounts. If the limit is exceeded, the new connection is
// closed and nil is returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	accountClients, ok := h.clients[accountID]
	if !ok {
		accountClients = make(map[*Client]struct{})
		h.clients[accountID] = accountClients
	}

	if len(accountClients) >= h.maxPerKey {
		h.log.Warn().Str("account", accountID).Int("max", h.maxPerKey).Msg("Too many connections, closing new one")
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
		return nil
	}

	client := &Client{conn: conn}
	accountClients[client] = struct{}{}
	return client
}

// Unregister removes a client for the given account and closes the connection.
func (h *Hub) Unregister(accountID string, client *Client) {
	if client == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if accountClients, ok := h.clients[accountID]; ok {
		delete(accountClients, client)
		if len(accountClients) == 0 {
			delete(h.clients, accountID)
		}
	}

	_ = client.conn.Close()
}

// Send delivers msg to the account's clients and to clients following all
// accounts.
func (h *Hub) Send(accountID string, msg []byte) {
	type target struct {
		key    string
		client *Client
	}
	h.mu.RLock()
	var targets []target
	for _, key := range []string{accountID, AllAccounts} {
		for client := range h.clients[key] {
			targets = append(targets, target{key: key, client: client})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.client.write(msg); err != nil {
			h.log.Debug().Err(err).Str("account", accountID).Msg("Failed to write message, dropping client")
			go h.Unregister(t.key, t.client)
		}
	}
}

// Publish sends v as JSON to the account's subscribers.
func (h *Hub) Publish(accountID string, v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to encode event")
		return
	}
	h.Send(accountID, msg)
}

// ActiveConnections returns the number of active WebSocket connections for an account key.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}
