package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailsync/internal/logging"
)

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 10 * time.Second

// Client wraps a WebSocket connection. Writes are serialized.
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

// Hub manages active WebSocket connections per account.
// It supports multiple connections per account (e.g., multiple tabs).
type Hub struct {
	mu            sync.RWMutex
	clients       map[string]map[*Client]struct{} // accountID -> set of clients
	maxPerAccount int
	logger        *slog.Logger
}

// NewHub creates a new Hub with a per-account connection limit.
func NewHub(maxPerAccount int, logger *slog.Logger) *Hub {
	if maxPerAccount <= 0 {
		maxPerAccount = 10
	}
	return &Hub{
		clients:       make(map[string]map[*Client]struct{}),
		maxPerAccount: maxPerAccount,
		logger:        logging.WithOperation(logger, "websocket"),
	}
}

// Register adds a WebSocket connection for the given account.
// If the per-account limit is exceeded, the new connection is closed and nil is returned.
func (h *Hub) Register(accountID string, conn *websocket.Conn) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	accountClients, ok := h.clients[accountID]
	if !ok {
		accountClients = make(map[*Client]struct{})
		h.clients[accountID] = accountClients
	}

	if len(accountClients) >= h.maxPerAccount {
		h.logger.Warn("Account exceeded max connections, closing new connection",
			logging.Account(accountID), slog.Int("max", h.maxPerAccount))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections for this account"),
			time.Time{},
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

// Send broadcasts a message to all active clients of the account.
func (h *Hub) Send(accountID string, msg []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients[accountID]))
	for client := range h.clients[accountID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if err := client.write(msg); err != nil {
			h.logger.Debug("Failed to write WebSocket message", logging.Account(accountID), logging.Err(err))
			go h.Unregister(accountID, client)
		}
	}
}

// ActiveConnections returns the number of active WebSocket connections for an account.
func (h *Hub) ActiveConnections(accountID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[accountID])
}

// Forward relays public events from the bus to the sockets of their account
// until ctx is canceled.
func (h *Hub) Forward(ctx context.Context, bus *Bus) {
	ch, unsubscribe := bus.Subscribe(256,
		TypeSyncStatus, TypeConversationsUpdated, TypeOnboardingComplete, TypeAuthFailed, TypeActionFailed)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if !e.Public() || h.ActiveConnections(e.AccountID) == 0 {
				continue
			}
			payload, err := json.Marshal(e)
			if err != nil {
				h.logger.Error("Failed to marshal event", logging.Err(err))
				continue
			}
			h.Send(e.AccountID, payload)
		}
	}
}
