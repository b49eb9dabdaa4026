package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/logging"
)

// WebSocketHandler handles the /api/v1/ws endpoint for real-time updates.
type WebSocketHandler struct {
	hub    *events.Hub
	logger *slog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler instance.
func NewWebSocketHandler(hub *events.Hub, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, logger: logging.WithOperation(logger, "api.ws")}
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// For now, allow all origins. This server is expected to be used
		// behind a reverse proxy in a trusted environment.
		return true
	},
}

// Handle upgrades the connection and registers it with the Hub. The account
// and token were already checked by auth.RequireAccount, which also reads
// them from query parameters since browsers cannot set headers here.
func (h *WebSocketHandler) Handle(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", logging.Account(accountID), logging.Err(err))
		return
	}

	client := h.hub.Register(accountID, conn)
	if client == nil {
		return
	}
	h.logger.Debug("WebSocket connection established", logging.Account(accountID))

	go h.readLoop(accountID, client)
}

// readLoop reads messages from the WebSocket until the connection is closed,
// then unregisters the client.
func (h *WebSocketHandler) readLoop(accountID string, client *events.Client) {
	conn := client.Conn()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.hub.Unregister(accountID, client)
}
