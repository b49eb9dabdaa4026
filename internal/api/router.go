package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/actionqueue"
	"github.com/vdavid/mailsync/internal/auth"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
)

// Deps are the collaborators of the API. Bus may be nil.
type Deps struct {
	Pool   *pgxpool.Pool
	Queue  *actionqueue.Queue
	Bus    *events.Bus
	Hub    *events.Hub
	Token  string
	Logger *slog.Logger
}

// NewRouter registers every /api/v1 route behind auth.RequireAccount.
func NewRouter(d Deps) http.Handler {
	folders := NewFoldersHandler(d.Pool, d.Logger)
	conversations := NewConversationsHandler(d.Pool, d.Logger)
	actions := NewActionsHandler(d.Queue, d.Logger)
	var publisher events.Publisher = events.Discard{}
	if d.Bus != nil {
		publisher = d.Bus
	}
	trustHandler := NewTrustHandler(d.Pool, publisher, d.Logger)
	ws := NewWebSocketHandler(d.Hub, d.Logger)

	exists := func(ctx context.Context, accountID string) (bool, error) {
		return db.AccountExists(ctx, d.Pool, accountID)
	}
	requireAccount := auth.RequireAccount(d.Token, exists, d.Logger)

	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, requireAccount(h))
	}

	handle("GET /api/v1/folders", folders.GetFolders)

	handle("GET /api/v1/conversations", conversations.GetConversations)
	handle("GET /api/v1/clusters", conversations.GetClusters)
	handle("GET /api/v1/clusters/{id}/messages", conversations.GetClusterMessages)
	handle("GET /api/v1/threads/{id}/messages", conversations.GetThreadMessages)

	handle("POST /api/v1/actions", actions.Enqueue)
	handle("GET /api/v1/actions", actions.List)
	handle("GET /api/v1/actions/{id}", actions.Get)
	handle("POST /api/v1/actions/{id}/retry", actions.Retry)

	handle("GET /api/v1/line-groups", trustHandler.GetLineGroups)
	handle("POST /api/v1/line-groups", trustHandler.CreateLineGroup)
	handle("DELETE /api/v1/line-groups/{id}", trustHandler.DeleteLineGroup)
	handle("GET /api/v1/entities", trustHandler.GetEntities)
	handle("POST /api/v1/entities", trustHandler.CreateEntity)
	handle("DELETE /api/v1/entities/{email}", trustHandler.DeleteEntity)

	handle("GET /api/v1/ws", ws.Handle)

	return mux
}
