package api

import (
	"log/slog"
	"net/http"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ConversationsResponse is one page of conversations.
type ConversationsResponse struct {
	Conversations []*models.Conversation `json:"conversations"`
	Pagination    PaginationInfo         `json:"pagination"`
}

// ConversationsHandler serves the derived conversation and cluster views.
type ConversationsHandler struct {
	q      db.DBTX
	logger *slog.Logger
}

// NewConversationsHandler creates a new ConversationsHandler instance.
func NewConversationsHandler(q db.DBTX, logger *slog.Logger) *ConversationsHandler {
	return &ConversationsHandler{q: q, logger: logging.WithOperation(logger, "api.conversations")}
}

// GetConversations returns a page of conversations, newest first, optionally
// restricted to one category.
func (h *ConversationsHandler) GetConversations(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	var category models.ConversationCategory
	if c := r.URL.Query().Get("category"); c != "" {
		parsed, err := models.ParseConversationCategory(c)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		category = parsed
	}

	page, limit := ParsePaginationParams(r, defaultPageSize, maxPageSize)
	ctx := r.Context()

	convs, err := db.ListConversations(ctx, h.q, accountID, category, limit, (page-1)*limit)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to list conversations")
		return
	}
	total, err := db.CountConversations(ctx, h.q, accountID, category)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to count conversations")
		return
	}
	if convs == nil {
		convs = []*models.Conversation{}
	}

	writeJSON(w, h.logger, http.StatusOK, ConversationsResponse{
		Conversations: convs,
		Pagination:    PaginationInfo{TotalCount: total, Page: page, PerPage: limit},
	})
}

// GetClusters returns every cluster of the account.
func (h *ConversationsHandler) GetClusters(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	clusters, err := db.ListClusters(r.Context(), h.q, accountID)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to list clusters")
		return
	}
	if clusters == nil {
		clusters = []*models.Cluster{}
	}
	writeJSON(w, h.logger, http.StatusOK, clusters)
}

// GetClusterMessages returns a page of the messages in one cluster.
func (h *ConversationsHandler) GetClusterMessages(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	clusterID := r.PathValue("id")
	if clusterID == "" {
		http.Error(w, "cluster id is required", http.StatusBadRequest)
		return
	}

	page, limit := ParsePaginationParams(r, defaultPageSize, maxPageSize)
	msgs, err := db.ListClusterMessages(r.Context(), h.q, accountID, clusterID, limit, (page-1)*limit)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to list cluster messages")
		return
	}
	writeMessages(w, h.logger, msgs)
}

// GetThreadMessages returns the messages of one reply thread, oldest first.
func (h *ConversationsHandler) GetThreadMessages(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	threadID := r.PathValue("id")
	if threadID == "" {
		http.Error(w, "thread id is required", http.StatusBadRequest)
		return
	}

	msgs, err := db.ListThreadMessages(r.Context(), h.q, accountID, threadID)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to list thread messages")
		return
	}
	if len(msgs) == 0 {
		http.Error(w, "thread not found", http.StatusNotFound)
		return
	}
	writeMessages(w, h.logger, msgs)
}

func writeMessages(w http.ResponseWriter, logger *slog.Logger, msgs []*models.Message) {
	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, logger, http.StatusOK, msgs)
}
