package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/vdavid/mailsync/internal/actionqueue"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// EnqueueResponse carries the id of a newly queued action.
type EnqueueResponse struct {
	ID string `json:"id"`
}

// ActionsHandler is the only write path of the API: it records actions in
// the queue and leaves applying them to the drainer.
type ActionsHandler struct {
	queue  *actionqueue.Queue
	logger *slog.Logger
}

// NewActionsHandler creates a new ActionsHandler instance.
func NewActionsHandler(queue *actionqueue.Queue, logger *slog.Logger) *ActionsHandler {
	return &ActionsHandler{queue: queue, logger: logging.WithOperation(logger, "api.actions")}
}

// Enqueue stores an action and answers 202 with its id.
func (h *ActionsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	var a models.QueuedAction
	if !readJSON(w, r, &a) {
		return
	}

	id, err := h.queue.Enqueue(r.Context(), accountID, &a)
	if err != nil {
		if errors.Is(err, db.ErrStorage) {
			writeStorageError(w, h.logger, err, "Failed to enqueue action")
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, h.logger, http.StatusAccepted, EnqueueResponse{ID: id})
}

// List returns the account's actions, optionally filtered by ?status=.
func (h *ActionsHandler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	var status models.ActionStatus
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := models.ParseActionStatus(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status = parsed
	}

	actions, err := h.queue.List(r.Context(), accountID, status)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to list actions")
		return
	}
	if actions == nil {
		actions = []*models.QueuedAction{}
	}
	writeJSON(w, h.logger, http.StatusOK, actions)
}

// Get returns one action.
func (h *ActionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	a, err := h.queue.Get(r.Context(), accountID, r.PathValue("id"))
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to get action", db.ErrActionNotFound)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, a)
}

// Retry puts a failed action back in the queue with a fresh attempt budget.
func (h *ActionsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.queue.Retry(r.Context(), accountID, r.PathValue("id")); err != nil {
		writeStorageError(w, h.logger, err, "Failed to retry action", db.ErrActionNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
