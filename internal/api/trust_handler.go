package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/trust"
)

// LineGroupRequest puts domains under one named group. An empty GroupID
// creates a new group.
type LineGroupRequest struct {
	GroupID string   `json:"group_id"`
	Name    string   `json:"name"`
	Domains []string `json:"domains"`
}

// LineGroupResponse carries the id of a created or updated group.
type LineGroupResponse struct {
	GroupID string `json:"group_id"`
}

// EntityRequest adds a manual contact.
type EntityRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// TrustHandler edits the inputs of the conversation view: line groups and
// manual contacts. Each change requests a rebuild instead of touching the
// derived tables.
type TrustHandler struct {
	q         db.DBTX
	publisher events.Publisher
	logger    *slog.Logger
}

// NewTrustHandler creates a new TrustHandler instance. publisher may be nil.
func NewTrustHandler(q db.DBTX, publisher events.Publisher, logger *slog.Logger) *TrustHandler {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &TrustHandler{q: q, publisher: publisher, logger: logging.WithOperation(logger, "api.trust")}
}

// GetLineGroups returns every domain assignment of the account.
func (h *TrustHandler) GetLineGroups(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	groups, err := db.ListLineGroups(r.Context(), h.q, accountID)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to list line groups")
		return
	}
	if groups == nil {
		groups = []models.LineGroup{}
	}
	writeJSON(w, h.logger, http.StatusOK, groups)
}

// CreateLineGroup groups domains and requests a rebuild.
func (h *TrustHandler) CreateLineGroup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	var req LineGroupRequest
	if !readJSON(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Domains) == 0 {
		http.Error(w, "name and domains are required", http.StatusBadRequest)
		return
	}
	if req.GroupID == "" {
		req.GroupID = uuid.NewString()
	}

	if err := db.GroupDomains(r.Context(), h.q, accountID, req.GroupID, req.Name, req.Domains); err != nil {
		writeStorageError(w, h.logger, err, "Failed to group domains")
		return
	}

	h.publisher.Publish(events.RebuildRequested(accountID, "line_group"))
	writeJSON(w, h.logger, http.StatusCreated, LineGroupResponse{GroupID: req.GroupID})
}

// DeleteLineGroup dissolves a group and requests a rebuild.
func (h *TrustHandler) DeleteLineGroup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	if err := db.UngroupDomains(r.Context(), h.q, accountID, r.PathValue("id")); err != nil {
		writeStorageError(w, h.logger, err, "Failed to ungroup domains", db.ErrLineGroupNotFound)
		return
	}

	h.publisher.Publish(events.RebuildRequested(accountID, "line_group"))
	w.WriteHeader(http.StatusNoContent)
}

// GetEntities returns every known correspondent of the account.
func (h *TrustHandler) GetEntities(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	entities, err := db.ListEntities(r.Context(), h.q, accountID)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to list entities")
		return
	}
	if entities == nil {
		entities = []*models.Entity{}
	}
	writeJSON(w, h.logger, http.StatusOK, entities)
}

// CreateEntity adds a manual contact. An existing entity keeps the stronger
// of its level and contact.
func (h *TrustHandler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	var req EntityRequest
	if !readJSON(w, r, &req) {
		return
	}
	email := trust.NormalizeEmail(req.Email)
	if trust.Domain(email) == "" {
		http.Error(w, "a valid email is required", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	e := &models.Entity{
		AccountID:  accountID,
		Email:      email,
		TrustLevel: models.TrustContact,
		Source:     models.SourceManual,
		FirstSeen:  now,
		LastSeen:   now,
	}
	if req.DisplayName != "" {
		e.DisplayName = &req.DisplayName
	}

	ctx := r.Context()
	if err := db.UpsertEntity(ctx, h.q, e); err != nil {
		writeStorageError(w, h.logger, err, "Failed to save entity")
		return
	}
	stored, err := db.GetEntity(ctx, h.q, accountID, email)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to load entity")
		return
	}

	h.publisher.Publish(events.RebuildRequested(accountID, "entity"))
	writeJSON(w, h.logger, http.StatusCreated, stored)
}

// DeleteEntity forgets a correspondent. The account's own addresses cannot
// be deleted.
func (h *TrustHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	accountID, ok := accountIDFromRequest(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	email := trust.NormalizeEmail(r.PathValue("email"))

	e, err := db.GetEntity(ctx, h.q, accountID, email)
	if err != nil {
		writeStorageError(w, h.logger, err, "Failed to load entity", db.ErrEntityNotFound)
		return
	}
	if e.TrustLevel.IsSelf() {
		http.Error(w, "cannot delete the account's own address", http.StatusConflict)
		return
	}

	if err := db.DeleteEntity(ctx, h.q, accountID, email); err != nil {
		if errors.Is(err, db.ErrEntityNotFound) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeStorageError(w, h.logger, err, "Failed to delete entity")
		return
	}

	h.publisher.Publish(events.RebuildRequested(accountID, "entity"))
	w.WriteHeader(http.StatusNoContent)
}
