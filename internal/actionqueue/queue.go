// Package actionqueue records local mutations durably and replays them
// against the server in order.
package actionqueue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// DefaultMaxAttempts is used when a queue is created without a limit.
const DefaultMaxAttempts = 5

// DraftFlag marks messages stored by Save.
const DraftFlag = `\Draft`

// Queue is the write-ahead entry point for local mutations.
type Queue struct {
	q           db.DBTX
	maxAttempts int
	logger      *slog.Logger
}

// NewQueue creates a Queue. Actions get maxAttempts attempts before failing.
func NewQueue(q db.DBTX, maxAttempts int, logger *slog.Logger) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Queue{q: q, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue validates and stores an action as pending, filling in its id,
// account and attempt limit. It returns the new id.
func (q *Queue) Enqueue(ctx context.Context, accountID string, a *models.QueuedAction) (string, error) {
	a.ID = uuid.NewString()
	a.AccountID = accountID
	if a.MaxAttempts <= 0 {
		a.MaxAttempts = q.maxAttempts
	}
	if !a.Type.TargetsMessage() {
		a.Folder, a.UID = "", 0
	}
	if err := a.Validate(); err != nil {
		return "", fmt.Errorf("invalid action: %w", err)
	}

	if err := db.InsertAction(ctx, q.q, a); err != nil {
		return "", err
	}

	logging.WithAccount(q.logger, accountID).Debug("Enqueued action",
		slog.String(logging.KeyAction, string(a.Type)),
		slog.String("id", a.ID),
		logging.Folder(a.Folder),
	)
	return a.ID, nil
}

func (q *Queue) enqueueFlags(ctx context.Context, accountID, folder string, uid uint32, t models.ActionType, flags ...string) (string, error) {
	return q.Enqueue(ctx, accountID, &models.QueuedAction{
		Type:    t,
		Folder:  folder,
		UID:     uid,
		Payload: models.ActionPayload{Flags: flags},
	})
}

// MarkRead adds \Seen.
func (q *Queue) MarkRead(ctx context.Context, accountID, folder string, uid uint32) (string, error) {
	return q.enqueueFlags(ctx, accountID, folder, uid, models.ActionAddFlags, models.FlagSeen)
}

// MarkUnread removes \Seen.
func (q *Queue) MarkUnread(ctx context.Context, accountID, folder string, uid uint32) (string, error) {
	return q.enqueueFlags(ctx, accountID, folder, uid, models.ActionRemoveFlags, models.FlagSeen)
}

// Flag adds \Flagged.
func (q *Queue) Flag(ctx context.Context, accountID, folder string, uid uint32) (string, error) {
	return q.enqueueFlags(ctx, accountID, folder, uid, models.ActionAddFlags, models.FlagFlagged)
}

// Unflag removes \Flagged.
func (q *Queue) Unflag(ctx context.Context, accountID, folder string, uid uint32) (string, error) {
	return q.enqueueFlags(ctx, accountID, folder, uid, models.ActionRemoveFlags, models.FlagFlagged)
}

// Delete expunges a message from folder.
func (q *Queue) Delete(ctx context.Context, accountID, folder string, uid uint32) (string, error) {
	return q.Enqueue(ctx, accountID, &models.QueuedAction{Type: models.ActionDelete, Folder: folder, UID: uid})
}

// Move moves a message from folder to dest.
func (q *Queue) Move(ctx context.Context, accountID, folder string, uid uint32, dest string) (string, error) {
	return q.Enqueue(ctx, accountID, &models.QueuedAction{
		Type: models.ActionMove, Folder: folder, UID: uid,
		Payload: models.ActionPayload{Destination: dest},
	})
}

// Copy copies a message from folder to dest.
func (q *Queue) Copy(ctx context.Context, accountID, folder string, uid uint32, dest string) (string, error) {
	return q.Enqueue(ctx, accountID, &models.QueuedAction{
		Type: models.ActionCopy, Folder: folder, UID: uid,
		Payload: models.ActionPayload{Destination: dest},
	})
}

// Send queues a composed RFC 5322 message for SMTP delivery, optionally
// keeping a copy in the sent folder.
func (q *Queue) Send(ctx context.Context, accountID string, raw []byte, saveToSent bool) (string, error) {
	return q.Enqueue(ctx, accountID, &models.QueuedAction{
		Type:    models.ActionSend,
		Payload: models.ActionPayload{Raw: raw, SaveToSent: saveToSent},
	})
}

// Save queues a draft to be appended to folder.
func (q *Queue) Save(ctx context.Context, accountID, folder string, raw []byte) (string, error) {
	return q.Enqueue(ctx, accountID, &models.QueuedAction{
		Type:    models.ActionSave,
		Payload: models.ActionPayload{Folder: folder, Raw: raw},
	})
}

// Retry gives a failed action a fresh set of attempts.
func (q *Queue) Retry(ctx context.Context, accountID, id string) error {
	return db.RetryAction(ctx, q.q, accountID, id)
}

// List returns the account's actions, optionally filtered by status.
func (q *Queue) List(ctx context.Context, accountID string, status models.ActionStatus) ([]*models.QueuedAction, error) {
	return db.ListActions(ctx, q.q, accountID, status)
}

// Get returns one action of the account.
func (q *Queue) Get(ctx context.Context, accountID, id string) (*models.QueuedAction, error) {
	return db.GetAction(ctx, q.q, accountID, id)
}
