package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrActionNotFound is returned when no action matches the id, or when a
// retry targets an action that has not failed.
var ErrActionNotFound = errors.New("action not found")

const actionColumns = `
	id, account_id, action_type, folder, uid, payload, status,
	attempt_count, max_attempts, retry_count, next_attempt_at, last_error, created_at, updated_at`

func scanAction(row pgx.Row) (*models.QueuedAction, error) {
	var (
		a          models.QueuedAction
		actionType string
		status     string
		payload    []byte
	)
	if err := row.Scan(&a.ID, &a.AccountID, &actionType, &a.Folder, &a.UID, &payload, &status,
		&a.AttemptCount, &a.MaxAttempts, &a.RetryCount, &a.NextAttemptAt, &a.LastError, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if a.Type, err = models.ParseActionType(actionType); err != nil {
		return nil, err
	}
	if a.Status, err = models.ParseActionStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &a.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode action payload: %w", err)
	}
	return &a, nil
}

// InsertAction persists a new pending action. The caller assigns the id.
func InsertAction(ctx context.Context, q DBTX, a *models.QueuedAction) error {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode action payload: %w", err)
	}

	var status string
	err = q.QueryRow(ctx, `
		INSERT INTO action_queue (id, account_id, action_type, folder, uid, payload, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING status, next_attempt_at, created_at, updated_at
	`, a.ID, a.AccountID, string(a.Type), a.Folder, int64(a.UID), payload, a.MaxAttempts,
	).Scan(&status, &a.NextAttemptAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return storageErr("insert action", err)
	}
	a.Status = models.ActionStatus(status)
	return nil
}

// ClaimNextAction moves the oldest runnable action of an account to
// in_flight and returns it, or nil when nothing is runnable. An action is
// runnable when it is due and no older open action exists on the same
// message, which keeps actions on one message strictly ordered and at most
// one of them in flight.
func ClaimNextAction(ctx context.Context, q DBTX, accountID string) (*models.QueuedAction, error) {
	a, err := scanAction(q.QueryRow(ctx, `
		UPDATE action_queue SET status = 'in_flight', updated_at = clock_timestamp()
		WHERE id = (
			SELECT a.id FROM action_queue a
			WHERE a.account_id = $1
				AND a.status = 'pending'
				AND a.next_attempt_at <= now()
				AND (a.uid = 0 OR NOT EXISTS (
					SELECT 1 FROM action_queue b
					WHERE b.account_id = a.account_id
						AND b.folder = a.folder
						AND b.uid = a.uid
						AND b.id <> a.id
						AND b.status IN ('pending', 'in_flight')
						AND (b.status = 'in_flight' OR (b.created_at, b.id) < (a.created_at, a.id))
				))
			ORDER BY a.created_at, a.id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+actionColumns, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("claim action", err)
	}
	return a, nil
}

// CompleteAction marks an action done.
func CompleteAction(ctx context.Context, q DBTX, id string) error {
	return setActionState(ctx, q, `
		UPDATE action_queue SET status = 'done', last_error = '', updated_at = clock_timestamp()
		WHERE id = $1
	`, id)
}

// Reschedule says which counters a rescheduled action advances.
type Reschedule int

const (
	// RescheduleOnly moves the action back to pending and touches no counter.
	RescheduleOnly Reschedule = iota
	// RescheduleRetry counts a retry that does not use up an attempt.
	RescheduleRetry
	// RescheduleAttempt counts a retry and an attempt towards max_attempts.
	RescheduleAttempt
)

// RescheduleAction returns an action to pending for a later attempt.
func RescheduleAction(ctx context.Context, q DBTX, id string, next time.Time, lastErr string, how Reschedule) error {
	return setActionState(ctx, q, `
		UPDATE action_queue SET
			status = 'pending',
			retry_count = retry_count + CASE WHEN $4 >= 1 THEN 1 ELSE 0 END,
			attempt_count = attempt_count + CASE WHEN $4 >= 2 THEN 1 ELSE 0 END,
			next_attempt_at = $2,
			last_error = $3,
			updated_at = clock_timestamp()
		WHERE id = $1
	`, id, next, lastErr, int(how))
}

// FailAction marks an action permanently failed. Failed actions are kept for
// inspection and manual retry.
func FailAction(ctx context.Context, q DBTX, id, lastErr string) error {
	return setActionState(ctx, q, `
		UPDATE action_queue SET
			status = 'failed',
			attempt_count = attempt_count + 1,
			retry_count = retry_count + 1,
			last_error = $2,
			updated_at = clock_timestamp()
		WHERE id = $1
	`, id, lastErr)
}

func setActionState(ctx context.Context, q DBTX, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return storageErr("update action", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrActionNotFound
	}
	return nil
}

// GetAction returns an action of the account by id.
func GetAction(ctx context.Context, q DBTX, accountID, id string) (*models.QueuedAction, error) {
	a, err := scanAction(q.QueryRow(ctx, `
		SELECT `+actionColumns+` FROM action_queue
		WHERE account_id = $1 AND id::text = $2
	`, accountID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, storageErr("get action", err)
	}
	return a, nil
}

// ListActions returns the account's actions oldest first. An empty status
// matches every status.
func ListActions(ctx context.Context, q DBTX, accountID string, status models.ActionStatus) ([]*models.QueuedAction, error) {
	rows, err := q.Query(ctx, `
		SELECT `+actionColumns+` FROM action_queue
		WHERE account_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at, id
	`, accountID, string(status))
	if err != nil {
		return nil, storageErr("list actions", err)
	}
	defer rows.Close()

	var actions []*models.QueuedAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, storageErr("scan action", err)
		}
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate actions", err)
	}
	return actions, nil
}

// RetryAction gives a failed action a fresh set of attempts.
func RetryAction(ctx context.Context, q DBTX, accountID, id string) error {
	tag, err := q.Exec(ctx, `
		UPDATE action_queue SET
			status = 'pending',
			attempt_count = 0,
			retry_count = 0,
			next_attempt_at = now(),
			last_error = '',
			updated_at = clock_timestamp()
		WHERE account_id = $1 AND id::text = $2 AND status = 'failed'
	`, accountID, id)
	if err != nil {
		return storageErr("retry action", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrActionNotFound
	}
	return nil
}

// ReleaseStaleActions returns actions left in_flight longer than lease to
// pending. It runs at startup to recover from a crash mid-action.
func ReleaseStaleActions(ctx context.Context, q DBTX, lease time.Duration) (int64, error) {
	tag, err := q.Exec(ctx, `
		UPDATE action_queue SET status = 'pending', updated_at = clock_timestamp()
		WHERE status = 'in_flight' AND updated_at < now() - make_interval(secs => $1)
	`, lease.Seconds())
	if err != nil {
		return 0, storageErr("release stale actions", err)
	}
	return tag.RowsAffected(), nil
}
