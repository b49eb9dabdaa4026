package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrFolderNotFound is returned when a folder has no sync state row.
var ErrFolderNotFound = errors.New("folder not found")

const folderColumns = `account_id, folder_name, highest_uid, lowest_uid, uid_validity, sync_status, special_use, last_sync`

func scanFolderState(row pgx.Row) (*models.FolderState, error) {
	var (
		fs     models.FolderState
		status string
	)
	if err := row.Scan(&fs.AccountID, &fs.FolderName, &fs.HighestUID, &fs.LowestUID,
		&fs.UIDValidity, &status, &fs.SpecialUse, &fs.LastSync); err != nil {
		return nil, err
	}

	var err error
	if fs.SyncStatus, err = models.ParseSyncStatus(status); err != nil {
		return nil, err
	}
	return &fs, nil
}

// UpsertFolders records the server's folder list. New folders start pending;
// known folders only get their special-use attribute refreshed. Rows are never
// deleted here.
func UpsertFolders(ctx context.Context, q DBTX, accountID string, folders []models.Folder) error {
	batch := &pgx.Batch{}
	for _, f := range folders {
		batch.Queue(`
			INSERT INTO folder_sync (account_id, folder_name, special_use)
			VALUES ($1, $2, $3)
			ON CONFLICT (account_id, folder_name) DO UPDATE SET
				special_use = EXCLUDED.special_use
		`, accountID, f.Name, f.SpecialUse)
	}

	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return storageErr("upsert folders", err)
	}
	return nil
}

// GetFolderState returns the sync cursor of one folder.
func GetFolderState(ctx context.Context, q DBTX, accountID, folder string) (*models.FolderState, error) {
	fs, err := scanFolderState(q.QueryRow(ctx, `
		SELECT `+folderColumns+` FROM folder_sync
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFolderNotFound
	}
	if err != nil {
		return nil, storageErr("get folder state", err)
	}
	return fs, nil
}

// ListFolderStates returns every folder of the account ordered by name.
func ListFolderStates(ctx context.Context, q DBTX, accountID string) ([]*models.FolderState, error) {
	rows, err := q.Query(ctx, `
		SELECT `+folderColumns+` FROM folder_sync
		WHERE account_id = $1
		ORDER BY folder_name
	`, accountID)
	if err != nil {
		return nil, storageErr("list folder states", err)
	}
	defer rows.Close()

	var states []*models.FolderState
	for rows.Next() {
		fs, err := scanFolderState(rows)
		if err != nil {
			return nil, storageErr("scan folder state", err)
		}
		states = append(states, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate folder states", err)
	}
	return states, nil
}

// NextPendingFolder returns the folder historical sync should work on next,
// or nil when every folder is done. Never-synced folders come first, then
// INBOX, then sent folders, then the rest, then oldest sync, then name.
func NextPendingFolder(ctx context.Context, q DBTX, accountID string) (*models.FolderState, error) {
	fs, err := scanFolderState(q.QueryRow(ctx, `
		SELECT `+folderColumns+` FROM folder_sync
		WHERE account_id = $1 AND sync_status <> 'done'
		ORDER BY
			(last_sync IS NULL) DESC,
			CASE
				WHEN upper(folder_name) = 'INBOX' THEN 0
				WHEN lower(special_use) = lower('\Sent')
					OR lower(folder_name) ~ '(sent|envoy|gesendet|enviados|inviati)' THEN 1
				ELSE 2
			END,
			last_sync ASC NULLS FIRST,
			folder_name
		LIMIT 1
	`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get next pending folder", err)
	}
	return fs, nil
}

// SetFolderStatus updates the persisted sync status.
func SetFolderStatus(ctx context.Context, q DBTX, accountID, folder string, status models.SyncStatus) error {
	tag, err := q.Exec(ctx, `
		UPDATE folder_sync SET sync_status = $3
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder, string(status))
	if err != nil {
		return storageErr("set folder status", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFolderNotFound
	}
	return nil
}

// AdvanceHighestUID raises the high watermark. It only ever moves up and must
// run in the same transaction that applied the messages up to uid.
func AdvanceHighestUID(ctx context.Context, q DBTX, accountID, folder string, uid uint32) error {
	_, err := q.Exec(ctx, `
		UPDATE folder_sync SET highest_uid = GREATEST(highest_uid, $3)
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder, int64(uid))
	if err != nil {
		return storageErr("advance highest uid", err)
	}
	return nil
}

// TightenLowestUID lowers the low watermark. Zero means unset, so the first
// call always takes uid.
func TightenLowestUID(ctx context.Context, q DBTX, accountID, folder string, uid uint32) error {
	_, err := q.Exec(ctx, `
		UPDATE folder_sync SET lowest_uid = CASE
			WHEN lowest_uid = 0 THEN $3
			ELSE LEAST(lowest_uid, $3)
		END
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder, int64(uid))
	if err != nil {
		return storageErr("tighten lowest uid", err)
	}
	return nil
}

// MarkFolderDone finishes a full historical pass.
func MarkFolderDone(ctx context.Context, q DBTX, accountID, folder string) error {
	_, err := q.Exec(ctx, `
		UPDATE folder_sync SET sync_status = 'done', last_sync = now()
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder)
	if err != nil {
		return storageErr("mark folder done", err)
	}
	return nil
}

// TouchFolder records a successful incremental pass.
func TouchFolder(ctx context.Context, q DBTX, accountID, folder string) error {
	_, err := q.Exec(ctx, `
		UPDATE folder_sync SET last_sync = now()
		WHERE account_id = $1 AND folder_name = $2 AND sync_status = 'done'
	`, accountID, folder)
	if err != nil {
		return storageErr("touch folder", err)
	}
	return nil
}

// SetUIDValidity stores the UIDVALIDITY seen for a folder that had none yet.
func SetUIDValidity(ctx context.Context, q DBTX, accountID, folder string, uidValidity uint32) error {
	_, err := q.Exec(ctx, `
		UPDATE folder_sync SET uid_validity = $3
		WHERE account_id = $1 AND folder_name = $2
	`, accountID, folder, int64(uidValidity))
	if err != nil {
		return storageErr("set uid validity", err)
	}
	return nil
}

// ResetFolder purges a folder's cached messages and restarts its cursors
// under a new UIDVALIDITY, in one transaction.
func ResetFolder(ctx context.Context, pool *pgxpool.Pool, accountID, folder string, uidValidity uint32) error {
	return WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			DELETE FROM messages WHERE account_id = $1 AND imap_folder = $2
		`, accountID, folder); err != nil {
			return storageErr("purge folder messages", err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE folder_sync SET
				highest_uid = 0,
				lowest_uid = 0,
				uid_validity = $3,
				sync_status = 'pending',
				last_sync = NULL
			WHERE account_id = $1 AND folder_name = $2
		`, accountID, folder, int64(uidValidity))
		if err != nil {
			return storageErr("reset folder", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrFolderNotFound
		}
		return nil
	})
}

// FindSentFolder returns the name of the account's sent folder, or "" when
// none is known.
func FindSentFolder(ctx context.Context, q DBTX, accountID string) (string, error) {
	states, err := ListFolderStates(ctx, q, accountID)
	if err != nil {
		return "", err
	}

	for _, fs := range states {
		if models.IsSentFolder("", fs.SpecialUse) {
			return fs.FolderName, nil
		}
	}
	for _, fs := range states {
		if models.IsSentFolder(fs.FolderName, "") {
			return fs.FolderName, nil
		}
	}
	return "", nil
}
