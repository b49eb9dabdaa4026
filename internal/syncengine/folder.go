package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	imapclient "github.com/emersion/go-imap/client"
	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
)

const flagResyncBatchSize = 500

// folderPass tracks the in-memory phase of one pass over one folder.
type folderPass struct {
	phase  models.FolderPhase
	logger *slog.Logger
}

func newFolderPass(logger *slog.Logger, accountID, folder string) *folderPass {
	return &folderPass{
		phase:  models.PhasePending,
		logger: logging.WithFolder(logging.WithAccount(logger, accountID), folder),
	}
}

func (p *folderPass) to(phase models.FolderPhase) {
	if p.phase == phase {
		return
	}
	p.logger.Debug("Folder phase changed", slog.String("from", p.phase.String()), logging.Phase(phase.String()))
	p.phase = phase
}

// SyncFolders refreshes the folder list from the server. Folders that
// disappeared keep their rows.
func (e *Engine) SyncFolders(ctx context.Context, acc *models.Account, password string) ([]models.Folder, error) {
	s, release, err := e.session(ctx, acc, password)
	if err != nil {
		return nil, err
	}
	defer release()

	folders, err := imap.ListFolders(s.Client())
	if err != nil {
		return nil, err
	}
	if err := db.UpsertFolders(ctx, e.pool, acc.ID, folders); err != nil {
		return nil, err
	}
	return folders, nil
}

// IncrementalSync fetches messages above the high watermark of every folder
// that has one. It returns the number of messages applied.
func (e *Engine) IncrementalSync(ctx context.Context, acc *models.Account, password string) (int, error) {
	start := time.Now()
	defer e.metrics.ObservePass("incremental", start)

	states, err := db.ListFolderStates(ctx, e.pool, acc.ID)
	if err != nil {
		return 0, err
	}
	// A done folder with no watermark was empty when backfilled; new mail in
	// it arrives through 1:*.
	states = slices.DeleteFunc(states, func(fs *models.FolderState) bool {
		return fs.HighestUID == 0 && fs.SyncStatus != models.SyncDone
	})
	if len(states) == 0 {
		return 0, nil
	}

	s, release, err := e.session(ctx, acc, password)
	if err != nil {
		return 0, err
	}
	defer release()

	total := 0
	for _, fs := range states {
		n, err := e.incrementalFolder(ctx, acc.ID, s.Client(), fs)
		total += n
		if err := e.folderFailed(ctx, acc.ID, fs.FolderName, err); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (e *Engine) incrementalFolder(ctx context.Context, accountID string, c *imapclient.Client, fs *models.FolderState) (int, error) {
	pass := newFolderPass(e.logger, accountID, fs.FolderName)

	pass.to(models.PhaseSelecting)
	if err := e.selectFolder(ctx, accountID, c, fs); err != nil {
		return 0, err
	}

	pass.to(models.PhaseFetching)
	uids, err := imap.SearchUIDsAbove(c, fs.HighestUID)
	if err != nil {
		return 0, err
	}

	total := 0
	for batch := range slices.Chunk(uids, e.cfg.SyncBatchSize) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.fetchAndApply(ctx, pass, accountID, fs.FolderName, c, batch, func(tx pgx.Tx, _, highest uint32) error {
			return db.AdvanceHighestUID(ctx, tx, accountID, fs.FolderName, highest)
		})
		total += n
		if err != nil {
			return total, err
		}
	}

	pass.to(models.PhaseDone)
	e.metrics.MessagesApplied(fs.FolderName, fs.SpecialUse, total)
	if total > 0 {
		pass.logger.Info("Applied new messages", slog.Int("count", total))
	}
	return total, db.TouchFolder(ctx, e.pool, accountID, fs.FolderName)
}

// HistoricalFetch runs one backfill pass on the next pending folder. done is
// true when no folder is pending any more.
func (e *Engine) HistoricalFetch(ctx context.Context, acc *models.Account, password string) (done bool, applied int, err error) {
	done, applied, _, err = e.historicalStep(ctx, acc, password)
	return done, applied, err
}

// historicalStep is HistoricalFetch that also reports whether the folder
// pass failed and was put back to pending.
func (e *Engine) historicalStep(ctx context.Context, acc *models.Account, password string) (done bool, applied int, failed bool, err error) {
	start := time.Now()
	defer e.metrics.ObservePass("historical", start)

	fs, err := db.NextPendingFolder(ctx, e.pool, acc.ID)
	if err != nil {
		return false, 0, false, err
	}
	if fs == nil {
		return true, 0, false, nil
	}

	s, release, err := e.session(ctx, acc, password)
	if err != nil {
		return false, 0, false, err
	}
	defer release()

	applied, passErr := e.historicalFolder(ctx, acc.ID, s.Client(), fs)
	return false, applied, passErr != nil, e.folderFailed(ctx, acc.ID, fs.FolderName, passErr)
}

func (e *Engine) historicalFolder(ctx context.Context, accountID string, c *imapclient.Client, fs *models.FolderState) (int, error) {
	pass := newFolderPass(e.logger, accountID, fs.FolderName)
	if err := db.SetFolderStatus(ctx, e.pool, accountID, fs.FolderName, models.SyncSyncing); err != nil {
		return 0, err
	}

	pass.to(models.PhaseSelecting)
	if err := e.selectFolder(ctx, accountID, c, fs); err != nil {
		return 0, err
	}

	pass.to(models.PhaseFetching)
	uids, err := uidsBelow(c, fs.LowestUID)
	if err != nil {
		return 0, err
	}

	if len(uids) == 0 {
		if _, err := e.reconcileExpunged(ctx, accountID, c, fs); err != nil {
			return 0, err
		}
		pass.to(models.PhaseDone)
		pass.logger.Info("Folder fully synced", slog.Uint64("lowest_uid", uint64(fs.LowestUID)),
			slog.Uint64("highest_uid", uint64(fs.HighestUID)))
		return 0, db.MarkFolderDone(ctx, e.pool, accountID, fs.FolderName)
	}

	slices.Sort(uids)
	batch := uids[max(0, len(uids)-e.cfg.HistoricalBatchSize):]

	n, err := e.fetchAndApply(ctx, pass, accountID, fs.FolderName, c, batch, func(tx pgx.Tx, lowest, highest uint32) error {
		if err := db.TightenLowestUID(ctx, tx, accountID, fs.FolderName, lowest); err != nil {
			return err
		}
		return db.AdvanceHighestUID(ctx, tx, accountID, fs.FolderName, highest)
	})
	if err != nil {
		return n, err
	}

	e.metrics.MessagesApplied(fs.FolderName, fs.SpecialUse, n)
	pass.logger.Debug("Backfilled batch", slog.Int("count", n), slog.Int("remaining", len(uids)-len(batch)))
	return n, db.SetFolderStatus(ctx, e.pool, accountID, fs.FolderName, models.SyncPending)
}

// uidsBelow returns the uids under lowest, or every uid when lowest is unset.
func uidsBelow(c *imapclient.Client, lowest uint32) ([]uint32, error) {
	switch lowest {
	case 0:
		return imap.SearchUIDRange(c, 1, 0)
	case 1:
		return nil, nil
	}

	uids, err := imap.SearchUIDRange(c, 1, lowest-1)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(uids, func(uid uint32) bool { return uid >= lowest }), nil
}

// selectFolder opens the folder and enforces UIDVALIDITY. A changed value
// purges the folder's cache and resets its cursors.
func (e *Engine) selectFolder(ctx context.Context, accountID string, c *imapclient.Client, fs *models.FolderState) error {
	status, err := imap.SelectFolder(c, fs.FolderName)
	if err != nil {
		return err
	}

	switch {
	case fs.UIDValidity == 0:
		fs.UIDValidity = status.UidValidity
		return db.SetUIDValidity(ctx, e.pool, accountID, fs.FolderName, status.UidValidity)
	case status.UidValidity != fs.UIDValidity:
		// The folder is pending again; the next backfill refills it.
		if err := db.ResetFolder(ctx, e.pool, accountID, fs.FolderName, status.UidValidity); err != nil {
			return err
		}
		e.publisher.Publish(events.RebuildRequested(accountID, "uidvalidity"))
		return fmt.Errorf("%w: UIDVALIDITY of %s changed from %d to %d",
			retry.ErrInvariant, fs.FolderName, fs.UIDValidity, status.UidValidity)
	}
	return nil
}

// fetchAndApply downloads uids and writes them in one transaction together
// with the watermark update. The network fetch happens before the
// transaction opens. Malformed messages are skipped.
func (e *Engine) fetchAndApply(ctx context.Context, pass *folderPass, accountID, folder string, c *imapclient.Client,
	uids []uint32, watermarks func(tx pgx.Tx, lowest, highest uint32) error) (int, error) {
	fetched, err := imap.FetchMessages(c, uids)
	if err != nil {
		return 0, err
	}
	if len(fetched) == 0 {
		return 0, nil
	}

	lowest, highest := fetched[0].Uid, fetched[0].Uid
	msgs := make([]*models.Message, 0, len(fetched))
	for _, raw := range fetched {
		lowest, highest = min(lowest, raw.Uid), max(highest, raw.Uid)

		msg, err := imap.ParseMessage(raw, folder)
		if err != nil {
			pass.logger.Warn("Skipping malformed message", slog.Uint64("uid", uint64(raw.Uid)), logging.Err(err))
			continue
		}
		msgs = append(msgs, msg)
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	pass.to(models.PhaseApplying)
	err = db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
		if err := db.ApplyMessages(ctx, tx, accountID, folder, msgs); err != nil {
			return err
		}
		return watermarks(tx, lowest, highest)
	})
	pass.to(models.PhaseFetching)
	if err != nil {
		return 0, err
	}
	return len(msgs), nil
}

// reconcileExpunged deletes cached rows in 1:highest_uid that the server no
// longer has.
func (e *Engine) reconcileExpunged(ctx context.Context, accountID string, c *imapclient.Client, fs *models.FolderState) (int64, error) {
	if fs.HighestUID == 0 {
		return 0, nil
	}

	present, err := imap.SearchUIDRange(c, 1, fs.HighestUID)
	if err != nil {
		return 0, err
	}
	n, err := db.DeleteMessagesNotIn(ctx, e.pool, accountID, fs.FolderName, present, fs.HighestUID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.WithFolder(logging.WithAccount(e.logger, accountID), fs.FolderName).
			Info("Removed expunged messages", slog.Int64("count", n))
	}
	return n, nil
}

// FlagResync brings cached flags of every done folder in line with the
// server and drops rows the server no longer has. It returns the number of
// rows changed and requests a rebuild when that is not zero.
func (e *Engine) FlagResync(ctx context.Context, acc *models.Account, password string) (int, error) {
	start := time.Now()
	defer e.metrics.ObservePass("flag_resync", start)

	states, err := db.ListFolderStates(ctx, e.pool, acc.ID)
	if err != nil {
		return 0, err
	}
	states = slices.DeleteFunc(states, func(fs *models.FolderState) bool { return fs.SyncStatus != models.SyncDone })
	if len(states) == 0 {
		return 0, nil
	}

	s, release, err := e.session(ctx, acc, password)
	if err != nil {
		return 0, err
	}
	defer release()

	changed := 0
	for _, fs := range states {
		n, err := e.resyncFolder(ctx, acc.ID, s.Client(), fs)
		changed += n
		if err := e.folderFailed(ctx, acc.ID, fs.FolderName, err); err != nil {
			return changed, err
		}
	}

	if changed > 0 {
		e.publisher.Publish(events.RebuildRequested(acc.ID, "flags"))
	}
	return changed, nil
}

func (e *Engine) resyncFolder(ctx context.Context, accountID string, c *imapclient.Client, fs *models.FolderState) (int, error) {
	if err := e.selectFolder(ctx, accountID, c, fs); err != nil {
		return 0, err
	}

	cached, err := db.ListCachedUIDs(ctx, e.pool, accountID, fs.FolderName)
	if err != nil {
		return 0, err
	}

	changed := 0
	for batch := range slices.Chunk(cached, flagResyncBatchSize) {
		remote, err := imap.FetchFlags(c, batch)
		if err != nil {
			return changed, err
		}
		local, err := db.ListCachedFlags(ctx, e.pool, accountID, fs.FolderName, batch)
		if err != nil {
			return changed, err
		}

		err = db.WithTx(ctx, e.pool, func(tx pgx.Tx) error {
			var gone []uint32
			for _, uid := range batch {
				flags, ok := remote[uid]
				if !ok {
					gone = append(gone, uid)
					continue
				}
				if sameFlags(flags, local[uid]) {
					continue
				}
				updated, err := db.UpdateMessageFlags(ctx, tx, accountID, fs.FolderName, uid, flags)
				if err != nil {
					return err
				}
				if updated {
					changed++
				}
			}

			n, err := db.DeleteMessagesByUID(ctx, tx, accountID, fs.FolderName, gone)
			changed += int(n)
			return err
		})
		if err != nil {
			return changed, err
		}
	}

	n, err := e.reconcileExpunged(ctx, accountID, c, fs)
	return changed + int(n), err
}

// sameFlags compares flag sets, ignoring order and case.
func sameFlags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	norm := func(flags []string) []string {
		out := make([]string, len(flags))
		for i, f := range flags {
			out[i] = strings.ToLower(f)
		}
		slices.Sort(out)
		return out
	}
	return slices.Equal(norm(a), norm(b))
}

// folderFailed decides how a folder error propagates. Storage and
// authentication errors stop the pass; anything else puts the folder back to
// pending and the pass moves on.
func (e *Engine) folderFailed(ctx context.Context, accountID, folder string, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	kind := retry.Classify(err)
	switch kind {
	case retry.Storage, retry.Auth:
		return err
	case retry.Transient, retry.Protocol, retry.Invariant:
	}

	e.metrics.SyncError(kind.String())
	logging.WithFolder(logging.WithAccount(e.logger, accountID), folder).Warn("Folder sync failed",
		slog.String(logging.KeyKind, kind.String()), logging.Err(err))

	if err := db.SetFolderStatus(ctx, e.pool, accountID, folder, models.SyncPending); err != nil && !errors.Is(err, db.ErrFolderNotFound) {
		return err
	}
	return nil
}

