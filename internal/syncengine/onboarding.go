package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// historicalPassesPerTick bounds how many backfill batches one tick runs, so
// incremental sync of a large account is not starved.
const historicalPassesPerTick = 50

// connectionCursor is the progress of the connection_history task.
type connectionCursor struct {
	Done []string `json:"done"`
}

// runOnboarding seeds the account's tasks and runs the first undone one.
// Once onboarding is complete it keeps backfilling folders that became
// pending later: new folders and folders reset by a UIDVALIDITY change. It
// returns the number of messages applied.
func (e *Engine) runOnboarding(ctx context.Context, acc *models.Account, password string) (int, error) {
	complete, err := db.OnboardingComplete(ctx, e.pool, acc.ID)
	if err != nil {
		return 0, err
	}
	if complete {
		applied, _, err := e.historicalTask(ctx, acc, password)
		return applied, err
	}
	if err := db.SeedOnboardingTasks(ctx, e.pool, acc.ID); err != nil {
		return 0, err
	}

	task, ok, err := db.NextOnboardingTask(ctx, e.pool, acc.ID)
	if err != nil || !ok {
		return 0, err
	}

	logger := logging.WithAccount(e.logger, acc.ID).With(slog.String("task", string(task)))
	e.publisher.Publish(events.SyncStatus(acc.ID, "onboarding", string(task)))

	var (
		applied int
		done    bool
	)
	switch task {
	case models.TaskTrustNetwork:
		done, err = e.trustNetwork(ctx, acc, password)
	case models.TaskHistoricalFetch:
		applied, done, err = e.historicalTask(ctx, acc, password)
	case models.TaskConnectionHistory:
		applied, done, err = e.connectionHistory(ctx, acc, password)
	}
	if err != nil {
		return applied, fmt.Errorf("onboarding task %s failed: %w", task, err)
	}
	if !done {
		return applied, nil
	}

	finished, err := db.CompleteOnboardingTask(ctx, e.pool, acc.ID, task)
	if err != nil {
		return applied, err
	}
	logger.Info("Onboarding task done")
	if finished {
		logger.Info("Onboarding complete")
		e.publisher.Publish(events.OnboardingComplete(acc.ID))
	}
	return applied, nil
}

func (e *Engine) trustNetwork(ctx context.Context, acc *models.Account, password string) (bool, error) {
	sent, err := db.FindSentFolder(ctx, e.pool, acc.ID)
	if err != nil {
		return false, err
	}
	if _, err := e.bootstrap.BuildTrustNetwork(ctx, acc, password, sent); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) historicalTask(ctx context.Context, acc *models.Account, password string) (int, bool, error) {
	total := 0
	for range historicalPassesPerTick {
		if err := ctx.Err(); err != nil {
			return total, false, err
		}
		done, n, failed, err := e.historicalStep(ctx, acc, password)
		total += n
		if err != nil || done {
			return total, done, err
		}
		if failed {
			// Retried next tick rather than hammering a broken folder.
			return total, false, nil
		}
	}
	return total, false, nil
}

// connectionHistory backfills the mail exchanged with every connection. The
// cursor records finished addresses so an interrupted run resumes.
func (e *Engine) connectionHistory(ctx context.Context, acc *models.Account, password string) (int, bool, error) {
	var cursor connectionCursor
	if err := db.LoadOnboardingCursor(ctx, e.pool, acc.ID, models.TaskConnectionHistory, &cursor); err != nil {
		return 0, false, err
	}

	connections, err := db.ListEntitiesByLevel(ctx, e.pool, acc.ID, models.TrustConnection)
	if err != nil {
		return 0, false, err
	}
	connections = slices.DeleteFunc(connections, func(ent *models.Entity) bool {
		return slices.Contains(cursor.Done, ent.Email)
	})
	if len(connections) == 0 {
		return 0, true, nil
	}

	states, err := db.ListFolderStates(ctx, e.pool, acc.ID)
	if err != nil {
		return 0, false, err
	}
	states = slices.DeleteFunc(states, func(fs *models.FolderState) bool { return fs.SyncStatus != models.SyncDone })

	s, release, err := e.session(ctx, acc, password)
	if err != nil {
		return 0, false, err
	}
	defer release()

	total := 0
	for _, ent := range connections {
		for _, fs := range states {
			n, err := e.correspondentFolder(ctx, acc.ID, s, fs, ent.Email)
			total += n
			if err := e.folderFailed(ctx, acc.ID, fs.FolderName, err); err != nil {
				return total, false, err
			}
		}

		cursor.Done = append(cursor.Done, ent.Email)
		if err := db.SaveOnboardingCursor(ctx, e.pool, acc.ID, models.TaskConnectionHistory, cursor); err != nil {
			return total, false, err
		}
	}
	return total, true, nil
}

// correspondentFolder applies the newest uncached messages exchanged with
// email in one folder. Watermarks are left alone.
func (e *Engine) correspondentFolder(ctx context.Context, accountID string, s *imap.Session, fs *models.FolderState, email string) (int, error) {
	c := s.Client()
	pass := newFolderPass(e.logger, accountID, fs.FolderName)

	pass.to(models.PhaseSelecting)
	if err := e.selectFolder(ctx, accountID, c, fs); err != nil {
		return 0, err
	}

	pass.to(models.PhaseFetching)
	useSort := s.Capabilities().Sort
	uids, err := imap.SearchCorrespondent(c, email, useSort)
	if err != nil {
		return 0, err
	}
	if !useSort {
		// Ascending uid order approximates date order.
		slices.Reverse(uids)
	}
	uids = uids[:min(len(uids), e.cfg.HistoricalBatchSize)]

	missing, err := db.FilterUncachedUIDs(ctx, e.pool, accountID, fs.FolderName, uids)
	if err != nil || len(missing) == 0 {
		return 0, err
	}

	n, err := e.fetchAndApply(ctx, pass, accountID, fs.FolderName, c, missing, func(pgx.Tx, uint32, uint32) error {
		return nil
	})
	e.metrics.MessagesApplied(fs.FolderName, fs.SpecialUse, n)
	return n, err
}
