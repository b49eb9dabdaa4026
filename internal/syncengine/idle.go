package syncengine

import (
	"context"
	"errors"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

type listener struct {
	cancel context.CancelFunc
}

// startListeners makes sure every active account has an IDLE listener.
func (e *Engine) startListeners(ctx context.Context) error {
	accounts, err := db.ListAccounts(ctx, e.pool, true)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		if err := e.startListener(ctx, acc); err != nil {
			logging.WithAccount(e.logger, acc.ID).Error("Failed to start IDLE listener", logging.Err(err))
		}
	}
	return nil
}

func (e *Engine) startListener(ctx context.Context, acc *models.Account) error {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	if _, ok := e.listeners[acc.ID]; ok {
		return nil
	}

	password, err := e.encryptor.Open(acc.ID, acc.EncryptedPassword)
	if err != nil {
		return err
	}

	listenCtx, cancel := context.WithCancel(ctx)
	l := &listener{cancel: cancel}
	e.listeners[acc.ID] = l

	e.listenersWg.Go(func() {
		defer e.forgetListener(acc.ID, l)

		err := e.idle.Listen(listenCtx, acc.ID, acc.IMAP, password, func(ctx context.Context) {
			e.onMailboxChange(ctx, acc.ID)
		})
		if errors.Is(err, imap.ErrAuthFailed) {
			if err := e.handleAccountError(ctx, acc.ID, err); err != nil && !errors.Is(err, imap.ErrAuthFailed) {
				logging.WithAccount(e.logger, acc.ID).Error("Failed to stop account", logging.Err(err))
			}
		}
	})
	return nil
}

// onMailboxChange runs an incremental pass for an account after IDLE
// reported new mail. A running pass will pick the change up, so a busy
// account is skipped.
func (e *Engine) onMailboxChange(ctx context.Context, accountID string) {
	unlock, ok := e.tryLock(accountID)
	if !ok {
		return
	}
	defer unlock()

	logger := logging.WithAccount(e.logger, accountID)
	acc, password, err := e.open(ctx, accountID)
	if err != nil {
		logger.Warn("Cannot sync after mailbox change", logging.Err(err))
		return
	}

	applied, err := e.IncrementalSync(ctx, acc, password)
	if err == nil && applied > 0 {
		err = e.ProcessChanges(ctx, accountID)
	}
	if err := e.handleAccountError(ctx, accountID, err); err != nil && ctx.Err() == nil {
		logger.Error("Sync after mailbox change failed", logging.Err(err))
	}
}

func (e *Engine) stopListener(accountID string) {
	e.listenersMu.Lock()
	l, ok := e.listeners[accountID]
	delete(e.listeners, accountID)
	e.listenersMu.Unlock()

	if ok {
		l.cancel()
	}
}

// forgetListener drops l once its goroutine ends, unless a newer listener
// already replaced it.
func (e *Engine) forgetListener(accountID string, l *listener) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()

	l.cancel()
	if e.listeners[accountID] == l {
		delete(e.listeners, accountID)
	}
}
