package imap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

const (
	// idleListenerSleep is the backoff duration after an error before retrying IDLE.
	idleListenerSleep = 10 * time.Second
	// idlePollInterval is used when the server lacks IDLE and we fall back to NOOP polling.
	idlePollInterval = 30 * time.Second
	idleFolder       = "INBOX"
)

// IdleListener keeps one IDLE session per account on INBOX and reports
// mailbox changes through a callback.
type IdleListener struct {
	pool         IMAPPool
	logger       *slog.Logger
	retryDelay   time.Duration
	pollInterval time.Duration
}

// NewIdleListener creates a listener that takes its sessions from pool.
func NewIdleListener(pool IMAPPool, logger *slog.Logger) *IdleListener {
	return &IdleListener{
		pool:         pool,
		logger:       logging.WithOperation(logger, "imap_idle"),
		retryDelay:   idleListenerSleep,
		pollInterval: idlePollInterval,
	}
}

// Listen runs the IDLE loop for an account until ctx is canceled. onChange is
// called from the listener goroutine whenever INBOX reports new messages.
// It returns ErrAuthFailed when the credential is rejected, and nil on cancellation.
func (l *IdleListener) Listen(ctx context.Context, accountID string, cfg models.ServerConfig, password string, onChange func(ctx context.Context)) error {
	logger := logging.WithAccount(l.logger, accountID)

	for {
		if ctx.Err() != nil {
			return nil
		}

		listener, err := l.pool.GetListenerSession(accountID, cfg, password)
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				return err
			}
			logger.Warn("Failed to open listener session", logging.Err(err))
		} else {
			func() {
				defer listener.Unlock()
				l.runIdleLoop(ctx, logger, accountID, listener.Client(), onChange)
			}()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.retryDelay):
		}
	}
}

// runIdleLoop runs the IDLE command and handles mailbox updates.
func (l *IdleListener) runIdleLoop(ctx context.Context, logger *slog.Logger, accountID string, c *imapclient.Client, onChange func(ctx context.Context)) {
	updates := make(chan imapclient.Update, 10)
	c.Updates = updates
	defer func() { c.Updates = nil }()

	if _, err := c.Select(idleFolder, true); err != nil {
		logger.Warn("Failed to select INBOX for IDLE", logging.Err(err))
		l.pool.RemoveListenerSession(accountID)
		return
	}

	idleClient := idle.NewClient(c)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, l.pollInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return
		case err := <-done:
			if err != nil {
				logger.Warn("IDLE loop ended with error", logging.Err(err))
				l.pool.RemoveListenerSession(accountID)
			}
			return
		case update := <-updates:
			if isNewMail(update) {
				logger.Debug("INBOX changed")
				onChange(ctx)
			}
		}
	}
}

// isNewMail reports whether an update announces messages in INBOX.
func isNewMail(update imapclient.Update) bool {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil {
		return false
	}
	return mboxUpdate.Mailbox.Name == idleFolder && mboxUpdate.Mailbox.Messages > 0
}
