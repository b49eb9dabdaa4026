package actionqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"golang.org/x/sync/errgroup"
)

// Result labels for the actions metric.
const (
	resultDone   = "done"
	resultNoop   = "noop"
	resultRetry  = "retry"
	resultFailed = "failed"
)

// MailSender delivers a raw message over SMTP.
type MailSender interface {
	Send(ctx context.Context, cfg models.ServerConfig, password string, raw []byte) error
}

// Config tunes the drain loop.
type Config struct {
	Interval    time.Duration
	Lease       time.Duration
	Concurrency int
	Policy      retry.Policy
}

// Drainer replays queued actions against the server.
type Drainer struct {
	pool      *pgxpool.Pool
	imap      imap.IMAPPool
	sender    MailSender
	encryptor *crypto.Encryptor
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewDrainer creates a Drainer. publisher and m may be nil.
func NewDrainer(pool *pgxpool.Pool, imapPool imap.IMAPPool, sender MailSender, encryptor *crypto.Encryptor,
	publisher events.Publisher, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Drainer {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}
	return &Drainer{
		pool:      pool,
		imap:      imapPool,
		sender:    sender,
		encryptor: encryptor,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		logger:    logging.WithOperation(logger, "drain"),
		now:       time.Now,
	}
}

// Run releases actions a previous process left in flight, then drains every
// active account each interval until ctx is done.
func (d *Drainer) Run(ctx context.Context) error {
	released, err := db.ReleaseStaleActions(ctx, d.pool, d.cfg.Lease)
	if err != nil {
		return err
	}
	if released > 0 {
		d.logger.Info("Released stale in-flight actions", slog.Int64("count", released))
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := d.drainAll(ctx); err != nil {
			d.logger.Error("Drain pass failed", logging.Err(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Drainer) drainAll(ctx context.Context) error {
	accounts, err := db.ListAccounts(ctx, d.pool, true)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, acc := range accounts {
		g.Go(func() error {
			if _, err := d.DrainAccount(ctx, acc.ID); err != nil && ctx.Err() == nil {
				logging.WithAccount(d.logger, acc.ID).Error("Failed to drain account", logging.Err(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// DrainAccount applies the account's due actions until none is runnable.
// It returns how many actions were claimed. Storage and authentication
// failures stop the drain and are returned.
func (d *Drainer) DrainAccount(ctx context.Context, accountID string) (int, error) {
	acc, err := db.GetAccount(ctx, d.pool, accountID)
	if err != nil {
		return 0, err
	}
	if acc.AuthFailedAt != nil {
		return 0, nil
	}
	password, err := d.encryptor.Open(acc.ID, acc.EncryptedPassword)
	if err != nil {
		return 0, fmt.Errorf("failed to open account credential: %w", err)
	}

	logger := logging.WithAccount(d.logger, accountID)
	seen := make(map[string]bool)
	claimed := 0
	for {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}

		a, err := db.ClaimNextAction(ctx, d.pool, accountID)
		if err != nil {
			return claimed, err
		}
		if a == nil {
			return claimed, nil
		}
		// An action that is due again within the same pass waits for the next one.
		if seen[a.ID] {
			return claimed, db.RescheduleAction(ctx, d.pool, a.ID, a.NextAttemptAt, a.LastError, db.RescheduleOnly)
		}
		seen[a.ID] = true
		claimed++

		if err := d.settle(ctx, logger, acc, a, d.apply(ctx, acc, password, a)); err != nil {
			return claimed, err
		}
	}
}

// settle records the outcome of one attempt.
func (d *Drainer) settle(ctx context.Context, logger *slog.Logger, acc *models.Account, a *models.QueuedAction, applyErr error) error {
	logger = logger.With(slog.String(logging.KeyAction, string(a.Type)), slog.String("id", a.ID))

	var noop *noopError
	switch {
	case applyErr == nil:
		d.metrics.Action(a.Type, resultDone)
		return db.CompleteAction(ctx, d.pool, a.ID)
	case errors.As(applyErr, &noop):
		logger.Info("Action target is gone, nothing to do", slog.String("reason", noop.reason))
		d.metrics.Action(a.Type, resultNoop)
		return db.CompleteAction(ctx, d.pool, a.ID)
	}

	kind := retry.Classify(applyErr)
	d.metrics.SyncError(kind.String())

	switch kind {
	case retry.Storage:
		return applyErr
	case retry.Auth:
		if err := db.RescheduleAction(ctx, d.pool, a.ID, d.now(), applyErr.Error(), db.RescheduleOnly); err != nil {
			return err
		}
		if err := d.stopAccount(ctx, acc.ID); err != nil {
			return err
		}
		logger.Warn("Credential rejected, account stopped", logging.Err(applyErr))
		return applyErr
	case retry.Transient, retry.Protocol, retry.Invariant:
	}

	counts := kind != retry.Transient
	attempt := a.AttemptCount + 1
	if counts && attempt >= a.MaxAttempts {
		if err := db.FailAction(ctx, d.pool, a.ID, applyErr.Error()); err != nil {
			return err
		}
		d.metrics.Action(a.Type, resultFailed)
		d.publisher.Publish(events.ActionFailed(acc.ID, a.ID))
		logger.Error("Action failed permanently", slog.Int("attempts", attempt), logging.Err(applyErr))
		return nil
	}

	// Transient failures never use up attempts, so the delay follows the
	// retry count to keep growing while a server stays down.
	delay, _ := d.cfg.Policy.Delay(kind, a.RetryCount+1)
	how := db.RescheduleRetry
	if counts {
		how = db.RescheduleAttempt
	}
	if err := db.RescheduleAction(ctx, d.pool, a.ID, d.now().Add(delay), applyErr.Error(), how); err != nil {
		return err
	}
	d.metrics.Action(a.Type, resultRetry)
	logger.Warn("Action will be retried",
		slog.String(logging.KeyKind, kind.String()),
		slog.Int("attempt", attempt),
		slog.Int("retry", a.RetryCount+1),
		slog.Duration("delay", delay),
		logging.Err(applyErr),
	)
	return nil
}

func (d *Drainer) stopAccount(ctx context.Context, accountID string) error {
	if err := db.MarkAuthFailed(ctx, d.pool, accountID); err != nil {
		return err
	}
	d.imap.RemoveAccount(accountID)
	d.publisher.Publish(events.AuthFailed(accountID))
	return nil
}
