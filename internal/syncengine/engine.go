// Package syncengine mirrors each account's IMAP folders into the local
// cache and runs the onboarding pipeline and post-apply processing.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/classifier"
	"github.com/vdavid/mailsync/internal/conversation"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/trust"
	"golang.org/x/sync/errgroup"
)

// ErrAccountBusy is returned when another pass already holds the account.
var ErrAccountBusy = errors.New("account sync already running")

// ErrAccountStopped is returned for accounts whose credential was rejected.
var ErrAccountStopped = errors.New("account stopped after authentication failure")

// Config tunes the engine.
type Config struct {
	Interval            time.Duration
	SyncBatchSize       int
	HistoricalBatchSize int
	Concurrency         int
	Policy              retry.Policy
	// Idle starts one IDLE listener per account from Run.
	Idle bool
}

// Engine runs sync passes for every account.
type Engine struct {
	pool       *pgxpool.Pool
	imap       imap.IMAPPool
	encryptor  *crypto.Encryptor
	bootstrap  *trust.Bootstrap
	extractor  *trust.Extractor
	classifier *classifier.Classifier
	grouper    *conversation.Grouper
	idle       *imap.IdleListener
	publisher  events.Publisher
	metrics    *metrics.Metrics
	cfg        Config
	logger     *slog.Logger

	locks sync.Map // account id -> *sync.Mutex

	listenersMu sync.Mutex
	listeners   map[string]*listener
	listenersWg sync.WaitGroup
}

// New creates an Engine. publisher and m may be nil.
func New(pool *pgxpool.Pool, imapPool imap.IMAPPool, encryptor *crypto.Encryptor, cls *classifier.Classifier,
	grouper *conversation.Grouper, publisher events.Publisher, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Engine {
	if publisher == nil {
		publisher = events.Discard{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.SyncBatchSize <= 0 {
		cfg.SyncBatchSize = 200
	}
	if cfg.HistoricalBatchSize <= 0 {
		cfg.HistoricalBatchSize = 200
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Policy == (retry.Policy{}) {
		cfg.Policy = retry.DefaultPolicy()
	}

	logger = logging.WithOperation(logger, "sync")
	return &Engine{
		pool:       pool,
		imap:       imapPool,
		encryptor:  encryptor,
		bootstrap:  trust.NewBootstrap(pool, imapPool, logger),
		extractor:  trust.NewExtractor(pool, logger),
		classifier: cls,
		grouper:    grouper,
		idle:       imap.NewIdleListener(imapPool, logger),
		publisher:  publisher,
		metrics:    m,
		cfg:        cfg,
		logger:     logger,
		listeners:  make(map[string]*listener),
	}
}

// Run ticks every interval until ctx is done. With Config.Idle set it also
// keeps an IDLE listener running for every active account.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	defer e.listenersWg.Wait()

	for {
		if err := e.Tick(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("Sync tick failed", logging.Err(err))
		}
		if e.cfg.Idle && ctx.Err() == nil {
			if err := e.startListeners(ctx); err != nil {
				e.logger.Error("Failed to start IDLE listeners", logging.Err(err))
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one pass over every active account in parallel. Busy accounts
// are skipped; per-account failures are logged.
func (e *Engine) Tick(ctx context.Context) error {
	accounts, err := db.ListAccounts(ctx, e.pool, true)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, acc := range accounts {
		g.Go(func() error {
			err := e.SyncAccount(ctx, acc.ID)
			switch {
			case err == nil, ctx.Err() != nil:
			case errors.Is(err, ErrAccountBusy):
				logging.WithAccount(e.logger, acc.ID).Debug("Account busy, skipping this tick")
			default:
				logging.WithAccount(e.logger, acc.ID).Error("Account sync failed", logging.Err(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// SyncAccount runs one full pass for an account: folder list, incremental
// sync, flag resync, one onboarding step, then post-apply processing.
func (e *Engine) SyncAccount(ctx context.Context, accountID string) error {
	unlock, ok := e.tryLock(accountID)
	if !ok {
		return ErrAccountBusy
	}
	defer unlock()

	acc, password, err := e.open(ctx, accountID)
	if err != nil {
		return err
	}

	start := time.Now()
	err = e.syncAccount(ctx, acc, password)
	e.metrics.ObservePass("account", start)
	return e.handleAccountError(ctx, accountID, err)
}

func (e *Engine) syncAccount(ctx context.Context, acc *models.Account, password string) error {
	if _, err := e.SyncFolders(ctx, acc, password); err != nil {
		return err
	}

	applied, err := e.IncrementalSync(ctx, acc, password)
	if err != nil {
		return err
	}
	if _, err := e.FlagResync(ctx, acc, password); err != nil {
		return err
	}

	n, err := e.runOnboarding(ctx, acc, password)
	if err != nil {
		return err
	}
	applied += n

	if applied > 0 {
		return e.ProcessChanges(ctx, acc.ID)
	}
	return nil
}

// ProcessChanges runs trust extraction, classification and the conversation
// rebuild, in that order, then announces the new conversation count.
func (e *Engine) ProcessChanges(ctx context.Context, accountID string) error {
	start := time.Now()
	defer e.metrics.ObservePass("process", start)

	if _, err := e.extractor.Extract(ctx, accountID); err != nil {
		return fmt.Errorf("failed to extract entities: %w", err)
	}
	if _, err := e.classifier.ClassifyPending(ctx, accountID); err != nil {
		return fmt.Errorf("failed to classify messages: %w", err)
	}
	n, err := e.grouper.Rebuild(ctx, accountID)
	if err != nil {
		return err
	}

	e.publisher.Publish(events.ConversationsUpdated(accountID, n))
	return nil
}

func (e *Engine) tryLock(accountID string) (func(), bool) {
	v, _ := e.locks.LoadOrStore(accountID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// open loads the account and its plaintext password.
func (e *Engine) open(ctx context.Context, accountID string) (*models.Account, string, error) {
	acc, err := db.GetAccount(ctx, e.pool, accountID)
	if err != nil {
		return nil, "", err
	}
	if acc.AuthFailedAt != nil {
		return nil, "", ErrAccountStopped
	}

	password, err := e.encryptor.Open(acc.ID, acc.EncryptedPassword)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open account credential: %w", err)
	}
	return acc, password, nil
}

// session acquires a worker session, retrying transient connection failures.
func (e *Engine) session(ctx context.Context, acc *models.Account, password string) (*imap.Session, func(), error) {
	var (
		s       *imap.Session
		release func()
	)
	err := e.cfg.Policy.Do(ctx, func() error {
		var err error
		s, release, err = e.imap.GetSession(acc.ID, acc.IMAP, password)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get IMAP session: %w", err)
	}
	return s, release, nil
}

// handleAccountError stops the account on authentication failures and
// passes every other error through.
func (e *Engine) handleAccountError(ctx context.Context, accountID string, err error) error {
	if err == nil {
		return nil
	}

	kind := retry.Classify(err)
	e.metrics.SyncError(kind.String())
	if kind != retry.Auth {
		return err
	}

	if stopErr := e.stopAccount(ctx, accountID); stopErr != nil {
		return stopErr
	}
	logging.WithAccount(e.logger, accountID).Warn("Credential rejected, account stopped", logging.Err(err))
	return err
}

func (e *Engine) stopAccount(ctx context.Context, accountID string) error {
	if err := db.MarkAuthFailed(ctx, e.pool, accountID); err != nil {
		return err
	}
	e.stopListener(accountID)
	e.imap.RemoveAccount(accountID)
	e.publisher.Publish(events.AuthFailed(accountID))
	return nil
}
