package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/actionqueue"
	"github.com/vdavid/mailsync/internal/api"
	"github.com/vdavid/mailsync/internal/classifier"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/conversation"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/smtp"
	"github.com/vdavid/mailsync/internal/syncengine"
	"golang.org/x/sync/errgroup"
)

const (
	maxConnectionsPerAccount = 10
	shutdownTimeout          = 10 * time.Second
)

// app holds every long-lived component of a mailsync process.
type app struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	logger    *slog.Logger
	encryptor *crypto.Encryptor
	imap      *imap.Pool
	bus       *events.Bus
	hub       *events.Hub
	metrics   *metrics.Metrics
	grouper   *conversation.Grouper
	engine    *syncengine.Engine
	queue     *actionqueue.Queue
	drainer   *actionqueue.Drainer
}

func newApp(cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) (*app, error) {
	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryptor: %w", err)
	}

	a := &app{
		cfg:       cfg,
		pool:      pool,
		logger:    logger,
		encryptor: encryptor,
		imap:      imap.NewPool(cfg.IMAPMaxWorkers, cfg.IMAPInsecure, logger),
		bus:       events.NewBus(logger),
		hub:       events.NewHub(maxConnectionsPerAccount, logger),
		metrics:   metrics.New(),
	}

	a.grouper = conversation.NewGrouper(pool, a.bus, a.metrics, logger)
	a.engine = syncengine.New(pool, a.imap, encryptor, classifier.New(pool, nil, logger), a.grouper,
		a.bus, a.metrics, syncengine.Config{
			Interval:            cfg.SyncInterval,
			SyncBatchSize:       cfg.SyncBatchSize,
			HistoricalBatchSize: cfg.HistoricalBatchSize,
			Concurrency:         cfg.AccountConcurrency,
			Idle:                true,
		}, logger)
	a.queue = actionqueue.NewQueue(pool, cfg.MaxActionAttempts, logger)
	a.drainer = actionqueue.NewDrainer(pool, a.imap, smtp.NewSender(cfg.IMAPInsecure, logger), encryptor,
		a.bus, a.metrics, actionqueue.Config{
			Interval:    cfg.QueueInterval,
			Lease:       cfg.ActionLease,
			Concurrency: cfg.AccountConcurrency,
		}, logger)
	return a, nil
}

func (a *app) close() {
	a.imap.Close()
}

// run serves the API and runs every background loop until ctx is done.
func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return a.drainer.Run(ctx) })
	g.Go(func() error {
		a.grouper.Listen(ctx, a.bus)
		return nil
	})
	g.Go(func() error {
		a.hub.Forward(ctx, a.bus)
		return nil
	})
	g.Go(func() error { return metrics.Serve(ctx, a.cfg.MetricsAddr, a.metrics, a.logger) })
	g.Go(func() error { return a.serveHTTP(ctx) })

	return g.Wait()
}

func (a *app) serveHTTP(ctx context.Context) error {
	server := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           newServer(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.logger.Info("mailsync API starting", slog.String("addr", server.Addr), slog.String("version", version))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newServer returns the root handler: the API under /api/v1/ and a plain
// liveness answer everywhere else.
func newServer(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.Handle("/api/v1/", api.NewRouter(api.Deps{
		Pool:   a.pool,
		Queue:  a.queue,
		Bus:    a.bus,
		Hub:    a.hub,
		Token:  a.cfg.APIToken,
		Logger: a.logger,
	}))
	return mux
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "mailsync API is running")
}
