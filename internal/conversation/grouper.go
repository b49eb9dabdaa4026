package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/events"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/metrics"
	"github.com/vdavid/mailsync/internal/trust"
)

// Grouper rebuilds the derived conversation view of an account.
type Grouper struct {
	pool      *pgxpool.Pool
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewGrouper creates a Grouper. publisher and m may be nil.
func NewGrouper(pool *pgxpool.Pool, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger) *Grouper {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Grouper{pool: pool, publisher: publisher, metrics: m, logger: logger}
}

// Load reads the inputs of Build for one account.
func Load(ctx context.Context, q db.DBTX, accountID string) (Input, error) {
	account, err := db.GetAccount(ctx, q, accountID)
	if err != nil {
		return Input{}, err
	}
	selfAddresses, err := db.ListSelfAddresses(ctx, q, accountID)
	if err != nil {
		return Input{}, err
	}
	levels, err := db.TrustMap(ctx, q, accountID)
	if err != nil {
		return Input{}, err
	}
	groups, err := db.ListLineGroups(ctx, q, accountID)
	if err != nil {
		return Input{}, err
	}
	msgs, err := db.ListAllMessages(ctx, q, accountID)
	if err != nil {
		return Input{}, err
	}

	return Input{
		Messages:   msgs,
		Self:       trust.NewSelfSet(append(account.SelfAddresses(), selfAddresses...)...),
		Trust:      levels,
		LineGroups: groups,
	}, nil
}

// Rebuild recomputes threads, conversations and clusters for an account and
// stores them in one transaction. It returns the number of conversations.
func (g *Grouper) Rebuild(ctx context.Context, accountID string) (int, error) {
	start := time.Now()
	defer g.metrics.ObservePass("rebuild", start)

	var (
		in  Input
		res Result
	)
	// Loading inside the lock keeps a rebuild from overwriting a newer one.
	err := db.WithTx(ctx, g.pool, func(tx pgx.Tx) error {
		if err := db.LockAccountConversations(ctx, tx, accountID); err != nil {
			return err
		}

		var err error
		in, err = Load(ctx, tx, accountID)
		if err != nil {
			return fmt.Errorf("failed to load conversation inputs: %w", err)
		}

		res = Build(in)
		for _, c := range res.Conversations {
			c.AccountID = accountID
		}

		if err := db.UpdateDerivedColumns(ctx, tx, accountID, res.Derived); err != nil {
			return fmt.Errorf("failed to store conversations: %w", err)
		}
		if err := db.ReplaceConversations(ctx, tx, accountID, res.Conversations); err != nil {
			return fmt.Errorf("failed to store conversations: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	g.metrics.SetConversations(len(res.Conversations))
	logging.WithAccount(g.logger, accountID).Debug("Rebuilt conversations",
		slog.Int("messages", len(in.Messages)),
		slog.Int("conversations", len(res.Conversations)),
		slog.Int("clusters", len(res.Clusters)),
		slog.Duration("duration", time.Since(start)),
	)
	return len(res.Conversations), nil
}

// Listen rebuilds on every rebuild request published on bus until ctx is
// done, announcing each result as a conversations-updated event. Requests
// that pile up during a rebuild collapse into one per account.
func (g *Grouper) Listen(ctx context.Context, bus *events.Bus) {
	requests, unsubscribe := bus.SubscribeCoalesced(events.TypeRebuildRequested)
	defer unsubscribe()

	logger := logging.WithOperation(g.logger, "rebuild_listener")
	for {
		select {
		case <-ctx.Done():
			return
		case <-requests.Ready():
		}

		for _, e := range requests.Drain() {
			n, err := g.Rebuild(ctx, e.AccountID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("Failed to rebuild conversations", logging.Account(e.AccountID),
					slog.String("reason", e.Reason), logging.Err(err))
				continue
			}
			g.publisher.Publish(events.ConversationsUpdated(e.AccountID, n))
		}
	}
}
