package trust

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// sentScanBatchSize is how many sent-folder uids are fetched per round trip.
const sentScanBatchSize = 500

// Bootstrap seeds the trust graph of a new account.
type Bootstrap struct {
	q         db.DBTX
	pool      imap.IMAPPool
	logger    *slog.Logger
	batchSize int
}

// NewBootstrap creates a Bootstrap that reads the sent folder through pool.
func NewBootstrap(q db.DBTX, pool imap.IMAPPool, logger *slog.Logger) *Bootstrap {
	return &Bootstrap{q: q, pool: pool, logger: logger, batchSize: sentScanBatchSize}
}

// BuildTrustNetwork upserts the owner and aliases, then every recipient found
// in the envelopes of sentFolder as a connection. An empty sentFolder or one
// the server no longer has yields only the owner and aliases.
// It returns the number of connections written.
func (b *Bootstrap) BuildTrustNetwork(ctx context.Context, account *models.Account, password, sentFolder string) (int, error) {
	logger := logging.WithAccount(logging.WithOperation(b.logger, "trust_network"), account.ID)

	if err := b.upsertSelf(ctx, account); err != nil {
		return 0, err
	}
	self := NewSelfSet(account.SelfAddresses()...)

	if sentFolder == "" {
		logger.Info("No sent folder, trust network holds self addresses only")
		return 0, nil
	}

	recipients, err := b.scanSentFolder(ctx, logger, account, password, sentFolder, self)
	if err != nil {
		return 0, err
	}

	for email, r := range recipients {
		var name *string
		if r.name != "" {
			name = &r.name
		}
		if err := upsertConnection(ctx, b.q, account.ID, email, name, &r.stats); err != nil {
			return 0, err
		}
	}

	logger.Info("Built trust network", logging.Folder(sentFolder), slog.Int("connections", len(recipients)))
	return len(recipients), nil
}

func (b *Bootstrap) upsertSelf(ctx context.Context, account *models.Account) error {
	now := time.Now().UTC()

	var displayName *string
	if account.DisplayName != "" {
		displayName = &account.DisplayName
	}
	entities := []*models.Entity{{
		AccountID:   account.ID,
		Email:       NormalizeEmail(account.Email),
		TrustLevel:  models.TrustUser,
		DisplayName: displayName,
		Source:      models.SourceSelf,
		FirstSeen:   now,
		LastSeen:    now,
	}}
	for _, alias := range account.Aliases {
		email := NormalizeEmail(alias)
		if email == "" {
			continue
		}
		entities = append(entities, &models.Entity{
			AccountID:  account.ID,
			Email:      email,
			TrustLevel: models.TrustAlias,
			Source:     models.SourceSelf,
			FirstSeen:  now,
			LastSeen:   now,
		})
	}

	for _, e := range entities {
		if err := db.UpsertEntity(ctx, b.q, e); err != nil {
			return fmt.Errorf("failed to upsert self address: %w", err)
		}
	}
	return nil
}

// scanSentFolder reads envelopes only. The session is released before any
// database write happens.
func (b *Bootstrap) scanSentFolder(ctx context.Context, logger *slog.Logger, account *models.Account, password, folder string, self SelfSet) (map[string]*recipient, error) {
	session, release, err := b.pool.GetSession(account.ID, account.IMAP, password)
	if err != nil {
		return nil, fmt.Errorf("failed to get IMAP session: %w", err)
	}
	defer release()
	c := session.Client()

	if _, err := imap.SelectFolder(c, folder); err != nil {
		if isMissingFolder(err) {
			logger.Warn("Sent folder not found on server", logging.Folder(folder), logging.Err(err))
			return nil, nil
		}
		return nil, err
	}

	uids, err := imap.SearchUIDRange(c, 1, 0)
	if err != nil {
		return nil, err
	}

	recipients := make(map[string]*recipient)
	for start := 0; start < len(uids); start += b.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+b.batchSize, len(uids))

		msgs, err := imap.FetchEnvelopes(c, uids[start:end])
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.Envelope == nil {
				continue
			}
			collectEnvelope(recipients, self, m.Envelope.Date.UTC(), m.Envelope.To, m.Envelope.Cc, m.Envelope.Bcc)
		}
	}
	return recipients, nil
}

func collectEnvelope(out map[string]*recipient, self SelfSet, date time.Time, lists ...[]*goimap.Address) {
	if date.Year() <= 1 {
		date = time.Time{}
	}
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, a := range list {
			if a == nil || a.MailboxName == "" || a.HostName == "" {
				continue
			}
			email := NormalizeEmail(a.MailboxName + "@" + a.HostName)
			if self.Contains(email) {
				continue
			}
			if seen[email] {
				if r := out[email]; r.name == "" && a.PersonalName != "" {
					r.name = a.PersonalName
				}
				continue
			}
			seen[email] = true
			r, ok := out[email]
			if !ok {
				r = &recipient{}
				out[email] = r
			}
			r.stats.add(date)
			if r.name == "" && a.PersonalName != "" {
				r.name = a.PersonalName
			}
		}
	}
}

func isMissingFolder(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such mailbox") ||
		strings.Contains(msg, "nonexistent") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "not found")
}
