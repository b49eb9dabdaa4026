package trust

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// Extractor promotes recipients of newly cached self-sent mail to connections.
type Extractor struct {
	q      db.DBTX
	logger *slog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(q db.DBTX, logger *slog.Logger) *Extractor {
	return &Extractor{q: q, logger: logger}
}

type recipient struct {
	stats recipientStats
	name  string
}

type recipientStats struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// add counts one message. A zero date is counted but does not move the window.
func (s *recipientStats) add(date time.Time) {
	s.count++
	if date.IsZero() {
		return
	}
	if s.firstSeen.IsZero() || date.Before(s.firstSeen) {
		s.firstSeen = date
	}
	if date.After(s.lastSeen) {
		s.lastSeen = date
	}
}

// Extract scans unprocessed messages sent from a self address and upserts
// each recipient as a connection. It returns the number of entities touched.
// Messages are not marked processed here; the classifier does that.
func (x *Extractor) Extract(ctx context.Context, accountID string) (int, error) {
	logger := logging.WithAccount(logging.WithOperation(x.logger, "trust_extract"), accountID)

	selfAddresses, err := db.ListSelfAddresses(ctx, x.q, accountID)
	if err != nil {
		return 0, err
	}
	self := NewSelfSet(selfAddresses...)
	if len(self) == 0 {
		return 0, nil
	}

	msgs, err := db.ListUnprocessedMessages(ctx, x.q, accountID)
	if err != nil {
		return 0, err
	}

	names := senderNames(msgs, self)
	recipients := make(map[string]*recipient)
	for _, msg := range msgs {
		if !self.Contains(msg.FromAddress) {
			continue
		}
		var date time.Time
		if msg.Date != nil {
			date = *msg.Date
		}
		countRecipients(recipients, self, date, msg.To, msg.Cc, msg.Bcc)
	}

	for email, r := range recipients {
		var name *string
		if n := names[email]; n != "" {
			name = &n
		}
		if err := upsertConnection(ctx, x.q, accountID, email, name, &r.stats); err != nil {
			return 0, err
		}
	}

	if len(recipients) > 0 {
		logger.Debug("Extracted connections", slog.Int("count", len(recipients)), slog.Int("messages", len(msgs)))
	}
	return len(recipients), nil
}

// senderNames maps each non-self sender to the first display name it used.
// Cached recipients are bare addresses, so replies are where names come from.
func senderNames(msgs []*models.Message, self SelfSet) map[string]string {
	names := make(map[string]string)
	for _, msg := range msgs {
		email := NormalizeEmail(msg.FromAddress)
		if email == "" || msg.FromName == "" || self.Contains(email) {
			continue
		}
		if _, ok := names[email]; !ok {
			names[email] = msg.FromName
		}
	}
	return names
}

// countRecipients counts one message. An address listed in both To and Cc
// counts once.
func countRecipients(out map[string]*recipient, self SelfSet, date time.Time, lists ...[]string) {
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, addr := range list {
			email := NormalizeEmail(addr)
			if email == "" || self.Contains(email) || seen[email] {
				continue
			}
			seen[email] = true
			r, ok := out[email]
			if !ok {
				r = &recipient{}
				out[email] = r
			}
			r.stats.add(date)
		}
	}
}

func upsertConnection(ctx context.Context, q db.DBTX, accountID, email string, displayName *string, s *recipientStats) error {
	count := s.count
	now := time.Now().UTC()
	first, last := s.firstSeen, s.lastSeen
	if first.IsZero() {
		first = now
	}
	if last.IsZero() {
		last = now
	}

	err := db.UpsertEntity(ctx, q, &models.Entity{
		AccountID:   accountID,
		Email:       email,
		TrustLevel:  models.TrustConnection,
		DisplayName: displayName,
		Source:      models.SourceSentScan,
		FirstSeen:   first,
		LastSeen:    last,
		SentCount:   &count,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}
	return nil
}
