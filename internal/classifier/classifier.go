// Package classifier labels cached messages with a coarse classification
// using header rules, with an optional inference fallback.
package classifier

import (
	"context"
	"log/slog"
	"strings"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/trust"
)

var noReplyMarkers = []string{"noreply", "no-reply", "donotreply", "mailer-daemon", "notifications", "bounce"}

var transactionalKeywords = []string{"receipt", "invoice", "order", "payment", "verification code", "password reset"}

// Inference classifies a message the rules could not place. Implementations
// are optional and may be slow.
type Inference interface {
	Classify(ctx context.Context, msg *models.Message) (models.Classification, error)
}

// Classifier labels unprocessed messages and marks them processed.
type Classifier struct {
	q         db.DBTX
	inference Inference
	logger    *slog.Logger
}

// New creates a Classifier. inference may be nil.
func New(q db.DBTX, inference Inference, logger *slog.Logger) *Classifier {
	return &Classifier{q: q, inference: inference, logger: logger}
}

// Classify applies the header rules in order. trustedSender reports whether
// the sender is a known entity.
func Classify(msg *models.Message, trustedSender bool) models.Classification {
	if v := strings.ToLower(strings.TrimSpace(msg.AutoSubmitted)); v != "" && v != "no" {
		return models.ClassAutomated
	}
	if msg.ListID != "" || msg.ListUnsubscribe != "" {
		return models.ClassNewsletter
	}
	if isNoReply(msg.FromAddress) {
		if hasTransactionalKeyword(msg.Subject) {
			return models.ClassTransactional
		}
		return models.ClassAutomated
	}
	switch strings.ToLower(strings.TrimSpace(msg.Precedence)) {
	case "bulk", "list", "junk":
		return models.ClassNewsletter
	}
	if msg.InReplyTo != "" || trustedSender {
		return models.ClassChat
	}
	if hasTransactionalKeyword(msg.Subject) {
		return models.ClassTransactional
	}
	return models.ClassUnknown
}

func isNoReply(from string) bool {
	n := trust.NormalizeEmail(from)
	at := strings.LastIndex(n, "@")
	if at < 0 {
		return false
	}
	local := n[:at]
	for _, marker := range noReplyMarkers {
		if strings.Contains(local, marker) {
			return true
		}
	}
	return false
}

func hasTransactionalKeyword(subject string) bool {
	s := strings.ToLower(subject)
	for _, k := range transactionalKeywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

// ClassifyPending labels every unprocessed message of the account and sets
// its processed_at. Run it after trust extraction so new connections count
// as trusted senders. It returns the number of messages processed.
func (c *Classifier) ClassifyPending(ctx context.Context, accountID string) (int, error) {
	logger := logging.WithAccount(logging.WithOperation(c.logger, "classify"), accountID)

	msgs, err := db.ListUnprocessedMessages(ctx, c.q, accountID)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	levels, err := db.TrustMap(ctx, c.q, accountID)
	if err != nil {
		return 0, err
	}

	counts := make(map[models.Classification]int)
	for _, msg := range msgs {
		_, trusted := levels[trust.NormalizeEmail(msg.FromAddress)]
		class := Classify(msg, trusted)
		if class == models.ClassUnknown {
			class = c.infer(ctx, logger, msg)
		}

		if err := db.MarkProcessed(ctx, c.q, accountID, msg.ID, class); err != nil {
			return 0, err
		}
		counts[class]++
	}

	logger.Debug("Classified messages",
		slog.Int("total", len(msgs)),
		slog.Int("chat", counts[models.ClassChat]),
		slog.Int("newsletter", counts[models.ClassNewsletter]),
		slog.Int("automated", counts[models.ClassAutomated]),
		slog.Int("transactional", counts[models.ClassTransactional]),
		slog.Int("unknown", counts[models.ClassUnknown]),
	)
	return len(msgs), nil
}

func (c *Classifier) infer(ctx context.Context, logger *slog.Logger, msg *models.Message) models.Classification {
	if c.inference == nil {
		return models.ClassUnknown
	}
	class, err := c.inference.Classify(ctx, msg)
	if err != nil {
		logger.Warn("Inference failed", slog.Int64("message", msg.ID), logging.Err(err))
		return models.ClassUnknown
	}
	if _, err := models.ParseClassification(string(class)); err != nil {
		logger.Warn("Inference returned an unknown class", slog.Int64("message", msg.ID), logging.Err(err))
		return models.ClassUnknown
	}
	return class
}
