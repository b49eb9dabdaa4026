// Package retry classifies failures and decides when to try again.
package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/smtp"
)

// Kind is the class of a failure, which decides how it propagates.
type Kind int

const (
	// Protocol covers server responses we did not expect. Counts as an attempt.
	Protocol Kind = iota
	// Transient covers network hiccups. Retried after a delay.
	Transient
	// Auth means the credential was rejected. The account stops until it changes.
	Auth
	// Storage means the local database failed. Always propagated.
	Storage
	// Invariant means local state contradicts the server, such as a UIDVALIDITY change.
	Invariant
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Transient:
		return "transient"
	case Auth:
		return "auth"
	case Storage:
		return "storage"
	case Invariant:
		return "invariant"
	}
	return "unknown"
}

// ErrInvariant marks errors caused by local state contradicting the server.
var ErrInvariant = errors.New("invariant violated")

// Classify maps an error to its Kind. Auth and storage checks come first
// because those errors often wrap network errors too.
func Classify(err error) Kind {
	if err == nil {
		return Protocol
	}

	if errors.Is(err, imap.ErrAuthFailed) || smtp.IsAuthError(err) {
		return Auth
	}

	var pgErr *pgconn.PgError
	if errors.Is(err, db.ErrStorage) || errors.As(err, &pgErr) {
		return Storage
	}

	if errors.Is(err, ErrInvariant) {
		return Invariant
	}

	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, context.DeadlineExceeded) ||
		errors.As(err, &netErr) {
		return Transient
	}

	return Protocol
}

// Policy decides retry delays. One Policy serves every component; the error
// kind selects the behavior.
type Policy struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// RandomizationFactor spreads delays by +/- this fraction.
	RandomizationFactor float64
	// MaxElapsedTime bounds Do. Zero retries until the context ends.
	MaxElapsedTime time.Duration
}

// DefaultPolicy starts at 2s, doubles, and caps at 5m with 20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:     2 * time.Second,
		Multiplier:          2,
		MaxInterval:         5 * time.Minute,
		RandomizationFactor: 0.2,
		MaxElapsedTime:      2 * time.Minute,
	}
}

// Delay returns how long to wait before attempt number attempt (1-based) of
// an operation that failed with kind, and whether a retry is allowed at all.
// Storage errors are never retried here; they propagate.
func (p Policy) Delay(kind Kind, attempt int) (time.Duration, bool) {
	switch kind {
	case Storage:
		return 0, false
	case Transient, Protocol, Invariant, Auth:
	}

	b := p.exponential()
	b.MaxElapsedTime = 0

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d, true
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.RandomizationFactor
	b.MaxElapsedTime = p.MaxElapsedTime
	b.Reset()
	return b
}

// Do runs op, retrying it in place while it fails with Transient errors.
// Any other kind is returned immediately.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := p.exponential()

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if Classify(err) != Transient {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
