package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrInsecureTransport is returned when a plain connection is requested but
// not allowed by configuration.
var ErrInsecureTransport = errors.New("plain SMTP connections are not allowed")

// Sender delivers raw messages through the account's SMTP server.
type Sender struct {
	allowInsecure bool
	localName     string
	logger        *slog.Logger
}

// NewSender creates a Sender. allowInsecure permits plain-text connections.
func NewSender(allowInsecure bool, logger *slog.Logger) *Sender {
	return &Sender{
		allowInsecure: allowInsecure,
		localName:     "localhost",
		logger:        logging.WithOperation(logger, "smtp_send"),
	}
}

// Send delivers raw to the envelope recipients found in its headers.
func (s *Sender) Send(ctx context.Context, cfg models.ServerConfig, password string, raw []byte) error {
	from, rcpts, err := Envelope(raw)
	if err != nil {
		return err
	}
	return s.SendTo(ctx, cfg, password, from, rcpts, raw)
}

// SendTo delivers raw to an explicit envelope.
func (s *Sender) SendTo(ctx context.Context, cfg models.ServerConfig, password, from string, to []string, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(to) == 0 {
		return fmt.Errorf("message has no recipients")
	}

	c, err := s.dial(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Hello(s.localName); err != nil {
		return fmt.Errorf("failed to greet SMTP server: %w", err)
	}

	if ok, _ := c.Extension("AUTH"); ok {
		auth := sasl.NewPlainClient("", cfg.Username, password)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := c.SendMail(from, to, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	if err := c.Quit(); err != nil {
		s.logger.Debug("SMTP QUIT failed", logging.Err(err))
	}

	s.logger.Info("Message sent", logging.Domain(from), slog.Int("recipients", len(to)))
	return nil
}

func (s *Sender) dial(cfg models.ServerConfig) (*smtp.Client, error) {
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	var (
		c   *smtp.Client
		err error
	)
	switch cfg.Security {
	case models.SecurityTLS:
		c, err = smtp.DialTLS(cfg.Address(), tlsConfig)
	case models.SecurityStartTLS:
		c, err = smtp.DialStartTLS(cfg.Address(), tlsConfig)
	case models.SecurityPlain:
		if !s.allowInsecure {
			return nil, ErrInsecureTransport
		}
		c, err = smtp.Dial(cfg.Address())
	default:
		return nil, fmt.Errorf("unknown transport security %q", cfg.Security)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	return c, nil
}

// IsAuthError reports whether err is an SMTP authentication rejection (535).
func IsAuthError(err error) bool {
	var smtpErr *smtp.SMTPError
	return errors.As(err, &smtpErr) && smtpErr.Code == 535
}
