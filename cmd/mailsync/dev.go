package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/spf13/cobra"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

// devEncryptionKey is a fixed key for throwaway dev databases only.
const devEncryptionKey = "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMjM="

const devAccountEmail = "username@example.com"

func newDevCommand() *cobra.Command {
	var imapAddr, smtpAddr string

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the full stack against a Postgres container and seeded in-memory mail servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDev(cmd.Context(), imapAddr, smtpAddr)
		},
	}
	cmd.Flags().StringVar(&imapAddr, "imap-addr", "127.0.0.1:1143", "address of the in-memory IMAP server")
	cmd.Flags().StringVar(&smtpAddr, "smtp-addr", "127.0.0.1:1025", "address of the in-memory SMTP server")
	return cmd
}

func runDev(ctx context.Context, imapAddr, smtpAddr string) error {
	if err := setupDevEnvironment(); err != nil {
		return err
	}
	cfg, err := config.NewConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg, "dev")

	logger.Info("Starting Postgres container")
	pool, terminate, err := testutil.StartPostgres(ctx)
	if err != nil {
		return err
	}
	defer func() {
		pool.Close()
		if err := terminate(); err != nil {
			logger.Warn("Failed to terminate Postgres container", logging.Err(err))
		}
	}()

	imapServer, err := testutil.StartIMAPServer(imapAddr)
	if err != nil {
		return err
	}
	defer imapServer.Close()

	// One credential serves both protocols.
	smtpServer, err := testutil.StartSMTPServer(smtpAddr, imapServer.Username(), imapServer.Password())
	if err != nil {
		return err
	}
	defer smtpServer.Close()

	if err := seedDevMailbox(imapServer); err != nil {
		return fmt.Errorf("failed to seed mailbox: %w", err)
	}

	a, err := newApp(cfg, pool, logger)
	if err != nil {
		return err
	}
	defer a.close()

	acc := &models.Account{
		Email:       devAccountEmail,
		DisplayName: "Dev User",
		IMAP:        imapServer.Config(),
		SMTP:        smtpServer.Config(),
	}
	if err := addAccount(ctx, pool, a.encryptor, acc, imapServer.Password()); err != nil {
		return fmt.Errorf("failed to create dev account: %w", err)
	}

	logger.Info("Dev stack ready",
		logging.Account(acc.ID),
		slog.String("imap", imapServer.Address),
		slog.String("smtp", smtpServer.Address),
		slog.String("username", imapServer.Username()),
		slog.String("password", imapServer.Password()),
	)
	return a.run(ctx)
}

// setupDevEnvironment fills in the settings a dev run needs unless the
// caller already set them.
func setupDevEnvironment() error {
	defaults := map[string]string{
		"MAILSYNC_ENCRYPTION_KEY_BASE64": devEncryptionKey,
		// The container's own password; NewConfig only checks it is set.
		"MAILSYNC_DB_PASSWORD":   "mailsync",
		"MAILSYNC_IMAP_INSECURE": "true",
		"MAILSYNC_SYNC_INTERVAL": "15s",
	}
	for key, value := range defaults {
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

// seedDevMailbox creates the usual folders and a small conversation.
func seedDevMailbox(s *testutil.TestIMAPServer) error {
	for _, name := range []string{"Sent", "Drafts", "Trash", "Archive"} {
		if err := s.Create(name); err != nil {
			return fmt.Errorf("failed to create folder %s: %w", name, err)
		}
	}

	now := time.Now()
	messages := []struct {
		folder    string
		messageID string
		subject   string
		from      string
		to        string
		sentAt    time.Time
	}{
		{"Sent", "<dev1@mailsync.test>", "Lunch?", devAccountEmail, "Colleague <colleague@example.org>", now.Add(-3 * time.Hour)},
		{"INBOX", "<dev2@mailsync.test>", "Re: Lunch?", "Colleague <colleague@example.org>", devAccountEmail, now.Add(-2 * time.Hour)},
		{"INBOX", "<dev3@mailsync.test>", "Your weekly digest", "digest@news.example", devAccountEmail, now.Add(-time.Hour)},
		{"INBOX", "<dev4@mailsync.test>", "Your receipt", "no-reply@shop.example", devAccountEmail, now},
	}

	for _, m := range messages {
		raw := testutil.FormatMessage(m.messageID, m.subject, m.from, m.to, m.sentAt)
		if _, err := s.Append(m.folder, raw, goimap.SeenFlag); err != nil {
			return fmt.Errorf("failed to add message %s: %w", m.messageID, err)
		}
	}
	return nil
}
