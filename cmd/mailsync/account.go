package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/vdavid/mailsync/internal/crypto"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

// accountOptions are the flags of "account add".
type accountOptions struct {
	email        string
	displayName  string
	aliases      []string
	username     string
	imapHost     string
	imapPort     int
	imapSecurity string
	smtpHost     string
	smtpPort     int
	smtpSecurity string
}

// build turns the flags into an account. The username defaults to the email.
func (o accountOptions) build() (*models.Account, error) {
	email := strings.TrimSpace(o.email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("a valid --email is required")
	}
	if o.imapHost == "" || o.smtpHost == "" {
		return nil, fmt.Errorf("--imap-host and --smtp-host are required")
	}

	imapSecurity, err := models.ParseSecurity(o.imapSecurity)
	if err != nil {
		return nil, err
	}
	smtpSecurity, err := models.ParseSecurity(o.smtpSecurity)
	if err != nil {
		return nil, err
	}

	username := o.username
	if username == "" {
		username = email
	}

	return &models.Account{
		Email:       email,
		DisplayName: o.displayName,
		Aliases:     o.aliases,
		IMAP:        models.ServerConfig{Host: o.imapHost, Port: o.imapPort, Security: imapSecurity, Username: username},
		SMTP:        models.ServerConfig{Host: o.smtpHost, Port: o.smtpPort, Security: smtpSecurity, Username: username},
	}, nil
}

func newAccountCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage accounts",
	}
	cmd.AddCommand(newAccountAddCommand())
	return cmd
}

func newAccountAddCommand() *cobra.Command {
	var o accountOptions

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an account; the password is read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			acc, err := o.build()
			if err != nil {
				return err
			}
			password, err := readPassword(cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer db.CloseConnection(pool)

			encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
			if err != nil {
				return err
			}
			if err := addAccount(ctx, pool, encryptor, acc, password); err != nil {
				return err
			}

			_, _ = fmt.Fprintln(cmd.OutOrStdout(), acc.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.email, "email", "", "account address")
	f.StringVar(&o.displayName, "name", "", "display name")
	f.StringSliceVar(&o.aliases, "alias", nil, "additional addresses of the owner")
	f.StringVar(&o.username, "username", "", "login name (defaults to the email)")
	f.StringVar(&o.imapHost, "imap-host", "", "IMAP host")
	f.IntVar(&o.imapPort, "imap-port", 993, "IMAP port")
	f.StringVar(&o.imapSecurity, "imap-security", string(models.SecurityTLS), "tls, starttls or plain")
	f.StringVar(&o.smtpHost, "smtp-host", "", "SMTP host")
	f.IntVar(&o.smtpPort, "smtp-port", 465, "SMTP port")
	f.StringVar(&o.smtpSecurity, "smtp-security", string(models.SecurityTLS), "tls, starttls or plain")
	return cmd
}

// addAccount inserts the account and stores its sealed password. The
// password is bound to the account id, so the row exists first.
func addAccount(ctx context.Context, pool *pgxpool.Pool, encryptor *crypto.Encryptor, acc *models.Account, password string) error {
	return db.WithTx(ctx, pool, func(tx pgx.Tx) error {
		acc.EncryptedPassword = []byte{}
		if err := db.CreateAccount(ctx, tx, acc); err != nil {
			return err
		}
		sealed, err := encryptor.Seal(acc.ID, password)
		if err != nil {
			return err
		}
		acc.EncryptedPassword = sealed
		return db.UpdateAccountPassword(ctx, tx, acc.ID, sealed)
	})
}

// readPassword reads the first line of r.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is required on stdin")
	}
	return password, nil
}
