package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrAccountNotFound is returned when no account matches the lookup.
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, email, display_name, aliases,
	imap_host, imap_port, imap_security,
	smtp_host, smtp_port, smtp_security,
	username, encrypted_password, auth_failed_at, created_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var (
		acc          models.Account
		imapSecurity string
		smtpSecurity string
		username     string
	)
	err := row.Scan(
		&acc.ID, &acc.Email, &acc.DisplayName, &acc.Aliases,
		&acc.IMAP.Host, &acc.IMAP.Port, &imapSecurity,
		&acc.SMTP.Host, &acc.SMTP.Port, &smtpSecurity,
		&username, &acc.EncryptedPassword, &acc.AuthFailedAt, &acc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if acc.IMAP.Security, err = models.ParseSecurity(imapSecurity); err != nil {
		return nil, err
	}
	if acc.SMTP.Security, err = models.ParseSecurity(smtpSecurity); err != nil {
		return nil, err
	}
	acc.IMAP.Username = username
	acc.SMTP.Username = username

	return &acc, nil
}

// CreateAccount inserts a new account and fills in its ID and creation time.
func CreateAccount(ctx context.Context, q DBTX, acc *models.Account) error {
	aliases := acc.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	err := q.QueryRow(ctx, `
		INSERT INTO accounts (
			email, display_name, aliases,
			imap_host, imap_port, imap_security,
			smtp_host, smtp_port, smtp_security,
			username, encrypted_password
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`,
		acc.Email, acc.DisplayName, aliases,
		acc.IMAP.Host, acc.IMAP.Port, string(acc.IMAP.Security),
		acc.SMTP.Host, acc.SMTP.Port, string(acc.SMTP.Security),
		acc.IMAP.Username, acc.EncryptedPassword,
	).Scan(&acc.ID, &acc.CreatedAt)
	if err != nil {
		return storageErr("create account", err)
	}

	return nil
}

// GetAccount returns the account with the given ID.
func GetAccount(ctx context.Context, q DBTX, accountID string) (*models.Account, error) {
	acc, err := scanAccount(q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, storageErr("get account", err)
	}
	return acc, nil
}

// ListAccounts returns all accounts ordered by creation time.
// With activeOnly set, accounts whose credential was rejected are skipped.
func ListAccounts(ctx context.Context, q DBTX, activeOnly bool) ([]*models.Account, error) {
	rows, err := q.Query(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE NOT $1 OR auth_failed_at IS NULL
		ORDER BY created_at, id
	`, activeOnly)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, storageErr("scan account", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate accounts", err)
	}

	return accounts, nil
}

// MarkAuthFailed records that the server rejected the account's credential.
// Sync and queue loops skip the account until UpdateAccountPassword is called.
func MarkAuthFailed(ctx context.Context, q DBTX, accountID string) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts SET auth_failed_at = now()
		WHERE id = $1 AND auth_failed_at IS NULL
	`, accountID)
	if err != nil {
		return storageErr("mark auth failed", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := GetAccount(ctx, q, accountID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAccountPassword replaces the sealed credential and clears a previous
// authentication failure.
func UpdateAccountPassword(ctx context.Context, q DBTX, accountID string, sealed []byte) error {
	tag, err := q.Exec(ctx, `
		UPDATE accounts SET encrypted_password = $2, auth_failed_at = NULL
		WHERE id = $1
	`, accountID, sealed)
	if err != nil {
		return storageErr("update account password", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AccountExists reports whether the account is known.
func AccountExists(ctx context.Context, q DBTX, accountID string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id::text = $1)`, accountID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}
