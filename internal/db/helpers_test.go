package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vdavid/mailsync/internal/models"
)

func createTestAccount(t *testing.T, pool *pgxpool.Pool, email string) *models.Account {
	t.Helper()

	acc := &models.Account{
		Email:             email,
		DisplayName:       "Test User",
		Aliases:           []string{"alias@example.com"},
		IMAP:              models.ServerConfig{Host: "imap.example.com", Port: 993, Security: models.SecurityTLS, Username: email},
		SMTP:              models.ServerConfig{Host: "smtp.example.com", Port: 465, Security: models.SecurityTLS, Username: email},
		EncryptedPassword: []byte("sealed"),
	}
	if err := CreateAccount(context.Background(), pool, acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	return acc
}

func testMessage(uid uint32, messageID, from string, to ...string) *models.Message {
	date := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(uid) * time.Minute)
	return &models.Message{
		UID:         uid,
		MessageID:   messageID,
		Date:        &date,
		FromAddress: from,
		To:          to,
		Subject:     "Subject " + messageID,
		Snippet:     "Hello",
		Flags:       []string{},
	}
}
