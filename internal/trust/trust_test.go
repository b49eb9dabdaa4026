package trust

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/logging"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func createAccount(t *testing.T, pool *pgxpool.Pool, cfg models.ServerConfig) *models.Account {
	t.Helper()

	acc := &models.Account{
		Email:             "me@example.com",
		DisplayName:       "Me",
		Aliases:           []string{"Me+lists@example.com", "me.too@gmail.com"},
		IMAP:              cfg,
		SMTP:              cfg,
		EncryptedPassword: []byte("sealed"),
	}
	require.NoError(t, db.CreateAccount(context.Background(), pool, acc))
	return acc
}

func entityEmails(t *testing.T, pool *pgxpool.Pool, accountID string) map[string]models.TrustLevel {
	t.Helper()
	trust, err := db.TrustMap(context.Background(), pool, accountID)
	require.NoError(t, err)
	return trust
}

func TestExtract(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	acc := createAccount(t, pool, models.ServerConfig{Host: "localhost", Port: 143, Security: models.SecurityPlain, Username: "me"})

	now := time.Now().UTC()
	require.NoError(t, db.UpsertEntity(ctx, pool, &models.Entity{
		AccountID: acc.ID, Email: "me@example.com", TrustLevel: models.TrustUser,
		Source: models.SourceSelf, FirstSeen: now, LastSeen: now,
	}))

	d1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	d2 := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.ApplyMessages(ctx, pool, acc.ID, "Sent", []*models.Message{
		{UID: 1, MessageID: "a@x", Date: &d1, FromAddress: "Me@Example.com", To: []string{"Friend+tag@Other.org"}, Cc: []string{"me@example.com"}, Flags: []string{}},
		{UID: 2, MessageID: "b@x", Date: &d2, FromAddress: "me@example.com", To: []string{"friend@other.org", "boss@corp.com"}, Flags: []string{}},
	}))
	require.NoError(t, db.ApplyMessages(ctx, pool, acc.ID, "INBOX", []*models.Message{
		{UID: 1, MessageID: "c@x", Date: &d2, FromAddress: "stranger@spam.com", To: []string{"me@example.com", "bystander@spam.com"}, Flags: []string{}},
	}))

	x := NewExtractor(pool, logging.NewTest(t))
	n, err := x.Extract(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	friend, err := db.GetEntity(ctx, pool, acc.ID, "friend@other.org")
	require.NoError(t, err)
	assert.Equal(t, models.TrustConnection, friend.TrustLevel)
	assert.Equal(t, models.SourceSentScan, friend.Source)
	require.NotNil(t, friend.SentCount)
	assert.Equal(t, 2, *friend.SentCount)
	assert.True(t, friend.LastSeen.Equal(d2))
	assert.True(t, friend.FirstSeen.Equal(d1))

	trust := entityEmails(t, pool, acc.ID)
	assert.NotContains(t, trust, "bystander@spam.com", "only self-sent mail creates connections")
	assert.NotContains(t, trust, "stranger@spam.com")
	assert.Equal(t, models.TrustUser, trust["me@example.com"])
}

func TestExtractWithoutSelfAddresses(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	acc := createAccount(t, pool, models.ServerConfig{Host: "localhost", Port: 143, Security: models.SecurityPlain, Username: "me"})

	n, err := NewExtractor(pool, logging.NewTest(t)).Extract(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExtractCountsEachMessageOnce(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	acc := createAccount(t, pool, models.ServerConfig{Host: "localhost", Port: 143, Security: models.SecurityPlain, Username: "me"})

	now := time.Now().UTC()
	require.NoError(t, db.UpsertEntity(ctx, pool, &models.Entity{
		AccountID: acc.ID, Email: "me@example.com", TrustLevel: models.TrustUser,
		Source: models.SourceSelf, FirstSeen: now, LastSeen: now,
	}))

	d := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, db.ApplyMessages(ctx, pool, acc.ID, "Sent", []*models.Message{
		{UID: 1, MessageID: "s@x", Date: &d, FromAddress: "me@example.com",
			To: []string{"pal@other.org"}, Cc: []string{"Pal@Other.org"}, Bcc: []string{"pal@other.org"}, Flags: []string{}},
	}))
	require.NoError(t, db.ApplyMessages(ctx, pool, acc.ID, "INBOX", []*models.Message{
		{UID: 1, MessageID: "r@x", Date: &d, FromAddress: "pal@other.org", FromName: "Pal Smith",
			To: []string{"me@example.com"}, Flags: []string{}},
	}))

	n, err := NewExtractor(pool, logging.NewTest(t)).Extract(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pal, err := db.GetEntity(ctx, pool, acc.ID, "pal@other.org")
	require.NoError(t, err)
	require.NotNil(t, pal.SentCount)
	assert.Equal(t, 1, *pal.SentCount)
	require.NotNil(t, pal.DisplayName)
	assert.Equal(t, "Pal Smith", *pal.DisplayName)
}
