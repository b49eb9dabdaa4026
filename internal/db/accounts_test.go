package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestAccounts(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	acc := createTestAccount(t, pool, "owner@example.com")
	require.NotEmpty(t, acc.ID)

	t.Run("get round-trips server config", func(t *testing.T) {
		got, err := GetAccount(ctx, pool, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, "owner@example.com", got.Email)
		assert.Equal(t, []string{"alias@example.com"}, got.Aliases)
		assert.Equal(t, acc.IMAP, got.IMAP)
		assert.Equal(t, "owner@example.com", got.SMTP.Username)
		assert.Equal(t, []byte("sealed"), got.EncryptedPassword)
		assert.Nil(t, got.AuthFailedAt)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := GetAccount(ctx, pool, "00000000-0000-0000-0000-000000000000")
		assert.True(t, errors.Is(err, ErrAccountNotFound))

		exists, err := AccountExists(ctx, pool, "not-a-uuid")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("auth failure hides account until password changes", func(t *testing.T) {
		require.NoError(t, MarkAuthFailed(ctx, pool, acc.ID))

		active, err := ListAccounts(ctx, pool, true)
		require.NoError(t, err)
		assert.Empty(t, active)

		all, err := ListAccounts(ctx, pool, false)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.NotNil(t, all[0].AuthFailedAt)

		require.NoError(t, UpdateAccountPassword(ctx, pool, acc.ID, []byte("new")))
		active, err = ListAccounts(ctx, pool, true)
		require.NoError(t, err)
		assert.Len(t, active, 1)
	})
}
