package imap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestSearchUIDsAbove(t *testing.T) {
	t.Run("returns error for nil client", func(t *testing.T) {
		_, err := SearchUIDsAbove(nil, 0)
		assert.Error(t, err)
	})

	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	first := server.AddMessage(t, "INBOX", "<s1@example.com>", "One", "a@example.com", "me@example.com", time.Now())
	second := server.AddMessage(t, "INBOX", "<s2@example.com>", "Two", "b@example.com", "me@example.com", time.Now())

	c, cleanup := server.Connect(t)
	defer cleanup()
	_, err := SelectFolder(c, "INBOX")
	require.NoError(t, err)

	t.Run("returns only newer UIDs", func(t *testing.T) {
		uids, err := SearchUIDsAbove(c, first)
		require.NoError(t, err)
		assert.Equal(t, []uint32{second}, uids)
	})

	t.Run("never returns the watermark itself", func(t *testing.T) {
		uids, err := SearchUIDsAbove(c, second)
		require.NoError(t, err)
		assert.Empty(t, uids)
	})

	t.Run("zero watermark returns everything", func(t *testing.T) {
		uids, err := SearchUIDsAbove(c, 0)
		require.NoError(t, err)
		assert.Equal(t, []uint32{6, first, second}, uids)
	})
}

func TestSearchUIDRangeAndExists(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	uid := server.AddMessage(t, "INBOX", "<r1@example.com>", "One", "a@example.com", "me@example.com", time.Now())

	c, cleanup := server.Connect(t)
	defer cleanup()
	_, err := SelectFolder(c, "INBOX")
	require.NoError(t, err)

	uids, err := SearchUIDRange(c, 1, uid)
	require.NoError(t, err)
	assert.Equal(t, []uint32{6, uid}, uids)

	exists, err := UIDExists(c, uid)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = UIDExists(c, uid+10)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSearchCorrespondent(t *testing.T) {
	server := testutil.NewTestIMAPServer(t)
	defer server.Close()

	from := server.AddMessage(t, "INBOX", "<c1@example.com>", "From", "friend@example.com", "me@example.com", time.Now())
	to := server.AddMessage(t, "INBOX", "<c2@example.com>", "To", "me@example.com", "friend@example.com", time.Now())
	server.AddMessage(t, "INBOX", "<c3@example.com>", "Other", "stranger@example.com", "me@example.com", time.Now())

	c, cleanup := server.Connect(t)
	defer cleanup()
	_, err := SelectFolder(c, "INBOX")
	require.NoError(t, err)

	uids, err := SearchCorrespondent(c, "friend@example.com", false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint32{from, to}, uids)

	t.Run("sort fails on a server without SORT", func(t *testing.T) {
		_, err := SearchCorrespondent(c, "friend@example.com", true)
		assert.Error(t, err)
	})
}
