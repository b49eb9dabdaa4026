package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func enqueueTestAction(t *testing.T, q DBTX, accountID string, typ models.ActionType, folder string, uid uint32) *models.QueuedAction {
	t.Helper()
	a := &models.QueuedAction{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Type:        typ,
		Folder:      folder,
		UID:         uid,
		Payload:     models.ActionPayload{Flags: []string{models.FlagSeen}},
		MaxAttempts: 5,
	}
	require.NoError(t, InsertAction(context.Background(), q, a))
	return a
}

func TestClaimNextAction(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	acc := createTestAccount(t, pool, "owner@example.com")

	first := enqueueTestAction(t, pool, acc.ID, models.ActionAddFlags, "INBOX", 1)
	second := enqueueTestAction(t, pool, acc.ID, models.ActionRemoveFlags, "INBOX", 1)
	other := enqueueTestAction(t, pool, acc.ID, models.ActionAddFlags, "INBOX", 2)

	claimed, err := ClaimNextAction(ctx, pool, acc.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, models.ActionInFlight, claimed.Status)
	assert.Equal(t, []string{models.FlagSeen}, claimed.Payload.Flags)

	t.Run("a target with an action in flight is skipped", func(t *testing.T) {
		next, err := ClaimNextAction(ctx, pool, acc.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, other.ID, next.ID)

		none, err := ClaimNextAction(ctx, pool, acc.ID)
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("a retrying action blocks later ones on the same target", func(t *testing.T) {
		require.NoError(t, RescheduleAction(ctx, pool, first.ID, time.Now().Add(time.Hour), "timeout", RescheduleAttempt))

		none, err := ClaimNextAction(ctx, pool, acc.ID)
		require.NoError(t, err)
		assert.Nil(t, none, "second must wait for first")

		got, err := GetAction(ctx, pool, acc.ID, first.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, "timeout", got.LastError)
	})

	t.Run("completion unblocks the target", func(t *testing.T) {
		require.NoError(t, CompleteAction(ctx, pool, first.ID))

		next, err := ClaimNextAction(ctx, pool, acc.ID)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, second.ID, next.ID)
	})
}

func TestActionFailureAndRetry(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	acc := createTestAccount(t, pool, "owner@example.com")

	a := enqueueTestAction(t, pool, acc.ID, models.ActionDelete, "INBOX", 9)
	_, err := ClaimNextAction(ctx, pool, acc.ID)
	require.NoError(t, err)

	assert.True(t, errors.Is(RetryAction(ctx, pool, acc.ID, a.ID), ErrActionNotFound), "only failed actions can be retried")

	require.NoError(t, FailAction(ctx, pool, a.ID, "server said no"))
	failed, err := ListActions(ctx, pool, acc.ID, models.ActionFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "server said no", failed[0].LastError)

	require.NoError(t, RetryAction(ctx, pool, acc.ID, a.ID))
	got, err := GetAction(ctx, pool, acc.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ActionPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Equal(t, 0, got.RetryCount)

	_, err = GetAction(ctx, pool, acc.ID, uuid.NewString())
	assert.True(t, errors.Is(err, ErrActionNotFound))
}

func TestRescheduleActionCounters(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	acc := createTestAccount(t, pool, "owner@example.com")
	a := enqueueTestAction(t, pool, acc.ID, models.ActionDelete, "INBOX", 4)

	tests := []struct {
		how          Reschedule
		wantAttempts int
		wantRetries  int
	}{
		{RescheduleOnly, 0, 0},
		{RescheduleRetry, 0, 1},
		{RescheduleRetry, 0, 2},
		{RescheduleAttempt, 1, 3},
	}
	for _, tt := range tests {
		require.NoError(t, RescheduleAction(ctx, pool, a.ID, time.Now(), "boom", tt.how))

		got, err := GetAction(ctx, pool, acc.ID, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ActionPending, got.Status)
		assert.Equal(t, tt.wantAttempts, got.AttemptCount)
		assert.Equal(t, tt.wantRetries, got.RetryCount)
	}
}

func TestReleaseStaleActions(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	acc := createTestAccount(t, pool, "owner@example.com")

	a := enqueueTestAction(t, pool, acc.ID, models.ActionDelete, "INBOX", 3)
	_, err := ClaimNextAction(ctx, pool, acc.ID)
	require.NoError(t, err)

	n, err := ReleaseStaleActions(ctx, pool, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	_, err = pool.Exec(ctx, `UPDATE action_queue SET updated_at = now() - interval '2 hours' WHERE id = $1`, a.ID)
	require.NoError(t, err)

	n, err = ReleaseStaleActions(ctx, pool, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
