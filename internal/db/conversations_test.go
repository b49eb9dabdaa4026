package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestLineGroups(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	acc := createTestAccount(t, pool, "owner@example.com")

	require.NoError(t, GroupDomains(ctx, pool, acc.ID, "g1", "Shops", []string{"Shop.com", "store.com"}))
	require.NoError(t, GroupDomains(ctx, pool, acc.ID, "g2", "Banks", []string{"store.com", "bank.com"}))
	require.NoError(t, GroupDomains(ctx, pool, acc.ID, "g2", "Banks", []string{"store.com", "bank.com"}))

	groups, err := ListLineGroups(ctx, pool, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, []models.LineGroup{
		{AccountID: acc.ID, GroupID: "g1", Name: "Shops", Domain: "shop.com"},
		{AccountID: acc.ID, GroupID: "g2", Name: "Banks", Domain: "bank.com"},
		{AccountID: acc.ID, GroupID: "g2", Name: "Banks", Domain: "store.com"},
	}, groups)

	require.NoError(t, UngroupDomains(ctx, pool, acc.ID, "g2"))
	assert.True(t, errors.Is(UngroupDomains(ctx, pool, acc.ID, "g2"), ErrLineGroupNotFound))
}

func TestReplaceConversations(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()
	acc := createTestAccount(t, pool, "owner@example.com")

	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)
	convs := []*models.Conversation{
		{ID: "c1", ParticipantKey: "a@x.com", Category: models.CategoryConnections, LastMessageDate: &older, TotalCount: 2, UnreadCount: 1},
		{ID: "c2", ParticipantKey: "news@shop.com", Category: models.CategoryAutomated, LastMessageDate: &newer, TotalCount: 1, UnreadCount: 1, ClusterID: "domain:shop.com", ClusterName: "shop.com"},
		{ID: "c3", ParticipantKey: "bill@shop.com", Category: models.CategoryAutomated, LastMessageDate: &older, TotalCount: 3, ClusterID: "domain:shop.com", ClusterName: "shop.com"},
	}
	require.NoError(t, ReplaceConversations(ctx, pool, acc.ID, convs))
	require.NoError(t, ReplaceConversations(ctx, pool, acc.ID, convs))

	all, err := ListConversations(ctx, pool, acc.ID, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c2", all[0].ID)

	automated, err := CountConversations(ctx, pool, acc.ID, models.CategoryAutomated)
	require.NoError(t, err)
	assert.Equal(t, 2, automated)

	clusters, err := ListClusters(ctx, pool, acc.ID)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, "domain:shop.com", clusters[0].ID)
	assert.Equal(t, 2, clusters[0].ConversationCount)
	assert.Equal(t, 1, clusters[0].UnreadCount)
}
