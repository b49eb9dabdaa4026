package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

const conversationColumns = `
	account_id, conversation_id, participant_key, participant_names, category, is_outgoing,
	last_message_date, last_message_preview, last_message_from,
	unread_count, total_count, cluster_id, cluster_name`

// LockAccountConversations serializes conversation rebuilds of one account
// until the surrounding transaction ends.
func LockAccountConversations(ctx context.Context, tx pgx.Tx, accountID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('conversations:' || $1))`, accountID); err != nil {
		return storageErr("lock conversations", err)
	}
	return nil
}

// ReplaceConversations swaps the account's conversation rows for convs.
// Run it in the same transaction as UpdateDerivedColumns.
func ReplaceConversations(ctx context.Context, q DBTX, accountID string, convs []*models.Conversation) error {
	if _, err := q.Exec(ctx, `DELETE FROM conversations WHERE account_id = $1`, accountID); err != nil {
		return storageErr("clear conversations", err)
	}

	batch := &pgx.Batch{}
	for _, c := range convs {
		batch.Queue(`
			INSERT INTO conversations (`+conversationColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`, accountID, c.ID, c.ParticipantKey, orEmpty(c.ParticipantNames), string(c.Category), c.IsOutgoing,
			c.LastMessageDate, c.LastMessagePreview, c.LastMessageFrom,
			c.UnreadCount, c.TotalCount, c.ClusterID, c.ClusterName)
	}

	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return storageErr("insert conversations", err)
	}
	return nil
}

func scanConversation(row pgx.Row) (*models.Conversation, error) {
	var (
		c        models.Conversation
		category string
	)
	if err := row.Scan(&c.AccountID, &c.ID, &c.ParticipantKey, &c.ParticipantNames, &category, &c.IsOutgoing,
		&c.LastMessageDate, &c.LastMessagePreview, &c.LastMessageFrom,
		&c.UnreadCount, &c.TotalCount, &c.ClusterID, &c.ClusterName); err != nil {
		return nil, err
	}

	var err error
	if c.Category, err = models.ParseConversationCategory(category); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations newest first. An empty category
// matches all of them.
func ListConversations(ctx context.Context, q DBTX, accountID string, category models.ConversationCategory, limit, offset int) ([]*models.Conversation, error) {
	rows, err := q.Query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE account_id = $1 AND ($2 = '' OR category = $2)
		ORDER BY last_message_date DESC NULLS LAST, conversation_id
		LIMIT $3 OFFSET $4
	`, accountID, string(category), limit, offset)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	defer rows.Close()

	var convs []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, storageErr("scan conversation", err)
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate conversations", err)
	}
	return convs, nil
}

// CountConversations returns the number of conversations in a category, or
// in total when category is empty.
func CountConversations(ctx context.Context, q DBTX, accountID string, category models.ConversationCategory) (int, error) {
	var n int
	err := q.QueryRow(ctx, `
		SELECT count(*) FROM conversations
		WHERE account_id = $1 AND ($2 = '' OR category = $2)
	`, accountID, string(category)).Scan(&n)
	if err != nil {
		return 0, storageErr("count conversations", err)
	}
	return n, nil
}

// ListClusters aggregates clustered conversations, most recent cluster first.
func ListClusters(ctx context.Context, q DBTX, accountID string) ([]*models.Cluster, error) {
	rows, err := q.Query(ctx, `
		SELECT cluster_id, max(cluster_name), count(*), sum(unread_count), max(last_message_date)
		FROM conversations
		WHERE account_id = $1 AND cluster_id <> ''
		GROUP BY cluster_id
		ORDER BY max(last_message_date) DESC NULLS LAST, cluster_id
	`, accountID)
	if err != nil {
		return nil, storageErr("list clusters", err)
	}

	clusters, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.Cluster, error) {
		var c models.Cluster
		err := row.Scan(&c.ID, &c.Name, &c.ConversationCount, &c.UnreadCount, &c.LastMessageDate)
		return &c, err
	})
	if err != nil {
		return nil, storageErr("collect clusters", err)
	}
	return clusters, nil
}
