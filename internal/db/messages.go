package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const messageColumns = `
	id, account_id, imap_folder, imap_uid,
	message_id, in_reply_to, references_ids, date,
	from_address, from_name, to_addresses, cc_addresses, bcc_addresses, subject,
	body_text, body_html, snippet,
	list_id, list_unsubscribe, auto_submitted, precedence,
	imap_flags, classification, processed_at,
	COALESCE(participant_key, ''), COALESCE(conversation_id, ''), COALESCE(thread_id, '')`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var (
		msg            models.Message
		classification *string
	)
	err := row.Scan(
		&msg.ID, &msg.AccountID, &msg.Folder, &msg.UID,
		&msg.MessageID, &msg.InReplyTo, &msg.References, &msg.Date,
		&msg.FromAddress, &msg.FromName, &msg.To, &msg.Cc, &msg.Bcc, &msg.Subject,
		&msg.BodyText, &msg.BodyHTML, &msg.Snippet,
		&msg.ListID, &msg.ListUnsubscribe, &msg.AutoSubmitted, &msg.Precedence,
		&msg.Flags, &classification, &msg.ProcessedAt,
		&msg.ParticipantKey, &msg.ConversationID, &msg.ThreadID,
	)
	if err != nil {
		return nil, err
	}

	if classification != nil {
		c, err := models.ParseClassification(*classification)
		if err != nil {
			return nil, err
		}
		msg.Classification = &c
	}
	return &msg, nil
}

func collectMessages(rows pgx.Rows, op string) ([]*models.Message, error) {
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, storageErr("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return messages, nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ApplyMessages upserts fetched messages into the cache by
// (account, folder, uid). A row whose Message-ID changed is treated as a new
// message and goes back through trust extraction and classification; an
// unchanged re-fetch keeps its processing state.
func ApplyMessages(ctx context.Context, q DBTX, accountID, folder string, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO messages (
				account_id, imap_folder, imap_uid,
				message_id, in_reply_to, references_ids, date,
				from_address, from_name, to_addresses, cc_addresses, bcc_addresses, subject,
				body_text, body_html, snippet,
				list_id, list_unsubscribe, auto_submitted, precedence,
				imap_flags
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
			ON CONFLICT (account_id, imap_folder, imap_uid) DO UPDATE SET
				processed_at = CASE
					WHEN messages.message_id IS DISTINCT FROM EXCLUDED.message_id THEN NULL
					ELSE messages.processed_at
				END,
				classification = CASE
					WHEN messages.message_id IS DISTINCT FROM EXCLUDED.message_id THEN NULL
					ELSE messages.classification
				END,
				message_id = EXCLUDED.message_id,
				in_reply_to = EXCLUDED.in_reply_to,
				references_ids = EXCLUDED.references_ids,
				date = EXCLUDED.date,
				from_address = EXCLUDED.from_address,
				from_name = EXCLUDED.from_name,
				to_addresses = EXCLUDED.to_addresses,
				cc_addresses = EXCLUDED.cc_addresses,
				bcc_addresses = EXCLUDED.bcc_addresses,
				subject = EXCLUDED.subject,
				body_text = COALESCE(EXCLUDED.body_text, messages.body_text),
				body_html = COALESCE(EXCLUDED.body_html, messages.body_html),
				snippet = EXCLUDED.snippet,
				list_id = EXCLUDED.list_id,
				list_unsubscribe = EXCLUDED.list_unsubscribe,
				auto_submitted = EXCLUDED.auto_submitted,
				precedence = EXCLUDED.precedence,
				imap_flags = EXCLUDED.imap_flags
		`,
			accountID, folder, int64(m.UID),
			m.MessageID, m.InReplyTo, orEmpty(m.References), m.Date,
			m.FromAddress, m.FromName, orEmpty(m.To), orEmpty(m.Cc), orEmpty(m.Bcc), m.Subject,
			m.BodyText, m.BodyHTML, m.Snippet,
			m.ListID, m.ListUnsubscribe, m.AutoSubmitted, m.Precedence,
			orEmpty(m.Flags),
		)
	}

	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return storageErr("apply messages", err)
	}
	return nil
}

// GetMessageByUID returns a cached message by its IMAP UID and folder.
func GetMessageByUID(ctx context.Context, q DBTX, accountID, folder string, uid uint32) (*models.Message, error) {
	msg, err := scanMessage(q.QueryRow(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1 AND imap_folder = $2 AND imap_uid = $3
	`, accountID, folder, int64(uid)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, storageErr("get message", err)
	}
	return msg, nil
}

// ListCachedUIDs returns the cached uids of a folder in ascending order.
func ListCachedUIDs(ctx context.Context, q DBTX, accountID, folder string) ([]uint32, error) {
	rows, err := q.Query(ctx, `
		SELECT imap_uid FROM messages
		WHERE account_id = $1 AND imap_folder = $2
		ORDER BY imap_uid
	`, accountID, folder)
	if err != nil {
		return nil, storageErr("list cached uids", err)
	}

	uids, err := pgx.CollectRows(rows, pgx.RowTo[uint32])
	if err != nil {
		return nil, storageErr("collect cached uids", err)
	}
	return uids, nil
}

// ListCachedFlags returns the cached flags of the given uids.
func ListCachedFlags(ctx context.Context, q DBTX, accountID, folder string, uids []uint32) (map[uint32][]string, error) {
	rows, err := q.Query(ctx, `
		SELECT imap_uid, imap_flags FROM messages
		WHERE account_id = $1 AND imap_folder = $2 AND imap_uid = ANY($3::bigint[])
	`, accountID, folder, toInt64s(uids))
	if err != nil {
		return nil, storageErr("list cached flags", err)
	}
	defer rows.Close()

	flags := make(map[uint32][]string, len(uids))
	for rows.Next() {
		var (
			uid uint32
			f   []string
		)
		if err := rows.Scan(&uid, &f); err != nil {
			return nil, storageErr("scan cached flags", err)
		}
		flags[uid] = f
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate cached flags", err)
	}
	return flags, nil
}

// FilterUncachedUIDs returns the subset of uids with no cached row.
func FilterUncachedUIDs(ctx context.Context, q DBTX, accountID, folder string, uids []uint32) ([]uint32, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	rows, err := q.Query(ctx, `
		SELECT u FROM unnest($3::bigint[]) AS u
		WHERE NOT EXISTS (
			SELECT 1 FROM messages
			WHERE account_id = $1 AND imap_folder = $2 AND imap_uid = u
		)
		ORDER BY u
	`, accountID, folder, toInt64s(uids))
	if err != nil {
		return nil, storageErr("filter uncached uids", err)
	}

	missing, err := pgx.CollectRows(rows, pgx.RowTo[uint32])
	if err != nil {
		return nil, storageErr("collect uncached uids", err)
	}
	return missing, nil
}

// UpdateMessageFlags overwrites the cached flags of one message with the
// server's. It reports whether anything changed.
func UpdateMessageFlags(ctx context.Context, q DBTX, accountID, folder string, uid uint32, flags []string) (bool, error) {
	tag, err := q.Exec(ctx, `
		UPDATE messages SET imap_flags = $4
		WHERE account_id = $1 AND imap_folder = $2 AND imap_uid = $3
			AND imap_flags IS DISTINCT FROM $4
	`, accountID, folder, int64(uid), orEmpty(flags))
	if err != nil {
		return false, storageErr("update message flags", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteMessagesByUID removes cached rows for the given uids.
func DeleteMessagesByUID(ctx context.Context, q DBTX, accountID, folder string, uids []uint32) (int64, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		DELETE FROM messages
		WHERE account_id = $1 AND imap_folder = $2 AND imap_uid = ANY($3::bigint[])
	`, accountID, folder, toInt64s(uids))
	if err != nil {
		return 0, storageErr("delete messages", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteMessagesNotIn removes cached rows at or below maxUID that are absent
// from present, which must be the complete server uid set for 1:maxUID.
func DeleteMessagesNotIn(ctx context.Context, q DBTX, accountID, folder string, present []uint32, maxUID uint32) (int64, error) {
	tag, err := q.Exec(ctx, `
		DELETE FROM messages
		WHERE account_id = $1 AND imap_folder = $2 AND imap_uid <= $3
			AND imap_uid <> ALL($4::bigint[])
	`, accountID, folder, int64(maxUID), toInt64s(present))
	if err != nil {
		return 0, storageErr("reconcile expunged messages", err)
	}
	return tag.RowsAffected(), nil
}

// ListUnprocessedMessages returns messages that trust extraction and the
// classifier have not consumed yet, oldest first.
func ListUnprocessedMessages(ctx context.Context, q DBTX, accountID string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1 AND processed_at IS NULL
		ORDER BY id
	`, accountID)
	if err != nil {
		return nil, storageErr("list unprocessed messages", err)
	}
	return collectMessages(rows, "iterate unprocessed messages")
}

// MarkProcessed stores the classification and stamps processed_at.
func MarkProcessed(ctx context.Context, q DBTX, accountID string, messageID int64, c models.Classification) error {
	_, err := q.Exec(ctx, `
		UPDATE messages SET classification = $3, processed_at = now()
		WHERE account_id = $1 AND id = $2
	`, accountID, messageID, string(c))
	if err != nil {
		return storageErr("mark message processed", err)
	}
	return nil
}

// ListAllMessages returns every cached message of the account. The grouper
// rebuilds from this full set.
func ListAllMessages(ctx context.Context, q DBTX, accountID string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1
		ORDER BY id
	`, accountID)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	return collectMessages(rows, "iterate messages")
}

// DerivedColumns are the grouper's per-message outputs.
type DerivedColumns struct {
	MessageID      int64
	ThreadID       string
	ParticipantKey string
	ConversationID string
}

// UpdateDerivedColumns writes thread, participant and conversation ids.
func UpdateDerivedColumns(ctx context.Context, q DBTX, accountID string, cols []DerivedColumns) error {
	if len(cols) == 0 {
		return nil
	}

	ids := make([]int64, len(cols))
	threads := make([]string, len(cols))
	keys := make([]string, len(cols))
	convs := make([]string, len(cols))
	for i, c := range cols {
		ids[i], threads[i], keys[i], convs[i] = c.MessageID, c.ThreadID, c.ParticipantKey, c.ConversationID
	}

	_, err := q.Exec(ctx, `
		UPDATE messages m SET
			thread_id = d.thread_id,
			participant_key = d.participant_key,
			conversation_id = d.conversation_id
		FROM unnest($2::bigint[], $3::text[], $4::text[], $5::text[])
			AS d(id, thread_id, participant_key, conversation_id)
		WHERE m.account_id = $1 AND m.id = d.id
	`, accountID, ids, threads, keys, convs)
	if err != nil {
		return storageErr("update derived columns", err)
	}
	return nil
}

// ListThreadMessages returns the messages of one thread in date order.
func ListThreadMessages(ctx context.Context, q DBTX, accountID, threadID string) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1 AND thread_id = $2
		ORDER BY date NULLS LAST, id
	`, accountID, threadID)
	if err != nil {
		return nil, storageErr("list thread messages", err)
	}
	return collectMessages(rows, "iterate thread messages")
}

// ListClusterMessages returns the messages of all conversations in a cluster,
// newest first.
func ListClusterMessages(ctx context.Context, q DBTX, accountID, clusterID string, limit, offset int) ([]*models.Message, error) {
	rows, err := q.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE account_id = $1 AND conversation_id IN (
			SELECT conversation_id FROM conversations
			WHERE account_id = $1 AND cluster_id = $2
		)
		ORDER BY date DESC NULLS LAST, id DESC
		LIMIT $3 OFFSET $4
	`, accountID, clusterID, limit, offset)
	if err != nil {
		return nil, storageErr("list cluster messages", err)
	}
	return collectMessages(rows, "iterate cluster messages")
}
