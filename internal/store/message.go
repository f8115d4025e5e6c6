package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message, idempotent on
// (source, external_message_id). A conflicting row has its content and
// sender display fields updated in place; identity and ordinal are kept.
// This is the live-event path: edits reuse the same key.
func (db *DB) UpsertMessage(ctx context.Context, m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, source, external_message_id, direction,
			sender_contact_id, sender_name, sender_external_id, body, message_type, status, ordinal, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, external_message_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			message_type = excluded.message_type,
			status = excluded.status`,
		m.ConversationID, m.Source, m.ExternalMessageID, m.Direction,
		nullableID(m.Sender.ContactID), m.Sender.RawName, m.Sender.ExternalID,
		m.Body, m.MessageType, m.Status, m.Ordinal, m.SentAt, now)
	return err
}

// GetMessageByExternalID returns a message by its idempotency key, or nil.
func (db *DB) GetMessageByExternalID(ctx context.Context, source, externalMessageID string) (*Message, error) {
	var m Message
	var contactID sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT id, conversation_id, source, external_message_id, direction,
			sender_contact_id, sender_name, sender_external_id, body, message_type, status, ordinal, sent_at
		FROM messages WHERE source = ? AND external_message_id = ?`, source, externalMessageID).
		Scan(&m.ID, &m.ConversationID, &m.Source, &m.ExternalMessageID, &m.Direction,
			&contactID, &m.Sender.RawName, &m.Sender.ExternalID, &m.Body, &m.MessageType, &m.Status, &m.Ordinal, &m.SentAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Sender.ContactID = contactID.Int64
	return &m, nil
}

// ListMessages returns messages for a conversation using keyset pagination by ordinal.
func (db *DB) ListMessages(ctx context.Context, conversationID int64, beforeOrdinal int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeOrdinal <= 0 {
		beforeOrdinal = time.Now().UnixMilli() + 1
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, source, external_message_id, direction,
			sender_contact_id, sender_name, sender_external_id, body, message_type, status, ordinal, sent_at
		FROM messages
		WHERE conversation_id = ? AND ordinal < ?
		ORDER BY ordinal DESC
		LIMIT ?`, conversationID, beforeOrdinal, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var contactID sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Source, &m.ExternalMessageID, &m.Direction,
			&contactID, &m.Sender.RawName, &m.Sender.ExternalID, &m.Body, &m.MessageType, &m.Status, &m.Ordinal, &m.SentAt); err != nil {
			return nil, err
		}
		m.Sender.ContactID = contactID.Int64
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the message count for a conversation.
func (db *DB) CountMessages(ctx context.Context, conversationID int64) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
