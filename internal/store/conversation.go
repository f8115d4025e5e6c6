package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
// Checkpoint fields are not touched here; only the sync engine advances
// them, inside the same transaction as the message writes.
func (db *DB) UpsertConversation(ctx context.Context, c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO conversations (source, external_chat_id, name, is_group, unread_count, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, external_chat_id) DO UPDATE SET
			name = excluded.name,
			is_group = excluded.is_group,
			unread_count = excluded.unread_count,
			last_message_preview = excluded.last_message_preview,
			updated_at = excluded.updated_at`,
		c.Source, c.ExternalChatID, c.Name, c.IsGroup, c.UnreadCount, c.LastMessagePreview, now)
	return err
}

// GetConversationByExternalID returns a conversation by its provider-stable
// chat identity, or nil when unknown.
func (db *DB) GetConversationByExternalID(ctx context.Context, source, externalChatID string) (*Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, source, external_chat_id, name, is_group, unread_count, last_message_preview,
			last_synced_message_id, last_synced_at, sync_disabled, updated_at
		FROM conversations WHERE source = ? AND external_chat_id = ?`, source, externalChatID)
	return scanConversation(row)
}

// GetConversation returns a conversation by id, or nil.
func (db *DB) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, source, external_chat_id, name, is_group, unread_count, last_message_preview,
			last_synced_message_id, last_synced_at, sync_disabled, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// ListStaleSyncable returns syncable conversations ordered oldest
// last_synced_at first, bounded to limit. This is the reconciler's work list.
func (db *DB) ListStaleSyncable(ctx context.Context, source string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, source, external_chat_id, name, is_group, unread_count, last_message_preview,
			last_synced_message_id, last_synced_at, sync_disabled, updated_at
		FROM conversations
		WHERE source = ? AND sync_disabled = 0
		ORDER BY last_synced_at ASC
		LIMIT ?`, source, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// ListConversations returns conversations ordered by recency.
func (db *DB) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, source, external_chat_id, name, is_group, unread_count, last_message_preview,
			last_synced_message_id, last_synced_at, sync_disabled, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversationRows(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// SetSyncDisabled toggles sync for a conversation.
func (db *DB) SetSyncDisabled(ctx context.Context, id int64, disabled bool) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversations SET sync_disabled = ?, updated_at = ? WHERE id = ?`,
		disabled, time.Now().UnixMilli(), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	c, err := scanConversationRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanConversationRows(s rowScanner) (*Conversation, error) {
	var c Conversation
	err := s.Scan(&c.ID, &c.Source, &c.ExternalChatID, &c.Name, &c.IsGroup, &c.UnreadCount,
		&c.LastMessagePreview, &c.LastSyncedMessageID, &c.LastSyncedAt, &c.SyncDisabled, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
