package store

import (
	"context"
	"time"
)

// Outbox tables sharing the same state machine columns.
const (
	OutboxMessagesTable  = "outbox_messages"
	OutboxReactionsTable = "outbox_reactions"
)

// QueueOutboxMessage adds a text message to the send outbox.
// The queue write is the durability boundary for "user clicked send".
func (db *DB) QueueOutboxMessage(ctx context.Context, clientID string, conversationID int64, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox_messages (client_id, conversation_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		clientID, conversationID, body, now, now)
	return err
}

// QueueOutboxReaction adds a reaction to the send outbox.
func (db *DB) QueueOutboxReaction(ctx context.Context, clientID string, conversationID int64, targetMessageID, emoji string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox_reactions (client_id, conversation_id, target_message_id, emoji, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		clientID, conversationID, targetMessageID, emoji, now, now)
	return err
}

// PendingOutboxMessages returns pending messages in per-conversation
// submission order. Backoff gating is left to the dispatcher: it must see a
// not-yet-due row to hold back later rows in the same conversation.
func (db *DB) PendingOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_id, conversation_id, body, status, attempts, error_message, server_message_id, next_attempt_at, created_at, sent_at
		FROM outbox_messages
		WHERE status = 'pending'
		ORDER BY conversation_id, created_at, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxMessage
	for rows.Next() {
		var e OutboxMessage
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ConversationID, &e.Body, &e.Status, &e.Attempts,
			&e.ErrorMessage, &e.ServerMessageID, &e.NextAttemptAt, &e.CreatedAt, &e.SentAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PendingOutboxReactions returns pending reactions in per-conversation
// submission order.
func (db *DB) PendingOutboxReactions(ctx context.Context, limit int) ([]OutboxReaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_id, conversation_id, target_message_id, emoji, status, attempts, error_message, next_attempt_at, created_at, sent_at
		FROM outbox_reactions
		WHERE status = 'pending'
		ORDER BY conversation_id, created_at, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxReaction
	for rows.Next() {
		var e OutboxReaction
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ConversationID, &e.TargetMessageID, &e.Emoji, &e.Status,
			&e.Attempts, &e.ErrorMessage, &e.NextAttemptAt, &e.CreatedAt, &e.SentAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxSending transitions a pending row to 'sending' before the
// network call, so a crash mid-call is visible. Returns false if the row
// was no longer pending (another dispatcher got there first).
func (db *DB) MarkOutboxSending(ctx context.Context, table, clientID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx,
		`UPDATE `+table+` SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_id = ? AND status = 'pending'`,
		now, clientID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkOutboxSent transitions a sending row to the terminal 'sent' state.
func (db *DB) MarkOutboxSent(ctx context.Context, table, clientID, serverMessageID string) error {
	now := time.Now().UnixMilli()
	var err error
	if table == "outbox_messages" {
		_, err = db.ExecContext(ctx,
			`UPDATE outbox_messages SET status = 'sent', server_message_id = ?, sent_at = ?, updated_at = ? WHERE client_id = ? AND status = 'sending'`,
			serverMessageID, now, now, clientID)
	} else {
		_, err = db.ExecContext(ctx,
			`UPDATE outbox_reactions SET status = 'sent', sent_at = ?, updated_at = ? WHERE client_id = ? AND status = 'sending'`,
			now, now, clientID)
	}
	return err
}

// MarkOutboxFailed transitions a sending row to the terminal 'failed' state.
func (db *DB) MarkOutboxFailed(ctx context.Context, table, clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE `+table+` SET status = 'failed', error_message = ?, updated_at = ? WHERE client_id = ? AND status IN ('pending', 'sending')`,
		errMsg, now, clientID)
	return err
}

// RescheduleOutbox returns a sending row to 'pending' with a backoff delay,
// recording the transient error for later inspection.
func (db *DB) RescheduleOutbox(ctx context.Context, table, clientID, errMsg string, backoff time.Duration) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE `+table+` SET status = 'pending', error_message = ?, next_attempt_at = ?, updated_at = ? WHERE client_id = ? AND status = 'sending'`,
		errMsg, now+backoff.Milliseconds(), now, clientID)
	return err
}

// GetOutboxMessage returns an outbox message by client id, or nil.
func (db *DB) GetOutboxMessage(ctx context.Context, clientID string) (*OutboxMessage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_id, conversation_id, body, status, attempts, error_message, server_message_id, next_attempt_at, created_at, sent_at
		FROM outbox_messages WHERE client_id = ?`, clientID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxMessage
	if err := rows.Scan(&e.ID, &e.ClientID, &e.ConversationID, &e.Body, &e.Status, &e.Attempts,
		&e.ErrorMessage, &e.ServerMessageID, &e.NextAttemptAt, &e.CreatedAt, &e.SentAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListOutboxMessages returns recent outbox messages for inspection.
func (db *DB) ListOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, client_id, conversation_id, body, status, attempts, error_message, server_message_id, next_attempt_at, created_at, sent_at
		FROM outbox_messages ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxMessage
	for rows.Next() {
		var e OutboxMessage
		if err := rows.Scan(&e.ID, &e.ClientID, &e.ConversationID, &e.Body, &e.Status, &e.Attempts,
			&e.ErrorMessage, &e.ServerMessageID, &e.NextAttemptAt, &e.CreatedAt, &e.SentAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
