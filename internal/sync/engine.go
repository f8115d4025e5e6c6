package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/provider"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

// Engine handles idempotent ingestion of provider events into the store.
// Each event is one atomic unit of work: message upsert, checkpoint
// advance and conversation bookkeeping commit together or not at all.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	source string

	ingested int64
	skipped  int64
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
		source: provider.SourceWhatsApp,
	}
}

// Ingested returns the number of events durably applied.
func (e *Engine) Ingested() int64 { return atomic.LoadInt64(&e.ingested) }

// Skipped returns the number of events dropped for unknown or
// sync-disabled conversations.
func (e *Engine) Skipped() int64 { return atomic.LoadInt64(&e.skipped) }

// ApplyEvent processes a single live provider event. Unknown and
// sync-disabled conversations are skipped silently: this core never
// auto-creates conversations.
func (e *Engine) ApplyEvent(ctx context.Context, evt provider.MessageEvent) error {
	conv, err := e.db.GetConversationByExternalID(ctx, e.source, evt.ChatID)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}
	if conv == nil || conv.SyncDisabled {
		atomic.AddInt64(&e.skipped, 1)
		if e.logger != nil {
			e.logger.Debug("event skipped", zap.String("chat_id", evt.ChatID), zap.String("msg_id", evt.MessageID))
		}
		return nil
	}

	sender, err := e.resolveSender(ctx, evt)
	if err != nil {
		return fmt.Errorf("resolve sender: %w", err)
	}

	direction := store.DirectionInbound
	if evt.FromMe {
		direction = store.DirectionOutbound
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()

	// Distinguish first delivery from a replay before the upsert: unread
	// accounting must not inflate when the provider redelivers an event the
	// store already holds.
	var existed bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE source = ? AND external_message_id = ?)`,
		e.source, evt.MessageID).Scan(&existed); err != nil {
		return fmt.Errorf("check message: %w", err)
	}

	// Idempotent upsert: a replayed event is a no-op, an edit event updates
	// content fields in place under the same key.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, source, external_message_id, direction,
			sender_contact_id, sender_name, sender_external_id, body, message_type, status, ordinal, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, external_message_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			message_type = excluded.message_type,
			status = excluded.status`,
		conv.ID, e.source, evt.MessageID, direction,
		nullableContactID(sender), sender.RawName, sender.ExternalID,
		evt.Body, evt.MessageType, "received", evt.Ordinal, evt.SentAt, now); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	// Checkpoint only moves forward.
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_synced_message_id = MAX(last_synced_message_id, ?),
			last_synced_at = ?,
			updated_at = ?
		WHERE id = ?`,
		evt.Ordinal, now, now, conv.ID); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	unreadDelta := 0
	if !existed && !evt.FromMe && !evt.Edit {
		unreadDelta = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_message_preview = ?,
			unread_count = unread_count + ?
		WHERE id = ?`,
		truncate(evt.Body, 100), unreadDelta, conv.ID); err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	atomic.AddInt64(&e.ingested, 1)
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageUpserted,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"chat_id": evt.ChatID,
			"msg_id":  evt.MessageID,
		},
	})
	return nil
}

// ApplyHistory applies a catch-up batch to one conversation. Inserts use
// insert-or-ignore semantics so catch-up never overwrites a field already
// updated by a more authoritative live event; the checkpoint advances to
// the maximum ordinal seen in the same transaction.
func (e *Engine) ApplyHistory(ctx context.Context, conv *store.Conversation, msgs []provider.MessageEvent) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	maxOrdinal := conv.LastSyncedMessageID
	inserted := 0

	for _, m := range msgs {
		sender, err := e.resolveSender(ctx, m)
		if err != nil {
			return fmt.Errorf("resolve sender: %w", err)
		}
		direction := store.DirectionInbound
		if m.FromMe {
			direction = store.DirectionOutbound
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, source, external_message_id, direction,
				sender_contact_id, sender_name, sender_external_id, body, message_type, status, ordinal, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source, external_message_id) DO NOTHING`,
			conv.ID, e.source, m.MessageID, direction,
			nullableContactID(sender), sender.RawName, sender.ExternalID,
			m.Body, m.MessageType, "received", m.Ordinal, m.SentAt, now)
		if err != nil {
			return fmt.Errorf("insert message %s: %w", m.MessageID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			inserted++
		}
		if m.Ordinal > maxOrdinal {
			maxOrdinal = m.Ordinal
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET
			last_synced_message_id = MAX(last_synced_message_id, ?),
			last_synced_at = ?,
			updated_at = ?
		WHERE id = ?`,
		maxOrdinal, now, now, conv.ID); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	atomic.AddInt64(&e.ingested, int64(inserted))
	e.bus.Publish(bus.Event{
		Kind:      bus.KindSyncBatchApplied,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"chat_id":  conv.ExternalChatID,
			"inserted": inserted,
			"ordinal":  maxOrdinal,
		},
	})
	return nil
}

func (e *Engine) resolveSender(ctx context.Context, evt provider.MessageEvent) (store.Sender, error) {
	sender := store.Sender{RawName: evt.SenderName, ExternalID: evt.SenderID}
	if evt.SenderID == "" {
		return sender, nil
	}
	contact, err := e.db.GetContactByExternalID(ctx, evt.SenderID)
	if err != nil {
		return sender, err
	}
	if contact != nil {
		sender.ContactID = contact.ID
	}
	return sender, nil
}

func nullableContactID(s store.Sender) any {
	if !s.Resolved() {
		return nil
	}
	return s.ContactID
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
