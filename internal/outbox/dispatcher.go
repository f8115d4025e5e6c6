package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/provider"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

// Dispatcher drains the outbox tables and delivers queued messages and
// reactions to the provider. Per outbox row the state machine is
// pending → sending → sent, or pending/sending → failed; sent and failed
// are terminal. Rows are marked sending before the network call so a crash
// mid-call is visible rather than silently retried forever.
type Dispatcher struct {
	db        *store.DB
	texts     provider.TextSender
	reactions provider.ReactionSender
	bus       *bus.Bus
	logger    *zap.Logger

	poll        time.Duration
	maxAttempts int
	backoff     time.Duration
	cancel      context.CancelFunc
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(db *store.DB, texts provider.TextSender, reactions provider.ReactionSender, b *bus.Bus, poll time.Duration, maxAttempts int, backoff time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:          db,
		texts:       texts,
		reactions:   reactions,
		bus:         b,
		logger:      logger,
		poll:        poll,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Start begins polling the outbox for pending rows.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.loop(ctx)
}

// Stop stops the dispatcher loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending runs one drain pass over messages and reactions.
func (d *Dispatcher) ProcessPending(ctx context.Context) {
	d.processMessages(ctx)
	d.processReactions(ctx)
}

func (d *Dispatcher) processMessages(ctx context.Context) {
	pending, err := d.db.PendingOutboxMessages(ctx, 50)
	if err != nil {
		d.logger.Error("read outbox failed", zap.Error(err))
		return
	}

	now := time.Now().UnixMilli()
	// A conversation with an earlier held-back or failed-this-pass row
	// blocks its later rows, preserving per-conversation submission order.
	blocked := make(map[int64]bool)

	for _, entry := range pending {
		if blocked[entry.ConversationID] {
			continue
		}
		if entry.NextAttemptAt > now {
			blocked[entry.ConversationID] = true
			continue
		}
		if !d.sendMessage(ctx, entry) {
			blocked[entry.ConversationID] = true
		}
	}
}

// sendMessage delivers one outbox message. Returns false when the row did
// not reach sent, so the caller holds back the rest of its conversation.
func (d *Dispatcher) sendMessage(ctx context.Context, entry store.OutboxMessage) bool {
	conv, err := d.db.GetConversation(ctx, entry.ConversationID)
	if err != nil || conv == nil {
		d.logger.Error("outbox conversation lookup failed",
			zap.String("client_id", entry.ClientID), zap.Error(err))
		return false
	}

	ok, err := d.db.MarkOutboxSending(ctx, store.OutboxMessagesTable, entry.ClientID)
	if err != nil {
		d.logger.Error("mark sending failed", zap.String("client_id", entry.ClientID), zap.Error(err))
		return false
	}
	if !ok {
		// Another dispatcher took it.
		return false
	}
	attempt := entry.Attempts + 1

	serverID, err := d.texts.SendText(ctx, conv.ExternalChatID, entry.Body)
	if err != nil {
		d.handleFailure(ctx, store.OutboxMessagesTable, entry.ClientID, attempt, err)
		return false
	}

	if err := d.db.MarkOutboxSent(ctx, store.OutboxMessagesTable, entry.ClientID, serverID); err != nil {
		d.logger.Error("mark sent failed", zap.String("client_id", entry.ClientID), zap.Error(err))
		return false
	}

	// Record the delivered message under its provider-assigned identity;
	// the provider's own echo event upserts onto the same key later.
	sentAt := time.Now().UnixMilli()
	_ = d.db.UpsertMessage(ctx, &store.Message{
		ConversationID:    conv.ID,
		Source:            conv.Source,
		ExternalMessageID: serverID,
		Direction:         store.DirectionOutbound,
		Body:              entry.Body,
		MessageType:       "text",
		Status:            "sent",
		Ordinal:           sentAt,
		SentAt:            sentAt,
	})

	d.logger.Info("outbox message sent",
		zap.String("client_id", entry.ClientID),
		zap.String("server_msg_id", serverID))
	d.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxSent,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"client_id":     entry.ClientID,
			"server_msg_id": serverID,
		},
	})
	return true
}

func (d *Dispatcher) processReactions(ctx context.Context) {
	pending, err := d.db.PendingOutboxReactions(ctx, 50)
	if err != nil {
		d.logger.Error("read reaction outbox failed", zap.Error(err))
		return
	}

	now := time.Now().UnixMilli()
	blocked := make(map[int64]bool)

	for _, entry := range pending {
		if blocked[entry.ConversationID] {
			continue
		}
		if entry.NextAttemptAt > now {
			blocked[entry.ConversationID] = true
			continue
		}
		if !d.sendReaction(ctx, entry) {
			blocked[entry.ConversationID] = true
		}
	}
}

func (d *Dispatcher) sendReaction(ctx context.Context, entry store.OutboxReaction) bool {
	conv, err := d.db.GetConversation(ctx, entry.ConversationID)
	if err != nil || conv == nil {
		d.logger.Error("outbox conversation lookup failed",
			zap.String("client_id", entry.ClientID), zap.Error(err))
		return false
	}

	ok, err := d.db.MarkOutboxSending(ctx, store.OutboxReactionsTable, entry.ClientID)
	if err != nil {
		d.logger.Error("mark sending failed", zap.String("client_id", entry.ClientID), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	attempt := entry.Attempts + 1

	if err := d.reactions.SendReaction(ctx, conv.ExternalChatID, entry.TargetMessageID, entry.Emoji); err != nil {
		d.handleFailure(ctx, store.OutboxReactionsTable, entry.ClientID, attempt, err)
		return false
	}

	if err := d.db.MarkOutboxSent(ctx, store.OutboxReactionsTable, entry.ClientID, ""); err != nil {
		d.logger.Error("mark sent failed", zap.String("client_id", entry.ClientID), zap.Error(err))
		return false
	}

	d.bus.Publish(bus.Event{
		Kind:      bus.KindOutboxReactionSent,
		Timestamp: time.Now(),
		Payload:   map[string]string{"client_id": entry.ClientID},
	})
	return true
}

// handleFailure classifies a send error: permanent errors and exhausted
// budgets fail the row for user visibility, transient errors reschedule it
// with exponential backoff.
func (d *Dispatcher) handleFailure(ctx context.Context, table, clientID string, attempt int, sendErr error) {
	if Permanent(sendErr) || attempt >= d.maxAttempts {
		if err := d.db.MarkOutboxFailed(ctx, table, clientID, sendErr.Error()); err != nil {
			d.logger.Error("mark failed failed", zap.String("client_id", clientID), zap.Error(err))
			return
		}
		d.logger.Warn("outbox entry failed",
			zap.String("client_id", clientID),
			zap.Int("attempts", attempt),
			zap.Error(sendErr))
		d.bus.Publish(bus.Event{
			Kind:      bus.KindOutboxFailed,
			Timestamp: time.Now(),
			Payload: map[string]string{
				"client_id": clientID,
				"error":     sendErr.Error(),
			},
		})
		return
	}

	backoff := d.backoff << (attempt - 1)
	if err := d.db.RescheduleOutbox(ctx, table, clientID, sendErr.Error(), backoff); err != nil {
		d.logger.Error("reschedule failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	d.logger.Warn("outbox entry rescheduled",
		zap.String("client_id", clientID),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", backoff),
		zap.Error(sendErr))
}
