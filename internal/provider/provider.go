// Package provider defines the boundary to the external chat provider.
// The sync engine, reconciler and outbox dispatcher depend only on these
// types so tests can substitute fakes for the whatsmeow adapter.
package provider

import (
	"context"
	"errors"
)

// ErrPermanent marks a send failure that cannot succeed on retry. The
// adapter wraps provider errors it knows to be permanent (invalid
// recipient, revoked session) so the outbox can fail them immediately.
var ErrPermanent = errors.New("permanent send failure")

// SourceWhatsApp is the provider identity recorded on every stored row.
const SourceWhatsApp = "whatsapp"

// MessageEvent is a normalized new/edited-message event. Ordinal is the
// provider-native monotonic per-chat ordering key; (source, MessageID) is
// the idempotency key.
type MessageEvent struct {
	ChatID      string
	MessageID   string
	SenderID    string
	SenderName  string
	Body        string
	MessageType string
	FromMe      bool
	Edit        bool
	Ordinal     int64
	SentAt      int64
}

// HistorySource fetches provider history for one chat, strictly newer than
// the given ordinal, capped at limit items.
type HistorySource interface {
	FetchHistory(ctx context.Context, chatID string, afterOrdinal int64, limit int) ([]MessageEvent, error)
}

// TextSender sends a text message. Returns the provider-assigned message id.
type TextSender interface {
	SendText(ctx context.Context, chatID string, text string) (serverMessageID string, err error)
}

// ReactionSender sends a reaction to an existing message.
type ReactionSender interface {
	SendReaction(ctx context.Context, chatID string, targetMessageID string, emoji string) error
}
