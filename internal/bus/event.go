package bus

import "time"

// Event is one domain event on the bus. Payload is event-kind specific;
// subscribers type-assert and drop anything unexpected.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. The segment before the dot is the namespace subscribers
// filter on, so related kinds must share a prefix.
const (
	// provider.* — raw connection and message events from the adapter.
	KindProviderMessage      = "provider.message"
	KindProviderConnected    = "provider.connected"
	KindProviderDisconnected = "provider.disconnected"
	KindProviderStreamError  = "provider.stream_error"
	KindProviderLoggedOut    = "provider.logged_out"

	// message.* / sync.* — durable ingestion results.
	KindMessageUpserted  = "message.upserted"
	KindSyncBatchApplied = "sync.batch_applied"

	// outbox.* — delivery acks and terminal failures.
	KindOutboxSent         = "outbox.sent"
	KindOutboxReactionSent = "outbox.reaction_sent"
	KindOutboxFailed       = "outbox.failed"

	// listener.* — lifecycle.
	KindListenerStatusChanged = "listener.status_changed"

	// auth.* — pairing flow progress.
	KindAuthQRGenerated   = "auth.qr_generated"
	KindAuthAuthenticated = "auth.authenticated"
	KindAuthFailed        = "auth.failed"
)
