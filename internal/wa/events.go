package wa

import (
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
)

// EventHandler normalizes whatsmeow events and publishes them on the bus
// under the "provider." namespace. It does NOT touch the store — the
// listener's event loop consumes the bus independently.
type EventHandler struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEventHandler creates a new event handler.
func NewEventHandler(b *bus.Bus, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		bus:    b,
		logger: logger,
	}
}

// Handle is the main whatsmeow event handler function.
func (h *EventHandler) Handle(rawEvt any) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		h.bus.Publish(bus.Event{
			Kind:      bus.KindProviderMessage,
			Timestamp: time.Now(),
			Payload:   ParseLiveMessage(evt),
		})
	case *events.HistorySync:
		h.handleHistorySync(evt)
	case *events.Connected:
		h.logger.Info("WhatsApp connected")
		h.bus.Publish(bus.Event{Kind: bus.KindProviderConnected, Timestamp: time.Now()})
	case *events.Disconnected:
		h.logger.Warn("WhatsApp disconnected")
		h.bus.Publish(bus.Event{Kind: bus.KindProviderDisconnected, Timestamp: time.Now()})
	case *events.StreamReplaced:
		h.logger.Error("WhatsApp stream replaced by another session")
		h.bus.Publish(bus.Event{Kind: bus.KindProviderStreamError, Timestamp: time.Now(), Payload: "stream replaced"})
	case *events.LoggedOut:
		h.logger.Warn("WhatsApp logged out", zap.String("reason", evt.Reason.String()))
		h.bus.Publish(bus.Event{Kind: bus.KindProviderLoggedOut, Timestamp: time.Now(), Payload: evt.Reason.String()})
	}
}

// handleHistorySync republishes passively-delivered history (initial sync,
// push history) as ordinary provider messages; ingestion is idempotent so
// overlap with catch-up fetches is harmless. On-demand responses are
// consumed by the adapter's history waiter instead.
func (h *EventHandler) handleHistorySync(evt *events.HistorySync) {
	if evt.Data == nil || evt.Data.GetSyncType() == waHistorySync.HistorySync_ON_DEMAND {
		return
	}
	count := 0
	for _, conv := range evt.Data.GetConversations() {
		for _, msg := range parseHistoryConversation(conv) {
			h.bus.Publish(bus.Event{
				Kind:      bus.KindProviderMessage,
				Timestamp: time.Now(),
				Payload:   msg,
			})
			count++
		}
	}
	if count > 0 {
		h.logger.Info("history sync received", zap.Int("messages", count))
	}
}
