package wa

import (
	"github.com/matheus3301/wppsync/internal/provider"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/proto/waHistorySync"
	"go.mau.fi/whatsmeow/types/events"
)

// ParseLiveMessage normalizes a live whatsmeow message event. Edit events
// arrive as protocol messages carrying the original key; they keep the
// original idempotency key so the engine updates content in place.
func ParseLiveMessage(evt *events.Message) provider.MessageEvent {
	ts := evt.Info.Timestamp.UnixMilli()
	out := provider.MessageEvent{
		ChatID:      evt.Info.Chat.String(),
		MessageID:   evt.Info.ID,
		SenderID:    evt.Info.Sender.ToNonAD().String(),
		SenderName:  evt.Info.PushName,
		FromMe:      evt.Info.IsFromMe,
		Ordinal:     ts,
		SentAt:      ts,
		MessageType: detectMessageType(evt.Message),
		Body:        extractTextBody(evt.Message),
	}

	if pm := evt.Message.GetProtocolMessage(); pm != nil && pm.GetType() == waE2E.ProtocolMessage_MESSAGE_EDIT {
		out.Edit = true
		out.MessageID = pm.GetKey().GetID()
		out.Body = extractTextBody(pm.GetEditedMessage())
		out.MessageType = detectMessageType(pm.GetEditedMessage())
	}
	return out
}

// parseHistoryConversation normalizes one conversation's worth of history
// sync messages.
func parseHistoryConversation(conv *waHistorySync.Conversation) []provider.MessageEvent {
	chatID := conv.GetID()
	var msgs []provider.MessageEvent
	for _, hm := range conv.GetMessages() {
		wmsg := hm.GetMessage()
		if wmsg == nil || wmsg.GetMessage() == nil {
			continue
		}
		body := wmsg.GetMessage()
		ts := int64(wmsg.GetMessageTimestamp()) * 1000
		msgs = append(msgs, provider.MessageEvent{
			ChatID:      chatID,
			MessageID:   wmsg.GetKey().GetID(),
			SenderID:    wmsg.GetKey().GetParticipant(),
			SenderName:  wmsg.GetPushName(),
			FromMe:      wmsg.GetKey().GetFromMe(),
			Ordinal:     ts,
			SentAt:      ts,
			MessageType: detectMessageType(body),
			Body:        extractTextBody(body),
		})
	}
	return msgs
}

func extractTextBody(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if c := msg.GetConversation(); c != "" {
		return c
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}

func detectMessageType(msg *waE2E.Message) string {
	if msg == nil {
		return "unknown"
	}
	switch {
	case msg.GetConversation() != "" || msg.GetExtendedTextMessage() != nil:
		return "text"
	case msg.GetImageMessage() != nil:
		return "image"
	case msg.GetVideoMessage() != nil:
		return "video"
	case msg.GetAudioMessage() != nil:
		return "audio"
	case msg.GetDocumentMessage() != nil:
		return "document"
	case msg.GetStickerMessage() != nil:
		return "sticker"
	case msg.GetContactMessage() != nil:
		return "contact"
	case msg.GetLocationMessage() != nil:
		return "location"
	case msg.GetReactionMessage() != nil:
		return "reaction"
	default:
		return "unknown"
	}
}
