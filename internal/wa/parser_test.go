package wa

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waCommon"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestExtractTextBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("extended")}}, "extended"},
		{"image (no text)", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, ""},
		{"empty conversation", &waE2E.Message{Conversation: proto.String("")}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractTextBody(tt.msg)
			if got != tt.want {
				t.Errorf("extractTextBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectMessageType(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil", nil, "unknown"},
		{"text conversation", &waE2E.Message{Conversation: proto.String("hi")}, "text"},
		{"extended text", &waE2E.Message{ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("hi")}}, "text"},
		{"image", &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}, "image"},
		{"video", &waE2E.Message{VideoMessage: &waE2E.VideoMessage{}}, "video"},
		{"audio", &waE2E.Message{AudioMessage: &waE2E.AudioMessage{}}, "audio"},
		{"document", &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{}}, "document"},
		{"reaction", &waE2E.Message{ReactionMessage: &waE2E.ReactionMessage{}}, "reaction"},
		{"empty message", &waE2E.Message{}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := detectMessageType(tt.msg)
			if got != tt.want {
				t.Errorf("detectMessageType() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseLiveMessage(t *testing.T) {
	ts := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	evt := &events.Message{
		Info: types.MessageInfo{
			PushName:  "Alice",
			Timestamp: ts,
			MessageSource: types.MessageSource{
				Chat:     types.JID{User: "chat", Server: "s.whatsapp.net"},
				Sender:   types.JID{User: "sender", Server: "s.whatsapp.net"},
				IsFromMe: true,
			},
			ID: "MSG123",
		},
		Message: &waE2E.Message{Conversation: proto.String("hello world")},
	}

	parsed := ParseLiveMessage(evt)

	if parsed.ChatID != "chat@s.whatsapp.net" {
		t.Errorf("ChatID = %q, want chat@s.whatsapp.net", parsed.ChatID)
	}
	if parsed.MessageID != "MSG123" {
		t.Errorf("MessageID = %q, want MSG123", parsed.MessageID)
	}
	if parsed.SenderName != "Alice" {
		t.Errorf("SenderName = %q, want Alice", parsed.SenderName)
	}
	if parsed.Body != "hello world" {
		t.Errorf("Body = %q, want hello world", parsed.Body)
	}
	if parsed.MessageType != "text" {
		t.Errorf("MessageType = %q, want text", parsed.MessageType)
	}
	if !parsed.FromMe {
		t.Error("FromMe = false, want true")
	}
	if parsed.Edit {
		t.Error("Edit = true, want false for a plain message")
	}
	// Ordinal is the provider timestamp in milliseconds.
	if parsed.Ordinal != ts.UnixMilli() {
		t.Errorf("Ordinal = %d, want %d", parsed.Ordinal, ts.UnixMilli())
	}
}

// TestParseLiveMessageSenderDropsDeviceSuffix verifies sender identity is
// the canonical user JID, not a per-device one. History sync and live
// messages must produce the same sender id for the same contact.
func TestParseLiveMessageSenderDropsDeviceSuffix(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "M1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "558592403672", Server: "s.whatsapp.net"},
				Sender: types.JID{User: "558592403672", Server: "s.whatsapp.net", Device: 3},
			},
		},
		Message: &waE2E.Message{Conversation: proto.String("hi")},
	}

	parsed := ParseLiveMessage(evt)
	if parsed.SenderID != "558592403672@s.whatsapp.net" {
		t.Errorf("SenderID = %q, want 558592403672@s.whatsapp.net (device suffix not stripped)", parsed.SenderID)
	}
}

// TestParseLiveMessageEdit: an edit arrives as a protocol message carrying
// the original key; the parsed event must reuse that key so the engine
// updates the stored row in place.
func TestParseLiveMessageEdit(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "EDIT-WRAPPER-ID",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "chat", Server: "s.whatsapp.net"},
				Sender: types.JID{User: "sender", Server: "s.whatsapp.net"},
			},
		},
		Message: &waE2E.Message{
			ProtocolMessage: &waE2E.ProtocolMessage{
				Type: waE2E.ProtocolMessage_MESSAGE_EDIT.Enum(),
				Key: &waCommon.MessageKey{
					ID: proto.String("ORIGINAL-ID"),
				},
				EditedMessage: &waE2E.Message{Conversation: proto.String("corrected text")},
			},
		},
	}

	parsed := ParseLiveMessage(evt)
	if !parsed.Edit {
		t.Fatal("Edit = false, want true")
	}
	if parsed.MessageID != "ORIGINAL-ID" {
		t.Errorf("MessageID = %q, want ORIGINAL-ID (edit keeps the original key)", parsed.MessageID)
	}
	if parsed.Body != "corrected text" {
		t.Errorf("Body = %q, want corrected text", parsed.Body)
	}
	if parsed.MessageType != "text" {
		t.Errorf("MessageType = %q, want text", parsed.MessageType)
	}
}

func TestParseLiveMessageImageType(t *testing.T) {
	evt := &events.Message{
		Info: types.MessageInfo{
			ID:        "IMG1",
			Timestamp: time.Now(),
			MessageSource: types.MessageSource{
				Chat:   types.JID{User: "c", Server: "s"},
				Sender: types.JID{User: "s", Server: "s"},
			},
		},
		Message: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}},
	}

	parsed := ParseLiveMessage(evt)
	if parsed.MessageType != "image" {
		t.Errorf("MessageType = %q, want image", parsed.MessageType)
	}
	if parsed.Body != "" {
		t.Errorf("Body = %q, want empty for image", parsed.Body)
	}
}
