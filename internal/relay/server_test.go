package relay

import (
	"context"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func startTestServer(t *testing.T, b *bus.Bus, poll, hb time.Duration) *Server {
	t.Helper()
	db := testDB(t)
	s := NewServer(NewStoreDetector(db), b, "tcp", "127.0.0.1:0", poll, hb, zap.NewNop())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s
}

func dialTestServer(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.listener.Addr().String(), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })

	// Wait for the server side to register the subscriber.
	deadline := time.Now().Add(2 * time.Second)
	for s.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) ChangeEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var evt ChangeEvent
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatal(err)
	}
	return evt
}

// TestRelayForwardsBusEvents: an upserted message reaches a connected
// client as a messages_changed notification without waiting for a poll.
func TestRelayForwardsBusEvents(t *testing.T) {
	b := bus.New()
	s := startTestServer(t, b, time.Hour, time.Hour)
	conn := dialTestServer(t, s)

	b.Publish(bus.Event{Kind: "message.upserted", Timestamp: time.Now()})

	evt := readEvent(t, conn)
	if evt.Type != EventMessages {
		t.Errorf("event type = %q, want %s", evt.Type, EventMessages)
	}
	if evt.Timestamp == 0 {
		t.Error("timestamp should be set")
	}
}

func TestRelayForwardsOutboxEvents(t *testing.T) {
	b := bus.New()
	s := startTestServer(t, b, time.Hour, time.Hour)
	conn := dialTestServer(t, s)

	b.Publish(bus.Event{Kind: "outbox.sent", Timestamp: time.Now()})

	evt := readEvent(t, conn)
	if evt.Type != EventOutbox {
		t.Errorf("event type = %q, want %s", evt.Type, EventOutbox)
	}
}

// TestRelayHeartbeat: a quiet store still produces heartbeats so clients
// can tell silence from a dead connection.
func TestRelayHeartbeat(t *testing.T) {
	s := startTestServer(t, bus.New(), time.Hour, 50*time.Millisecond)
	conn := dialTestServer(t, s)

	evt := readEvent(t, conn)
	if evt.Type != EventHeartbeat {
		t.Errorf("event type = %q, want %s", evt.Type, EventHeartbeat)
	}
}

func TestBroadcastDropsForSlowSubscriber(t *testing.T) {
	s := NewServer(nil, bus.New(), "tcp", "127.0.0.1:0", time.Hour, time.Hour, zap.NewNop())

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	// Overfill the buffer; Broadcast must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			s.Broadcast(ChangeEvent{Type: EventMessages, Timestamp: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
}

func TestUnsubscribeOnDisconnect(t *testing.T) {
	s := startTestServer(t, bus.New(), time.Hour, time.Hour)
	conn := dialTestServer(t, s)

	_ = conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for s.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
