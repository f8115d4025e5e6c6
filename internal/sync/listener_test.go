package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/provider"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

type fakeConnector struct {
	loggedIn   bool
	connectErr error
	connected  bool
}

func (f *fakeConnector) Connect() error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}
func (f *fakeConnector) Disconnect()      { f.connected = false }
func (f *fakeConnector) IsLoggedIn() bool { return f.loggedIn }

func newTestListener(t *testing.T, db *store.DB, b *bus.Bus, conn *fakeConnector) *Listener {
	t.Helper()
	engine := NewEngine(db, b, nil)
	reconciler := NewReconciler(db, engine, &fakeHistory{}, 50, 200, 1, nil)
	locks := lock.NewManager(db, time.Minute, time.Second, nil)
	machine := status.NewMachine(b)
	return NewListener(db, b, engine, reconciler, locks, machine, conn, 50*time.Millisecond, zap.NewNop())
}

func TestListenerStartStop(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	conn := &fakeConnector{loggedIn: true}
	l := newTestListener(t, db, b, conn)
	ctx := context.Background()

	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if !conn.connected {
		t.Error("provider should be connected after Start")
	}

	state, err := db.GetListenerState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state == nil || state.Status != store.ListenerRunning {
		t.Fatalf("listener state = %+v, want running", state)
	}

	l.Stop(ctx)
	if conn.connected {
		t.Error("provider should be disconnected after Stop")
	}

	state, err = db.GetListenerState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != store.ListenerStopped {
		t.Errorf("listener state = %q, want stopped", state.Status)
	}

	leases, err := db.ListLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 0 {
		t.Errorf("got %d leases after Stop, want 0 (graceful release)", len(leases))
	}
}

// TestListenerSingleton verifies the one-live-listener guarantee: a second
// listener fails fast with the current holder's identity.
func TestListenerSingleton(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := newTestListener(t, db, bus.New(), &fakeConnector{loggedIn: true})
	if err := first.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer first.Stop(ctx)

	second := newTestListener(t, db, bus.New(), &fakeConnector{loggedIn: true})
	err := second.Start(ctx)
	if err == nil {
		t.Fatal("second listener should fail to start")
	}
	var held *lock.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("error type = %T, want *lock.HeldError", err)
	}
	if held.LockType != store.LockTypeListener || held.LockKey != store.ListenerLockKey {
		t.Errorf("held = %+v, want listener/singleton", held)
	}
}

// TestListenerFailedStartReleasesLease: a start that fails after lock
// acquisition must not leave the singleton lease behind. Stop never runs
// for a failed start, so without an in-Start release the supervisor's
// restart would stay locked out until the lease expired.
func TestListenerFailedStartReleasesLease(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	bad := newTestListener(t, db, bus.New(), &fakeConnector{loggedIn: true, connectErr: errors.New("dial failed")})
	if err := bad.Start(ctx); err == nil {
		t.Fatal("Start should fail when the provider cannot connect")
	}

	leases, err := db.ListLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 0 {
		t.Fatalf("got %d leases after failed start, want 0", len(leases))
	}

	// The restart proceeds immediately instead of hitting a HeldError.
	next := newTestListener(t, db, bus.New(), &fakeConnector{loggedIn: true})
	if err := next.Start(ctx); err != nil {
		t.Fatalf("restart after failed start: %v", err)
	}
	next.Stop(ctx)
}

func TestListenerUnpairedStartReleasesLease(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	l := newTestListener(t, db, bus.New(), &fakeConnector{loggedIn: false})
	if err := l.Start(ctx); err == nil {
		t.Fatal("Start should fail without a paired session")
	}

	leases, err := db.ListLeases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(leases) != 0 {
		t.Fatalf("got %d leases after failed start, want 0", len(leases))
	}
}

func TestListenerRequiresPairedSession(t *testing.T) {
	db := testDB(t)
	l := newTestListener(t, db, bus.New(), &fakeConnector{loggedIn: false})

	if err := l.Start(context.Background()); err == nil {
		t.Error("Start should fail when the provider session is not paired")
	}
}

func TestListenerIngestsBusEvents(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	l := newTestListener(t, db, b, &fakeConnector{loggedIn: true})
	ctx := context.Background()

	conv := seedConversation(t, db, "chat@s")

	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(ctx)

	b.Publish(bus.Event{
		Kind:      "provider.message",
		Timestamp: time.Now(),
		Payload: provider.MessageEvent{
			ChatID: "chat@s", MessageID: "m1", Body: "live",
			MessageType: "text", Ordinal: 1000, SentAt: 1000,
		},
	})

	deadline := time.After(2 * time.Second)
	for {
		n, err := db.CountMessages(ctx, conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout waiting for live event to be ingested")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// TestListenerFatalOnLoggedOut: a revoked provider session is unrecoverable;
// the listener must surface it so the daemon exits and the supervisor
// restarts cleanly.
func TestListenerFatalOnLoggedOut(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	l := newTestListener(t, db, b, &fakeConnector{loggedIn: true})
	ctx := context.Background()

	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(ctx)

	b.Publish(bus.Event{Kind: "provider.logged_out", Timestamp: time.Now()})

	select {
	case err := <-l.Fatal():
		if err == nil {
			t.Error("fatal error should be non-nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fatal error")
	}
}

// TestListenerBadEventDoesNotStopStream: one poisoned event is logged and
// dropped; subsequent events still flow.
func TestListenerBadEventDoesNotStopStream(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	l := newTestListener(t, db, b, &fakeConnector{loggedIn: true})
	ctx := context.Background()

	conv := seedConversation(t, db, "chat@s")

	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(ctx)

	// Unknown payload type: handler drops it.
	b.Publish(bus.Event{Kind: "provider.message", Payload: "not a message"})
	// Valid event right behind it.
	b.Publish(bus.Event{
		Kind: "provider.message",
		Payload: provider.MessageEvent{
			ChatID: "chat@s", MessageID: "m1", Body: "still alive",
			MessageType: "text", Ordinal: 1000,
		},
	})

	deadline := time.After(2 * time.Second)
	for {
		n, err := db.CountMessages(ctx, conv.ID)
		if err != nil {
			t.Fatal(err)
		}
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timeout: stream stopped after bad event")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestListenerHeartbeatUpdatesState(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	l := newTestListener(t, db, b, &fakeConnector{loggedIn: true})
	ctx := context.Background()

	if err := l.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer l.Stop(ctx)

	first, err := db.GetListenerState(ctx)
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(120 * time.Millisecond)

	second, err := db.GetListenerState(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.LastHeartbeat <= first.LastHeartbeat {
		t.Errorf("heartbeat did not advance: %d -> %d", first.LastHeartbeat, second.LastHeartbeat)
	}
}
