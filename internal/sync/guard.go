package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/wppsync/internal/store"
)

// ListenerActive reports whether a live listener currently owns the
// provider session, as a human-readable reason, or "" when none does.
// Two signals are checked: a fresh listener_state heartbeat, and the
// singleton listener lease. The lease is held from before the listener
// first persists state, so the lease check covers the startup window
// (connect + reconciliation can run for minutes with no heartbeat row)
// where a second connection on the same credentials would replace the
// daemon's stream.
func ListenerActive(ctx context.Context, db *store.DB, staleAfter time.Duration) (string, error) {
	state, err := db.GetListenerState(ctx)
	if err != nil {
		return "", err
	}
	if state != nil && state.Status == store.ListenerRunning &&
		time.Since(time.UnixMilli(state.LastHeartbeat)) <= staleAfter {
		return fmt.Sprintf("live listener is running (pid %d on %s)", state.PID, state.Hostname), nil
	}

	lease, err := db.GetLease(ctx, store.LockTypeListener, store.ListenerLockKey)
	if err != nil {
		return "", err
	}
	if lease != nil && lease.ExpiresAt > time.Now().UnixMilli() {
		return fmt.Sprintf("listener lease held by pid %d on %s; the daemon is starting up", lease.PID, lease.Hostname), nil
	}
	return "", nil
}
