package store

import (
	"context"
	"database/sql"
)

// UpsertListenerState writes the singleton listener health row.
// Only the lock-holding listener calls this.
func (db *DB) UpsertListenerState(ctx context.Context, s *ListenerState) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO listener_state (id, status, pid, hostname, started_at, last_heartbeat, last_message_at, messages_received)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			pid = excluded.pid,
			hostname = excluded.hostname,
			started_at = excluded.started_at,
			last_heartbeat = excluded.last_heartbeat,
			last_message_at = excluded.last_message_at,
			messages_received = excluded.messages_received`,
		s.Status, s.PID, s.Hostname, s.StartedAt, s.LastHeartbeat, s.LastMessageAt, s.MessagesReceived)
	return err
}

// GetListenerState returns the singleton listener row, or nil when absent.
func (db *DB) GetListenerState(ctx context.Context) (*ListenerState, error) {
	var s ListenerState
	err := db.QueryRowContext(ctx, `
		SELECT status, pid, hostname, started_at, last_heartbeat, last_message_at, messages_received
		FROM listener_state WHERE id = 1`).
		Scan(&s.Status, &s.PID, &s.Hostname, &s.StartedAt, &s.LastHeartbeat, &s.LastMessageAt, &s.MessagesReceived)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
