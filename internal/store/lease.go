package store

import (
	"context"
	"database/sql"
	"time"
)

// PurgeExpiredLeases deletes expired lease rows for the given key.
// Crash recovery: a dead holder's lease simply elapses and is swept here.
func (db *DB) PurgeExpiredLeases(ctx context.Context, lockType, lockKey string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		DELETE FROM leases WHERE lock_type = ? AND lock_key = ? AND expires_at < ?`,
		lockType, lockKey, now)
	return err
}

// InsertLease atomically inserts a lease row if none exists for the key.
// Returns false without error when the key is already held.
func (db *DB) InsertLease(ctx context.Context, l *Lease) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO leases (lock_type, lock_key, holder_id, pid, hostname, acquired_at, expires_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lock_type, lock_key) DO NOTHING`,
		l.LockType, l.LockKey, l.HolderID, l.PID, l.Hostname, l.AcquiredAt, l.ExpiresAt, l.HeartbeatAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetLease returns the lease row for a key, or nil when absent.
func (db *DB) GetLease(ctx context.Context, lockType, lockKey string) (*Lease, error) {
	var l Lease
	err := db.QueryRowContext(ctx, `
		SELECT lock_type, lock_key, holder_id, pid, hostname, acquired_at, expires_at, heartbeat_at
		FROM leases WHERE lock_type = ? AND lock_key = ?`, lockType, lockKey).
		Scan(&l.LockType, &l.LockKey, &l.HolderID, &l.PID, &l.Hostname, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// DeleteLease removes a lease row only if it is owned by holderID.
func (db *DB) DeleteLease(ctx context.Context, lockType, lockKey, holderID string) error {
	_, err := db.ExecContext(ctx, `
		DELETE FROM leases WHERE lock_type = ? AND lock_key = ? AND holder_id = ?`,
		lockType, lockKey, holderID)
	return err
}

// DeleteLeasesByHolder removes every lease owned by holderID.
func (db *DB) DeleteLeasesByHolder(ctx context.Context, holderID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM leases WHERE holder_id = ?`, holderID)
	return err
}

// ExtendLeasesByHolder pushes out expires_at and heartbeat_at for every
// lease owned by holderID. Returns the number of leases extended.
func (db *DB) ExtendLeasesByHolder(ctx context.Context, holderID string, lease time.Duration) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ?, heartbeat_at = ? WHERE holder_id = ?`,
		now+lease.Milliseconds(), now, holderID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListLeases returns all lease rows, unexpired first.
func (db *DB) ListLeases(ctx context.Context) ([]Lease, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT lock_type, lock_key, holder_id, pid, hostname, acquired_at, expires_at, heartbeat_at
		FROM leases ORDER BY expires_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var leases []Lease
	for rows.Next() {
		var l Lease
		if err := rows.Scan(&l.LockType, &l.LockKey, &l.HolderID, &l.PID, &l.Hostname, &l.AcquiredAt, &l.ExpiresAt, &l.HeartbeatAt); err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}
