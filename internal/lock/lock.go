// Package lock implements a lease-based distributed lock manager over the
// store's leases table. Independent processes (listener, batch syncer,
// per-conversation syncer) coordinate only through these rows: acquisition
// is a single atomic insert-if-absent, expiry gives automatic crash
// recovery, and a heartbeat loop keeps live holders from expiring.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

// HeldError describes a lease currently owned by another holder.
// Acquisition contention is a normal negative result, not an error;
// HeldError is only built for diagnostics via Inspect or AcquireOrExplain.
type HeldError struct {
	LockType string
	LockKey  string
	HolderID string
	PID      int
	Hostname string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock %s/%s held by pid %d on %s (holder %s)",
		e.LockType, e.LockKey, e.PID, e.Hostname, e.HolderID)
}

// Manager acquires and maintains leases on behalf of one process.
type Manager struct {
	db       *store.DB
	logger   *zap.Logger
	holderID string
	pid      int
	hostname string
	lease    time.Duration
	interval time.Duration
	cancel   context.CancelFunc
}

// NewManager creates a lock manager with a fresh holder identity.
func NewManager(db *store.DB, lease, heartbeat time.Duration, logger *zap.Logger) *Manager {
	hostname, _ := os.Hostname()
	return &Manager{
		db:       db,
		logger:   logger,
		holderID: uuid.NewString(),
		pid:      os.Getpid(),
		hostname: hostname,
		lease:    lease,
		interval: heartbeat,
	}
}

// HolderID returns this manager's holder identity.
func (m *Manager) HolderID() string { return m.holderID }

// Acquire attempts to take the lease for (lockType, lockKey).
// Returns false when another unexpired holder owns it. Never blocks.
func (m *Manager) Acquire(ctx context.Context, lockType, lockKey string) (bool, error) {
	// Sweep an elapsed lease from a crashed holder before trying.
	if err := m.db.PurgeExpiredLeases(ctx, lockType, lockKey); err != nil {
		return false, fmt.Errorf("purge expired leases: %w", err)
	}

	now := time.Now().UnixMilli()
	ok, err := m.db.InsertLease(ctx, &store.Lease{
		LockType:    lockType,
		LockKey:     lockKey,
		HolderID:    m.holderID,
		PID:         m.pid,
		Hostname:    m.hostname,
		AcquiredAt:  now,
		ExpiresAt:   now + m.lease.Milliseconds(),
		HeartbeatAt: now,
	})
	if err != nil {
		return false, fmt.Errorf("insert lease: %w", err)
	}
	return ok, nil
}

// AcquireOrExplain attempts acquisition and, on contention, returns a
// HeldError identifying the current holder.
func (m *Manager) AcquireOrExplain(ctx context.Context, lockType, lockKey string) error {
	ok, err := m.Acquire(ctx, lockType, lockKey)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	holder, err := m.Inspect(ctx, lockType, lockKey)
	if err != nil {
		return err
	}
	if holder == nil {
		// Holder released between attempts; report generically.
		return &HeldError{LockType: lockType, LockKey: lockKey}
	}
	return &HeldError{
		LockType: lockType,
		LockKey:  lockKey,
		HolderID: holder.HolderID,
		PID:      holder.PID,
		Hostname: holder.Hostname,
	}
}

// Release drops a lease held by this manager. Releasing a lease owned by
// another holder is a no-op.
func (m *Manager) Release(ctx context.Context, lockType, lockKey string) error {
	return m.db.DeleteLease(ctx, lockType, lockKey, m.holderID)
}

// ReleaseAll drops every lease held by this manager. Called on graceful
// shutdown; a crash relies on lease expiry instead.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	return m.db.DeleteLeasesByHolder(ctx, m.holderID)
}

// Heartbeat extends every lease held by this manager by the lease duration.
func (m *Manager) Heartbeat(ctx context.Context) error {
	n, err := m.db.ExtendLeasesByHolder(ctx, m.holderID, m.lease)
	if err != nil {
		return fmt.Errorf("extend leases: %w", err)
	}
	if n > 0 && m.logger != nil {
		m.logger.Debug("leases extended", zap.Int64("count", n))
	}
	return nil
}

// Inspect returns the current lease row for a key (expired or not), or nil.
func (m *Manager) Inspect(ctx context.Context, lockType, lockKey string) (*store.Lease, error) {
	return m.db.GetLease(ctx, lockType, lockKey)
}

// Run starts the background heartbeat loop. It ticks on an independent
// timer so a slow provider or store call on the main path cannot starve
// lease renewal.
func (m *Manager) Run(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Heartbeat(ctx); err != nil && m.logger != nil {
					m.logger.Error("lease heartbeat failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the heartbeat loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}
