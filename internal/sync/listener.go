package sync

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/provider"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	"go.uber.org/zap"
)

// Connector is the subset of the provider adapter the listener drives.
type Connector interface {
	Connect() error
	Disconnect()
	IsLoggedIn() bool
}

// Listener owns the live provider subscription. It acquires the singleton
// listener lease, runs catch-up, then consumes normalized provider events
// from the bus, one atomic unit of work per event. A heartbeat ticker
// extends leases and persists ListenerState independent of message volume.
type Listener struct {
	db         *store.DB
	bus        *bus.Bus
	engine     *Engine
	reconciler *Reconciler
	locks      *lock.Manager
	machine    *status.Machine
	conn       Connector
	logger     *zap.Logger

	hbInterval    time.Duration
	lastMessageAt int64
	startedAt     int64
	cancel        context.CancelFunc
	fatal         chan error
}

// NewListener creates a live listener.
func NewListener(db *store.DB, b *bus.Bus, engine *Engine, reconciler *Reconciler, locks *lock.Manager, machine *status.Machine, conn Connector, hbInterval time.Duration, logger *zap.Logger) *Listener {
	return &Listener{
		db:         db,
		bus:        b,
		engine:     engine,
		reconciler: reconciler,
		locks:      locks,
		machine:    machine,
		conn:       conn,
		logger:     logger,
		hbInterval: hbInterval,
		fatal:      make(chan error, 1),
	}
}

// Fatal delivers at most one unrecoverable error (provider session revoked,
// store unreachable). The daemon exits non-zero on it so the supervisor
// restarts the process; catch-up on the next start repairs any gap.
func (l *Listener) Fatal() <-chan error { return l.fatal }

// Start runs the startup sequence synchronously (lock, connect, catch-up)
// and then launches the event and heartbeat loops. If the listener lease is
// held elsewhere it returns a *lock.HeldError identifying the holder
// without waiting: two processes must never race for one provider session.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.machine.Transition(status.AcquiringLock); err != nil {
		return err
	}
	if err := l.locks.AcquireOrExplain(ctx, store.LockTypeListener, store.ListenerLockKey); err != nil {
		return err
	}
	l.locks.Run(ctx)

	if err := l.startListening(ctx); err != nil {
		// A failed start never reaches Stop (the lifecycle hook is not
		// registered yet), so the lease must be released here or the next
		// supervisor attempt stays locked out until the lease expires.
		l.locks.Stop()
		if rerr := l.locks.ReleaseAll(ctx); rerr != nil {
			l.logger.Warn("release leases after failed start", zap.Error(rerr))
		}
		return err
	}
	return nil
}

func (l *Listener) startListening(ctx context.Context) error {
	if err := l.machine.Transition(status.Connecting); err != nil {
		return err
	}
	if !l.conn.IsLoggedIn() {
		return fmt.Errorf("provider session not paired; run wppsyncctl auth first")
	}
	if err := l.conn.Connect(); err != nil {
		return fmt.Errorf("connect provider: %w", err)
	}

	if err := l.machine.Transition(status.Reconciling); err != nil {
		return err
	}
	if _, err := l.reconciler.Run(ctx); err != nil {
		// Reconciliation failure leaves checkpoints unchanged; live events
		// still advance them and the next start retries the backlog.
		l.logger.Error("startup reconciliation failed", zap.Error(err))
	}

	if err := l.machine.Transition(status.Listening); err != nil {
		return err
	}

	l.startedAt = time.Now().UnixMilli()
	if err := l.persistState(ctx, store.ListenerRunning); err != nil {
		return fmt.Errorf("persist listener state: %w", err)
	}

	ctx, l.cancel = context.WithCancel(ctx)
	events, unsub := l.bus.Subscribe("provider.", 256)
	go l.eventLoop(ctx, events, unsub)
	go l.heartbeatLoop(ctx)

	l.logger.Info("listener started", zap.Int64("started_at", l.startedAt))
	return nil
}

// Stop performs graceful shutdown: in-flight event handling finishes, the
// provider connection closes, state is persisted and all leases released.
func (l *Listener) Stop(ctx context.Context) {
	_ = l.machine.Transition(status.Stopping)
	if l.cancel != nil {
		l.cancel()
	}
	l.conn.Disconnect()
	if err := l.persistState(ctx, store.ListenerStopped); err != nil {
		l.logger.Warn("persist stopped state failed", zap.Error(err))
	}
	l.locks.Stop()
	if err := l.locks.ReleaseAll(ctx); err != nil {
		l.logger.Warn("release leases failed", zap.Error(err))
	}
	_ = l.machine.Transition(status.Stopped)
	l.logger.Info("listener stopped")
}

func (l *Listener) eventLoop(ctx context.Context, events <-chan bus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case evt := <-events:
			l.handleEvent(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindProviderMessage:
		msg, ok := evt.Payload.(provider.MessageEvent)
		if !ok {
			return
		}
		atomic.StoreInt64(&l.lastMessageAt, time.Now().UnixMilli())
		// A single event's failure never stops the stream.
		if err := l.engine.ApplyEvent(ctx, msg); err != nil {
			l.logger.Error("event ingest failed",
				zap.String("chat_id", msg.ChatID),
				zap.Int64("ordinal", msg.Ordinal),
				zap.Error(err))
		}
	case bus.KindProviderLoggedOut:
		l.reportFatal(fmt.Errorf("provider authorization revoked"))
	case bus.KindProviderStreamError:
		l.reportFatal(fmt.Errorf("provider stream failed: %v", evt.Payload))
	case bus.KindProviderDisconnected:
		// whatsmeow reconnects on its own; log and keep listening.
		l.logger.Warn("provider connection lost, waiting for reconnect")
	}
}

func (l *Listener) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(l.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := l.persistState(ctx, store.ListenerRunning); err != nil {
				l.logger.Error("listener heartbeat failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) persistState(ctx context.Context, st string) error {
	hostname, _ := os.Hostname()
	return l.db.UpsertListenerState(ctx, &store.ListenerState{
		Status:           st,
		PID:              os.Getpid(),
		Hostname:         hostname,
		StartedAt:        l.startedAt,
		LastHeartbeat:    time.Now().UnixMilli(),
		LastMessageAt:    atomic.LoadInt64(&l.lastMessageAt),
		MessagesReceived: l.engine.Ingested(),
	})
}

func (l *Listener) reportFatal(err error) {
	select {
	case l.fatal <- err:
	default:
	}
}
