package daemon

import (
	"context"
	"errors"

	"github.com/matheus3301/wppsync/internal/bus"
	"github.com/matheus3301/wppsync/internal/config"
	"github.com/matheus3301/wppsync/internal/lock"
	"github.com/matheus3301/wppsync/internal/logging"
	"github.com/matheus3301/wppsync/internal/outbox"
	"github.com/matheus3301/wppsync/internal/relay"
	"github.com/matheus3301/wppsync/internal/session"
	"github.com/matheus3301/wppsync/internal/status"
	"github.com/matheus3301/wppsync/internal/store"
	intsync "github.com/matheus3301/wppsync/internal/sync"
	"github.com/matheus3301/wppsync/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	RelayAddr   string // optional "host:port" override; empty = Unix socket
}

// Module returns the fx module for the listener daemon, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideStore,
			provideLockManager,
			provideAdapter,
			provideEngine,
			provideReconciler,
			provideListener,
			provideDispatcher,
			provideRelay,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params, logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		logger.Info("config not loaded, using defaults", zap.Error(err))
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	dbPath := session.AppDBPath(p.SessionName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideLockManager(db *store.DB, cfg *config.Config, logger *zap.Logger) *lock.Manager {
	return lock.NewManager(db, cfg.LeaseDuration(), cfg.HeartbeatInterval(), logger)
}

func provideAdapter(p Params, b *bus.Bus, logger *zap.Logger) (*wa.Adapter, error) {
	return wa.NewAdapter(context.Background(), p.SessionName, b, logger)
}

func provideEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideReconciler(db *store.DB, engine *intsync.Engine, adapter *wa.Adapter, cfg *config.Config, logger *zap.Logger) *intsync.Reconciler {
	return intsync.NewReconciler(db, engine, adapter,
		cfg.Sync.StartupBatchSize, cfg.Sync.PerChatHistoryLimit, cfg.Sync.Concurrency, logger)
}

func provideListener(db *store.DB, b *bus.Bus, engine *intsync.Engine, reconciler *intsync.Reconciler, locks *lock.Manager, machine *status.Machine, adapter *wa.Adapter, cfg *config.Config, logger *zap.Logger) *intsync.Listener {
	return intsync.NewListener(db, b, engine, reconciler, locks, machine, adapter, cfg.HeartbeatInterval(), logger)
}

func provideDispatcher(db *store.DB, adapter *wa.Adapter, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Dispatcher {
	return outbox.NewDispatcher(db, adapter, adapter, b,
		cfg.OutboxPollInterval(), cfg.Outbox.MaxAttempts, cfg.OutboxBackoff(), logger)
}

func provideRelay(p Params, db *store.DB, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *relay.Server {
	network, addr := "unix", session.RelaySocketPath(p.SessionName)
	if p.RelayAddr != "" {
		network, addr = "tcp", p.RelayAddr
	} else if cfg.Relay.ListenAddr != "" {
		network, addr = "tcp", cfg.Relay.ListenAddr
	}
	detector := relay.NewStoreDetector(db)
	return relay.NewServer(detector, b, network, addr,
		cfg.RelayPollInterval(), cfg.RelayHeartbeatInterval(), logger)
}

func registerLifecycle(lc fx.Lifecycle, sd fx.Shutdowner, listener *intsync.Listener, dispatcher *outbox.Dispatcher, relaySrv *relay.Server, adapter *wa.Adapter, db *store.DB, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			// Normalized provider events flow through the bus; the
			// listener's event loop consumes them.
			handler := wa.NewEventHandler(b, logger)
			adapter.RegisterEventHandler(handler.Handle)

			if err := listener.Start(ctx); err != nil {
				var held *lock.HeldError
				if errors.As(err, &held) {
					logger.Error("another listener is live, exiting", zap.String("holder", held.Error()))
				}
				return err
			}

			dispatcher.Start(ctx)
			if err := relaySrv.Start(ctx); err != nil {
				return err
			}

			// Seed sender resolution from the provider's contact store.
			go func() {
				if contacts := adapter.Contacts(ctx); len(contacts) > 0 {
					if err := db.UpsertContacts(ctx, contacts); err != nil {
						logger.Warn("contact seeding failed", zap.Error(err))
					} else {
						logger.Info("contacts seeded", zap.Int("count", len(contacts)))
					}
				}
			}()

			// Fatal listener errors exit non-zero so the supervisor
			// restarts the process; catch-up repairs the gap on restart.
			go func() {
				err := <-listener.Fatal()
				logger.Error("listener fatal error", zap.Error(err))
				_ = sd.Shutdown(fx.ExitCode(1))
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			relaySrv.Stop(ctx)
			dispatcher.Stop()
			listener.Stop(ctx)
			logger.Info("daemon stopped")
			return nil
		},
	})
}
