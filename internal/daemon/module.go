// Package daemon composes the sync core into a runnable process.
package daemon

import (
	"context"
	"time"

	"github.com/pdromr/chatsync/internal/bus"
	"github.com/pdromr/chatsync/internal/config"
	"github.com/pdromr/chatsync/internal/dispatcher"
	"github.com/pdromr/chatsync/internal/lock"
	"github.com/pdromr/chatsync/internal/logging"
	"github.com/pdromr/chatsync/internal/outbox"
	"github.com/pdromr/chatsync/internal/profile"
	"github.com/pdromr/chatsync/internal/remote"
	"github.com/pdromr/chatsync/internal/store"
	"github.com/pdromr/chatsync/internal/syncer"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	ConfigPath  string // optional override; empty = global config path
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideEngine,
			providePolicy,
			provideRetrier,
			provideDispatcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = profile.ConfigPath()
	}
	return config.LoadOrDefault(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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

func provideRemote(cfg *config.Config, logger *zap.Logger) remote.Client {
	return remote.NewAPIClient(remote.Options{
		BaseURL:          cfg.Remote.BaseURL,
		SubmitTimeout:    cfg.Remote.SubmitTimeout.Duration,
		HandshakeTimeout: cfg.Remote.HandshakeTimeout.Duration,
		FetchTimeout:     cfg.Remote.FetchTimeout.Duration,
	}, logger)
}

func provideEngine(db *store.DB, rc remote.Client, b *bus.Bus, logger *zap.Logger) *syncer.Engine {
	return syncer.NewEngine(db, rc, b, logger)
}

func providePolicy(cfg *config.Config) outbox.Policy {
	return outbox.Policy{
		BaseDelay:   cfg.Retry.BaseDelay.Duration,
		MaxDelay:    cfg.Retry.MaxDelay.Duration,
		Jitter:      cfg.Retry.Jitter,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}
}

func provideRetrier(db *store.DB, engine *syncer.Engine, b *bus.Bus, policy outbox.Policy, cfg *config.Config, logger *zap.Logger) *outbox.Retrier {
	return outbox.NewRetrier(db, engine, b, policy,
		cfg.Retry.SweepInterval.Duration, cfg.Retry.SweepBatch, logger)
}

func provideDispatcher(db *store.DB, engine *syncer.Engine, retrier *outbox.Retrier, b *bus.Bus, policy outbox.Policy, logger *zap.Logger) *dispatcher.Dispatcher {
	return dispatcher.New(db, engine, retrier, b, policy, logger)
}

func registerLifecycle(lc fx.Lifecycle, db *store.DB, retrier *outbox.Retrier, disp *dispatcher.Dispatcher, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Release sweep claims left by a previous crash.
			requeued, err := db.RequeueStaleClaims(time.Now().Add(-time.Minute).UnixMilli())
			if err != nil {
				return err
			}
			if requeued > 0 {
				logger.Info("requeued stale outbox claims", zap.Int("count", requeued))
			}

			retrier.Start(context.Background())
			if err := disp.Start(context.Background()); err != nil {
				return err
			}
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			disp.Stop()
			retrier.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
