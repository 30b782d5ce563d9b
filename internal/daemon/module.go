// Package daemon assembles the tgvault daemon from its components.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/tgvault/tgvault/internal/api"
	"github.com/tgvault/tgvault/internal/auth"
	"github.com/tgvault/tgvault/internal/bus"
	"github.com/tgvault/tgvault/internal/config"
	"github.com/tgvault/tgvault/internal/crypto"
	"github.com/tgvault/tgvault/internal/fetch"
	"github.com/tgvault/tgvault/internal/lock"
	"github.com/tgvault/tgvault/internal/logging"
	"github.com/tgvault/tgvault/internal/paths"
	"github.com/tgvault/tgvault/internal/progress"
	"github.com/tgvault/tgvault/internal/store"
	"github.com/tgvault/tgvault/internal/supervisor"
	"github.com/tgvault/tgvault/internal/telegram"
)

// secretEnv is the environment variable holding the session sealing
// secret. It is read once at startup and never persisted.
const secretEnv = "TGVAULT_SECRET"

// Params holds the resolved startup options passed to the fx module.
type Params struct {
	DataDir string // empty = ~/.tgvault
	Listen  string // optional override of the configured listen address
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLayout,
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideSealer,
			provideStorage,
			provideClient,
			provideBreaker,
			provideSupervisor,
			provideController,
			provideTracker,
			provideFetcher,
			provideAPI,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLayout(p Params) (paths.Layout, error) {
	layout := paths.Default()
	if p.DataDir != "" {
		layout = paths.At(p.DataDir)
	}
	if err := layout.Ensure(); err != nil {
		return paths.Layout{}, fmt.Errorf("create data dir: %w", err)
	}
	return layout, nil
}

func provideConfig(p Params, layout paths.Layout) (*config.Config, error) {
	cfg, err := config.Load(layout.ConfigPath())
	if err != nil {
		return nil, err
	}
	if p.Listen != "" {
		cfg.Listen = p.Listen
	}
	return cfg, nil
}

func provideLogger(layout paths.Layout) (*zap.Logger, error) {
	return logging.New(layout.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(layout paths.Layout, logger *zap.Logger) (*lock.Lock, error) {
	l, err := lock.Acquire(layout.Root())
	if err != nil {
		return nil, err
	}
	logger.Info("daemon lock acquired", zap.String("dir", layout.Root()))
	return l, nil
}

func provideStore(layout paths.Layout, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(layout.DBPath())
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
	logger.Info("store initialized", zap.String("path", layout.DBPath()))
	return db, nil
}

func provideSealer() (*crypto.Sealer, error) {
	secret := os.Getenv(secretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%s is not set; the session secret is required", secretEnv)
	}
	return crypto.NewSealer(secret)
}

func provideStorage(db *store.DB, sealer *crypto.Sealer) *telegram.SealedStorage {
	return telegram.NewSealedStorage(db, sealer)
}

func provideClient(cfg *config.Config, storage *telegram.SealedStorage, logger *zap.Logger) (telegram.Client, error) {
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		return nil, errors.New("telegram.api_id and telegram.api_hash must be set in config.toml")
	}
	return telegram.NewGotdClient(cfg.Telegram.APIID, cfg.Telegram.APIHash, storage, logger.Named("telegram")), nil
}

func provideBreaker(cfg *config.Config) *supervisor.Breaker {
	return supervisor.NewBreaker(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown.Std())
}

func provideSupervisor(client telegram.Client, breaker *supervisor.Breaker, logger *zap.Logger) *supervisor.Supervisor {
	return supervisor.New(client, breaker, supervisor.DefaultConfig(), logger.Named("supervisor"))
}

func provideController(db *store.DB, sealer *crypto.Sealer, sup *supervisor.Supervisor, b *bus.Bus, cfg *config.Config, logger *zap.Logger) (*auth.Controller, error) {
	return auth.NewController(db, sealer, sup, b, cfg.Fetch.AuthTimeout.Std(), logger.Named("auth"))
}

func provideTracker() *progress.Tracker {
	return progress.NewTracker()
}

func provideFetcher(db *store.DB, sup *supervisor.Supervisor, tracker *progress.Tracker, b *bus.Bus, controller *auth.Controller, cfg *config.Config, logger *zap.Logger) *fetch.Fetcher {
	return fetch.New(db, sup, tracker, b, controller, fetch.Config{
		BatchSize:   cfg.Fetch.BatchSize,
		PageTimeout: cfg.Fetch.PageTimeout.Std(),
		PagePause:   time.Second,
	}, logger.Named("fetch"))
}

func provideAPI(controller *auth.Controller, fetcher *fetch.Fetcher, tracker *progress.Tracker, logger *zap.Logger) *api.Server {
	return api.NewServer(controller, fetcher, tracker, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, sup *supervisor.Supervisor, controller *auth.Controller, fetcher *fetch.Fetcher, b *bus.Bus, logger *zap.Logger) {
	// Reset cancels a running fetch before tearing down the session.
	controller.SetFetchCanceller(fetcher.Cancel)

	sub := b.Watch("", 64)
	go func() {
		for evt := range sub.Events() {
			logger.Info("event", zap.String("kind", string(evt.Kind)), zap.Any("payload", evt.Payload))
		}
	}()

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			state, _ := controller.Status()
			logger.Info("daemon started",
				zap.String("addr", srv.Addr()),
				zap.String("auth_state", string(state)))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			fetcher.Cancel()
			sup.Shutdown()
			srv.Stop(ctx)
			sub.Close()
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
