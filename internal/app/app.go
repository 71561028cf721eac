// Package app assembles the services shared by the bot and the admin CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"winston-vpn/internal/config"
	"winston-vpn/internal/database"
	"winston-vpn/internal/lock"
	"winston-vpn/internal/notify"
	"winston-vpn/internal/provisioning"
	"winston-vpn/internal/store"
	"winston-vpn/internal/traffic"
	"winston-vpn/internal/worker"
	"winston-vpn/internal/xui"
)

const (
	lockPrefix = "winston:lock:"
	lockTTL    = 5 * time.Minute
)

type App struct {
	Config       *config.Config
	Store        store.Store
	Panel        *xui.Client
	Locker       lock.Locker
	Notifier     *notify.Notifier
	Reconciler   *traffic.Reconciler
	Orchestrator *provisioning.Orchestrator
	Sweeper      *worker.Sweeper
	Checker      *worker.Checker

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg}

	s, err := a.openStore(cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = s

	locker, err := a.openLocker(ctx, cfg, log)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Locker = locker

	a.Panel = xui.NewClient(cfg.PanelURL, cfg.PanelUsername, cfg.PanelPassword, xui.Options{
		Timeout: cfg.PanelTimeout,
		Logger:  log,
	})
	a.Notifier = notify.NewNotifier(a.Store, log)
	a.Reconciler = traffic.NewReconciler(a.Store, a.Panel, a.Notifier, log)
	a.Reconciler.Locker = a.Locker
	a.Orchestrator = provisioning.New(a.Store, a.Panel, a.Locker, provisioning.Config{
		DefaultInboundID:         cfg.PanelInboundID,
		ResetTrafficOnReactivate: cfg.ResetTrafficOnReactivate,
		VerifyDelay:              cfg.VerifyDelay,
	}, log)

	a.Sweeper = worker.NewSweeper(a.Store, a.Notifier, a.Reconciler, log)
	a.Sweeper.SyncTraffic = cfg.SweepSyncTraffic
	a.Sweeper.Concurrency = cfg.SweepConcurrency
	a.Sweeper.Locker = a.Locker
	a.Checker = worker.NewChecker(a.Sweeper, a.Locker, cfg.SweepInterval, log)

	return a, nil
}

func (a *App) openStore(cfg *config.Config, log *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == config.StoreMemory {
		log.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil
	}

	db, err := database.ConnectPostgres(cfg, log)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	a.closers = append(a.closers, sqlDB.Close)
	return store.NewGormStore(db), nil
}

func (a *App) openLocker(ctx context.Context, cfg *config.Config, log *zap.Logger) (lock.Locker, error) {
	if cfg.RedisHost == "" {
		log.Info("redis not configured, using file locks", zap.String("dir", cfg.LockDir))
		return lock.NewFileLocker(cfg.LockDir)
	}

	rdb, err := database.ConnectRedis(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, rdb.Close)
	return lock.NewRedisLocker(rdb, lockPrefix, lockTTL), nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
