package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"winston-vpn/internal/lock"
)

const (
	DefaultInterval = time.Hour
	sweepLockKey    = "sweep"
)

// Checker runs the sweep on start and then on every tick. A cross-process
// lock keeps concurrent instances from sweeping at the same time.
type Checker struct {
	Sweeper  *Sweeper
	Locker   lock.Locker
	Interval time.Duration
	Now      func() time.Time
	logger   *zap.Logger
}

func NewChecker(sweeper *Sweeper, locker lock.Locker, interval time.Duration, logger *zap.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		Sweeper:  sweeper,
		Locker:   locker,
		Interval: interval,
		Now:      time.Now,
		logger:   logger.Named("checker"),
	}
}

// Start blocks until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	c.logger.Info("background lifecycle worker started", zap.Duration("interval", c.Interval))

	c.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("background lifecycle worker stopped")
			return
		case <-ticker.C:
			c.runLogged(ctx)
		}
	}
}

func (c *Checker) runLogged(ctx context.Context) {
	if _, _, err := c.RunOnce(ctx); err != nil {
		c.logger.Error("sweep cycle failed", zap.Error(err))
	}
}

// RunOnce sweeps if no other instance holds the sweep lock. ran is false
// when the lock was taken.
func (c *Checker) RunOnce(ctx context.Context) (res Result, ran bool, err error) {
	unlock, ok, err := c.Locker.TryLock(ctx, sweepLockKey)
	if err != nil {
		return Result{}, false, err
	}
	if !ok {
		c.logger.Info("sweep already running elsewhere, skipping cycle")
		return Result{}, false, nil
	}
	defer func() {
		if uerr := unlock(context.WithoutCancel(ctx)); uerr != nil {
			c.logger.Warn("failed to release sweep lock", zap.Error(uerr))
		}
	}()

	c.logger.Info("running lifecycle sweep")
	res, err = c.Sweeper.Sweep(ctx, c.Now())
	return res, true, err
}
