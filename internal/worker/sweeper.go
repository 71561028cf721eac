// Package worker runs the periodic lifecycle sweep over subscriptions and
// VPN accounts.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"winston-vpn/internal/lock"
	"winston-vpn/internal/models"
	"winston-vpn/internal/notify"
	"winston-vpn/internal/store"
	"winston-vpn/internal/traffic"
	"winston-vpn/internal/xui"
)

const (
	DefaultConcurrency = 4
	// WarningHorizon is how far ahead accounts get an expiry warning.
	WarningHorizon = 3 * 24 * time.Hour
)

// Reconciler syncs one account's traffic; *traffic.Reconciler satisfies it.
type Reconciler interface {
	Sync(ctx context.Context, sess *xui.Session, acc *models.VpnAccount) (*traffic.Result, error)
}

type Result struct {
	ExpiredSubscriptions int
	ExpiredAccounts      int
	TrafficSynced        int
	TrafficLimitExceeded int
	UpcomingExpiry       int
	NotificationsCreated int
	Failures             int
}

type tally struct {
	expiredSubscriptions atomic.Int64
	expiredAccounts      atomic.Int64
	trafficSynced        atomic.Int64
	limitExceeded        atomic.Int64
	upcoming             atomic.Int64
	notifications        atomic.Int64
	failures             atomic.Int64
}

func (t *tally) result() Result {
	return Result{
		ExpiredSubscriptions: int(t.expiredSubscriptions.Load()),
		ExpiredAccounts:      int(t.expiredAccounts.Load()),
		TrafficSynced:        int(t.trafficSynced.Load()),
		TrafficLimitExceeded: int(t.limitExceeded.Load()),
		UpcomingExpiry:       int(t.upcoming.Load()),
		NotificationsCreated: int(t.notifications.Load()),
		Failures:             int(t.failures.Load()),
	}
}

type Sweeper struct {
	Store    store.Store
	Notifier *notify.Notifier
	// Reconciler is optional; when set and SyncTraffic is true every active
	// account's usage is refreshed from the panel before the limit check.
	Reconciler  Reconciler
	SyncTraffic bool
	Concurrency int
	// Locker, when set, is held per user around each record's
	// read-modify-write so provisioning never races a sweep step.
	Locker lock.Locker
	logger *zap.Logger
}

func NewSweeper(s store.Store, notifier *notify.Notifier, reconciler Reconciler, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		Store:       s,
		Notifier:    notifier,
		Reconciler:  reconciler,
		SyncTraffic: reconciler != nil,
		Concurrency: DefaultConcurrency,
		logger:      logger.Named("sweeper"),
	}
}

// Sweep runs every step against the state at now. Record failures are
// logged and counted; the returned error only reports steps whose listing
// query failed.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Result, error) {
	var t tally
	started := time.Now()

	errs := errors.Join(
		s.expireSubscriptions(ctx, now, &t),
		s.expireAccounts(ctx, now, &t),
		s.enforceTrafficLimits(ctx, now, &t),
		s.warnUpcomingExpiry(ctx, now, &t),
	)

	res := t.result()
	s.logger.Info("sweep finished",
		zap.Int("expired_subscriptions", res.ExpiredSubscriptions),
		zap.Int("expired_accounts", res.ExpiredAccounts),
		zap.Int("traffic_synced", res.TrafficSynced),
		zap.Int("traffic_limit_exceeded", res.TrafficLimitExceeded),
		zap.Int("upcoming_expiry", res.UpcomingExpiry),
		zap.Int("notifications", res.NotificationsCreated),
		zap.Int("failures", res.Failures),
		zap.Duration("took", time.Since(started)),
	)
	return res, errs
}

// each runs fn for every index with bounded concurrency. A failing record
// never stops the others.
func (s *Sweeper) each(ctx context.Context, step string, n int, t *tally, fn func(i int) error) {
	limit := s.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := fn(i); err != nil {
				t.failures.Add(1)
				s.logger.Warn("sweep record failed", zap.String("step", step), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

// withUser runs fn while holding the user's lock.
func (s *Sweeper) withUser(ctx context.Context, userID uint, fn func() error) error {
	if s.Locker == nil {
		return fn()
	}
	unlock, err := s.Locker.Lock(ctx, lock.UserKey(userID))
	if err != nil {
		return fmt.Errorf("failed to lock user %d: %w", userID, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release user lock", zap.Uint("user_id", userID), zap.Error(err))
		}
	}()
	return fn()
}

// freshAccount re-reads a listed account. ok is false when it is gone or
// no longer active.
func (s *Sweeper) freshAccount(ctx context.Context, id uint) (*models.VpnAccount, bool, error) {
	acc, err := s.Store.GetAccount(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("account %d: %w", id, err)
	}
	return acc, acc.Status == models.AccountActive, nil
}

func (s *Sweeper) notify(ctx context.Context, t *tally, req notify.Request, now time.Time) error {
	if s.Notifier == nil {
		return nil
	}
	created, err := s.Notifier.Enqueue(ctx, req, now)
	if err != nil {
		return err
	}
	if created {
		t.notifications.Add(1)
	}
	return nil
}

func (s *Sweeper) expireSubscriptions(ctx context.Context, now time.Time, t *tally) error {
	subs, err := s.Store.ListSubscriptionsExpiredBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list expired subscriptions: %w", err)
	}
	s.each(ctx, "expire_subscriptions", len(subs), t, func(i int) error {
		return s.withUser(ctx, subs[i].UserID, func() error {
			sub, err := s.Store.GetSubscription(ctx, subs[i].ID)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("subscription %d: %w", subs[i].ID, err)
			}
			// renewed or canceled since it was listed
			if sub.Status != models.SubscriptionActive || !sub.ExpiresAt.Before(now) {
				return nil
			}
			if err := sub.Transition(models.SubscriptionExpired, now); err != nil {
				return err
			}
			if err := s.Store.SaveSubscription(ctx, sub); err != nil {
				return fmt.Errorf("subscription %d: %w", sub.ID, err)
			}
			t.expiredSubscriptions.Add(1)
			return nil
		})
	})
	return nil
}

func (s *Sweeper) expireAccounts(ctx context.Context, now time.Time, t *tally) error {
	accounts, err := s.Store.ListAccountsExpiredBefore(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list expired accounts: %w", err)
	}
	s.each(ctx, "expire_accounts", len(accounts), t, func(i int) error {
		return s.withUser(ctx, accounts[i].UserID, func() error {
			acc, ok, err := s.freshAccount(ctx, accounts[i].ID)
			if err != nil || !ok || !acc.ExpiresAt.Before(now) {
				return err
			}
			if err := acc.Transition(models.AccountInactive, models.ReasonExpired, now); err != nil {
				return err
			}
			if err := s.Store.SaveAccount(ctx, acc); err != nil {
				return fmt.Errorf("account %d: %w", acc.ID, err)
			}
			t.expiredAccounts.Add(1)
			s.logger.Info("vpn account expired", zap.Uint("account_id", acc.ID), zap.Uint("user_id", acc.UserID))
			return s.notify(ctx, t, notify.Request{
				UserID:  acc.UserID,
				Type:    models.NotificationVPNExpired,
				Message: notify.ExpiredMessage(),
			}, now)
		})
	})
	return nil
}

func (s *Sweeper) enforceTrafficLimits(ctx context.Context, now time.Time, t *tally) error {
	if s.SyncTraffic && s.Reconciler != nil {
		active, err := s.Store.ListAccountsByStatus(ctx, models.AccountActive)
		if err != nil {
			return fmt.Errorf("failed to list active accounts: %w", err)
		}
		s.each(ctx, "sync_traffic", len(active), t, func(i int) error {
			return s.withUser(ctx, active[i].UserID, func() error {
				acc, ok, err := s.freshAccount(ctx, active[i].ID)
				if err != nil || !ok {
					return err
				}
				// one panel session per record, never shared between goroutines
				res, err := s.Reconciler.Sync(ctx, &xui.Session{}, acc)
				if res != nil {
					t.trafficSynced.Add(1)
					if res.LimitExceeded {
						t.limitExceeded.Add(1)
					}
					if res.Notified {
						t.notifications.Add(1)
					}
				}
				return err
			})
		})
	}

	active, err := s.Store.ListAccountsByStatus(ctx, models.AccountActive)
	if err != nil {
		return fmt.Errorf("failed to list active accounts: %w", err)
	}
	s.each(ctx, "traffic_limit", len(active), t, func(i int) error {
		if !active[i].OverLimit() {
			return nil
		}
		return s.withUser(ctx, active[i].UserID, func() error {
			acc, ok, err := s.freshAccount(ctx, active[i].ID)
			if err != nil || !ok || !acc.OverLimit() {
				return err
			}
			if err := acc.Transition(models.AccountInactive, models.ReasonTrafficLimit, now); err != nil {
				return err
			}
			if err := s.Store.SaveAccount(ctx, acc); err != nil {
				return fmt.Errorf("account %d: %w", acc.ID, err)
			}
			t.limitExceeded.Add(1)
			s.logger.Info("vpn account over traffic limit",
				zap.Uint("account_id", acc.ID),
				zap.Int64("used", acc.TrafficUsedBytes),
				zap.Int64("limit", acc.TrafficLimitBytes),
			)
			return s.notify(ctx, t, notify.Request{
				UserID:  acc.UserID,
				Type:    models.NotificationTrafficLimit,
				Message: notify.TrafficLimitMessage(),
			}, now)
		})
	})
	return nil
}

// DaysLeft rounds the time until expiresAt up to whole days.
func DaysLeft(expiresAt, now time.Time) int {
	return int(math.Ceil(float64(expiresAt.Sub(now)) / float64(24*time.Hour)))
}

func (s *Sweeper) warnUpcomingExpiry(ctx context.Context, now time.Time, t *tally) error {
	accounts, err := s.Store.ListAccountsExpiringBetween(ctx, now, now.Add(WarningHorizon))
	if err != nil {
		return fmt.Errorf("failed to list expiring accounts: %w", err)
	}
	s.each(ctx, "warn_expiry", len(accounts), t, func(i int) error {
		acc := &accounts[i]
		days := DaysLeft(acc.ExpiresAt, now)
		t.upcoming.Add(1)
		return s.notify(ctx, t, notify.Request{
			UserID:  acc.UserID,
			Type:    models.NotificationExpiresSoon(days),
			Message: notify.ExpiresSoonMessage(days),
		}, now)
	})
	return nil
}
