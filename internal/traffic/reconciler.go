// Package traffic reconciles stored traffic usage against the panel's
// counters.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"winston-vpn/internal/lock"
	"winston-vpn/internal/models"
	"winston-vpn/internal/notify"
	"winston-vpn/internal/store"
	"winston-vpn/internal/vpnerr"
	"winston-vpn/internal/xui"
)

type Result struct {
	AccountID     uint
	Source        string
	Used          int64
	Changed       bool
	LimitExceeded bool
	Notified      bool
}

type Reconciler struct {
	Store      store.Store
	Notifier   *notify.Notifier
	Strategies []Strategy
	// Locker, when set, serializes SyncAccount with provisioning writes to
	// the same user.
	Locker lock.Locker
	Now    func() time.Time
	logger *zap.Logger
}

func NewReconciler(s store.Store, panel Panel, notifier *notify.Notifier, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		Store:      s,
		Notifier:   notifier,
		Strategies: DefaultStrategies(panel),
		Now:        time.Now,
		logger:     logger.Named("traffic"),
	}
}

// Sync refreshes acc's usage from the first strategy that finds it, then
// deactivates the account if it is over its limit. Strategy failures are
// logged; only store failures are returned. acc is updated in place.
func (r *Reconciler) Sync(ctx context.Context, sess *xui.Session, acc *models.VpnAccount) (*Result, error) {
	if sess == nil {
		sess = &xui.Session{}
	}
	log := r.logger.With(zap.Uint("account_id", acc.ID), zap.String("email", acc.Email))
	res := &Result{AccountID: acc.ID, Source: SourceKeepStored, Used: acc.TrafficUsedBytes}

	var observed int64
	found := false
strategies:
	for _, s := range r.Strategies {
		sr := s.Lookup(ctx, sess, acc)
		switch sr.Outcome {
		case Found:
			observed = sr.Used
			res.Source = s.Name
			found = true
			break strategies
		case NotFound:
			log.Debug("traffic strategy found nothing", zap.String("strategy", s.Name))
		case Failed:
			log.Warn("traffic strategy failed", zap.String("strategy", s.Name), zap.Error(sr.Err))
			var authErr *vpnerr.AuthError
			if errors.As(sr.Err, &authErr) {
				break strategies
			}
		}
	}

	now := r.Now()
	if found {
		res.Changed = acc.ObserveUsage(observed)
	}
	if acc.Status == models.AccountActive && acc.OverLimit() {
		if err := acc.Transition(models.AccountInactive, models.ReasonTrafficLimit, now); err != nil {
			return nil, err
		}
		res.LimitExceeded = true
	}
	res.Used = acc.TrafficUsedBytes

	if res.Changed || res.LimitExceeded {
		acc.UpdatedAt = now
		if err := r.Store.SaveAccount(ctx, acc); err != nil {
			return nil, fmt.Errorf("failed to save traffic usage: %w", err)
		}
	}

	if res.LimitExceeded {
		log.Info("traffic limit reached, account deactivated",
			zap.Int64("used", acc.TrafficUsedBytes),
			zap.Int64("limit", acc.TrafficLimitBytes),
		)
		if r.Notifier != nil {
			created, err := r.Notifier.Enqueue(ctx, notify.Request{
				UserID:  acc.UserID,
				Type:    models.NotificationTrafficLimit,
				Message: notify.TrafficLimitMessage(),
			}, now)
			if err != nil {
				return res, err
			}
			res.Notified = created
		}
	}

	log.Debug("traffic synced", zap.String("source", res.Source), zap.Int64("used", res.Used), zap.Bool("changed", res.Changed))
	return res, nil
}

// SyncByEmail loads the account with the given identity and syncs it.
func (r *Reconciler) SyncByEmail(ctx context.Context, email string) (*Result, error) {
	acc, err := r.Store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, vpnerr.NotFound("vpn account", email)
		}
		return nil, err
	}
	return r.SyncAccount(ctx, &xui.Session{}, acc.ID)
}

// SyncAccount syncs the account with the given id. The record is read
// while holding its user's lock, so the write cannot clobber a concurrent
// extension or reactivation.
func (r *Reconciler) SyncAccount(ctx context.Context, sess *xui.Session, accountID uint) (*Result, error) {
	acc, err := r.Store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, vpnerr.NotFound("vpn account", accountID)
		}
		return nil, err
	}
	if r.Locker == nil {
		return r.Sync(ctx, sess, acc)
	}

	unlock, err := r.Locker.Lock(ctx, lock.UserKey(acc.UserID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock user %d: %w", acc.UserID, err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warn("failed to release user lock", zap.Uint("user_id", acc.UserID), zap.Error(err))
		}
	}()

	fresh, err := r.Store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, vpnerr.NotFound("vpn account", accountID)
		}
		return nil, err
	}
	return r.Sync(ctx, sess, fresh)
}
