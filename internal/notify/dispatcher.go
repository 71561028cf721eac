package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"winston-vpn/internal/models"
	"winston-vpn/internal/store"
)

// Sender delivers one notification to a Telegram user.
type Sender interface {
	Send(ctx context.Context, telegramID int64, n models.Notification) error
}

const (
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = time.Minute
	maxRetryDelay      = 6 * time.Hour
)

// Dispatcher periodically delivers unsent notifications and marks them
// sent. Failed deliveries back off exponentially and are given up on after
// MaxAttempts, so they never hold back newer notifications.
type Dispatcher struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Now         func() time.Time

	store     store.Store
	sender    Sender
	log       *zap.Logger
	interval  time.Duration
	batchSize int
}

func NewDispatcher(s store.Store, sender Sender, log *zap.Logger, interval time.Duration, batchSize int) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Dispatcher{
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		Now:         time.Now,
		store:       s,
		sender:      sender,
		log:         log,
		interval:    interval,
		batchSize:   batchSize,
	}
}

// Run starts the loop until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.DispatchOnce(ctx)
		}
	}
}

// DispatchOnce sends one batch and returns how many were delivered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) int {
	now := d.Now()
	pending, err := d.store.ListUnsentNotifications(ctx, now, d.batchSize)
	if err != nil {
		d.log.Error("ListUnsentNotifications failed", zap.Error(err))
		return 0
	}

	sent := 0
	for _, n := range pending {
		user, err := d.store.GetUser(ctx, n.UserID)
		if err != nil {
			d.log.Error("notification user lookup failed", zap.Error(err), zap.Uint("notification_id", n.ID))
			d.fail(ctx, n, now, errors.Is(err, store.ErrNotFound))
			continue
		}
		if user.IsBlocked {
			// nothing to deliver to; keep the record but stop retrying it
			if err := d.store.MarkNotificationSent(ctx, n.ID); err != nil {
				d.log.Error("MarkNotificationSent failed", zap.Error(err), zap.Uint("notification_id", n.ID))
			}
			continue
		}
		if err := d.sender.Send(ctx, user.TelegramID, n); err != nil {
			d.log.Error("send failed", zap.Error(err), zap.Int64("chatID", user.TelegramID), zap.String("type", n.Type))
			d.fail(ctx, n, now, false)
			continue
		}
		if err := d.store.MarkNotificationSent(ctx, n.ID); err != nil {
			d.log.Error("MarkNotificationSent failed", zap.Error(err), zap.Uint("notification_id", n.ID))
			continue
		}
		sent++
	}
	return sent
}

func (d *Dispatcher) fail(ctx context.Context, n models.Notification, now time.Time, giveUp bool) {
	attempts := n.Attempts + 1
	if attempts >= d.MaxAttempts {
		giveUp = true
	}
	if err := d.store.RecordNotificationFailure(ctx, n.ID, now.Add(d.retryDelay(attempts)), giveUp); err != nil {
		d.log.Error("RecordNotificationFailure failed", zap.Error(err), zap.Uint("notification_id", n.ID))
		return
	}
	if giveUp {
		d.log.Warn("notification given up", zap.Uint("notification_id", n.ID), zap.Int("attempts", attempts))
	}
}

// retryDelay doubles RetryDelay per failed attempt, capped at six hours.
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	delay := d.RetryDelay
	for i := 1; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}
