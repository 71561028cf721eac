// Package notify records user notifications and delivers them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"winston-vpn/internal/models"
	"winston-vpn/internal/store"
)

const DefaultCooldown = 12 * time.Hour

type Request struct {
	UserID         uint
	Type           string
	SubscriptionID *uint
	Message        string
}

// Notifier writes notifications, skipping any (user, type[, subscription])
// that already got one within Cooldown.
type Notifier struct {
	Store    store.Store
	Cooldown time.Duration
	logger   *zap.Logger
}

func NewNotifier(s store.Store, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{Store: s, Cooldown: DefaultCooldown, logger: logger}
}

// Enqueue reports whether a notification was created.
func (n *Notifier) Enqueue(ctx context.Context, req Request, now time.Time) (bool, error) {
	last, err := n.Store.LastNotification(ctx, req.UserID, req.Type, req.SubscriptionID)
	switch {
	case err == nil:
		if now.Sub(last.CreatedAt) < n.Cooldown {
			n.logger.Debug("notification suppressed by cooldown",
				zap.Uint("user_id", req.UserID),
				zap.String("type", req.Type),
				zap.Time("last", last.CreatedAt),
			)
			return false, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return false, fmt.Errorf("failed to look up last notification: %w", err)
	}

	rec := &models.Notification{
		UserID:         req.UserID,
		Type:           req.Type,
		SubscriptionID: req.SubscriptionID,
		Message:        req.Message,
		CreatedAt:      now,
	}
	if err := n.Store.CreateNotification(ctx, rec); err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}
	n.logger.Info("notification queued", zap.Uint("user_id", req.UserID), zap.String("type", req.Type))
	return true, nil
}
