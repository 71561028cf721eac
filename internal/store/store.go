// Package store persists users, plans, subscriptions, VPN accounts and
// notifications.
package store

import (
	"context"
	"errors"
	"time"

	"winston-vpn/internal/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
)

type Store interface {
	GetUser(ctx context.Context, id uint) (*models.User, error)
	GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)
	// FindOrCreateUser returns the user with u.TelegramID, creating it from u
	// when absent.
	FindOrCreateUser(ctx context.Context, u *models.User) (*models.User, error)
	SetUserBlocked(ctx context.Context, telegramID int64, blocked bool) error
	SetUserAdmin(ctx context.Context, telegramID int64, admin bool) error

	GetPlan(ctx context.Context, id uint) (*models.SubscriptionPlan, error)
	ListActivePlans(ctx context.Context) ([]models.SubscriptionPlan, error)
	CreatePlan(ctx context.Context, p *models.SubscriptionPlan) error

	GetSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	GetActiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, s *models.Subscription) error
	SaveSubscription(ctx context.Context, s *models.Subscription) error
	// ListSubscriptionsExpiredBefore returns active subscriptions with
	// ExpiresAt < now.
	ListSubscriptionsExpiredBefore(ctx context.Context, now time.Time) ([]models.Subscription, error)

	GetAccount(ctx context.Context, id uint) (*models.VpnAccount, error)
	GetAccountByUser(ctx context.Context, userID uint) (*models.VpnAccount, error)
	GetAccountByEmail(ctx context.Context, email string) (*models.VpnAccount, error)
	// CreateAccount returns ErrDuplicate when the user already has one.
	CreateAccount(ctx context.Context, a *models.VpnAccount) error
	SaveAccount(ctx context.Context, a *models.VpnAccount) error
	DeleteAccount(ctx context.Context, id uint) error
	ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.VpnAccount, error)
	// ListAccountsExpiredBefore returns active accounts with ExpiresAt < now.
	ListAccountsExpiredBefore(ctx context.Context, now time.Time) ([]models.VpnAccount, error)
	// ListAccountsExpiringBetween returns active accounts with
	// from < ExpiresAt < to.
	ListAccountsExpiringBetween(ctx context.Context, from, to time.Time) ([]models.VpnAccount, error)

	// LastNotification returns the newest notification for the user and
	// type. A nil subscriptionID matches any subscription.
	LastNotification(ctx context.Context, userID uint, typ string, subscriptionID *uint) (*models.Notification, error)
	CreateNotification(ctx context.Context, n *models.Notification) error
	// ListUnsentNotifications returns notifications that are neither sent nor
	// given up on and whose RetryAt is not after now, oldest first.
	ListUnsentNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error)
	MarkNotificationSent(ctx context.Context, id uint) error
	// RecordNotificationFailure counts a failed delivery and schedules the
	// next one at retryAt. giveUp stops further attempts.
	RecordNotificationFailure(ctx context.Context, id uint, retryAt time.Time, giveUp bool) error
}
