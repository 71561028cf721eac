package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"winston-vpn/internal/models"
)

// GormStore is the Postgres-backed Store. The *gorm.DB must be opened with
// TranslateError so unique violations surface as gorm.ErrDuplicatedKey.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func (s *GormStore) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := s.DB.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *GormStore) GetUserByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	var u models.User
	if err := s.DB.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *GormStore) FindOrCreateUser(ctx context.Context, u *models.User) (*models.User, error) {
	var out models.User
	err := s.DB.WithContext(ctx).
		Where(models.User{TelegramID: u.TelegramID}).
		Attrs(models.User{Username: u.Username, FirstName: u.FirstName, LastName: u.LastName}).
		FirstOrCreate(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return &out, nil
}

func (s *GormStore) SetUserBlocked(ctx context.Context, telegramID int64, blocked bool) error {
	return s.updateUser(ctx, telegramID, "is_blocked", blocked)
}

func (s *GormStore) SetUserAdmin(ctx context.Context, telegramID int64, admin bool) error {
	return s.updateUser(ctx, telegramID, "is_admin", admin)
}

func (s *GormStore) updateUser(ctx context.Context, telegramID int64, column string, value bool) error {
	res := s.DB.WithContext(ctx).Model(&models.User{}).Where("telegram_id = ?", telegramID).Update(column, value)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetPlan(ctx context.Context, id uint) (*models.SubscriptionPlan, error) {
	var p models.SubscriptionPlan
	if err := s.DB.WithContext(ctx).First(&p, id).Error; err != nil {
		return nil, translate(err)
	}
	return &p, nil
}

func (s *GormStore) ListActivePlans(ctx context.Context) ([]models.SubscriptionPlan, error) {
	var plans []models.SubscriptionPlan
	err := s.DB.WithContext(ctx).Where("is_active = ?", true).Order("duration_days ASC").Find(&plans).Error
	return plans, translate(err)
}

func (s *GormStore) CreatePlan(ctx context.Context, p *models.SubscriptionPlan) error {
	return translate(s.DB.WithContext(ctx).Create(p).Error)
}

func (s *GormStore) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.DB.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (s *GormStore) GetActiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.DB.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, models.SubscriptionActive).
		Order("expires_at DESC").
		First(&sub).Error
	if err != nil {
		return nil, translate(err)
	}
	return &sub, nil
}

func (s *GormStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return translate(s.DB.WithContext(ctx).Create(sub).Error)
}

func (s *GormStore) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return translate(s.DB.WithContext(ctx).Save(sub).Error)
}

func (s *GormStore) ListSubscriptionsExpiredBefore(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.DB.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.SubscriptionActive, now).
		Find(&subs).Error
	return subs, translate(err)
}

func (s *GormStore) GetAccount(ctx context.Context, id uint) (*models.VpnAccount, error) {
	var a models.VpnAccount
	if err := s.DB.WithContext(ctx).First(&a, id).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (s *GormStore) GetAccountByUser(ctx context.Context, userID uint) (*models.VpnAccount, error) {
	var a models.VpnAccount
	if err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (s *GormStore) GetAccountByEmail(ctx context.Context, email string) (*models.VpnAccount, error) {
	var a models.VpnAccount
	if err := s.DB.WithContext(ctx).Where("email = ?", email).First(&a).Error; err != nil {
		return nil, translate(err)
	}
	return &a, nil
}

func (s *GormStore) CreateAccount(ctx context.Context, a *models.VpnAccount) error {
	return translate(s.DB.WithContext(ctx).Create(a).Error)
}

func (s *GormStore) SaveAccount(ctx context.Context, a *models.VpnAccount) error {
	return translate(s.DB.WithContext(ctx).Save(a).Error)
}

func (s *GormStore) DeleteAccount(ctx context.Context, id uint) error {
	res := s.DB.WithContext(ctx).Delete(&models.VpnAccount{}, id)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.VpnAccount, error) {
	var accounts []models.VpnAccount
	err := s.DB.WithContext(ctx).Where("status = ?", status).Order("id").Find(&accounts).Error
	return accounts, translate(err)
}

func (s *GormStore) ListAccountsExpiredBefore(ctx context.Context, now time.Time) ([]models.VpnAccount, error) {
	var accounts []models.VpnAccount
	err := s.DB.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.AccountActive, now).
		Order("id").
		Find(&accounts).Error
	return accounts, translate(err)
}

func (s *GormStore) ListAccountsExpiringBetween(ctx context.Context, from, to time.Time) ([]models.VpnAccount, error) {
	var accounts []models.VpnAccount
	err := s.DB.WithContext(ctx).
		Where("status = ? AND expires_at > ? AND expires_at < ?", models.AccountActive, from, to).
		Order("id").
		Find(&accounts).Error
	return accounts, translate(err)
}

func (s *GormStore) LastNotification(ctx context.Context, userID uint, typ string, subscriptionID *uint) (*models.Notification, error) {
	q := s.DB.WithContext(ctx).Where("user_id = ? AND type = ?", userID, typ)
	if subscriptionID != nil {
		q = q.Where("subscription_id = ?", *subscriptionID)
	}
	var n models.Notification
	if err := q.Order(clause.OrderByColumn{Column: clause.Column{Name: "created_at"}, Desc: true}).First(&n).Error; err != nil {
		return nil, translate(err)
	}
	return &n, nil
}

func (s *GormStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	return translate(s.DB.WithContext(ctx).Create(n).Error)
}

func (s *GormStore) ListUnsentNotifications(ctx context.Context, now time.Time, limit int) ([]models.Notification, error) {
	var out []models.Notification
	q := s.DB.WithContext(ctx).
		Where("is_sent = ? AND is_read = ? AND is_failed = ?", false, false, false).
		Where("retry_at IS NULL OR retry_at <= ?", now).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, translate(err)
}

func (s *GormStore) MarkNotificationSent(ctx context.Context, id uint) error {
	res := s.DB.WithContext(ctx).Model(&models.Notification{}).Where("id = ?", id).Update("is_sent", true)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) RecordNotificationFailure(ctx context.Context, id uint, retryAt time.Time, giveUp bool) error {
	res := s.DB.WithContext(ctx).Model(&models.Notification{}).Where("id = ?", id).Updates(map[string]any{
		"attempts":  gorm.Expr("attempts + 1"),
		"retry_at":  retryAt,
		"is_failed": giveUp,
	})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
