package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"winston-vpn/internal/models"
)

// MemoryStore keeps everything in process. It backs STORE_DRIVER=memory
// and the package tests.
type MemoryStore struct {
	mu            sync.Mutex
	seq           uint
	users         map[uint]models.User
	plans         map[uint]models.SubscriptionPlan
	subscriptions map[uint]models.Subscription
	accounts      map[uint]models.VpnAccount
	notifications map[uint]models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[uint]models.User),
		plans:         make(map[uint]models.SubscriptionPlan),
		subscriptions: make(map[uint]models.Subscription),
		accounts:      make(map[uint]models.VpnAccount),
		notifications: make(map[uint]models.Notification),
	}
}

func (m *MemoryStore) nextID() uint {
	m.seq++
	return m.seq
}

func stamp(created, updated *time.Time) {
	now := time.Now()
	if created.IsZero() {
		*created = now
	}
	if updated != nil && updated.IsZero() {
		*updated = now
	}
}

func (m *MemoryStore) GetUser(_ context.Context, id uint) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) GetUserByTelegramID(_ context.Context, telegramID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.TelegramID == telegramID {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) FindOrCreateUser(_ context.Context, u *models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.TelegramID == u.TelegramID {
			return &existing, nil
		}
	}
	created := *u
	created.ID = m.nextID()
	stamp(&created.CreatedAt, &created.UpdatedAt)
	m.users[created.ID] = created
	u.ID = created.ID
	return &created, nil
}

func (m *MemoryStore) SetUserBlocked(_ context.Context, telegramID int64, blocked bool) error {
	return m.updateUser(telegramID, func(u *models.User) { u.IsBlocked = blocked })
}

func (m *MemoryStore) SetUserAdmin(_ context.Context, telegramID int64, admin bool) error {
	return m.updateUser(telegramID, func(u *models.User) { u.IsAdmin = admin })
}

func (m *MemoryStore) updateUser(telegramID int64, apply func(*models.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.users {
		if u.TelegramID == telegramID {
			apply(&u)
			u.UpdatedAt = time.Now()
			m.users[id] = u
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetPlan(_ context.Context, id uint) (*models.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) ListActivePlans(_ context.Context) ([]models.SubscriptionPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SubscriptionPlan
	for _, p := range m.plans {
		if p.IsActive {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DurationDays == out[j].DurationDays {
			return out[i].ID < out[j].ID
		}
		return out[i].DurationDays < out[j].DurationDays
	})
	return out, nil
}

func (m *MemoryStore) CreatePlan(_ context.Context, p *models.SubscriptionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.nextID()
	stamp(&p.CreatedAt, &p.UpdatedAt)
	m.plans[p.ID] = *p
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id uint) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) GetActiveSubscription(_ context.Context, userID uint) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Subscription
	for _, s := range m.subscriptions {
		if s.UserID != userID || s.Status != models.SubscriptionActive {
			continue
		}
		if found == nil || s.ExpiresAt.After(found.ExpiresAt) {
			cp := s
			found = &cp
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *MemoryStore) CreateSubscription(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = m.nextID()
	stamp(&s.CreatedAt, &s.UpdatedAt)
	m.subscriptions[s.ID] = *s
	return nil
}

func (m *MemoryStore) SaveSubscription(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[s.ID]; !ok {
		return ErrNotFound
	}
	s.UpdatedAt = time.Now()
	m.subscriptions[s.ID] = *s
	return nil
}

func (m *MemoryStore) ListSubscriptionsExpiredBefore(_ context.Context, now time.Time) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for _, s := range m.subscriptions {
		if s.Status == models.SubscriptionActive && s.ExpiresAt.Before(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetAccount(_ context.Context, id uint) (*models.VpnAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) GetAccountByUser(_ context.Context, userID uint) (*models.VpnAccount, error) {
	return m.findAccount(func(a models.VpnAccount) bool { return a.UserID == userID })
}

func (m *MemoryStore) GetAccountByEmail(_ context.Context, email string) (*models.VpnAccount, error) {
	return m.findAccount(func(a models.VpnAccount) bool { return a.Email == email })
}

func (m *MemoryStore) findAccount(match func(models.VpnAccount) bool) (*models.VpnAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if match(a) {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) CreateAccount(_ context.Context, a *models.VpnAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.UserID == a.UserID {
			return fmt.Errorf("%w: vpn account for user %d", ErrDuplicate, a.UserID)
		}
	}
	a.ID = m.nextID()
	stamp(&a.CreatedAt, &a.UpdatedAt)
	m.accounts[a.ID] = *a
	return nil
}

func (m *MemoryStore) SaveAccount(_ context.Context, a *models.VpnAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; !ok {
		return ErrNotFound
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	m.accounts[a.ID] = *a
	return nil
}

func (m *MemoryStore) DeleteAccount(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *MemoryStore) listAccounts(match func(models.VpnAccount) bool) []models.VpnAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.VpnAccount
	for _, a := range m.accounts {
		if match(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemoryStore) ListAccountsByStatus(_ context.Context, status models.AccountStatus) ([]models.VpnAccount, error) {
	return m.listAccounts(func(a models.VpnAccount) bool { return a.Status == status }), nil
}

func (m *MemoryStore) ListAccountsExpiredBefore(_ context.Context, now time.Time) ([]models.VpnAccount, error) {
	return m.listAccounts(func(a models.VpnAccount) bool {
		return a.Status == models.AccountActive && a.ExpiresAt.Before(now)
	}), nil
}

func (m *MemoryStore) ListAccountsExpiringBetween(_ context.Context, from, to time.Time) ([]models.VpnAccount, error) {
	return m.listAccounts(func(a models.VpnAccount) bool {
		return a.Status == models.AccountActive && a.ExpiresAt.After(from) && a.ExpiresAt.Before(to)
	}), nil
}

func (m *MemoryStore) LastNotification(_ context.Context, userID uint, typ string, subscriptionID *uint) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Notification
	for _, n := range m.notifications {
		if n.UserID != userID || n.Type != typ {
			continue
		}
		if subscriptionID != nil && (n.SubscriptionID == nil || *n.SubscriptionID != *subscriptionID) {
			continue
		}
		if found == nil || n.CreatedAt.After(found.CreatedAt) {
			cp := n
			found = &cp
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = m.nextID()
	stamp(&n.CreatedAt, nil)
	m.notifications[n.ID] = *n
	return nil
}

func (m *MemoryStore) ListUnsentNotifications(_ context.Context, now time.Time, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.IsSent || n.IsRead || n.IsFailed {
			continue
		}
		if n.RetryAt != nil && n.RetryAt.After(now) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationSent(_ context.Context, id uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.IsSent = true
	m.notifications[id] = n
	return nil
}

func (m *MemoryStore) RecordNotificationFailure(_ context.Context, id uint, retryAt time.Time, giveUp bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotFound
	}
	n.Attempts++
	n.RetryAt = &retryAt
	n.IsFailed = giveUp
	m.notifications[id] = n
	return nil
}

// Notifications returns every stored notification ordered by id.
func (m *MemoryStore) Notifications() []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
