package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"winston-vpn/internal/lock"
	"winston-vpn/internal/models"
	"winston-vpn/internal/notify"
	"winston-vpn/internal/store"
	"winston-vpn/internal/traffic"
	"winston-vpn/internal/xui"
	"winston-vpn/internal/xui/xuitest"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newSweeper(s store.Store) *Sweeper {
	return NewSweeper(s, notify.NewNotifier(s, zap.NewNop()), nil, zap.NewNop())
}

func addAccount(t *testing.T, s *store.MemoryStore, acc models.VpnAccount) *models.VpnAccount {
	t.Helper()
	if acc.Status == "" {
		acc.Status = models.AccountActive
	}
	require.NoError(t, s.CreateAccount(context.Background(), &acc))
	return &acc
}

func notificationsOfType(s *store.MemoryStore, typ string) []models.Notification {
	var out []models.Notification
	for _, n := range s.Notifications() {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func TestSweepExpiresAccountAndNotifiesOnce(t *testing.T) {
	s := store.NewMemoryStore()
	acc := addAccount(t, s, models.VpnAccount{UserID: 1, Email: "tg_1_1", ExpiresAt: now.Add(-time.Millisecond)})
	sw := newSweeper(s)

	res, err := sw.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExpiredAccounts)
	require.Equal(t, 1, res.NotificationsCreated)

	got, err := s.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountInactive, got.Status)
	require.Equal(t, models.ReasonExpired, got.StatusReason)
	require.Len(t, notificationsOfType(s, models.NotificationVPNExpired), 1)

	// already inactive, nothing left to do
	res, err = sw.Sweep(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, res.ExpiredAccounts)
	require.Len(t, notificationsOfType(s, models.NotificationVPNExpired), 1)
}

func TestSweepDeduplicatesExpiredNotificationsWithinCooldown(t *testing.T) {
	s := store.NewMemoryStore()
	sw := newSweeper(s)
	ctx := context.Background()

	addAccount(t, s, models.VpnAccount{UserID: 7, Email: "a", ExpiresAt: now.Add(-time.Hour)})
	_, err := sw.Sweep(ctx, now)
	require.NoError(t, err)

	// same user, a second account record expiring two hours later
	acc, err := s.GetAccountByUser(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, s.DeleteAccount(ctx, acc.ID))
	addAccount(t, s, models.VpnAccount{UserID: 7, Email: "b", ExpiresAt: now.Add(time.Hour)})

	res, err := sw.Sweep(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.ExpiredAccounts)
	require.Zero(t, res.NotificationsCreated)
	require.Len(t, notificationsOfType(s, models.NotificationVPNExpired), 1)

	acc, err = s.GetAccountByUser(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, s.DeleteAccount(ctx, acc.ID))
	addAccount(t, s, models.VpnAccount{UserID: 7, Email: "c", ExpiresAt: now.Add(12 * time.Hour)})
	res, err = sw.Sweep(ctx, now.Add(13*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.NotificationsCreated)
	require.Len(t, notificationsOfType(s, models.NotificationVPNExpired), 2)
}

func TestSweepExpiresSubscriptions(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	old := &models.Subscription{UserID: 1, PlanID: 1, Status: models.SubscriptionActive, ExpiresAt: now.Add(-time.Minute)}
	fresh := &models.Subscription{UserID: 2, PlanID: 1, Status: models.SubscriptionActive, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateSubscription(ctx, old))
	require.NoError(t, s.CreateSubscription(ctx, fresh))

	res, err := newSweeper(s).Sweep(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExpiredSubscriptions)

	got, err := s.GetSubscription(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionExpired, got.Status)
	got, err = s.GetSubscription(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionActive, got.Status)
}

func TestSweepDeactivatesOverLimitAccounts(t *testing.T) {
	s := store.NewMemoryStore()
	far := now.Add(30 * 24 * time.Hour)
	over := addAccount(t, s, models.VpnAccount{UserID: 1, Email: "over", ExpiresAt: far, TrafficLimitBytes: 1000, TrafficUsedBytes: 1000})
	under := addAccount(t, s, models.VpnAccount{UserID: 2, Email: "under", ExpiresAt: far, TrafficLimitBytes: 1000, TrafficUsedBytes: 300})
	unlimited := addAccount(t, s, models.VpnAccount{UserID: 3, Email: "unlimited", ExpiresAt: far, TrafficUsedBytes: 1 << 40})

	res, err := newSweeper(s).Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.TrafficLimitExceeded)

	for id, want := range map[uint]models.AccountStatus{
		over.ID:      models.AccountInactive,
		under.ID:     models.AccountActive,
		unlimited.ID: models.AccountActive,
	} {
		got, err := s.GetAccount(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, want, got.Status, "account %d", id)
	}
	limit := notificationsOfType(s, models.NotificationTrafficLimit)
	require.Len(t, limit, 1)
	require.Equal(t, uint(1), limit[0].UserID)
	require.Nil(t, limit[0].SubscriptionID)
}

func TestSweepWarnsAboutUpcomingExpiry(t *testing.T) {
	s := store.NewMemoryStore()
	addAccount(t, s, models.VpnAccount{UserID: 1, Email: "a", ExpiresAt: now.Add(20 * time.Hour)})
	addAccount(t, s, models.VpnAccount{UserID: 2, Email: "b", ExpiresAt: now.Add(50 * time.Hour)})
	addAccount(t, s, models.VpnAccount{UserID: 3, Email: "c", ExpiresAt: now.Add(4 * 24 * time.Hour)})
	sw := newSweeper(s)

	res, err := sw.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, res.UpcomingExpiry)
	require.Equal(t, 2, res.NotificationsCreated)
	require.Len(t, notificationsOfType(s, "vpn_expires_soon_1day"), 1)
	require.Len(t, notificationsOfType(s, "vpn_expires_soon_3day"), 1)

	res, err = sw.Sweep(context.Background(), now.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 2, res.UpcomingExpiry)
	require.Zero(t, res.NotificationsCreated)
}

func TestDaysLeft(t *testing.T) {
	require.Equal(t, 1, DaysLeft(now.Add(time.Minute), now))
	require.Equal(t, 1, DaysLeft(now.Add(24*time.Hour), now))
	require.Equal(t, 2, DaysLeft(now.Add(24*time.Hour+time.Millisecond), now))
	require.Equal(t, 3, DaysLeft(now.Add(72*time.Hour), now))
}

func TestSweepSyncsTrafficFromPanel(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	panel.SetTraffic(1, "cid-1", "tg_1_1", 600, 500)
	panel.SetTraffic(1, "cid-2", "tg_2_1", 10, 20)
	client := xui.NewClient(panel.URL(), panel.Username, panel.Password, xui.Options{})

	s := store.NewMemoryStore()
	far := now.Add(30 * 24 * time.Hour)
	heavy := addAccount(t, s, models.VpnAccount{UserID: 1, InboundID: 1, ClientID: "cid-1", Email: "tg_1_1", ExpiresAt: far, TrafficLimitBytes: 1000})
	light := addAccount(t, s, models.VpnAccount{UserID: 2, InboundID: 1, ClientID: "cid-2", Email: "tg_2_1", ExpiresAt: far, TrafficLimitBytes: 1000})

	notifier := notify.NewNotifier(s, zap.NewNop())
	rec := traffic.NewReconciler(s, client, notifier, zap.NewNop())
	rec.Now = func() time.Time { return now }
	sw := NewSweeper(s, notifier, rec, zap.NewNop())
	sw.Concurrency = 2

	res, err := sw.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 2, res.TrafficSynced)
	require.Equal(t, 1, res.TrafficLimitExceeded)
	require.Equal(t, 1, res.NotificationsCreated)
	require.Zero(t, res.Failures)

	got, err := s.GetAccount(context.Background(), heavy.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountInactive, got.Status)
	require.Equal(t, int64(1100), got.TrafficUsedBytes)

	got, err = s.GetAccount(context.Background(), light.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountActive, got.Status)
	require.Equal(t, int64(30), got.TrafficUsedBytes)
	require.Len(t, notificationsOfType(s, models.NotificationTrafficLimit), 1)
}

// extendingStore lands an extension on every listed account right after
// the listing, so the sweep holds stale copies.
type extendingStore struct {
	*store.MemoryStore
	extendTo time.Time
}

func (e extendingStore) extend(ctx context.Context, listed []models.VpnAccount) error {
	for _, acc := range listed {
		fresh, err := e.MemoryStore.GetAccount(ctx, acc.ID)
		if err != nil {
			return err
		}
		fresh.Status = models.AccountActive
		fresh.ExpiresAt = e.extendTo
		if err := e.MemoryStore.SaveAccount(ctx, fresh); err != nil {
			return err
		}
	}
	return nil
}

func (e extendingStore) ListAccountsByStatus(ctx context.Context, status models.AccountStatus) ([]models.VpnAccount, error) {
	listed, err := e.MemoryStore.ListAccountsByStatus(ctx, status)
	if err != nil {
		return nil, err
	}
	return listed, e.extend(ctx, listed)
}

func (e extendingStore) ListAccountsExpiredBefore(ctx context.Context, t time.Time) ([]models.VpnAccount, error) {
	listed, err := e.MemoryStore.ListAccountsExpiredBefore(ctx, t)
	if err != nil {
		return nil, err
	}
	return listed, e.extend(ctx, listed)
}

func TestSweepTrafficSyncKeepsConcurrentExtension(t *testing.T) {
	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	panel.SetTraffic(1, "cid-1", "tg_1_1", 10, 20)
	client := xui.NewClient(panel.URL(), panel.Username, panel.Password, xui.Options{})

	mem := store.NewMemoryStore()
	acc := addAccount(t, mem, models.VpnAccount{UserID: 1, InboundID: 1, ClientID: "cid-1", Email: "tg_1_1", ExpiresAt: now.Add(24 * time.Hour), TrafficLimitBytes: 1000})
	extended := now.Add(30 * 24 * time.Hour)
	s := extendingStore{MemoryStore: mem, extendTo: extended}

	notifier := notify.NewNotifier(s, zap.NewNop())
	rec := traffic.NewReconciler(s, client, notifier, zap.NewNop())
	rec.Now = func() time.Time { return now }
	sw := NewSweeper(s, notifier, rec, zap.NewNop())

	res, err := sw.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.TrafficSynced)
	require.Zero(t, res.Failures)

	got, err := mem.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Equal(t, int64(30), got.TrafficUsedBytes)
	require.True(t, got.ExpiresAt.Equal(extended), got.ExpiresAt)
}

func TestSweepSkipsAccountExtendedAfterListing(t *testing.T) {
	mem := store.NewMemoryStore()
	acc := addAccount(t, mem, models.VpnAccount{UserID: 1, Email: "a", ExpiresAt: now.Add(-time.Hour)})
	extended := now.Add(30 * 24 * time.Hour)
	s := extendingStore{MemoryStore: mem, extendTo: extended}

	res, err := newSweeper(s).Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Zero(t, res.ExpiredAccounts)

	got, err := mem.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountActive, got.Status)
	require.True(t, got.ExpiresAt.Equal(extended))
	require.Empty(t, notificationsOfType(mem, models.NotificationVPNExpired))
}

func TestSweepWaitsForUserLock(t *testing.T) {
	locker, err := lock.NewFileLocker(t.TempDir())
	require.NoError(t, err)
	s := store.NewMemoryStore()
	acc := addAccount(t, s, models.VpnAccount{UserID: 1, Email: "a", ExpiresAt: now.Add(-time.Hour)})

	sw := newSweeper(s)
	sw.Locker = locker

	unlock, err := locker.Lock(context.Background(), lock.UserKey(1))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	res, err := sw.Sweep(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failures)
	require.Zero(t, res.ExpiredAccounts)

	got, err := s.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountActive, got.Status)

	require.NoError(t, unlock(context.Background()))
	res, err = sw.Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.ExpiredAccounts)
}

type flakyStore struct {
	*store.MemoryStore
	failFor uint
}

func (f flakyStore) SaveAccount(ctx context.Context, a *models.VpnAccount) error {
	if a.ID == f.failFor {
		return errors.New("write conflict")
	}
	return f.MemoryStore.SaveAccount(ctx, a)
}

func TestSweepIsolatesRecordFailures(t *testing.T) {
	mem := store.NewMemoryStore()
	bad := addAccount(t, mem, models.VpnAccount{UserID: 1, Email: "bad", ExpiresAt: now.Add(-time.Hour)})
	good := addAccount(t, mem, models.VpnAccount{UserID: 2, Email: "good", ExpiresAt: now.Add(-time.Hour)})
	s := flakyStore{MemoryStore: mem, failFor: bad.ID}

	res, err := newSweeper(s).Sweep(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failures)
	require.Equal(t, 1, res.ExpiredAccounts)

	got, err := mem.GetAccount(context.Background(), good.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountInactive, got.Status)
	got, err = mem.GetAccount(context.Background(), bad.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountActive, got.Status)
}

func TestCheckerSkipsWhenSweepLockHeld(t *testing.T) {
	locker, err := lock.NewFileLocker(t.TempDir())
	require.NoError(t, err)
	s := store.NewMemoryStore()
	addAccount(t, s, models.VpnAccount{UserID: 1, Email: "a", ExpiresAt: now.Add(-time.Hour)})

	c := NewChecker(newSweeper(s), locker, time.Hour, zap.NewNop())
	c.Now = func() time.Time { return now }

	unlock, ok, err := locker.TryLock(context.Background(), sweepLockKey)
	require.NoError(t, err)
	require.True(t, ok)

	_, ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, ran)

	require.NoError(t, unlock(context.Background()))
	res, ran, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, 1, res.ExpiredAccounts)
}
