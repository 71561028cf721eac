package provisioning

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"winston-vpn/internal/connlink"
	"winston-vpn/internal/lock"
	"winston-vpn/internal/models"
	"winston-vpn/internal/store"
	"winston-vpn/internal/vpnerr"
	"winston-vpn/internal/xui"
	"winston-vpn/internal/xui/xuitest"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	orch   *Orchestrator
	store  *store.MemoryStore
	panel  *xuitest.Panel
	client *xui.Client
	user   *models.User
	plan   *models.SubscriptionPlan
	sub    *models.Subscription
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()

	panel := xuitest.New(t)
	panel.AddRealityInbound(1, 443)
	client := xui.NewClient(panel.URL(), panel.Username, panel.Password, xui.Options{})

	locker, err := lock.NewFileLocker(t.TempDir())
	require.NoError(t, err)

	s := store.NewMemoryStore()
	if cfg.DefaultInboundID == 0 {
		cfg.DefaultInboundID = 1
	}
	o := New(s, client, locker, cfg, zap.NewNop())
	o.now = func() time.Time { return now }

	user, err := s.FindOrCreateUser(ctx, &models.User{TelegramID: 555, Username: "alice"})
	require.NoError(t, err)
	plan := &models.SubscriptionPlan{Name: "day", DurationDays: 1, TrafficGB: 1, IsActive: true}
	require.NoError(t, s.CreatePlan(ctx, plan))
	sub := &models.Subscription{UserID: user.ID, PlanID: plan.ID, Status: models.SubscriptionActive, ExpiresAt: now.Add(24 * time.Hour)}
	require.NoError(t, s.CreateSubscription(ctx, sub))

	return &fixture{orch: o, store: s, panel: panel, client: client, user: user, plan: plan, sub: sub}
}

func (f *fixture) provision(t *testing.T) *models.VpnAccount {
	t.Helper()
	acc, err := f.orch.CreateOrRenew(context.Background(), f.user.ID, f.sub.ID, 1)
	require.NoError(t, err)
	return acc
}

func (f *fixture) setStatus(t *testing.T, id uint, status models.AccountStatus, used int64) {
	t.Helper()
	acc, err := f.store.GetAccount(context.Background(), id)
	require.NoError(t, err)
	acc.Status = status
	acc.TrafficUsedBytes = used
	require.NoError(t, f.store.SaveAccount(context.Background(), acc))
}

func TestCreateProvisionsClientAndURI(t *testing.T) {
	f := newFixture(t, Config{})
	acc := f.provision(t)

	require.Equal(t, models.AccountActive, acc.Status)
	require.Equal(t, models.ReasonCreated, acc.StatusReason)
	require.Equal(t, ClientID(f.user.ID, f.sub.ID), acc.ClientID)
	require.Equal(t, Identity(555, now), acc.Email)
	require.Equal(t, int64(models.BytesPerGB), acc.TrafficLimitBytes)
	require.True(t, acc.ExpiresAt.Equal(f.sub.ExpiresAt))

	clients := f.panel.Clients(1)
	require.Len(t, clients, 1)
	require.Equal(t, acc.ClientID, clients[0].ID)
	require.Equal(t, acc.Email, clients[0].Email)
	require.Equal(t, int64(models.BytesPerGB), clients[0].TotalGB)
	require.Equal(t, f.sub.ExpiresAt.UnixMilli(), clients[0].ExpiryTime)
	require.True(t, clients[0].Enable)
	require.Equal(t, "555", clients[0].TgID)

	require.True(t, strings.HasPrefix(acc.ConnectionURI, "vless://"+acc.ClientID+"@127.0.0.1:443?"), acc.ConnectionURI)
	require.Contains(t, acc.ConnectionURI, "pbk=pubkey123")
	require.Contains(t, acc.ConnectionURI, "#"+acc.Email)

	stored, err := f.store.GetAccountByUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Equal(t, acc.ID, stored.ID)
}

func TestCreateOrRenewTwiceKeepsOneAccount(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.provision(t)

	f.sub.ExpiresAt = now.Add(48 * time.Hour)
	require.NoError(t, f.store.SaveSubscription(context.Background(), f.sub))

	second := f.provision(t)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, models.ReasonExtended, second.StatusReason)
	require.True(t, second.ExpiresAt.Equal(now.Add(48*time.Hour)))
	require.Equal(t, 1, f.panel.Calls(xuitest.OpAddClient))

	clients := f.panel.Clients(1)
	require.Len(t, clients, 1)
	require.Equal(t, now.Add(48*time.Hour).UnixMilli(), clients[0].ExpiryTime)
}

func TestReactivateKeepsUsageByDefault(t *testing.T) {
	f := newFixture(t, Config{})
	acc := f.provision(t)
	f.setStatus(t, acc.ID, models.AccountInactive, 500)
	f.panel.SetTraffic(1, acc.ClientID, acc.Email, 200, 300)

	got := f.provision(t)
	require.Equal(t, acc.ID, got.ID)
	require.Equal(t, models.AccountActive, got.Status)
	require.Equal(t, models.ReasonReactivated, got.StatusReason)
	require.Equal(t, int64(500), got.TrafficUsedBytes)
	require.Equal(t, 0, f.panel.Calls(xuitest.OpResetTraffic))

	up, down, ok := f.panel.Traffic(acc.Email)
	require.True(t, ok)
	require.Equal(t, int64(500), up+down)
}

func TestReactivateResetsUsageWhenConfigured(t *testing.T) {
	f := newFixture(t, Config{ResetTrafficOnReactivate: true})
	acc := f.provision(t)
	f.setStatus(t, acc.ID, models.AccountBlocked, 500)
	f.panel.SetTraffic(1, acc.ClientID, acc.Email, 200, 300)

	got := f.provision(t)
	require.Equal(t, models.AccountActive, got.Status)
	require.Zero(t, got.TrafficUsedBytes)

	up, down, ok := f.panel.Traffic(acc.Email)
	require.True(t, ok)
	require.Zero(t, up+down)

	stored, err := f.store.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Zero(t, stored.TrafficUsedBytes)
}

func TestReactivateAbortsWhenTrafficResetFails(t *testing.T) {
	f := newFixture(t, Config{ResetTrafficOnReactivate: true})
	acc := f.provision(t)
	f.setStatus(t, acc.ID, models.AccountInactive, models.BytesPerGB)
	f.panel.SetTraffic(1, acc.ClientID, acc.Email, models.BytesPerGB, 0)
	f.panel.FailNext(xuitest.OpResetTraffic, http.StatusInternalServerError)

	_, err := f.orch.CreateOrRenew(context.Background(), f.user.ID, f.sub.ID, 1)
	var provErr *vpnerr.ProvisioningError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, StepResetTraffic, provErr.Step)

	stored, err := f.store.GetAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountInactive, stored.Status)
	require.Equal(t, int64(models.BytesPerGB), stored.TrafficUsedBytes)
	require.False(t, f.panel.Clients(1)[0].Enable)

	got := f.provision(t)
	require.Equal(t, models.AccountActive, got.Status)
	require.Zero(t, got.TrafficUsedBytes)
	up, down, ok := f.panel.Traffic(acc.Email)
	require.True(t, ok)
	require.Zero(t, up+down)
}

func TestReactivateAddsBackMissingClient(t *testing.T) {
	f := newFixture(t, Config{})
	acc := f.provision(t)
	require.NoError(t, f.client.DeleteClient(context.Background(), &xui.Session{}, 1, acc.ClientID))
	require.Empty(t, f.panel.Clients(1))
	f.setStatus(t, acc.ID, models.AccountInactive, 0)

	got := f.provision(t)
	require.Equal(t, models.AccountActive, got.Status)

	clients := f.panel.Clients(1)
	require.Len(t, clients, 1)
	require.Equal(t, acc.ClientID, clients[0].ID)
	require.True(t, clients[0].Enable)
}

func TestCreateAdoptsLeftoverClient(t *testing.T) {
	f := newFixture(t, Config{})
	f.panel.AddInbound(xuitest.Inbound{
		ID:         1,
		Port:       443,
		Protocol:   "vless",
		Network:    "tcp",
		Security:   "reality",
		PublicKey:  "pubkey123",
		ServerName: "www.example.com",
		ShortID:    "ab12",
		Clients: []xui.ClientSpec{
			{ID: ClientID(f.user.ID, f.sub.ID), Email: "tg_555_1", Enable: false},
		},
	})

	acc := f.provision(t)
	require.Equal(t, "tg_555_1", acc.Email)
	require.Zero(t, f.panel.Calls(xuitest.OpAddClient))

	clients := f.panel.Clients(1)
	require.Len(t, clients, 1)
	require.True(t, clients[0].Enable)
	require.Equal(t, int64(models.BytesPerGB), clients[0].TotalGB)
}

func TestCreateOrRenewMissingRecords(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	cases := []struct {
		name   string
		userID uint
		subID  uint
	}{
		{"unknown user", 999, f.sub.ID},
		{"unknown subscription", f.user.ID, 999},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.CreateOrRenew(ctx, tc.userID, tc.subID, 1)
			var nf *vpnerr.NotFoundError
			require.ErrorAs(t, err, &nf)
		})
	}

	t.Run("canceled subscription", func(t *testing.T) {
		_, err := f.orch.CancelSubscription(ctx, f.sub.ID)
		require.NoError(t, err)
		_, err = f.orch.CreateOrRenew(ctx, f.user.ID, f.sub.ID, 1)
		var nf *vpnerr.NotFoundError
		require.ErrorAs(t, err, &nf)
		require.Zero(t, f.panel.Calls(xuitest.OpAddClient))
	})
}

func TestCreateOrRenewConfigurationErrors(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.orch.CreateOrRenew(context.Background(), f.user.ID, f.sub.ID, 0)
	var cfgErr *vpnerr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	locker, lerr := lock.NewFileLocker(t.TempDir())
	require.NoError(t, lerr)
	noHost := New(f.store, xui.NewClient("", "admin", "secret", xui.Options{}), locker, Config{}, nil)
	_, err = noHost.CreateOrRenew(context.Background(), f.user.ID, f.sub.ID, 1)
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "PANEL_URL", cfgErr.Field)
}

func TestCreateFailsWhenPanelRejectsClient(t *testing.T) {
	f := newFixture(t, Config{})
	f.panel.FailNext(xuitest.OpAddClient, http.StatusOK)

	_, err := f.orch.CreateOrRenew(context.Background(), f.user.ID, f.sub.ID, 1)
	var provErr *vpnerr.ProvisioningError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, StepAddClient, provErr.Step)
	var apiErr *vpnerr.APIError
	require.ErrorAs(t, err, &apiErr)

	_, err = f.store.GetAccountByUser(context.Background(), f.user.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	// the retry succeeds with the same client id
	acc := f.provision(t)
	require.Equal(t, ClientID(f.user.ID, f.sub.ID), acc.ClientID)
}

func TestCreateToleratesClientNotYetVisible(t *testing.T) {
	f := newFixture(t, Config{})
	f.panel.HideClients = true

	acc := f.provision(t)
	require.Equal(t, models.AccountActive, acc.Status)
	require.NotEmpty(t, acc.ConnectionURI)
	require.Equal(t, 1, f.panel.Calls(xuitest.OpGet))
	require.Len(t, f.panel.Clients(1), 1)
}

func TestCreateToleratesFailedVerification(t *testing.T) {
	f := newFixture(t, Config{})
	f.panel.FailNext(xuitest.OpGet, http.StatusInternalServerError)

	acc := f.provision(t)
	require.Equal(t, models.AccountActive, acc.Status)
	require.NotEmpty(t, acc.ConnectionURI)
	require.Equal(t, 1, f.panel.Calls(xuitest.OpGet))

	stored, err := f.store.GetAccountByUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Equal(t, acc.ID, stored.ID)
}

func TestCreateUnknownInbound(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.orch.CreateOrRenew(context.Background(), f.user.ID, f.sub.ID, 9)

	var provErr *vpnerr.ProvisioningError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, StepInbound, provErr.Step)
	var apiErr *vpnerr.APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestCreateRejectsUnsupportedProtocol(t *testing.T) {
	f := newFixture(t, Config{})
	f.panel.AddInbound(xuitest.Inbound{ID: 2, Port: 8388, Protocol: "shadowsocks"})

	_, err := f.orch.CreateOrRenew(context.Background(), f.user.ID, f.sub.ID, 2)
	require.ErrorIs(t, err, connlink.ErrUnsupportedProtocol)
	require.Zero(t, f.panel.Calls(xuitest.OpAddClient))
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t, Config{})
	acc := f.provision(t)

	got, err := f.orch.Deactivate(context.Background(), acc.ID, models.ReasonExpired)
	require.NoError(t, err)
	require.Equal(t, models.AccountInactive, got.Status)
	require.False(t, f.panel.Clients(1)[0].Enable)

	got, err = f.orch.BlockAccount(context.Background(), acc.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountBlocked, got.Status)
	require.Equal(t, models.ReasonManual, got.StatusReason)

	// blocked accounts can only come back through reactivation
	_, err = f.orch.Deactivate(context.Background(), acc.ID, models.ReasonExpired)
	require.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestBlockUserBlocksAccount(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	acc := f.provision(t)

	got, err := f.orch.BlockUser(ctx, 555)
	require.NoError(t, err)
	require.Equal(t, acc.ID, got.ID)
	require.Equal(t, models.AccountBlocked, got.Status)
	require.False(t, f.panel.Clients(1)[0].Enable)

	user, err := f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	require.True(t, user.IsBlocked)

	// blocking again is a no-op on the account
	got, err = f.orch.BlockUser(ctx, 555)
	require.NoError(t, err)
	require.Equal(t, models.AccountBlocked, got.Status)

	require.NoError(t, f.orch.UnblockUser(ctx, 555))
	user, err = f.store.GetUser(ctx, f.user.ID)
	require.NoError(t, err)
	require.False(t, user.IsBlocked)

	stored, err := f.store.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	require.Equal(t, models.AccountBlocked, stored.Status)
}

func TestBlockUserWithoutAccount(t *testing.T) {
	f := newFixture(t, Config{})
	got, err := f.orch.BlockUser(context.Background(), 555)
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = f.orch.BlockUser(context.Background(), 1)
	var nf *vpnerr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSetAdmin(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.orch.SetAdmin(context.Background(), 555, true))
	user, err := f.store.GetUser(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.True(t, user.IsAdmin)

	err = f.orch.SetAdmin(context.Background(), 1, true)
	var nf *vpnerr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestDeleteAccountSurvivesPanelFailure(t *testing.T) {
	f := newFixture(t, Config{})
	acc := f.provision(t)
	f.panel.FailNext(xuitest.OpDelClient, http.StatusOK)

	require.NoError(t, f.orch.DeleteAccount(context.Background(), acc.ID))
	_, err := f.store.GetAccount(context.Background(), acc.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Len(t, f.panel.Clients(1), 1)

	err = f.orch.DeleteAccount(context.Background(), acc.ID)
	var nf *vpnerr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSelectPlan(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.orch.CancelSubscription(ctx, f.sub.ID)
	require.NoError(t, err)

	sel, err := f.orch.SelectPlan(ctx, f.user.ID, f.plan.ID)
	require.NoError(t, err)
	require.False(t, sel.Renewed)
	require.True(t, sel.Subscription.ExpiresAt.Equal(now.Add(24*time.Hour)))
	require.NotNil(t, sel.Account)
	require.Equal(t, models.AccountActive, sel.Account.Status)

	again, err := f.orch.SelectPlan(ctx, f.user.ID, f.plan.ID)
	require.NoError(t, err)
	require.True(t, again.Renewed)
	require.Equal(t, sel.Subscription.ID, again.Subscription.ID)
	require.True(t, again.Subscription.ExpiresAt.Equal(now.Add(48*time.Hour)))
	require.Equal(t, sel.Account.ID, again.Account.ID)
	require.True(t, again.Account.ExpiresAt.Equal(now.Add(48*time.Hour)))

	week := &models.SubscriptionPlan{Name: "week", DurationDays: 7, TrafficGB: 10, IsActive: true}
	require.NoError(t, f.store.CreatePlan(ctx, week))
	switched, err := f.orch.SelectPlan(ctx, f.user.ID, week.ID)
	require.NoError(t, err)
	require.NotEqual(t, sel.Subscription.ID, switched.Subscription.ID)
	require.Equal(t, 10*int64(models.BytesPerGB), switched.Account.TrafficLimitBytes)

	old, err := f.store.GetSubscription(ctx, sel.Subscription.ID)
	require.NoError(t, err)
	require.Equal(t, models.SubscriptionCanceled, old.Status)
}

func TestSelectPlanRejectsInactivePlan(t *testing.T) {
	f := newFixture(t, Config{})
	retired := &models.SubscriptionPlan{Name: "old", DurationDays: 30, IsActive: false}
	require.NoError(t, f.store.CreatePlan(context.Background(), retired))

	_, err := f.orch.SelectPlan(context.Background(), f.user.ID, retired.ID)
	var nf *vpnerr.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestRenewSubscriptionCountsFromLaterExpiry(t *testing.T) {
	f := newFixture(t, Config{})
	sub, err := f.orch.RenewSubscription(context.Background(), f.sub.ID, 3)
	require.NoError(t, err)
	require.True(t, sub.ExpiresAt.Equal(now.Add(4*24*time.Hour)))
}

func TestClientIDIsDeterministic(t *testing.T) {
	require.Equal(t, ClientID(1, 2), ClientID(1, 2))
	require.NotEqual(t, ClientID(1, 2), ClientID(1, 3))
}
