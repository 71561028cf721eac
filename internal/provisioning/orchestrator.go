// Package provisioning creates, extends and reactivates VPN accounts on
// the panel and keeps the local records in step.
package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"winston-vpn/internal/connlink"
	"winston-vpn/internal/lock"
	"winston-vpn/internal/models"
	"winston-vpn/internal/store"
	"winston-vpn/internal/vpnerr"
	"winston-vpn/internal/xui"
)

const (
	StepLoad         = "load"
	StepLock         = "lock"
	StepInbound      = "locate_inbound"
	StepAddClient    = "add_client"
	StepUpdateClient = "update_client"
	StepResetTraffic = "reset_traffic"
	StepVerify       = "verify"
	StepBuildURI     = "build_uri"
	StepPersist      = "persist"
)

// clientNamespace seeds the deterministic panel client ids.
var clientNamespace = uuid.MustParse("6f1c2a9e-3b7d-4c5e-9a80-2d4f6b8e1c37")

// Panel is the subset of the panel client provisioning needs.
type Panel interface {
	Host() string
	ListInbounds(ctx context.Context, sess *xui.Session) ([]xui.Inbound, error)
	GetInbound(ctx context.Context, sess *xui.Session, inboundID int) (*xui.Inbound, error)
	AddClient(ctx context.Context, sess *xui.Session, inboundID int, spec xui.ClientSpec) error
	UpdateClient(ctx context.Context, sess *xui.Session, inboundID int, spec xui.ClientSpec) error
	DeleteClient(ctx context.Context, sess *xui.Session, inboundID int, clientID string) error
	ResetClientTraffic(ctx context.Context, sess *xui.Session, inboundID int, email string) error
}

type Config struct {
	DefaultInboundID int
	// ResetTrafficOnReactivate zeroes the stored and panel usage counters
	// when an inactive or blocked account is reactivated. When false the
	// accumulated usage is kept.
	ResetTrafficOnReactivate bool
	// VerifyDelay is how long to wait after addClient before checking the
	// client shows up on the inbound.
	VerifyDelay time.Duration
}

type Orchestrator struct {
	store  store.Store
	panel  Panel
	locker lock.Locker
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func New(s store.Store, panel Panel, locker lock.Locker, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:  s,
		panel:  panel,
		locker: locker,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.Named("provisioning"),
	}
}

// ClientID derives the panel client id for a user's subscription. Retrying
// a half-finished create therefore targets the same remote client.
func ClientID(userID, subscriptionID uint) string {
	return uuid.NewSHA1(clientNamespace, []byte(fmt.Sprintf("vpn-account:%d:%d", userID, subscriptionID))).String()
}

// Identity builds the panel email for a new client.
func Identity(telegramID int64, at time.Time) string {
	return fmt.Sprintf("tg_%d_%d", telegramID, at.UnixMilli())
}

// CreateOrRenew makes sure the user has an active account matching the
// subscription: it creates one, extends an active one or reactivates an
// inactive or blocked one.
func (o *Orchestrator) CreateOrRenew(ctx context.Context, userID, subscriptionID uint, inboundID int) (*models.VpnAccount, error) {
	unlock, err := o.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer o.release(ctx, unlock, userID)

	return o.createOrRenew(ctx, userID, subscriptionID, inboundID)
}

func (o *Orchestrator) lockUser(ctx context.Context, userID uint) (lock.Unlock, error) {
	unlock, err := o.locker.Lock(ctx, lock.UserKey(userID))
	if err != nil {
		return nil, &vpnerr.ProvisioningError{Step: StepLock, Err: err}
	}
	return unlock, nil
}

func (o *Orchestrator) release(ctx context.Context, unlock lock.Unlock, userID uint) {
	if err := unlock(context.WithoutCancel(ctx)); err != nil {
		o.logger.Warn("failed to release provisioning lock", zap.Uint("user_id", userID), zap.Error(err))
	}
}

type provisionInput struct {
	user *models.User
	sub  *models.Subscription
	plan *models.SubscriptionPlan
}

func (o *Orchestrator) load(ctx context.Context, userID, subscriptionID uint) (*provisionInput, error) {
	user, err := o.store.GetUser(ctx, userID)
	if err != nil {
		return nil, notFoundOr(err, "user", userID)
	}
	sub, err := o.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, notFoundOr(err, "subscription", subscriptionID)
	}
	if sub.UserID != userID || sub.Status != models.SubscriptionActive {
		return nil, vpnerr.NotFound("active subscription", subscriptionID)
	}
	plan, err := o.store.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, notFoundOr(err, "plan", sub.PlanID)
	}
	return &provisionInput{user: user, sub: sub, plan: plan}, nil
}

func (o *Orchestrator) createOrRenew(ctx context.Context, userID, subscriptionID uint, inboundID int) (*models.VpnAccount, error) {
	if o.panel.Host() == "" {
		return nil, &vpnerr.ConfigurationError{Field: "PANEL_URL", Reason: "panel url has no host"}
	}
	if inboundID <= 0 {
		return nil, &vpnerr.ConfigurationError{Field: "inbound_id", Reason: fmt.Sprintf("must be positive, got %d", inboundID)}
	}

	in, err := o.load(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}

	existing, err := o.store.GetAccountByUser(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return o.create(ctx, in, inboundID)
	case err != nil:
		return nil, &vpnerr.ProvisioningError{Step: StepLoad, Err: err}
	case existing.Status == models.AccountActive:
		return o.extend(ctx, in, existing)
	default:
		return o.reactivate(ctx, in, existing)
	}
}

func (o *Orchestrator) create(ctx context.Context, in *provisionInput, inboundID int) (*models.VpnAccount, error) {
	sess := &xui.Session{}
	log := o.logger.With(zap.Uint("user_id", in.user.ID), zap.Int("inbound_id", inboundID))

	inbound, err := o.locateInbound(ctx, sess, inboundID)
	if err != nil {
		return nil, err
	}
	if !connlink.Supported(inbound.Protocol) {
		return nil, &vpnerr.ProvisioningError{Step: StepInbound, Err: fmt.Errorf("%w: %q", connlink.ErrUnsupportedProtocol, inbound.Protocol)}
	}

	now := o.now()
	clientID := ClientID(in.user.ID, in.sub.ID)
	acc := &models.VpnAccount{
		UserID:            in.user.ID,
		InboundID:         inboundID,
		ClientID:          clientID,
		Email:             Identity(in.user.TelegramID, now),
		ExpiresAt:         in.sub.ExpiresAt,
		TrafficLimitBytes: in.plan.TrafficLimitBytes(),
		Status:            models.AccountActive,
		StatusReason:      models.ReasonCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	spec := clientSpec(in.user, in.sub, acc, true)

	if prior, ok := inbound.FindClient(clientID, ""); ok {
		// left over from an earlier attempt that never got persisted
		log.Info("adopting existing panel client", zap.String("client_id", clientID), zap.String("email", prior.Email))
		acc.Email = prior.Email
		spec.Email = prior.Email
		if err := o.panel.UpdateClient(ctx, sess, inboundID, spec); err != nil {
			return nil, &vpnerr.ProvisioningError{Step: StepUpdateClient, Err: err}
		}
	} else {
		if err := o.panel.AddClient(ctx, sess, inboundID, spec); err != nil {
			return nil, &vpnerr.ProvisioningError{Step: StepAddClient, Err: err}
		}
		if err := o.verify(ctx, sess, inboundID, acc.Email); err != nil {
			return nil, err
		}
	}

	params := connlink.FromInbound(inbound, clientID, acc.Email, o.panel.Host())
	uri, err := connlink.Build(params)
	if err != nil {
		return nil, &vpnerr.ProvisioningError{Step: StepBuildURI, Err: err}
	}
	acc.ConnectionURI = uri

	if err := o.store.CreateAccount(ctx, acc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			winner, gerr := o.store.GetAccountByUser(ctx, in.user.ID)
			if gerr == nil {
				log.Warn("account created concurrently, returning existing record", zap.Uint("account_id", winner.ID))
				return winner, nil
			}
		}
		return nil, &vpnerr.ProvisioningError{Step: StepPersist, Err: err}
	}

	log.Info("vpn account created",
		zap.Uint("account_id", acc.ID),
		zap.String("email", acc.Email),
		zap.Time("expires_at", acc.ExpiresAt),
		zap.Int64("traffic_limit", acc.TrafficLimitBytes),
	)
	return acc, nil
}

// locateInbound lists inbounds and picks the target one; absence is an
// API error since the configured inbound must exist on the panel.
func (o *Orchestrator) locateInbound(ctx context.Context, sess *xui.Session, inboundID int) (*xui.Inbound, error) {
	inbounds, err := o.panel.ListInbounds(ctx, sess)
	if err != nil {
		return nil, &vpnerr.ProvisioningError{Step: StepInbound, Err: err}
	}
	for i := range inbounds {
		if inbounds[i].ID == inboundID {
			return &inbounds[i], nil
		}
	}
	return nil, &vpnerr.ProvisioningError{
		Step: StepInbound,
		Err:  &vpnerr.APIError{Op: "list_inbounds", Message: fmt.Sprintf("inbound %d not found", inboundID)},
	}
}

// verify re-reads the inbound after a write. A missing client only logs a
// warning because the panel may apply writes late.
func (o *Orchestrator) verify(ctx context.Context, sess *xui.Session, inboundID int, email string) error {
	if o.cfg.VerifyDelay > 0 {
		timer := time.NewTimer(o.cfg.VerifyDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return &vpnerr.ProvisioningError{Step: StepVerify, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	inbound, err := o.panel.GetInbound(ctx, sess, inboundID)
	if err != nil {
		o.logger.Warn("could not re-read inbound after addClient", zap.Int("inbound_id", inboundID), zap.Error(err))
		return nil
	}
	if _, ok := inbound.FindClient("", email); !ok {
		o.logger.Warn("client not yet visible on inbound", zap.Int("inbound_id", inboundID), zap.String("email", email))
	}
	return nil
}

func (o *Orchestrator) extend(ctx context.Context, in *provisionInput, acc *models.VpnAccount) (*models.VpnAccount, error) {
	now := o.now()
	if err := acc.Transition(models.AccountActive, models.ReasonExtended, now); err != nil {
		return nil, &vpnerr.ProvisioningError{Step: StepLoad, Err: err}
	}
	acc.ExpiresAt = in.sub.ExpiresAt
	acc.TrafficLimitBytes = in.plan.TrafficLimitBytes()
	if err := o.store.SaveAccount(ctx, acc); err != nil {
		return nil, &vpnerr.ProvisioningError{Step: StepPersist, Err: err}
	}

	// keep the panel's own expiry in line; the local record is authoritative
	spec := clientSpec(in.user, in.sub, acc, true)
	if err := o.panel.UpdateClient(ctx, &xui.Session{}, acc.InboundID, spec); err != nil {
		o.logger.Warn("panel expiry not updated on extend", zap.Uint("account_id", acc.ID), zap.Error(err))
	}

	o.logger.Info("vpn account extended", zap.Uint("account_id", acc.ID), zap.Time("expires_at", acc.ExpiresAt))
	return acc, nil
}

func (o *Orchestrator) reactivate(ctx context.Context, in *provisionInput, acc *models.VpnAccount) (*models.VpnAccount, error) {
	if !models.CanTransition(acc.Status, models.AccountActive, models.ReasonReactivated) {
		return nil, &vpnerr.ProvisioningError{Step: StepLoad, Err: fmt.Errorf("%w: %s -> active", models.ErrInvalidTransition, acc.Status)}
	}
	sess := &xui.Session{}

	next := *acc
	next.ExpiresAt = in.sub.ExpiresAt
	next.TrafficLimitBytes = in.plan.TrafficLimitBytes()
	spec := clientSpec(in.user, in.sub, &next, true)

	if err := o.pushClient(ctx, sess, next.InboundID, spec); err != nil {
		return nil, &vpnerr.ProvisioningError{Step: StepUpdateClient, Err: err}
	}

	if o.cfg.ResetTrafficOnReactivate {
		if err := o.panel.ResetClientTraffic(ctx, sess, next.InboundID, next.Email); err != nil {
			// the panel still holds the old counter; leave the account as it was
			o.logger.Warn("panel traffic reset failed, reactivation aborted", zap.Uint("account_id", acc.ID), zap.Error(err))
			if derr := o.panel.UpdateClient(ctx, sess, acc.InboundID, clientSpec(in.user, in.sub, acc, false)); derr != nil {
				o.logger.Warn("failed to disable panel client after aborted reactivation", zap.Uint("account_id", acc.ID), zap.Error(derr))
			}
			return nil, &vpnerr.ProvisioningError{Step: StepResetTraffic, Err: err}
		}
		next.TrafficUsedBytes = 0
	}

	if err := next.Transition(models.AccountActive, models.ReasonReactivated, o.now()); err != nil {
		return nil, &vpnerr.ProvisioningError{Step: StepLoad, Err: err}
	}
	if err := o.store.SaveAccount(ctx, &next); err != nil {
		return nil, &vpnerr.ProvisioningError{Step: StepPersist, Err: err}
	}

	o.logger.Info("vpn account reactivated",
		zap.Uint("account_id", next.ID),
		zap.Time("expires_at", next.ExpiresAt),
		zap.Bool("traffic_reset", o.cfg.ResetTrafficOnReactivate),
	)
	return &next, nil
}

// pushClient updates the client on the panel, re-adding it when the panel
// no longer has it.
func (o *Orchestrator) pushClient(ctx context.Context, sess *xui.Session, inboundID int, spec xui.ClientSpec) error {
	err := o.panel.UpdateClient(ctx, sess, inboundID, spec)
	if err == nil {
		return nil
	}
	var apiErr *vpnerr.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	inbound, gerr := o.panel.GetInbound(ctx, sess, inboundID)
	if gerr != nil {
		return err
	}
	if _, ok := inbound.FindClient(spec.ID, ""); ok {
		return err
	}
	o.logger.Info("client missing on panel, adding it back", zap.String("client_id", spec.ID), zap.Int("inbound_id", inboundID))
	return o.panel.AddClient(ctx, sess, inboundID, spec)
}

func clientSpec(user *models.User, sub *models.Subscription, acc *models.VpnAccount, enable bool) xui.ClientSpec {
	spec := xui.ClientSpec{
		ID:         acc.ClientID,
		Flow:       xui.FlowVision,
		Email:      acc.Email,
		TotalGB:    acc.TrafficLimitBytes,
		ExpiryTime: acc.ExpiresAt.UnixMilli(),
		Enable:     enable,
	}
	if user != nil {
		spec.TgID = strconv.FormatInt(user.TelegramID, 10)
	}
	if sub != nil {
		spec.SubID = strconv.FormatUint(uint64(sub.ID), 10)
	}
	return spec
}

func notFoundOr(err error, entity string, key any) error {
	if errors.Is(err, store.ErrNotFound) {
		return vpnerr.NotFound(entity, key)
	}
	return &vpnerr.ProvisioningError{Step: StepLoad, Err: err}
}
