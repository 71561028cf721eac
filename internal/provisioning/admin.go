package provisioning

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"winston-vpn/internal/models"
	"winston-vpn/internal/store"
	"winston-vpn/internal/xui"
)

// Deactivate moves an account out of active. ReasonManual blocks it, any
// other reason makes it inactive. The panel client is disabled on a best
// effort basis.
func (o *Orchestrator) Deactivate(ctx context.Context, accountID uint, reason models.StatusReason) (*models.VpnAccount, error) {
	acc, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, notFoundOr(err, "vpn account", accountID)
	}

	unlock, err := o.lockUser(ctx, acc.UserID)
	if err != nil {
		return nil, err
	}
	defer o.release(ctx, unlock, acc.UserID)

	target := models.AccountInactive
	if reason == models.ReasonManual {
		target = models.AccountBlocked
	}
	if err := acc.Transition(target, reason, o.now()); err != nil {
		return nil, err
	}
	if err := o.store.SaveAccount(ctx, acc); err != nil {
		return nil, err
	}

	user, _ := o.store.GetUser(ctx, acc.UserID)
	sub, _ := o.store.GetActiveSubscription(ctx, acc.UserID)
	spec := clientSpec(user, sub, acc, false)
	if err := o.panel.UpdateClient(ctx, &xui.Session{}, acc.InboundID, spec); err != nil {
		o.logger.Warn("failed to disable panel client", zap.Uint("account_id", acc.ID), zap.Error(err))
	}

	o.logger.Info("vpn account deactivated",
		zap.Uint("account_id", acc.ID),
		zap.String("status", string(acc.Status)),
		zap.String("reason", string(reason)),
	)
	return acc, nil
}

func (o *Orchestrator) BlockAccount(ctx context.Context, accountID uint) (*models.VpnAccount, error) {
	return o.Deactivate(ctx, accountID, models.ReasonManual)
}

// DeleteAccount removes the panel client if it can and always removes the
// local record, so a broken panel never leaves the record orphaned.
func (o *Orchestrator) DeleteAccount(ctx context.Context, accountID uint) error {
	acc, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return notFoundOr(err, "vpn account", accountID)
	}

	if err := o.panel.DeleteClient(ctx, &xui.Session{}, acc.InboundID, acc.ClientID); err != nil {
		o.logger.Warn("panel client delete failed, removing local record anyway",
			zap.Uint("account_id", acc.ID),
			zap.String("client_id", acc.ClientID),
			zap.Error(err),
		)
	}

	if err := o.store.DeleteAccount(ctx, acc.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	o.logger.Info("vpn account deleted", zap.Uint("account_id", acc.ID), zap.Uint("user_id", acc.UserID))
	return nil
}

// BlockUser flags the user as blocked and blocks their account, if any.
// The returned account is nil when the user never had one.
func (o *Orchestrator) BlockUser(ctx context.Context, telegramID int64) (*models.VpnAccount, error) {
	user, err := o.store.GetUserByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, notFoundOr(err, "user", telegramID)
	}
	if err := o.store.SetUserBlocked(ctx, telegramID, true); err != nil {
		return nil, notFoundOr(err, "user", telegramID)
	}
	o.logger.Info("user blocked", zap.Int64("telegram_id", telegramID))

	acc, err := o.store.GetAccountByUser(ctx, user.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, err
	case acc.Status == models.AccountBlocked:
		return acc, nil
	}
	return o.BlockAccount(ctx, acc.ID)
}

// UnblockUser clears the blocked flag. The account is left as it is; the
// user gets it back by selecting a plan.
func (o *Orchestrator) UnblockUser(ctx context.Context, telegramID int64) error {
	if err := o.store.SetUserBlocked(ctx, telegramID, false); err != nil {
		return notFoundOr(err, "user", telegramID)
	}
	o.logger.Info("user unblocked", zap.Int64("telegram_id", telegramID))
	return nil
}

func (o *Orchestrator) SetAdmin(ctx context.Context, telegramID int64, admin bool) error {
	if err := o.store.SetUserAdmin(ctx, telegramID, admin); err != nil {
		return notFoundOr(err, "user", telegramID)
	}
	o.logger.Info("admin flag changed", zap.Int64("telegram_id", telegramID), zap.Bool("admin", admin))
	return nil
}
