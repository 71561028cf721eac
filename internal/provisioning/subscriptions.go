package provisioning

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"winston-vpn/internal/models"
	"winston-vpn/internal/store"
	"winston-vpn/internal/vpnerr"
)

type Selection struct {
	Subscription *models.Subscription
	Account      *models.VpnAccount
	Renewed      bool
}

// SelectPlan handles a user picking a plan. Picking the plan they already
// have renews it; picking another cancels the current subscription and
// starts a new one. The account is then provisioned on the default
// inbound.
func (o *Orchestrator) SelectPlan(ctx context.Context, userID, planID uint) (*Selection, error) {
	plan, err := o.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, notFoundOr(err, "plan", planID)
	}
	if !plan.IsActive {
		return nil, vpnerr.NotFound("active plan", planID)
	}
	if _, err := o.store.GetUser(ctx, userID); err != nil {
		return nil, notFoundOr(err, "user", userID)
	}

	unlock, err := o.lockUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer o.release(ctx, unlock, userID)

	now := o.now()
	sel := &Selection{}

	current, err := o.store.GetActiveSubscription(ctx, userID)
	switch {
	case err == nil && current.PlanID == planID:
		if err := current.Renew(plan.DurationDays, now); err != nil {
			return nil, err
		}
		if err := o.store.SaveSubscription(ctx, current); err != nil {
			return nil, err
		}
		sel.Subscription = current
		sel.Renewed = true
	case err == nil || errors.Is(err, store.ErrNotFound):
		if current != nil {
			if err := current.Transition(models.SubscriptionCanceled, now); err != nil {
				return nil, err
			}
			if err := o.store.SaveSubscription(ctx, current); err != nil {
				return nil, err
			}
		}
		sub := &models.Subscription{
			UserID:    userID,
			PlanID:    planID,
			Status:    models.SubscriptionActive,
			ExpiresAt: now.Add(plan.Duration()),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.store.CreateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		sel.Subscription = sub
	default:
		return nil, err
	}

	o.logger.Info("plan selected",
		zap.Uint("user_id", userID),
		zap.Uint("plan_id", planID),
		zap.Uint("subscription_id", sel.Subscription.ID),
		zap.Bool("renewed", sel.Renewed),
	)

	acc, err := o.createOrRenew(ctx, userID, sel.Subscription.ID, o.cfg.DefaultInboundID)
	if err != nil {
		return sel, err
	}
	sel.Account = acc
	return sel, nil
}

// RenewSubscription adds days to the subscription, counting from the later
// of now and its current expiry.
func (o *Orchestrator) RenewSubscription(ctx context.Context, subscriptionID uint, days int) (*models.Subscription, error) {
	sub, err := o.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, notFoundOr(err, "subscription", subscriptionID)
	}
	if err := sub.Renew(days, o.now()); err != nil {
		return nil, err
	}
	if err := o.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

func (o *Orchestrator) CancelSubscription(ctx context.Context, subscriptionID uint) (*models.Subscription, error) {
	sub, err := o.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, notFoundOr(err, "subscription", subscriptionID)
	}
	if err := sub.Transition(models.SubscriptionCanceled, o.now()); err != nil {
		return nil, err
	}
	if err := o.store.SaveSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}
