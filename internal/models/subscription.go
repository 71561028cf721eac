package models

import (
	"fmt"
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionExpired  SubscriptionStatus = "expired"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

type Subscription struct {
	ID        uint               `gorm:"primaryKey"`
	UserID    uint               `gorm:"not null;index"`
	PlanID    uint               `gorm:"not null;index"`
	Status    SubscriptionStatus `gorm:"size:16;not null;index"`
	ExpiresAt time.Time          `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionActive:  {SubscriptionActive, SubscriptionExpired, SubscriptionCanceled},
	SubscriptionExpired: {SubscriptionActive},
}

func (s *Subscription) Transition(to SubscriptionStatus, now time.Time) error {
	for _, allowed := range subscriptionTransitions[s.Status] {
		if allowed == to {
			s.Status = to
			s.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: subscription %d %s -> %s", ErrInvalidTransition, s.ID, s.Status, to)
}

// Renew moves the expiry to max(now, current expiry) + days and reactivates
// an expired subscription. The expiry never moves backwards.
func (s *Subscription) Renew(days int, now time.Time) error {
	if err := s.Transition(SubscriptionActive, now); err != nil {
		return err
	}
	s.ExpiresAt = ExtendFrom(s.ExpiresAt, now, days)
	return nil
}

// ExtendFrom returns max(now, current) + days.
func ExtendFrom(current, now time.Time, days int) time.Time {
	base := current
	if now.After(base) {
		base = now
	}
	return base.Add(time.Duration(days) * 24 * time.Hour)
}
