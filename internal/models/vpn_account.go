package models

import (
	"fmt"
	"time"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
	AccountBlocked  AccountStatus = "blocked"
)

type StatusReason string

const (
	ReasonCreated      StatusReason = "created"
	ReasonExtended     StatusReason = "extend"
	ReasonReactivated  StatusReason = "reactivate"
	ReasonExpired      StatusReason = "expired"
	ReasonTrafficLimit StatusReason = "traffic_limit_exceeded"
	ReasonManual       StatusReason = "manual"
)

type VpnAccount struct {
	ID                uint          `gorm:"primaryKey"`
	UserID            uint          `gorm:"not null;uniqueIndex"`
	InboundID         int           `gorm:"not null"`
	ClientID          string        `gorm:"size:64;not null"`
	Email             string        `gorm:"size:128;not null;index"`
	ExpiresAt         time.Time     `gorm:"index"`
	TrafficLimitBytes int64         `gorm:"not null;default:0"`
	TrafficUsedBytes  int64         `gorm:"not null;default:0"`
	Status            AccountStatus `gorm:"size:16;not null;index"`
	StatusReason      StatusReason  `gorm:"size:32"`
	ConnectionURI     string        `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// accountTransitions lists, per source status, the reachable statuses and
// the reasons that may cause each move.
var accountTransitions = map[AccountStatus]map[AccountStatus][]StatusReason{
	AccountActive: {
		AccountActive:   {ReasonExtended},
		AccountInactive: {ReasonExpired, ReasonTrafficLimit},
		AccountBlocked:  {ReasonManual},
	},
	AccountInactive: {
		AccountActive:  {ReasonReactivated},
		AccountBlocked: {ReasonManual},
	},
	AccountBlocked: {
		AccountActive:  {ReasonReactivated},
		AccountBlocked: {ReasonManual},
	},
}

func CanTransition(from, to AccountStatus, reason StatusReason) bool {
	for _, r := range accountTransitions[from][to] {
		if r == reason {
			return true
		}
	}
	return false
}

func (a *VpnAccount) Transition(to AccountStatus, reason StatusReason, now time.Time) error {
	if !CanTransition(a.Status, to, reason) {
		return fmt.Errorf("%w: account %d %s -> %s (%s)", ErrInvalidTransition, a.ID, a.Status, to, reason)
	}
	a.Status = to
	a.StatusReason = reason
	a.UpdatedAt = now
	return nil
}

// OverLimit reports whether usage reached the limit. A non-positive limit
// means unlimited, matching the panel's totalGB=0 convention.
func (a *VpnAccount) OverLimit() bool {
	return a.TrafficLimitBytes > 0 && a.TrafficUsedBytes >= a.TrafficLimitBytes
}

// ObserveUsage records remotely observed usage without ever lowering the
// stored value. It reports whether the stored value changed.
func (a *VpnAccount) ObserveUsage(observed int64) bool {
	if observed <= a.TrafficUsedBytes {
		return false
	}
	a.TrafficUsedBytes = observed
	return true
}
