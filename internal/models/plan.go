package models

import (
	"time"
)

// BytesPerGB is the binary gigabyte used for traffic limits.
const BytesPerGB int64 = 1 << 30

type SubscriptionPlan struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"size:255;not null"`
	Description  string `gorm:"size:1024"`
	DurationDays int    `gorm:"not null"`
	TrafficGB    int64  `gorm:"not null"`
	IsActive     bool   `gorm:"default:true;index"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (p SubscriptionPlan) TrafficLimitBytes() int64 {
	return p.TrafficGB * BytesPerGB
}

func (p SubscriptionPlan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
