package models

import (
	"fmt"
	"time"
)

const (
	NotificationVPNExpired   = "vpn_expired"
	NotificationTrafficLimit = "traffic_limit_exceeded"
)

func NotificationExpiresSoon(daysLeft int) string {
	return fmt.Sprintf("vpn_expires_soon_%dday", daysLeft)
}

type Notification struct {
	ID             uint   `gorm:"primaryKey"`
	UserID         uint   `gorm:"not null;index:idx_notifications_dedup,priority:1"`
	Type           string `gorm:"size:64;not null;index:idx_notifications_dedup,priority:2"`
	SubscriptionID *uint  `gorm:"index:idx_notifications_dedup,priority:3"`
	Message        string `gorm:"type:text"`
	IsRead         bool   `gorm:"default:false"`
	IsSent         bool   `gorm:"default:false;index"`
	// Attempts counts failed deliveries; RetryAt holds the earliest next one.
	Attempts  int        `gorm:"default:0"`
	RetryAt   *time.Time `gorm:"index"`
	IsFailed  bool       `gorm:"default:false"`
	CreatedAt time.Time
}
