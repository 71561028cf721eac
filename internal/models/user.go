package models

import (
	"time"
)

type User struct {
	ID         uint   `gorm:"primaryKey"`
	TelegramID int64  `gorm:"uniqueIndex;not null"`
	Username   string `gorm:"size:255"`
	FirstName  string `gorm:"size:255"`
	LastName   string `gorm:"size:255"`
	IsAdmin    bool   `gorm:"default:false"`
	IsBlocked  bool   `gorm:"default:false"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
