package models

import (
	"time"
)

const (
	PaymentSourceWebhook  = "webhook"
	PaymentSourceDeepLink = "deep_link"
)

type Payment struct {
	ID             string `gorm:"primaryKey;size:36"`
	UserID         UserID `gorm:"not null;index"`
	Plan           Plan   `gorm:"size:16;not null"`
	Amount         int64  `gorm:"not null"`
	Status         string `gorm:"size:16;not null"`
	IdempotencyKey string `gorm:"size:128;uniqueIndex;not null"`
	Fingerprint    string `gorm:"size:64;index"`
	Source         string `gorm:"size:16"`
	PaidAt         time.Time
	CreatedAt      time.Time
}
