package models

import (
	"time"
)

type ReferralCode struct {
	ID        uint   `gorm:"primaryKey"`
	OwnerID   UserID `gorm:"not null;index"`
	Code      string `gorm:"size:8;uniqueIndex;not null"`
	Active    bool   `gorm:"not null"`
	TotalUses int    `gorm:"not null"`
	CreatedAt time.Time
}

// ReferralUse links an invitee to the inviter whose code they arrived with.
type ReferralUse struct {
	ID                    uint   `gorm:"primaryKey"`
	CodeID                uint   `gorm:"not null;index"`
	InviteeID             UserID `gorm:"not null;uniqueIndex"`
	InviterID             UserID `gorm:"not null;index"`
	SubscriptionPurchased bool
	PurchasedAt           *time.Time
	RewardProcessed       bool
	CreatedAt             time.Time
}
