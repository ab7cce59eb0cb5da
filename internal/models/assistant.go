package models

import (
	"time"
)

// AssistantMessage is one turn of the health assistant conversation.
type AssistantMessage struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    UserID `gorm:"not null;index"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

// All returns every main-store model for AutoMigrate.
func All() []any {
	return []any{
		&User{},
		&ReferralCode{},
		&ReferralUse{},
		&Payment{},
		&OutboxMessage{},
		&AssistantMessage{},
	}
}
