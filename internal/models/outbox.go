package models

import (
	"time"

	"gorm.io/datatypes"
)

type OutboxMessage struct {
	ID          uint64         `gorm:"primaryKey"`
	RecipientID MessengerID    `gorm:"not null;uniqueIndex:idx_outbox_natural,priority:1"`
	Kind        string         `gorm:"size:32;not null;uniqueIndex:idx_outbox_natural,priority:2"`
	NaturalKey  string         `gorm:"size:128;not null;uniqueIndex:idx_outbox_natural,priority:3"`
	Payload     datatypes.JSON `gorm:"column:payload_json"`
	AvailableAt time.Time      `gorm:"not null;index"`
	SentAt      *time.Time     `gorm:"index"`
	FailedAt    *time.Time
	Retries     int    `gorm:"not null"`
	LastError   string `gorm:"type:text"`
	CreatedAt   time.Time
}

// Pending reports whether the worker should still try to deliver the row.
func (m *OutboxMessage) Pending() bool {
	return m.SentAt == nil && m.FailedAt == nil
}
