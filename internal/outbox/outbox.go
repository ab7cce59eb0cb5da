// Package outbox stages notifications inside the state transaction and delivers them afterwards.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"willway-bot/internal/models"
)

type Kind string

const (
	KindWelcome             Kind = "welcome"
	KindReferralBonus       Kind = "referral_bonus"
	KindCancellationNotice  Kind = "cancellation_notice"
	KindPaymentReminder     Kind = "payment_reminder"
	KindDoubtFeedback       Kind = "doubt_feedback"
	KindExpiryReminder      Kind = "expiry_reminder"
	KindSubscriptionExpired Kind = "subscription_expired"
)

// ErrInvalidRecipient is returned by a Sender when the recipient can never be reached.
var ErrInvalidRecipient = errors.New("invalid recipient")

// Payload carries the data a notification is rendered from.
type Payload struct {
	Plan      models.Plan        `json:"plan,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Days      int                `json:"days,omitempty"`
	FromID    models.MessengerID `json:"from_id,omitempty"`
	FromName  string             `json:"from_name,omitempty"`
	Text      string             `json:"text,omitempty"`
	Choice    string             `json:"choice,omitempty"`
}

// Message is one notification to stage.
type Message struct {
	Recipient  models.MessengerID
	Kind       Kind
	NaturalKey string
	Payload    Payload
	// AvailableAt defers delivery; zero means immediately.
	AvailableAt time.Time
}

// Sender delivers one rendered notification.
type Sender interface {
	Send(ctx context.Context, recipient models.MessengerID, kind Kind, p Payload) error
}

// Stage inserts m unless a message with the same (recipient, kind, natural key) exists.
// It reports whether a row was inserted.
func Stage(tx *gorm.DB, m Message, now time.Time) (bool, error) {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to encode %s payload: %w", m.Kind, err)
	}
	available := m.AvailableAt
	if available.IsZero() {
		available = now
	}
	row := models.OutboxMessage{
		RecipientID: m.Recipient,
		Kind:        string(m.Kind),
		NaturalKey:  m.NaturalKey,
		Payload:     datatypes.JSON(raw),
		AvailableAt: available,
		CreatedAt:   now,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to stage %s for %d: %w", m.Kind, m.Recipient, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func decode(m *models.OutboxMessage) (Payload, error) {
	var p Payload
	if len(m.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode payload of outbox message %d: %w", m.ID, err)
	}
	return p, nil
}
