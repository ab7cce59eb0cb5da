package ledger

import (
	"context"
	"fmt"
	"time"

	"willway-bot/internal/models"
)

// ElapsedSubscriptions lists users still flagged subscribed after their expiry.
func (l *Ledger) ElapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.MessengerID, error) {
	var ids []models.MessengerID
	err := l.db.WithContext(ctx).Model(&models.User{}).
		Where("subscribed = ? AND (expires_at IS NULL OR expires_at <= ?)", true, now).
		Order("id").Limit(limit).
		Pluck("messenger_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query elapsed subscriptions: %w", err)
	}
	return ids, nil
}

// ExpiringBetween lists active subscribers whose window closes within [from, to).
func (l *Ledger) ExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]models.MessengerID, error) {
	var ids []models.MessengerID
	err := l.db.WithContext(ctx).Model(&models.User{}).
		Where("subscribed = ? AND expires_at >= ? AND expires_at < ?", true, from, to).
		Order("id").Limit(limit).
		Pluck("messenger_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	return ids, nil
}

// PendingSince lists users whose payment is still pending since before the cutoff and who were not reminded.
func (l *Ledger) PendingSince(ctx context.Context, cutoff time.Time, limit int) ([]models.MessengerID, error) {
	var ids []models.MessengerID
	err := l.db.WithContext(ctx).Model(&models.User{}).
		Where("payment_status = ? AND payment_reminder_sent = ? AND payment_pending_since <= ?",
			models.PaymentPending, false, cutoff).
		Order("id").Limit(limit).
		Pluck("messenger_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payments: %w", err)
	}
	return ids, nil
}

// Counts is a snapshot for the admin API.
type Counts struct {
	Users       int64 `json:"users"`
	Subscribers int64 `json:"subscribers"`
	Pending     int64 `json:"pending"`
	Onboarded   int64 `json:"onboarded"`
}

func (l *Ledger) Counts(ctx context.Context, now time.Time) (Counts, error) {
	var c Counts
	db := l.db.WithContext(ctx).Model(&models.User{})
	if err := db.Count(&c.Users).Error; err != nil {
		return c, fmt.Errorf("failed to count users: %w", err)
	}
	if err := l.db.WithContext(ctx).Model(&models.User{}).
		Where("subscribed = ? AND expires_at > ?", true, now).Count(&c.Subscribers).Error; err != nil {
		return c, fmt.Errorf("failed to count subscribers: %w", err)
	}
	if err := l.db.WithContext(ctx).Model(&models.User{}).
		Where("payment_status = ?", models.PaymentPending).Count(&c.Pending).Error; err != nil {
		return c, fmt.Errorf("failed to count pending payments: %w", err)
	}
	if err := l.db.WithContext(ctx).Model(&models.User{}).
		Where("questionnaire_complete = ?", true).Count(&c.Onboarded).Error; err != nil {
		return c, fmt.Errorf("failed to count onboarded users: %w", err)
	}
	return c, nil
}
