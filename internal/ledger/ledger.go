// Package ledger is the canonical store of users: profile, onboarding progress,
// subscription window and the funnel markers.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"willway-bot/internal/database"
	"willway-bot/internal/models"
)

var ErrUserNotFound = errors.New("user not found")

type Ledger struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(db *gorm.DB, log *zap.Logger) *Ledger {
	return &Ledger{db: db, log: log}
}

// extend moves expires_at to max(now, expires_at) + d and opens the window.
func extend(u *models.User, d time.Duration, now time.Time) time.Time {
	base := now
	if u.ExpiresAt != nil && u.ExpiresAt.After(now) {
		base = *u.ExpiresAt
	}
	expires := base.Add(d)
	u.ExpiresAt = &expires
	u.Subscribed = true
	u.ExpiryReminderFor = nil
	return expires
}

// ApplyPurchase credits a confirmed purchase of plan.
func ApplyPurchase(u *models.User, plan models.Plan, now time.Time) time.Time {
	expires := extend(u, plan.Duration(), now)
	u.Plan = plan
	u.PaymentStatus = models.PaymentCompleted
	u.PaymentPendingSince = nil
	// a new payment means auto-renewal is on again
	u.CancelRequestedAt = nil
	return expires
}

// ApplyReward credits free days without touching the payment status.
func ApplyReward(u *models.User, days int, now time.Time) time.Time {
	expires := extend(u, time.Duration(days)*24*time.Hour, now)
	if u.Plan == models.PlanNone || u.Plan == "" {
		u.Plan = models.PlanMonthly
	}
	return expires
}

// MarkPending records that the user opened the payment page. It starts a new reminder episode.
func MarkPending(u *models.User, now time.Time) {
	u.PaymentStatus = models.PaymentPending
	u.PaymentPendingSince = &now
	u.PaymentReminderSent = false
}

// RequestCancellation stores the first cancellation instant. expires_at is left alone.
// It reports whether the value was newly set.
func RequestCancellation(u *models.User, at time.Time) bool {
	if u.CancelRequestedAt != nil {
		return false
	}
	u.CancelRequestedAt = &at
	return true
}

// ExpireIfElapsed closes the window once expires_at has passed.
func ExpireIfElapsed(u *models.User, now time.Time) bool {
	if !u.Subscribed || (u.ExpiresAt != nil && u.ExpiresAt.After(now)) {
		return false
	}
	u.Subscribed = false
	return true
}

// Reset returns the dialog to its idle state. clearSubscription also wipes the subscription block,
// the only path allowed to move expires_at backwards.
func Reset(u *models.User, clearSubscription bool) {
	u.WaitingForFeedback = false
	u.DoubtStage = ""
	if clearSubscription {
		u.Subscribed = false
		u.Plan = models.PlanNone
		u.ExpiresAt = nil
		u.PaymentStatus = models.PaymentNone
		u.PaymentPendingSince = nil
		u.PaymentReminderSent = false
		u.CancelRequestedAt = nil
	}
}

// Save writes every column of the user.
func Save(tx *gorm.DB, u *models.User) error {
	if err := tx.Save(u).Error; err != nil {
		return fmt.Errorf("failed to save user %d: %w", u.MessengerID, err)
	}
	return nil
}

// LockByID loads a user by internal id with a row lock.
func LockByID(tx *gorm.DB, id models.UserID) (*models.User, error) {
	var u models.User
	if err := database.ForUpdate(tx).Where("id = ?", id).Take(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	return &u, nil
}

// FindByMessengerID is a plain read without locking.
func (l *Ledger) FindByMessengerID(ctx context.Context, id models.MessengerID) (*models.User, error) {
	var u models.User
	if err := l.db.WithContext(ctx).Where("messenger_id = ?", id).Take(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user %d: %w", id, err)
	}
	return &u, nil
}

// Delete removes a user and everything that references them.
func Delete(tx *gorm.DB, u *models.User) error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"payments", func() error { return tx.Where("user_id = ?", u.ID).Delete(&models.Payment{}).Error }},
		{"referral uses", func() error {
			return tx.Where("invitee_id = ? OR inviter_id = ?", u.ID, u.ID).Delete(&models.ReferralUse{}).Error
		}},
		{"referral codes", func() error { return tx.Where("owner_id = ?", u.ID).Delete(&models.ReferralCode{}).Error }},
		{"outbox", func() error {
			return tx.Where("recipient_id = ?", u.MessengerID).Delete(&models.OutboxMessage{}).Error
		}},
		{"assistant history", func() error {
			return tx.Where("user_id = ?", u.ID).Delete(&models.AssistantMessage{}).Error
		}},
		{"invitee back-references", func() error {
			return tx.Model(&models.User{}).Where("referrer_user_id = ?", u.ID).Update("referrer_user_id", nil).Error
		}},
		{"user", func() error { return tx.Where("id = ?", u.ID).Delete(&models.User{}).Error }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("failed to delete %s of user %d: %w", step.name, u.MessengerID, err)
		}
	}
	return nil
}
