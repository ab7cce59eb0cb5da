package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"willway-bot/internal/creator"
	"willway-bot/internal/funnel"
	"willway-bot/internal/identity"
	"willway-bot/internal/ledger"
	"willway-bot/internal/models"
	"willway-bot/internal/outbox"
	"willway-bot/internal/referral"
)

const expiryReminderLead = 25 * time.Hour

func (d *Dispatcher) cancellation(ctx context.Context, e CancellationRequested) (*Outcome, error) {
	return d.locked(ctx, e.Lookup, func(id models.MessengerID) (*Outcome, error) {
		out := &Outcome{}
		err := d.inUserTx(ctx, id, false, identity.Profile{}, out, func(s *txScope) error {
			u := s.user
			if !ledger.RequestCancellation(u, s.now) {
				out.Duplicate = true
			}
			if !u.IsActive(s.now) || u.CancelMessageSent {
				return nil
			}
			u.CancelMessageSent = true
			d.log.Info("cancellation requested", userLog(u)...)
			return s.stage(outbox.Message{
				Recipient:   u.MessengerID,
				Kind:        outbox.KindCancellationNotice,
				NaturalKey:  "cancellation_notice",
				Payload:     outbox.Payload{Plan: u.Plan, ExpiresAt: u.ExpiresAt},
				AvailableAt: s.now.Add(d.opts.CancellationNoticeDelay),
			})
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// conversionKey stands in for a missing purchase id so that replays of one report stay no-ops.
func conversionKey(e CreatorConversion, day time.Time) string {
	sum := sha256.Sum256([]byte(e.RefCode + "|" + e.User.String() + "|" + strconv.FormatInt(e.Amount, 10) + "|" + day.Format("2006-01-02")))
	return "tc-" + hex.EncodeToString(sum[:16])
}

func (d *Dispatcher) creatorConversion(ctx context.Context, e CreatorConversion) (*Outcome, error) {
	if d.creators == nil {
		return nil, fmt.Errorf("%w: creator store disabled", ErrInvalidEvent)
	}
	if e.User <= 0 || e.Amount <= 0 {
		return nil, fmt.Errorf("%w: user and amount are required", ErrInvalidEvent)
	}
	key := creator.StripRefPrefix(e.RefCode)
	if key == "" {
		return nil, fmt.Errorf("%w: ref_code is required", ErrInvalidEvent)
	}

	unlock := d.locks.Lock(e.User)
	defer unlock()

	purchaseID := e.PurchaseID
	if purchaseID == "" {
		purchaseID = conversionKey(e, d.now().UTC())
	}
	res, err := d.convertCreator(ctx, e.User, e.Amount, d.settings.Current().CommissionPercent, purchaseID, key)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Creator: res, Duplicate: res != nil && res.Duplicate}

	// tag a known user; an unknown one is fine, the creator store is keyed by messenger id
	err = d.inUserTx(ctx, e.User, false, identity.Profile{}, out, func(s *txScope) error {
		if s.user.ReferralSourceTag == "" {
			s.user.ReferralSourceTag = referral.SourceBlogger
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) paymentReminder(ctx context.Context, e PaymentReminderDue) (*Outcome, error) {
	return d.forUser(ctx, e.User, func(s *txScope) error {
		u := s.user
		if u.PaymentStatus != models.PaymentPending || u.IsActive(s.now) {
			return nil
		}
		if !u.PaymentReminderSent {
			if err := d.remindPending(s); err != nil {
				return err
			}
		}
		return funnel.PaymentTimedOut(u)
	})
}

func (d *Dispatcher) expiryReminder(ctx context.Context, e ExpiryReminderDue) (*Outcome, error) {
	return d.forUser(ctx, e.User, func(s *txScope) error {
		u := s.user
		if !u.IsActive(s.now) || u.ExpiresAt.Sub(s.now) > expiryReminderLead {
			return nil
		}
		if u.ExpiryReminderFor != nil && u.ExpiryReminderFor.Equal(*u.ExpiresAt) {
			return nil
		}
		expires := *u.ExpiresAt
		u.ExpiryReminderFor = &expires
		return s.stage(outbox.Message{
			Recipient:  u.MessengerID,
			Kind:       outbox.KindExpiryReminder,
			NaturalKey: strconv.FormatInt(expires.Unix(), 10),
			Payload:    outbox.Payload{Plan: u.Plan, ExpiresAt: &expires},
		})
	})
}

func (d *Dispatcher) subscriptionExpired(ctx context.Context, e SubscriptionExpired) (*Outcome, error) {
	return d.forUser(ctx, e.User, func(s *txScope) error {
		u := s.user
		if !ledger.ExpireIfElapsed(u, s.now) {
			return nil
		}
		if err := funnel.Expired(u); err != nil {
			return err
		}
		key := "none"
		if u.ExpiresAt != nil {
			key = strconv.FormatInt(u.ExpiresAt.Unix(), 10)
		}
		d.log.Info("subscription expired", userLog(u)...)
		return s.stage(outbox.Message{
			Recipient:  u.MessengerID,
			Kind:       outbox.KindSubscriptionExpired,
			NaturalKey: key,
			Payload:    outbox.Payload{Plan: u.Plan, ExpiresAt: u.ExpiresAt},
		})
	})
}

func (d *Dispatcher) adminReset(ctx context.Context, e AdminReset) (*Outcome, error) {
	return d.forUser(ctx, e.User, func(s *txScope) error {
		ledger.Reset(s.user, e.ClearSubscription)
		d.log.Info("user reset", append(userLog(s.user), zap.Bool("clear_subscription", e.ClearSubscription))...)
		return funnel.Reset(s.user)
	})
}

func (d *Dispatcher) adminDelete(ctx context.Context, e AdminDelete) (*Outcome, error) {
	return d.forUser(ctx, e.User, func(s *txScope) error {
		s.deleted = true
		d.log.Info("user deleted", userLog(s.user)...)
		return ledger.Delete(s.tx, s.user)
	})
}

// forUser runs fn for an existing user under the lock.
func (d *Dispatcher) forUser(ctx context.Context, id models.MessengerID, fn func(s *txScope) error) (*Outcome, error) {
	unlock := d.locks.Lock(id)
	defer unlock()

	out := &Outcome{}
	if err := d.inUserTx(ctx, id, false, identity.Profile{}, out, fn); err != nil {
		return nil, err
	}
	return out, nil
}
