package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"willway-bot/internal/creator"
	"willway-bot/internal/funnel"
	"willway-bot/internal/identity"
	"willway-bot/internal/ledger"
	"willway-bot/internal/metrics"
	"willway-bot/internal/models"
	"willway-bot/internal/outbox"
)

// errDuplicatePayment aborts the transaction of a replayed purchase.
var errDuplicatePayment = errors.New("duplicate payment")

func (d *Dispatcher) paymentTracked(ctx context.Context, e PaymentTracked) (*Outcome, error) {
	return d.locked(ctx, e.Lookup, func(id models.MessengerID) (*Outcome, error) {
		out := &Outcome{}
		err := d.inUserTx(ctx, id, true, identity.Profile{}, out, func(s *txScope) error {
			u := s.user
			// a replay keeps the running episode and its reminder latch
			if u.PaymentStatus != models.PaymentPending {
				ledger.MarkPending(u, s.now)
			} else {
				out.Duplicate = true
			}
			return funnel.PaymentOpened(u)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// paymentFingerprint identifies a purchase report when the page sends no payment id.
func paymentFingerprint(id models.MessengerID, plan models.Plan, amount int64, url string) string {
	sum := sha256.Sum256([]byte(id.String() + "|" + string(plan) + "|" + strconv.FormatInt(amount, 10) + "|" + url))
	return hex.EncodeToString(sum[:])
}

// idempotencyKey returns the key of a purchase report and whether it was already applied. With a
// payment id the id is the key; otherwise an identical report inside the dedup window reuses the
// earlier key.
func (d *Dispatcher) idempotencyKey(ctx context.Context, e PaymentSucceeded, id models.MessengerID, amount int64, now time.Time) (key, fingerprint string, seen bool, err error) {
	db := d.db.WithContext(ctx)
	fingerprint = paymentFingerprint(id, e.Plan, amount, e.Lookup.URL)

	if e.PaymentID != "" {
		key = "pid-" + e.PaymentID
	} else {
		var p models.Payment
		err := db.Where("fingerprint = ? AND created_at >= ?", fingerprint, now.Add(-d.opts.PaymentDedupWindow)).
			Order("created_at DESC").Take(&p).Error
		if err == nil {
			return p.IdempotencyKey, fingerprint, true, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", false, fmt.Errorf("failed to look up payment fingerprint: %w", err)
		}
		key = fmt.Sprintf("fp-%s-%d", fingerprint[:32], now.Unix())
	}

	var n int64
	if err := db.Model(&models.Payment{}).Where("idempotency_key = ?", key).Count(&n).Error; err != nil {
		return "", "", false, fmt.Errorf("failed to look up payment key: %w", err)
	}
	return key, fingerprint, n > 0, nil
}

// recordPayment inserts the payment row; a key that already exists yields errDuplicatePayment.
func recordPayment(s *txScope, plan models.Plan, amount int64, key, fingerprint, source string) error {
	p := models.Payment{
		ID:             uuid.NewString(),
		UserID:         s.user.ID,
		Plan:           plan,
		Amount:         amount,
		Status:         string(models.PaymentCompleted),
		IdempotencyKey: key,
		Fingerprint:    fingerprint,
		Source:         source,
		PaidAt:         s.now,
		CreatedAt:      s.now,
	}
	res := s.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&p)
	if res.Error != nil {
		return fmt.Errorf("failed to save payment: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errDuplicatePayment
	}
	metrics.PaymentsTotal.WithLabelValues(string(plan), source).Inc()
	return nil
}

func (d *Dispatcher) paymentSucceeded(ctx context.Context, e PaymentSucceeded) (*Outcome, error) {
	if _, ok := models.ParsePlan(string(e.Plan)); !ok {
		return nil, fmt.Errorf("%w: unknown plan %q", ErrInvalidEvent, e.Plan)
	}
	if e.Amount < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidEvent)
	}
	settings := d.settings.Current()
	amount := e.Amount
	if amount == 0 {
		amount = settings.Price(string(e.Plan))
	}

	return d.locked(ctx, e.Lookup, func(id models.MessengerID) (*Outcome, error) {
		now := d.now()
		key, fingerprint, seen, err := d.idempotencyKey(ctx, e, id, amount, now)
		if err != nil {
			return nil, err
		}
		if seen {
			return d.replayed(ctx, id)
		}

		out := &Outcome{}
		// creator store first: a failure here leaves the main store untouched for the retry
		res, err := d.convertCreator(ctx, id, amount, settings.CommissionPercent, key, "")
		if err != nil {
			return nil, err
		}
		out.Creator = res

		err = d.runUserTx(ctx, id, true, identity.Profile{}, lockInviterFirst(id), out, func(s *txScope) error {
			u := s.user
			if err := recordPayment(s, e.Plan, amount, key, fingerprint, models.PaymentSourceWebhook); err != nil {
				return err
			}
			expires := ledger.ApplyPurchase(u, e.Plan, s.now)
			if err := funnel.Subscribed(u); err != nil {
				return err
			}
			s.out.Activated = true
			d.log.Info("purchase applied", append(userLog(u),
				zap.String("plan", string(e.Plan)), zap.Int64("amount", amount), zap.Time("expires_at", expires))...)

			if err := d.rewardInviter(s, settings.RewardDays); err != nil {
				return err
			}
			return d.welcome(s)
		})
		if errors.Is(err, errDuplicatePayment) {
			return d.replayed(ctx, id)
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// lockInviterFirst locks the inviter's row ahead of the buyer's when the inviter has the lower id.
// A purchase locks both rows, and two users who invited each other must lock them in the same order.
func lockInviterFirst(id models.MessengerID) func(tx *gorm.DB) error {
	return func(tx *gorm.DB) error {
		var u models.User
		err := tx.Select("id", "referrer_user_id").Where("messenger_id = ?", id).Take(&u).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load referrer of %d: %w", id, err)
		}
		if u.ReferrerUserID == nil || *u.ReferrerUserID >= u.ID {
			return nil
		}
		if _, err := ledger.LockByID(tx, *u.ReferrerUserID); err != nil && !errors.Is(err, ledger.ErrUserNotFound) {
			return err
		}
		return nil
	}
}

// rewardInviter converts the user's peer referral and credits the inviter once.
func (d *Dispatcher) rewardInviter(s *txScope, days int) error {
	use, err := d.referrals.RecordConversion(s.tx, s.user, s.now)
	if err != nil || use == nil {
		return err
	}
	reward, err := d.referrals.CreditReward(s.tx, use, days, s.now)
	if err != nil || reward == nil {
		return err
	}
	metrics.ReferralRewardsTotal.Inc()
	s.out.Reward = reward
	expires := reward.ExpiresAt
	return s.stage(outbox.Message{
		Recipient:  reward.Inviter.MessengerID,
		Kind:       outbox.KindReferralBonus,
		NaturalKey: strconv.FormatUint(uint64(reward.UseID), 10),
		Payload: outbox.Payload{
			Days:      reward.Days,
			ExpiresAt: &expires,
			FromID:    s.user.MessengerID,
			FromName:  s.user.DisplayName(),
		},
	})
}

// convertCreator records a creator conversion when the user has an open click. accessKey limits
// the conversion to one blogger and allows late binding.
func (d *Dispatcher) convertCreator(ctx context.Context, id models.MessengerID, amount, percent int64, purchaseID, accessKey string) (*creator.ConversionResult, error) {
	if d.creators == nil {
		return nil, nil
	}
	if accessKey == "" {
		open, err := d.creators.HasOpenClick(ctx, id)
		if err != nil || !open {
			return nil, err
		}
	}
	res, err := d.creators.RecordConversion(ctx, creator.Conversion{
		Invitee:    id,
		Amount:     amount,
		Percent:    percent,
		PurchaseID: purchaseID,
		AccessKey:  accessKey,
	})
	switch {
	case errors.Is(err, creator.ErrNoAttribution):
		metrics.CreatorConversionsTotal.WithLabelValues("unattributed").Inc()
		return nil, nil
	case err != nil:
		return nil, err
	case res.Duplicate:
		metrics.CreatorConversionsTotal.WithLabelValues("duplicate").Inc()
	default:
		metrics.CreatorConversionsTotal.WithLabelValues("converted").Inc()
	}
	return res, nil
}

// replayed answers a duplicate report with the current state.
func (d *Dispatcher) replayed(ctx context.Context, id models.MessengerID) (*Outcome, error) {
	var u models.User
	if err := d.db.WithContext(ctx).Where("messenger_id = ?", id).Take(&u).Error; err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id, err)
	}
	d.log.Info("duplicate purchase report ignored", userLog(&u)...)
	return &Outcome{User: &u, Duplicate: true}, nil
}

func (d *Dispatcher) paymentChecked(ctx context.Context, e PaymentChecked) (*Outcome, error) {
	return d.locked(ctx, e.Lookup, func(id models.MessengerID) (*Outcome, error) {
		out := &Outcome{}
		err := d.inUserTx(ctx, id, false, identity.Profile{}, out, func(s *txScope) error {
			u := s.user
			if u.IsActive(s.now) {
				return d.welcome(s)
			}
			if u.PaymentStatus != models.PaymentPending || u.PaymentReminderSent {
				return nil
			}
			if u.LastPaymentReminder != nil && s.now.Sub(*u.LastPaymentReminder) < d.opts.PaymentReminderThrottle {
				return nil
			}
			return d.remindPending(s)
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	})
}

// remindPending stages the reminder of the current pending episode and latches it.
func (d *Dispatcher) remindPending(s *txScope) error {
	u := s.user
	since := s.now
	if u.PaymentPendingSince != nil {
		since = *u.PaymentPendingSince
	}
	now := s.now
	u.PaymentReminderSent = true
	u.LastPaymentReminder = &now
	return s.stage(outbox.Message{
		Recipient:  u.MessengerID,
		Kind:       outbox.KindPaymentReminder,
		NaturalKey: strconv.FormatInt(since.Unix(), 10),
	})
}
