package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"willway-bot/internal/creator"
	"willway-bot/internal/funnel"
	"willway-bot/internal/ledger"
	"willway-bot/internal/models"
	"willway-bot/internal/outbox"
	"willway-bot/internal/referral"
)

const paymentSuccessPrefix = "payment_success_"

func (d *Dispatcher) start(ctx context.Context, e StartCommand) (*Outcome, error) {
	unlock := d.locks.Lock(e.From)
	defer unlock()

	arg := strings.TrimSpace(e.Arg)
	out := &Outcome{}

	key, creatorKey := creator.ParseStartKey(arg)
	creatorClick := false
	if creatorKey && d.creators != nil {
		_, _, err := d.creators.RecordClick(ctx, key, e.From)
		switch {
		case err == nil:
			creatorClick = true
		case errors.Is(err, creator.ErrBloggerNotFound):
			d.log.Debug("unknown creator key", zap.Int64("messenger_id", int64(e.From)))
		default:
			return nil, err
		}
	}

	err := d.inUserTx(ctx, e.From, true, e.Profile, out, func(s *txScope) error {
		u := s.user
		switch {
		case strings.HasPrefix(arg, paymentSuccessPrefix):
			if err := d.deepLinkPayment(s, strings.TrimPrefix(arg, paymentSuccessPrefix)); err != nil {
				return err
			}
		case creatorKey:
			if u.ReferralSourceTag == "" {
				u.ReferralSourceTag = referral.SourceDirect
				if creatorClick {
					u.ReferralSourceTag = referral.SourceBlogger
				}
			}
		case referral.LooksLikeCode(arg):
			res, err := d.referrals.RecordClick(s.tx, arg, u, s.now)
			if err != nil {
				return err
			}
			d.log.Debug("peer referral click", append(userLog(u), zap.Int("result", int(res)))...)
		}

		r, err := funnel.Idle(u, s.now)
		if err != nil {
			return err
		}
		s.out.Result = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// deepLinkPayment activates the sender after a payment page redirect, unless the link belongs to
// someone else or the subscription is already running.
func (d *Dispatcher) deepLinkPayment(s *txScope, rawID string) error {
	u := s.user
	id, err := models.ParseMessengerID(rawID)
	if err != nil || id != u.MessengerID {
		d.log.Warn("payment deep link for another user ignored", userLog(u)...)
		return nil
	}
	if u.IsActive(s.now) {
		return nil
	}

	price := d.settings.Current().Price(string(models.PlanMonthly))
	if err := recordPayment(s, models.PlanMonthly, price, fmt.Sprintf("deep_link-%d-%d", u.MessengerID, s.now.Unix()), "",
		models.PaymentSourceDeepLink); err != nil {
		return err
	}
	expires := ledger.ApplyPurchase(u, models.PlanMonthly, s.now)
	if err := funnel.Subscribed(u); err != nil {
		return err
	}
	s.out.Activated = true
	d.log.Info("subscription activated from payment deep link", append(userLog(u), zap.Time("expires_at", expires))...)
	return d.welcome(s)
}

func (d *Dispatcher) dialog(ctx context.Context, e DialogInput) (*Outcome, error) {
	unlock := d.locks.Lock(e.From)
	defer unlock()

	out := &Outcome{}
	err := d.inUserTx(ctx, e.From, true, e.Profile, out, func(s *txScope) error {
		u := s.user
		r, err := funnel.Step(u, e.Input, s.now)
		if err != nil {
			return err
		}
		s.out.Result = r
		if r.Invalid {
			d.log.Debug("input rejected", append(userLog(u), zap.String("state", u.DialogState))...)
		}

		if r.Has(funnel.EffectIssueCode) {
			code, err := d.referrals.IssueCode(s.tx, u, s.now)
			if err != nil {
				return err
			}
			stats, err := d.referrals.Stats(s.tx, u.ID)
			if err != nil {
				return err
			}
			s.out.Code = code.Code
			s.out.Invited = stats
		}

		if r.Has(funnel.EffectFeedbackReceived) {
			for _, admin := range d.opts.AdminIDs {
				err := s.stage(outbox.Message{
					Recipient:  models.MessengerID(admin),
					Kind:       outbox.KindDoubtFeedback,
					NaturalKey: fmt.Sprintf("%d-%d", u.MessengerID, s.now.UnixNano()),
					Payload: outbox.Payload{
						FromID:   u.MessengerID,
						FromName: u.DisplayName(),
						Text:     u.DoubtFeedbackText,
						Choice:   u.DoubtLastChoice,
					},
				})
				if err != nil {
					return err
				}
			}
			d.log.Info("doubt feedback received", userLog(u)...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
