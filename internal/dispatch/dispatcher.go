// Package dispatch turns inbound events into state transitions. Every event runs under the user's
// lock inside one main-store transaction; notifications are staged in that transaction.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"willway-bot/internal/config"
	"willway-bot/internal/creator"
	"willway-bot/internal/funnel"
	"willway-bot/internal/identity"
	"willway-bot/internal/ledger"
	"willway-bot/internal/metrics"
	"willway-bot/internal/models"
	"willway-bot/internal/outbox"
	"willway-bot/internal/referral"
)

var (
	ErrUserNotFound = identity.ErrUserNotFound
	ErrInvalidEvent = errors.New("invalid event")
)

// CreatorLedger is the part of the creator store the dispatcher writes to.
type CreatorLedger interface {
	RecordClick(ctx context.Context, key string, invitee models.MessengerID) (*creator.Referral, bool, error)
	RecordConversion(ctx context.Context, c creator.Conversion) (*creator.ConversionResult, error)
	HasOpenClick(ctx context.Context, invitee models.MessengerID) (bool, error)
}

// SettingsSource returns the current bot settings.
type SettingsSource interface {
	Current() config.Settings
}

type Options struct {
	AdminIDs                []int64
	PaymentReminderThrottle time.Duration
	CancellationNoticeDelay time.Duration
	PaymentDedupWindow      time.Duration
}

// Outcome is what the caller needs to answer the event.
type Outcome struct {
	// User is a snapshot after commit; nil when the event did not resolve a user.
	User    *models.User
	Created bool
	Result  funnel.Result
	// Code is the user's peer referral code when the invite screen was requested.
	Code      string
	Invited   referral.Stats
	Activated bool
	Duplicate bool
	Staged    []outbox.Kind
	Reward    *referral.Reward
	Creator   *creator.ConversionResult
}

type Dispatcher struct {
	db        *gorm.DB
	resolver  *identity.Resolver
	referrals *referral.Ledger
	creators  CreatorLedger
	settings  SettingsSource
	locks     *KeyedMutex
	opts      Options
	log       *zap.Logger
	now       func() time.Time
}

func New(db *gorm.DB, resolver *identity.Resolver, referrals *referral.Ledger, creators CreatorLedger,
	settings SettingsSource, opts Options, log *zap.Logger) *Dispatcher {
	if opts.PaymentReminderThrottle <= 0 {
		opts.PaymentReminderThrottle = time.Hour
	}
	if opts.PaymentDedupWindow <= 0 {
		opts.PaymentDedupWindow = 24 * time.Hour
	}
	return &Dispatcher{
		db:        db,
		resolver:  resolver,
		referrals: referrals,
		creators:  creators,
		settings:  settings,
		locks:     NewKeyedMutex(),
		opts:      opts,
		log:       log.Named("dispatch"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Dispatch handles one event.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Outcome, error) {
	start := time.Now()
	out, err := d.dispatch(ctx, ev)

	result := "ok"
	switch {
	case errors.Is(err, ErrUserNotFound):
		result = "not_found"
	case errors.Is(err, ErrInvalidEvent), errors.Is(err, identity.ErrUnresolvable):
		result = "invalid"
	case err != nil:
		result = "error"
		d.log.Error("event failed", zap.String("event", ev.Type()), zap.Error(err))
	case out != nil && out.Duplicate:
		result = "duplicate"
	}
	metrics.EventsTotal.WithLabelValues(ev.Type(), result).Inc()
	metrics.EventDuration.WithLabelValues(ev.Type()).Observe(time.Since(start).Seconds())
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) (*Outcome, error) {
	switch e := ev.(type) {
	case StartCommand:
		return d.start(ctx, e)
	case DialogInput:
		return d.dialog(ctx, e)
	case PaymentTracked:
		return d.paymentTracked(ctx, e)
	case PaymentSucceeded:
		return d.paymentSucceeded(ctx, e)
	case PaymentChecked:
		return d.paymentChecked(ctx, e)
	case CancellationRequested:
		return d.cancellation(ctx, e)
	case CreatorConversion:
		return d.creatorConversion(ctx, e)
	case PaymentReminderDue:
		return d.paymentReminder(ctx, e)
	case ExpiryReminderDue:
		return d.expiryReminder(ctx, e)
	case SubscriptionExpired:
		return d.subscriptionExpired(ctx, e)
	case AdminReset:
		return d.adminReset(ctx, e)
	case AdminDelete:
		return d.adminDelete(ctx, e)
	}
	return nil, fmt.Errorf("%w: unsupported event %T", ErrInvalidEvent, ev)
}

// txScope is the state shared by the steps of one transaction.
type txScope struct {
	tx      *gorm.DB
	user    *models.User
	created bool
	now     time.Time
	out     *Outcome
	// deleted skips the final save
	deleted bool
}

func (s *txScope) stage(m outbox.Message) error {
	inserted, err := outbox.Stage(s.tx, m, s.now)
	if err != nil {
		return err
	}
	if inserted {
		s.out.Staged = append(s.out.Staged, m.Kind)
	}
	return nil
}

// inUserTx runs fn inside one transaction with the user row loaded and saves the row afterwards.
// The caller holds the user lock.
func (d *Dispatcher) inUserTx(ctx context.Context, id models.MessengerID, create bool, profile identity.Profile,
	out *Outcome, fn func(s *txScope) error) error {
	return d.runUserTx(ctx, id, create, profile, nil, out, fn)
}

// runUserTx is inUserTx with a hook that runs in the transaction before the user row is locked.
func (d *Dispatcher) runUserTx(ctx context.Context, id models.MessengerID, create bool, profile identity.Profile,
	before func(tx *gorm.DB) error, out *Outcome, fn func(s *txScope) error) error {
	now := d.now()
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if before != nil {
			if err := before(tx); err != nil {
				return err
			}
		}
		u, created, err := d.resolver.Load(tx, id, create, profile)
		if err != nil {
			return err
		}
		s := &txScope{tx: tx, user: u, created: created, now: now, out: out}
		if err := fn(s); err != nil {
			return err
		}
		if !s.deleted {
			if err := ledger.Save(tx, u); err != nil {
				return err
			}
		}
		out.Created = created
		out.User = u
		return nil
	})
	if err != nil {
		out.User = nil
		out.Staged = nil
		return err
	}
	snapshot := *out.User
	out.User = &snapshot
	return nil
}

// locked resolves the lookup and runs fn under the user's lock.
func (d *Dispatcher) locked(ctx context.Context, l identity.Lookup, fn func(id models.MessengerID) (*Outcome, error)) (*Outcome, error) {
	id, err := d.resolver.MessengerID(ctx, l)
	if err != nil {
		return nil, err
	}
	unlock := d.locks.Lock(id)
	defer unlock()
	return fn(id)
}

// welcome stages the welcome notification once per user.
func (d *Dispatcher) welcome(s *txScope) error {
	if s.user.WelcomeSent {
		return nil
	}
	s.user.WelcomeSent = true
	return s.stage(outbox.Message{
		Recipient:  s.user.MessengerID,
		Kind:       outbox.KindWelcome,
		NaturalKey: "welcome",
		Payload:    outbox.Payload{Plan: s.user.Plan, ExpiresAt: s.user.ExpiresAt},
	})
}

func userLog(u *models.User) []zap.Field {
	return []zap.Field{zap.Uint("user_id", uint(u.ID)), zap.Int64("messenger_id", int64(u.MessengerID))}
}
