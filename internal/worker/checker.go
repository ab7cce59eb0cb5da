package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"willway-bot/internal/dispatch"
	"willway-bot/internal/models"
)

const (
	expiryNoticeWindow = 25 * time.Hour
	batchLimit         = 500
)

type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event) (*dispatch.Outcome, error)
}

// Subscriptions lists the users due for a lifecycle event.
type Subscriptions interface {
	ElapsedSubscriptions(ctx context.Context, now time.Time, limit int) ([]models.MessengerID, error)
	ExpiringBetween(ctx context.Context, from, to time.Time, limit int) ([]models.MessengerID, error)
	PendingSince(ctx context.Context, cutoff time.Time, limit int) ([]models.MessengerID, error)
}

// Report counts the events one pass dispatched.
type Report struct {
	ExpiryReminders  int
	Expired          int
	PaymentReminders int
	Failed           int
}

// Checker periodically turns elapsed time into dispatcher events.
type Checker struct {
	Dispatcher    Dispatcher
	Subscriptions Subscriptions
	Interval      time.Duration
	ReminderDelay time.Duration

	log *zap.Logger
	now func() time.Time
}

func NewChecker(d Dispatcher, subs Subscriptions, interval, reminderDelay time.Duration, log *zap.Logger) *Checker {
	return &Checker{
		Dispatcher:    d,
		Subscriptions: subs,
		Interval:      interval,
		ReminderDelay: reminderDelay,
		log:           log.Named("checker"),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (c *Checker) Start(ctx context.Context) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()
	c.log.Info("background subscription worker started", zap.Duration("interval", c.Interval))

	c.runLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runLogged(ctx)
		}
	}
}

func (c *Checker) runLogged(ctx context.Context) {
	r, err := c.RunOnce(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("subscription check failed", zap.Error(err))
		return
	}
	if r.ExpiryReminders+r.Expired+r.PaymentReminders+r.Failed > 0 {
		c.log.Info("subscription check done",
			zap.Int("expiry_reminders", r.ExpiryReminders),
			zap.Int("expired", r.Expired),
			zap.Int("payment_reminders", r.PaymentReminders),
			zap.Int("failed", r.Failed))
	}
}

// RunOnce performs one reconciliation pass. Per-user failures are counted and logged, not returned.
func (c *Checker) RunOnce(ctx context.Context) (Report, error) {
	var r Report
	now := c.now()

	// 1. Reminders for subscriptions ending within a day
	expiring, err := c.Subscriptions.ExpiringBetween(ctx, now, now.Add(expiryNoticeWindow), batchLimit)
	if err != nil {
		return r, fmt.Errorf("failed to query expiring subscriptions: %w", err)
	}
	for _, id := range expiring {
		if c.dispatch(ctx, dispatch.ExpiryReminderDue{User: id}) {
			r.ExpiryReminders++
		} else {
			r.Failed++
		}
	}

	// 2. Elapsed subscriptions
	elapsed, err := c.Subscriptions.ElapsedSubscriptions(ctx, now, batchLimit)
	if err != nil {
		return r, fmt.Errorf("failed to query expired subscriptions: %w", err)
	}
	for _, id := range elapsed {
		if c.dispatch(ctx, dispatch.SubscriptionExpired{User: id}) {
			r.Expired++
		} else {
			r.Failed++
		}
	}

	// 3. Abandoned payments
	pending, err := c.Subscriptions.PendingSince(ctx, now.Add(-c.ReminderDelay), batchLimit)
	if err != nil {
		return r, fmt.Errorf("failed to query pending payments: %w", err)
	}
	for _, id := range pending {
		if c.dispatch(ctx, dispatch.PaymentReminderDue{User: id}) {
			r.PaymentReminders++
		} else {
			r.Failed++
		}
	}
	return r, ctx.Err()
}

func (c *Checker) dispatch(ctx context.Context, ev dispatch.Event) bool {
	if ctx.Err() != nil {
		return false
	}
	if _, err := c.Dispatcher.Dispatch(ctx, ev); err != nil {
		c.log.Warn("lifecycle event failed", zap.String("event", ev.Type()), zap.Error(err))
		return false
	}
	return true
}
