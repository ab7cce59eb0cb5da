package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"willway-bot/internal/config"
	"willway-bot/internal/dispatch"
	"willway-bot/internal/funnel"
	"willway-bot/internal/identity"
	"willway-bot/internal/ledger"
	"willway-bot/internal/models"
	"willway-bot/internal/outbox"
	"willway-bot/internal/referral"
	"willway-bot/internal/testutil"
)

type recorder struct {
	mu     sync.Mutex
	events []dispatch.Event
	fail   map[models.MessengerID]bool
}

func (r *recorder) Dispatch(_ context.Context, ev dispatch.Event) (*dispatch.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	var id models.MessengerID
	switch e := ev.(type) {
	case dispatch.ExpiryReminderDue:
		id = e.User
	case dispatch.SubscriptionExpired:
		id = e.User
	case dispatch.PaymentReminderDue:
		id = e.User
	}
	if r.fail[id] {
		return nil, errors.New("boom")
	}
	return &dispatch.Outcome{}, nil
}

type fakeSubs struct {
	expiring, elapsed, pending []models.MessengerID
	cutoff                     time.Time
	err                        error
}

func (f *fakeSubs) ElapsedSubscriptions(context.Context, time.Time, int) ([]models.MessengerID, error) {
	return f.elapsed, f.err
}

func (f *fakeSubs) ExpiringBetween(context.Context, time.Time, time.Time, int) ([]models.MessengerID, error) {
	return f.expiring, nil
}

func (f *fakeSubs) PendingSince(_ context.Context, cutoff time.Time, _ int) ([]models.MessengerID, error) {
	f.cutoff = cutoff
	return f.pending, nil
}

func TestRunOnceDispatchesEachKind(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &recorder{fail: map[models.MessengerID]bool{3: true}}
	subs := &fakeSubs{expiring: []models.MessengerID{1}, elapsed: []models.MessengerID{2, 3}, pending: []models.MessengerID{4}}

	c := NewChecker(rec, subs, time.Minute, time.Hour, testutil.Logger())
	c.now = func() time.Time { return now }

	r, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := Report{ExpiryReminders: 1, Expired: 1, PaymentReminders: 1, Failed: 1}
	if r != want {
		t.Fatalf("report = %+v, want %+v", r, want)
	}
	if len(rec.events) != 4 {
		t.Fatalf("dispatched %d events", len(rec.events))
	}
	if _, ok := rec.events[0].(dispatch.ExpiryReminderDue); !ok {
		t.Fatalf("first event = %T", rec.events[0])
	}
	if !subs.cutoff.Equal(now.Add(-time.Hour)) {
		t.Fatalf("pending cutoff = %v", subs.cutoff)
	}
}

func TestRunOnceQueryError(t *testing.T) {
	c := NewChecker(&recorder{}, &fakeSubs{err: errors.New("db down")}, time.Minute, time.Hour, testutil.Logger())
	if _, err := c.RunOnce(context.Background()); err == nil {
		t.Fatalf("query error swallowed")
	}
}

func TestStartStopsWithContext(t *testing.T) {
	rec := &recorder{}
	c := NewChecker(rec, &fakeSubs{expiring: []models.MessengerID{1}}, time.Hour, time.Hour, testutil.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		rec.mu.Lock()
		n := len(rec.events)
		rec.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("initial pass did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("checker did not stop")
	}
}

type staticSettings struct{ s config.Settings }

func (s staticSettings) Current() config.Settings { return s.s }

func TestReconcileAgainstStores(t *testing.T) {
	log := testutil.Logger()
	db := testutil.MainDB(t)
	resolver := identity.NewResolver(identity.NewMemorySessions(time.Minute), log)
	d := dispatch.New(db, resolver, referral.New(log), nil,
		staticSettings{config.Settings{MonthlyPrice: 1555, YearlyPrice: 13333, RewardDays: 30}},
		dispatch.Options{PaymentReminderThrottle: time.Hour}, log)

	now := time.Now().UTC()
	soon, past, pendingSince := now.Add(2*time.Hour), now.Add(-time.Hour), now.Add(-2*time.Hour)
	users := []models.User{
		{MessengerID: 1, Subscribed: true, ExpiresAt: &soon, Plan: models.PlanMonthly,
			PaymentStatus: models.PaymentCompleted, DialogState: string(funnel.StateSubscribed)},
		{MessengerID: 2, Subscribed: true, ExpiresAt: &past, Plan: models.PlanMonthly,
			PaymentStatus: models.PaymentCompleted, DialogState: string(funnel.StateSubscribed)},
		{MessengerID: 3, Plan: models.PlanNone, PaymentStatus: models.PaymentPending, PaymentPendingSince: &pendingSince,
			DialogState: string(funnel.StatePaymentPending)},
	}
	if err := db.Create(&users).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := NewChecker(d, ledger.New(db, log), time.Minute, time.Hour, log)
	r, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.ExpiryReminders != 1 || r.Expired != 1 || r.PaymentReminders != 1 || r.Failed != 0 {
		t.Fatalf("report = %+v", r)
	}

	count := func(id models.MessengerID, kind outbox.Kind) int64 {
		var n int64
		db.Model(&models.OutboxMessage{}).Where("recipient_id = ? AND kind = ?", id, string(kind)).Count(&n)
		return n
	}
	if count(1, outbox.KindExpiryReminder) != 1 || count(2, outbox.KindSubscriptionExpired) != 1 ||
		count(3, outbox.KindPaymentReminder) != 1 {
		t.Fatal("notices not staged")
	}

	var expired models.User
	db.Where("messenger_id = ?", 2).Take(&expired)
	if expired.Subscribed {
		t.Fatal("elapsed subscription still flagged")
	}

	// a second pass finds nothing new to send
	if _, err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if count(1, outbox.KindExpiryReminder) != 1 || count(3, outbox.KindPaymentReminder) != 1 {
		t.Fatal("notices repeated")
	}
}
