package ledger

import (
	"context"
	"testing"
	"time"

	"willway-bot/internal/models"
	"willway-bot/internal/testutil"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestApplyPurchase(t *testing.T) {
	tests := []struct {
		name    string
		expires *time.Time
		plan    models.Plan
		want    time.Time
	}{
		{"fresh monthly", nil, models.PlanMonthly, now.Add(30 * 24 * time.Hour)},
		{"fresh yearly", nil, models.PlanYearly, now.Add(365 * 24 * time.Hour)},
		{"expired window restarts from now", ptr(now.Add(-48 * time.Hour)), models.PlanMonthly, now.Add(30 * 24 * time.Hour)},
		{"active window is extended", ptr(now.Add(10 * 24 * time.Hour)), models.PlanMonthly, now.Add(40 * 24 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &models.User{ExpiresAt: tt.expires, Plan: models.PlanNone, PaymentStatus: models.PaymentPending}
			got := ApplyPurchase(u, tt.plan, now)
			if !got.Equal(tt.want) || !u.ExpiresAt.Equal(tt.want) {
				t.Fatalf("expires = %v, want %v", got, tt.want)
			}
			if !u.Subscribed || u.Plan != tt.plan || u.PaymentStatus != models.PaymentCompleted {
				t.Fatalf("unexpected user after purchase: %+v", u)
			}
			if !u.IsActive(now) {
				t.Fatal("user should be active")
			}
		})
	}
}

func TestApplyPurchaseClearsCancellation(t *testing.T) {
	u := &models.User{CancelRequestedAt: ptr(now.Add(-time.Hour))}
	ApplyPurchase(u, models.PlanMonthly, now)
	if u.CancelRequestedAt != nil {
		t.Fatal("cancel_requested_at should be cleared by a new purchase")
	}
}

func TestApplyReward(t *testing.T) {
	u := &models.User{Plan: models.PlanNone}
	got := ApplyReward(u, 30, now)
	if !got.Equal(now.Add(30*24*time.Hour)) || u.Plan != models.PlanMonthly || !u.Subscribed {
		t.Fatalf("reward on empty plan: %+v", u)
	}

	yearly := &models.User{Plan: models.PlanYearly, Subscribed: true, ExpiresAt: ptr(now.Add(100 * 24 * time.Hour)),
		PaymentStatus: models.PaymentCompleted}
	got = ApplyReward(yearly, 30, now)
	if !got.Equal(now.Add(130*24*time.Hour)) || yearly.Plan != models.PlanYearly {
		t.Fatalf("reward on yearly: %+v", yearly)
	}
	if yearly.PaymentStatus != models.PaymentCompleted {
		t.Fatal("reward must not touch payment status")
	}
}

func TestRequestCancellationKeepsExpiry(t *testing.T) {
	expires := now.Add(5 * 24 * time.Hour)
	u := &models.User{Subscribed: true, ExpiresAt: &expires}

	if !RequestCancellation(u, now) {
		t.Fatal("first request should be recorded")
	}
	if RequestCancellation(u, now.Add(time.Hour)) {
		t.Fatal("second request should be a no-op")
	}
	if !u.CancelRequestedAt.Equal(now) || !u.ExpiresAt.Equal(expires) || !u.IsActive(now) {
		t.Fatalf("unexpected state: %+v", u)
	}
}

func TestExpireIfElapsed(t *testing.T) {
	u := &models.User{Subscribed: true, ExpiresAt: ptr(now.Add(time.Hour))}
	if ExpireIfElapsed(u, now) {
		t.Fatal("window still open")
	}
	if !ExpireIfElapsed(u, now.Add(2*time.Hour)) || u.Subscribed {
		t.Fatal("window should close")
	}
	if ExpireIfElapsed(u, now.Add(3*time.Hour)) {
		t.Fatal("already closed")
	}
}

func TestQueries(t *testing.T) {
	db := testutil.MainDB(t)
	l := New(db, testutil.Logger())
	ctx := context.Background()

	users := []models.User{
		{MessengerID: 1, DialogState: "SUBSCRIBED", Plan: models.PlanMonthly, PaymentStatus: models.PaymentCompleted,
			Subscribed: true, ExpiresAt: ptr(now.Add(-time.Minute))},
		{MessengerID: 2, DialogState: "SUBSCRIBED", Plan: models.PlanMonthly, PaymentStatus: models.PaymentCompleted,
			Subscribed: true, ExpiresAt: ptr(now.Add(20 * time.Hour))},
		{MessengerID: 3, DialogState: "PAYMENT_PENDING", Plan: models.PlanNone, PaymentStatus: models.PaymentPending,
			PaymentPendingSince: ptr(now.Add(-2 * time.Hour))},
		{MessengerID: 4, DialogState: "PAYMENT_PENDING", Plan: models.PlanNone, PaymentStatus: models.PaymentPending,
			PaymentPendingSince: ptr(now.Add(-10 * time.Minute))},
	}
	if err := db.Create(&users).Error; err != nil {
		t.Fatal(err)
	}

	elapsed, err := l.ElapsedSubscriptions(ctx, now, 100)
	if err != nil || len(elapsed) != 1 || elapsed[0] != 1 {
		t.Fatalf("ElapsedSubscriptions = %v, %v", elapsed, err)
	}

	expiring, err := l.ExpiringBetween(ctx, now, now.Add(24*time.Hour), 100)
	if err != nil || len(expiring) != 1 || expiring[0] != 2 {
		t.Fatalf("ExpiringBetween = %v, %v", expiring, err)
	}

	pending, err := l.PendingSince(ctx, now.Add(-time.Hour), 100)
	if err != nil || len(pending) != 1 || pending[0] != 3 {
		t.Fatalf("PendingSince = %v, %v", pending, err)
	}

	counts, err := l.Counts(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if counts.Users != 4 || counts.Subscribers != 1 || counts.Pending != 2 {
		t.Fatalf("Counts = %+v", counts)
	}
}

func TestDeleteCascades(t *testing.T) {
	db := testutil.MainDB(t)

	inviter := models.User{MessengerID: 10, DialogState: "END", Plan: models.PlanNone, PaymentStatus: models.PaymentNone}
	invitee := models.User{MessengerID: 20, DialogState: "END", Plan: models.PlanNone, PaymentStatus: models.PaymentNone}
	if err := db.Create(&inviter).Error; err != nil {
		t.Fatal(err)
	}
	invitee.ReferrerUserID = &inviter.ID
	if err := db.Create(&invitee).Error; err != nil {
		t.Fatal(err)
	}
	code := models.ReferralCode{OwnerID: inviter.ID, Code: "AB12CD34", Active: true}
	db.Create(&code)
	db.Create(&models.ReferralUse{CodeID: code.ID, InviteeID: invitee.ID, InviterID: inviter.ID})
	db.Create(&models.Payment{ID: "p1", UserID: inviter.ID, Plan: models.PlanMonthly, Amount: 1555, Status: "succeeded",
		IdempotencyKey: "k1"})
	db.Create(&models.OutboxMessage{RecipientID: 10, Kind: "welcome", NaturalKey: "welcome", AvailableAt: now})

	if err := Delete(db, &inviter); err != nil {
		t.Fatal(err)
	}

	for _, m := range []any{&models.Payment{}, &models.ReferralCode{}, &models.ReferralUse{}, &models.OutboxMessage{}} {
		var n int64
		db.Model(m).Count(&n)
		if n != 0 {
			t.Fatalf("%T rows left: %d", m, n)
		}
	}

	var left models.User
	if err := db.Where("messenger_id = ?", 20).Take(&left).Error; err != nil {
		t.Fatal(err)
	}
	if left.ReferrerUserID != nil {
		t.Fatal("invitee back-reference should be cleared")
	}
}
