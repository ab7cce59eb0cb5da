package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"willway-bot/internal/models"
	"willway-bot/internal/testutil"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type delivery struct {
	recipient models.MessengerID
	kind      Kind
	payload   Payload
}

type fakeSender struct {
	mu   sync.Mutex
	sent []delivery
	fail map[models.MessengerID]error
}

func (f *fakeSender) Send(_ context.Context, recipient models.MessengerID, kind Kind, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[recipient]; err != nil {
		return err
	}
	f.sent = append(f.sent, delivery{recipient, kind, p})
	return nil
}

func newWorker(t *testing.T, sender Sender, opts Options) (*Worker, func(Message)) {
	t.Helper()
	db := testutil.MainDB(t)
	w := NewWorker(db, sender, opts, testutil.Logger())
	w.now = func() time.Time { return now }
	stage := func(m Message) {
		t.Helper()
		if _, err := Stage(db, m, now); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}
	return w, stage
}

func TestStageIsIdempotent(t *testing.T) {
	db := testutil.MainDB(t)
	m := Message{Recipient: 42, Kind: KindWelcome, NaturalKey: "welcome", Payload: Payload{Plan: models.PlanMonthly}}

	for i, want := range []bool{true, false, false} {
		inserted, err := Stage(db, m, now)
		if err != nil {
			t.Fatal(err)
		}
		if inserted != want {
			t.Fatalf("attempt %d: inserted = %v, want %v", i, inserted, want)
		}
	}

	other := m
	other.NaturalKey = "welcome-2"
	if inserted, err := Stage(db, other, now); err != nil || !inserted {
		t.Fatalf("different natural key must be staged: %v %v", inserted, err)
	}

	var count int64
	db.Model(&models.OutboxMessage{}).Count(&count)
	if count != 2 {
		t.Fatalf("rows = %d, want 2", count)
	}
}

func TestFlushDeliversInOrder(t *testing.T) {
	sender := &fakeSender{}
	w, stage := newWorker(t, sender, Options{Workers: 3})

	stage(Message{Recipient: 1, Kind: KindWelcome, NaturalKey: "welcome", Payload: Payload{Plan: models.PlanYearly}})
	stage(Message{Recipient: 2, Kind: KindWelcome, NaturalKey: "welcome"})
	stage(Message{Recipient: 1, Kind: KindReferralBonus, NaturalKey: "7", Payload: Payload{Days: 30, FromName: "Маша"}})

	sent, err := w.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sent != 3 {
		t.Fatalf("sent = %d, want 3", sent)
	}

	var first []delivery
	for _, d := range sender.sent {
		if d.recipient == 1 {
			first = append(first, d)
		}
	}
	if len(first) != 2 || first[0].kind != KindWelcome || first[1].kind != KindReferralBonus {
		t.Fatalf("recipient 1 order = %+v", first)
	}
	if first[0].payload.Plan != models.PlanYearly || first[1].payload.Days != 30 || first[1].payload.FromName != "Маша" {
		t.Fatalf("payloads not round-tripped: %+v", first)
	}

	again, err := w.Flush(context.Background())
	if err != nil || again != 0 {
		t.Fatalf("second flush sent %d (%v), want 0", again, err)
	}
}

func TestDeferredMessageWaits(t *testing.T) {
	sender := &fakeSender{}
	w, stage := newWorker(t, sender, Options{})
	stage(Message{Recipient: 5, Kind: KindCancellationNotice, NaturalKey: "cancellation_notice", AvailableAt: now.Add(5 * time.Second)})

	if sent, _ := w.Flush(context.Background()); sent != 0 {
		t.Fatalf("deferred message sent early")
	}
	w.now = func() time.Time { return now.Add(6 * time.Second) }
	if sent, _ := w.Flush(context.Background()); sent != 1 {
		t.Fatalf("deferred message not sent once due")
	}
}

func TestTransientFailureBlocksRecipientAndRetries(t *testing.T) {
	sender := &fakeSender{fail: map[models.MessengerID]error{7: errors.New("429 too many requests")}}
	w, stage := newWorker(t, sender, Options{MaxRetries: 2})
	stage(Message{Recipient: 7, Kind: KindWelcome, NaturalKey: "welcome"})
	stage(Message{Recipient: 7, Kind: KindReferralBonus, NaturalKey: "1"})
	stage(Message{Recipient: 8, Kind: KindWelcome, NaturalKey: "welcome"})

	sent, err := w.Flush(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 || len(sender.sent) != 1 || sender.sent[0].recipient != 8 {
		t.Fatalf("only recipient 8 should be served, got %+v", sender.sent)
	}

	var rows []models.OutboxMessage
	w.db.Where("recipient_id = ?", 7).Order("id").Find(&rows)
	if rows[0].Retries != 1 || rows[0].LastError == "" || !rows[0].Pending() {
		t.Fatalf("first row after one failure: %+v", rows[0])
	}
	if rows[1].Retries != 0 {
		t.Fatalf("second row must not be attempted while the first is failing: %+v", rows[1])
	}

	w.Flush(context.Background())
	w.db.Where("recipient_id = ?", 7).Order("id").Find(&rows)
	if rows[0].FailedAt == nil || rows[0].Retries != 2 {
		t.Fatalf("first row should be terminal after max retries: %+v", rows[0])
	}

	delete(sender.fail, 7)
	if sent, _ := w.Flush(context.Background()); sent != 1 {
		t.Fatalf("second row should go out once the first is terminal, sent = %d", sent)
	}
}

func TestInvalidRecipientIsTerminal(t *testing.T) {
	sender := &fakeSender{fail: map[models.MessengerID]error{9: ErrInvalidRecipient}}
	w, stage := newWorker(t, sender, Options{})
	stage(Message{Recipient: 9, Kind: KindPaymentReminder, NaturalKey: "p1"})

	w.Flush(context.Background())

	var row models.OutboxMessage
	w.db.Where("recipient_id = ?", 9).Take(&row)
	if row.FailedAt == nil || row.Retries != 0 {
		t.Fatalf("row = %+v, want failed without retries", row)
	}
}
