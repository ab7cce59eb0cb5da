package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"gorm.io/gorm"

	"willway-bot/internal/config"
	"willway-bot/internal/creator"
	"willway-bot/internal/funnel"
	"willway-bot/internal/identity"
	"willway-bot/internal/models"
	"willway-bot/internal/outbox"
	"willway-bot/internal/referral"
	"willway-bot/internal/testutil"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

const adminID = 900

type staticSettings struct{ s config.Settings }

func (s staticSettings) Current() config.Settings { return s.s }

type fixture struct {
	d        *Dispatcher
	db       *gorm.DB
	cdb      *sqlx.DB
	creators *creator.Store
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := testutil.Logger()
	f := &fixture{db: testutil.MainDB(t), cdb: testutil.CreatorDB(t), now: t0}

	f.creators = creator.NewStore(f.cdb, log)
	if err := f.creators.Migrate(context.Background()); err != nil {
		t.Fatalf("creator migrate: %v", err)
	}
	settings := staticSettings{config.Settings{MonthlyPrice: 1555, YearlyPrice: 13333, RewardDays: 30, CommissionPercent: 20}}
	resolver := identity.NewResolver(identity.NewMemorySessions(30*time.Minute), log)
	f.d = New(f.db, resolver, referral.New(log), f.creators, settings, Options{
		AdminIDs:                []int64{adminID},
		CancellationNoticeDelay: 5 * time.Second,
	}, log)
	f.d.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) dispatch(t *testing.T, ev Event) *Outcome {
	t.Helper()
	out, err := f.d.Dispatch(context.Background(), ev)
	if err != nil {
		t.Fatalf("%s: %v", ev.Type(), err)
	}
	return out
}

func (f *fixture) user(t *testing.T, id models.MessengerID) *models.User {
	t.Helper()
	var u models.User
	if err := f.db.Where("messenger_id = ?", id).Take(&u).Error; err != nil {
		t.Fatalf("load user %d: %v", id, err)
	}
	return &u
}

func (f *fixture) outbox(t *testing.T, id models.MessengerID, kind outbox.Kind) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&models.OutboxMessage{}).Where("recipient_id = ? AND kind = ?", id, string(kind)).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) say(t *testing.T, id models.MessengerID, inputs ...funnel.Input) *Outcome {
	t.Helper()
	var out *Outcome
	for _, in := range inputs {
		out = f.dispatch(t, DialogInput{From: id, Input: in})
		if out.Result.Invalid {
			t.Fatalf("input %+v rejected in %s", in, out.User.DialogState)
		}
	}
	return out
}

func (f *fixture) buy(t *testing.T, id models.MessengerID, plan models.Plan, amount int64) *Outcome {
	t.Helper()
	return f.dispatch(t, PaymentSucceeded{Lookup: identity.Lookup{ExternalID: id.String()}, Plan: plan, Amount: amount})
}

func (f *fixture) insertBlogger(t *testing.T, key string) int64 {
	t.Helper()
	var id int64
	err := f.cdb.QueryRowx(`INSERT INTO bloggers (name, access_key, registration_date, is_active)
		VALUES (?, ?, ?, ?) RETURNING id`, "Блогер", key, t0, true).Scan(&id)
	if err != nil {
		t.Fatalf("insert blogger: %v", err)
	}
	return id
}

func TestScenarioQuestionnaireAndPurchase(t *testing.T) {
	f := newFixture(t)

	out := f.dispatch(t, StartCommand{From: 111, Profile: identity.Profile{FirstName: "Анна"}})
	if !out.Created || out.Result.Screen != funnel.ScreenWelcome {
		t.Fatalf("start outcome = %+v", out)
	}
	f.say(t, 111,
		funnel.Callback(funnel.CallbackStartSurvey),
		funnel.Callback(funnel.GenderCallback("female")),
		funnel.Text("30"), funnel.Text("170"), funnel.Text("65"),
		funnel.Callback(funnel.GoalCallback("weight_loss")),
		funnel.Callback(funnel.GoalCallback("posture")),
		funnel.Callback(funnel.CallbackGoalsDone),
		funnel.Callback(funnel.AddGoalCallback("nutrition")),
		funnel.Callback(funnel.CallbackAddGoalsDone),
		funnel.Callback(funnel.WorkCallback("office_sedentary")),
		funnel.Callback(funnel.FreqCallback("1-2_per_week")),
	)
	out = f.say(t, 111, funnel.Callback(funnel.PlanCallback("monthly")))
	if out.Result.Screen != funnel.ScreenPaymentLink || out.Result.Plan != models.PlanMonthly {
		t.Fatalf("plan outcome = %+v", out.Result)
	}

	f.dispatch(t, PaymentTracked{Lookup: identity.Lookup{ExternalID: "111"}})
	if u := f.user(t, 111); u.DialogState != string(funnel.StatePaymentPending) || u.PaymentStatus != models.PaymentPending {
		t.Fatalf("after track: state=%s status=%s", u.DialogState, u.PaymentStatus)
	}

	out = f.buy(t, 111, models.PlanMonthly, 1555)
	if !out.Activated || out.Duplicate {
		t.Fatalf("purchase outcome = %+v", out)
	}

	u := f.user(t, 111)
	if !u.Subscribed || u.Plan != models.PlanMonthly || u.PaymentStatus != models.PaymentCompleted || !u.WelcomeSent {
		t.Fatalf("user after purchase: %+v", u)
	}
	if !u.ExpiresAt.Equal(t0.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expires_at = %v", u.ExpiresAt)
	}
	if !u.QuestionnaireComplete || len(u.MainGoals) != 2 || u.DialogState != string(funnel.StateSubscribed) {
		t.Fatalf("questionnaire not stored: %+v", u)
	}
	if n := f.outbox(t, 111, outbox.KindWelcome); n != 1 {
		t.Fatalf("welcome rows = %d", n)
	}
}

func TestScenarioPeerReferral(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 111})
	f.buy(t, 111, models.PlanMonthly, 1555)

	out := f.say(t, 111, funnel.Callback(funnel.CallbackInvite))
	if out.Result.Screen != funnel.ScreenInvite || !referral.LooksLikeCode(out.Code) {
		t.Fatalf("invite outcome = %+v", out)
	}
	code := out.Code

	f.dispatch(t, StartCommand{From: 222, Arg: code})
	f.dispatch(t, StartCommand{From: 222, Arg: code})

	inviter := f.user(t, 111)
	invitee := f.user(t, 222)
	if invitee.ReferrerUserID == nil || *invitee.ReferrerUserID != inviter.ID || invitee.ReferralSourceTag != referral.SourceLink {
		t.Fatalf("invitee = %+v", invitee)
	}
	var uses []models.ReferralUse
	f.db.Find(&uses)
	if len(uses) != 1 || uses[0].InviteeID != invitee.ID || uses[0].InviterID != inviter.ID {
		t.Fatalf("uses = %+v", uses)
	}

	out = f.buy(t, 222, models.PlanYearly, 13333)
	if out.Reward == nil || out.Reward.Days != 30 {
		t.Fatalf("reward = %+v", out.Reward)
	}
	invitee = f.user(t, 222)
	if invitee.Plan != models.PlanYearly || !invitee.ExpiresAt.Equal(t0.Add(365*24*time.Hour)) {
		t.Fatalf("invitee after purchase: %+v", invitee)
	}
	f.db.Find(&uses)
	if !uses[0].SubscriptionPurchased || !uses[0].RewardProcessed {
		t.Fatalf("use after purchase: %+v", uses[0])
	}
	if got := f.user(t, 111).ExpiresAt; !got.Equal(t0.Add(60 * 24 * time.Hour)) {
		t.Fatalf("inviter expires_at = %v", got)
	}
	if n := f.outbox(t, 111, outbox.KindReferralBonus); n != 1 {
		t.Fatalf("referral_bonus rows = %d", n)
	}

	// replay of the same report
	out = f.buy(t, 222, models.PlanYearly, 13333)
	if !out.Duplicate {
		t.Fatalf("replay not detected: %+v", out)
	}
	if got := f.user(t, 111).ExpiresAt; !got.Equal(t0.Add(60 * 24 * time.Hour)) {
		t.Fatalf("inviter extended twice: %v", got)
	}
	if n := f.outbox(t, 222, outbox.KindWelcome); n != 1 {
		t.Fatalf("welcome rows = %d", n)
	}
}

func TestOwnCodeIsDirect(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 111})
	code := f.say(t, 111, funnel.Callback(funnel.CallbackInvite)).Code

	f.dispatch(t, StartCommand{From: 111, Arg: code})
	u := f.user(t, 111)
	if u.ReferrerUserID != nil || u.ReferralSourceTag != referral.SourceDirect {
		t.Fatalf("self referral recorded: %+v", u)
	}
}

func TestScenarioCreator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := "7a2b4c8e9f1d0b63"
	bloggerID := f.insertBlogger(t, key)

	f.dispatch(t, StartCommand{From: 333, Arg: "ref_" + key})
	f.dispatch(t, StartCommand{From: 333, Arg: "ref_" + key})

	var rows []struct {
		Source    string `db:"source"`
		Converted bool   `db:"converted"`
	}
	if err := f.cdb.Select(&rows, `SELECT source, converted FROM blogger_referrals`); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].Source != "telegram_start_333" || rows[0].Converted {
		t.Fatalf("clicks = %+v", rows)
	}
	if u := f.user(t, 333); u.ReferralSourceTag != referral.SourceBlogger {
		t.Fatalf("source tag = %q", u.ReferralSourceTag)
	}

	conv := CreatorConversion{RefCode: "ref_" + key, User: 333, Amount: 1555, PurchaseID: "p-9"}
	out := f.dispatch(t, conv)
	if out.Creator == nil || out.Creator.Commission != 311 || out.Creator.Duplicate {
		t.Fatalf("conversion = %+v", out.Creator)
	}
	out = f.dispatch(t, conv)
	if !out.Duplicate {
		t.Fatalf("replay = %+v", out.Creator)
	}

	b, err := f.creators.Blogger(ctx, bloggerID)
	if err != nil {
		t.Fatal(err)
	}
	if b.TotalClicks != 1 || b.TotalConversions != 1 || b.TotalEarned != 311 {
		t.Fatalf("blogger totals = %+v", b)
	}
}

func TestPurchaseConvertsOpenCreatorClick(t *testing.T) {
	f := newFixture(t)
	key := "0123456789abcdef"
	bloggerID := f.insertBlogger(t, key)
	f.dispatch(t, StartCommand{From: 334, Arg: "ref_" + key})

	out := f.buy(t, 334, models.PlanMonthly, 1555)
	if out.Creator == nil || out.Creator.Commission != 311 {
		t.Fatalf("creator result = %+v", out.Creator)
	}
	// a renewal reported by the creator integration pays again, its replay does not
	out = f.dispatch(t, CreatorConversion{RefCode: key, User: 334, Amount: 1555, PurchaseID: "ext-1"})
	if out.Duplicate || out.Creator == nil || !out.Creator.LateBound || out.Creator.Commission != 311 {
		t.Fatalf("renewal = %+v", out.Creator)
	}
	out = f.dispatch(t, CreatorConversion{RefCode: key, User: 334, Amount: 1555, PurchaseID: "ext-1"})
	if !out.Duplicate {
		t.Fatalf("replay = %+v", out.Creator)
	}
	b, _ := f.creators.Blogger(context.Background(), bloggerID)
	if b.TotalConversions != 2 || b.TotalEarned != 622 {
		t.Fatalf("blogger totals = %+v", b)
	}
}

func TestScenarioCancellation(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 444})
	f.buy(t, 444, models.PlanMonthly, 1555)
	before := f.user(t, 444)

	f.say(t, 444,
		funnel.Callback(funnel.CallbackCancelStart),
		funnel.Callback(funnel.CallbackCancelConfirm),
		funnel.Text("too expensive"),
		funnel.Text("the meditations"),
	)
	u := f.user(t, 444)
	if u.CancelReason1 != "too expensive" || u.CancelReason2 != "the meditations" || u.CancelRequestedAt != nil {
		t.Fatalf("after dialog: %+v", u)
	}

	out := f.dispatch(t, CancellationRequested{Lookup: identity.Lookup{ExternalID: "444"}})
	if len(out.Staged) != 1 || out.Staged[0] != outbox.KindCancellationNotice {
		t.Fatalf("staged = %v", out.Staged)
	}
	u = f.user(t, 444)
	if u.CancelRequestedAt == nil || !u.CancelRequestedAt.Equal(t0) || !u.CancelMessageSent {
		t.Fatalf("after webhook: %+v", u)
	}
	if !u.ExpiresAt.Equal(*before.ExpiresAt) || !u.Subscribed {
		t.Fatalf("subscription touched: %+v", u)
	}

	var notice models.OutboxMessage
	f.db.Where("recipient_id = ? AND kind = ?", 444, string(outbox.KindCancellationNotice)).Take(&notice)
	if !notice.AvailableAt.Equal(t0.Add(5 * time.Second)) {
		t.Fatalf("notice available_at = %v", notice.AvailableAt)
	}

	f.now = t0.Add(time.Hour)
	out = f.dispatch(t, CancellationRequested{Lookup: identity.Lookup{ExternalID: "444"}})
	if !out.Duplicate || len(out.Staged) != 0 {
		t.Fatalf("replay outcome = %+v", out)
	}
	if u := f.user(t, 444); !u.CancelRequestedAt.Equal(t0) {
		t.Fatalf("first cancellation instant overwritten: %v", u.CancelRequestedAt)
	}
	if n := f.outbox(t, 444, outbox.KindCancellationNotice); n != 1 {
		t.Fatalf("notice rows = %d", n)
	}
}

func TestCancellationWithoutSubscription(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 445})

	out := f.dispatch(t, CancellationRequested{Lookup: identity.Lookup{ExternalID: "445"}})
	if len(out.Staged) != 0 || out.User.CancelRequestedAt == nil {
		t.Fatalf("outcome = %+v", out)
	}

	_, err := f.d.Dispatch(context.Background(), CancellationRequested{Lookup: identity.Lookup{ExternalID: "446"}})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("unknown user err = %v", err)
	}
}

func TestConcurrentDuplicatePurchase(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 111})
	code := f.say(t, 111, funnel.Callback(funnel.CallbackInvite)).Code
	f.dispatch(t, StartCommand{From: 555, Arg: code})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.d.Dispatch(context.Background(), PaymentSucceeded{
				Lookup: identity.Lookup{ExternalID: "555"}, Plan: models.PlanMonthly, Amount: 1555,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	if got := f.user(t, 555).ExpiresAt; !got.Equal(t0.Add(30 * 24 * time.Hour)) {
		t.Fatalf("expires_at = %v, want one extension", got)
	}
	if got := f.user(t, 111).ExpiresAt; got == nil || !got.Equal(t0.Add(30*24*time.Hour)) {
		t.Fatalf("inviter expires_at = %v, want one reward", got)
	}
	var payments int64
	f.db.Model(&models.Payment{}).Count(&payments)
	if payments != 1 {
		t.Fatalf("payments = %d", payments)
	}
	if f.outbox(t, 555, outbox.KindWelcome) != 1 || f.outbox(t, 111, outbox.KindReferralBonus) != 1 {
		t.Fatal("notifications duplicated")
	}
	if f.d.locks.Len() != 0 {
		t.Fatalf("locks leaked: %d", f.d.locks.Len())
	}
}

func TestPaymentIDIsIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ev := PaymentSucceeded{Lookup: identity.Lookup{ExternalID: "600"}, PaymentID: "pay-1", Plan: models.PlanMonthly, Amount: 1555}
	f.dispatch(t, ev)
	f.now = t0.Add(48 * time.Hour)
	if out := f.dispatch(t, ev); !out.Duplicate {
		t.Fatal("payment id replay outside the window must still be a duplicate")
	}

	ev.PaymentID = "pay-2"
	if out := f.dispatch(t, ev); out.Duplicate || !out.Activated {
		t.Fatalf("new payment id = %+v", out)
	}
	if got := f.user(t, 600).ExpiresAt; !got.Equal(t0.Add(60 * 24 * time.Hour)) {
		t.Fatalf("expires_at = %v", got)
	}
}

func TestPaymentValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.Dispatch(context.Background(), PaymentSucceeded{Lookup: identity.Lookup{ExternalID: "1"}, Plan: "weekly"})
	if !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("unknown plan err = %v", err)
	}
	_, err = f.d.Dispatch(context.Background(), PaymentSucceeded{Lookup: identity.Lookup{ExternalID: "abc"}, Plan: models.PlanMonthly})
	if !errors.Is(err, identity.ErrUnresolvable) {
		t.Fatalf("unresolvable err = %v", err)
	}
}

func TestSessionResolution(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, PaymentTracked{Lookup: identity.Lookup{
		ExternalID: "sess-1", SessionID: "sess-1", URL: "https://willway.pro/payment?tgid=777",
	}})
	if u := f.user(t, 777); u.PaymentStatus != models.PaymentPending {
		t.Fatalf("status = %s", u.PaymentStatus)
	}

	f.dispatch(t, PaymentSucceeded{Lookup: identity.Lookup{ExternalID: "sess-1", SessionID: "sess-1"}, Plan: models.PlanMonthly})
	u := f.user(t, 777)
	if !u.Subscribed {
		t.Fatalf("user 777 not activated through the session map: %+v", u)
	}
	var p models.Payment
	f.db.Where("user_id = ?", u.ID).Take(&p)
	if p.Amount != 1555 {
		t.Fatalf("amount defaulted to %d", p.Amount)
	}
}

func TestPaymentCheckAndReminder(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 700})
	f.say(t, 700, funnel.Callback(funnel.PlanCallback("monthly")))
	f.dispatch(t, PaymentTracked{Lookup: identity.Lookup{ExternalID: "700"}})
	f.dispatch(t, PaymentTracked{Lookup: identity.Lookup{ExternalID: "700"}})

	out := f.dispatch(t, PaymentChecked{Lookup: identity.Lookup{ExternalID: "700"}})
	if len(out.Staged) != 1 || out.Staged[0] != outbox.KindPaymentReminder {
		t.Fatalf("first check staged %v", out.Staged)
	}
	out = f.dispatch(t, PaymentChecked{Lookup: identity.Lookup{ExternalID: "700"}})
	if len(out.Staged) != 0 {
		t.Fatalf("second check staged %v", out.Staged)
	}

	// the scheduled tick for the same episode changes state but sends nothing new
	out = f.dispatch(t, PaymentReminderDue{User: 700})
	if len(out.Staged) != 0 || out.User.DialogState != string(funnel.StatePaymentTimeout) {
		t.Fatalf("tick outcome = %+v", out)
	}
	if n := f.outbox(t, 700, outbox.KindPaymentReminder); n != 1 {
		t.Fatalf("reminder rows = %d", n)
	}

	_, err := f.d.Dispatch(context.Background(), PaymentChecked{Lookup: identity.Lookup{ExternalID: "701"}})
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("check of unknown user err = %v", err)
	}
}

func TestReminderTickTimesOutPendingPayment(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 710})
	f.say(t, 710, funnel.Callback(funnel.PlanCallback("yearly")))
	f.dispatch(t, PaymentTracked{Lookup: identity.Lookup{ExternalID: "710"}})

	f.now = t0.Add(time.Hour)
	out := f.dispatch(t, PaymentReminderDue{User: 710})
	if len(out.Staged) != 1 || out.User.DialogState != string(funnel.StatePaymentTimeout) {
		t.Fatalf("tick outcome = %+v", out)
	}
	out = f.dispatch(t, PaymentReminderDue{User: 710})
	if len(out.Staged) != 0 {
		t.Fatalf("second tick staged %v", out.Staged)
	}
}

func TestPaymentCheckSendsMissingWelcome(t *testing.T) {
	f := newFixture(t)
	f.buy(t, 720, models.PlanMonthly, 1555)
	f.db.Model(&models.User{}).Where("messenger_id = ?", 720).Update("welcome_sent", false)

	out := f.dispatch(t, PaymentChecked{Lookup: identity.Lookup{ExternalID: "720"}})
	// the welcome row already exists, so the latch is restored without a second row
	if len(out.Staged) != 0 || !out.User.WelcomeSent {
		t.Fatalf("outcome = %+v", out)
	}
	if n := f.outbox(t, 720, outbox.KindWelcome); n != 1 {
		t.Fatalf("welcome rows = %d", n)
	}
}

func TestDeepLinkActivation(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 999})

	out := f.dispatch(t, StartCommand{From: 888, Arg: "payment_success_999"})
	if out.Activated || out.User.Subscribed {
		t.Fatalf("foreign deep link activated: %+v", out)
	}
	if f.user(t, 999).Subscribed {
		t.Fatal("owner of the link must not be touched either")
	}

	out = f.dispatch(t, StartCommand{From: 888, Arg: "payment_success_888"})
	if !out.Activated || out.Result.Screen != funnel.ScreenMainMenu {
		t.Fatalf("deep link outcome = %+v", out)
	}
	f.now = t0.Add(time.Minute)
	out = f.dispatch(t, StartCommand{From: 888, Arg: "payment_success_888"})
	if out.Activated {
		t.Fatal("active subscription extended again")
	}
	u := f.user(t, 888)
	if !u.ExpiresAt.Equal(t0.Add(30*24*time.Hour)) || f.outbox(t, 888, outbox.KindWelcome) != 1 {
		t.Fatalf("user = %+v", u)
	}
}

func TestDoubtFeedbackReachesAdmins(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 730, Profile: identity.Profile{Username: "olga"}})
	f.db.Model(&models.User{}).Where("messenger_id = ?", 730).
		Updates(map[string]any{"dialog_state": string(funnel.StateOfferPlans), "questionnaire_complete": true})

	out := f.say(t, 730,
		funnel.Callback(funnel.CallbackDoubt),
		funnel.Callback(funnel.CallbackDoubtResult),
		funnel.Callback(funnel.CallbackDoubtNo),
		funnel.Callback(funnel.CallbackFinalNo),
		funnel.Text("не верю в онлайн-тренировки"),
	)
	if out.Result.Screen != funnel.ScreenFeedbackThanks {
		t.Fatalf("screen = %s", out.Result.Screen)
	}
	var row models.OutboxMessage
	if err := f.db.Where("recipient_id = ? AND kind = ?", adminID, string(outbox.KindDoubtFeedback)).Take(&row).Error; err != nil {
		t.Fatalf("feedback row: %v", err)
	}
	if u := f.user(t, 730); u.DoubtFeedbackText != "не верю в онлайн-тренировки" || u.WaitingForFeedback {
		t.Fatalf("user = %+v", u)
	}
}

func TestExpiryLifecycle(t *testing.T) {
	f := newFixture(t)
	f.buy(t, 740, models.PlanMonthly, 1555)

	if out := f.dispatch(t, ExpiryReminderDue{User: 740}); len(out.Staged) != 0 {
		t.Fatal("reminder sent a month early")
	}
	f.now = t0.Add(29*24*time.Hour + 2*time.Hour)
	if out := f.dispatch(t, ExpiryReminderDue{User: 740}); len(out.Staged) != 1 {
		t.Fatalf("reminder staged %v", out.Staged)
	}
	if out := f.dispatch(t, ExpiryReminderDue{User: 740}); len(out.Staged) != 0 {
		t.Fatal("reminder repeated")
	}

	f.now = t0.Add(31 * 24 * time.Hour)
	out := f.dispatch(t, SubscriptionExpired{User: 740})
	if out.User.Subscribed || out.User.DialogState != string(funnel.StateEnd) || len(out.Staged) != 1 {
		t.Fatalf("expired outcome = %+v", out)
	}
	if out := f.dispatch(t, SubscriptionExpired{User: 740}); len(out.Staged) != 0 {
		t.Fatal("expired notice repeated")
	}
}

func TestAdminResetAndDelete(t *testing.T) {
	f := newFixture(t)
	f.buy(t, 750, models.PlanYearly, 13333)

	out := f.dispatch(t, AdminReset{User: 750, ClearSubscription: true})
	if out.User.Subscribed || out.User.ExpiresAt != nil || out.User.DialogState != string(funnel.StateEnd) {
		t.Fatalf("reset user = %+v", out.User)
	}

	f.dispatch(t, AdminDelete{User: 750})
	var n int64
	f.db.Model(&models.User{}).Where("messenger_id = ?", 750).Count(&n)
	if n != 0 {
		t.Fatal("user not deleted")
	}
	if _, err := f.d.Dispatch(context.Background(), AdminReset{User: 750}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("reset of deleted user err = %v", err)
	}
}

func TestMutualInvitersPurchaseConcurrently(t *testing.T) {
	f := newFixture(t)
	f.dispatch(t, StartCommand{From: 111})
	first := f.say(t, 111, funnel.Callback(funnel.CallbackInvite)).Code
	f.dispatch(t, StartCommand{From: 555, Arg: first})
	second := f.say(t, 555, funnel.Callback(funnel.CallbackInvite)).Code
	f.dispatch(t, StartCommand{From: 111, Arg: second})

	a, b := f.user(t, 111), f.user(t, 555)
	if a.ReferrerUserID == nil || *a.ReferrerUserID != b.ID || b.ReferrerUserID == nil || *b.ReferrerUserID != a.ID {
		t.Fatalf("referrers: 111 -> %v, 555 -> %v", a.ReferrerUserID, b.ReferrerUserID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, id := range []string{"111", "555"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.d.Dispatch(context.Background(), PaymentSucceeded{
				Lookup: identity.Lookup{ExternalID: id}, Plan: models.PlanMonthly, Amount: 1555,
			})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	if f.outbox(t, 111, outbox.KindReferralBonus) != 1 || f.outbox(t, 555, outbox.KindReferralBonus) != 1 {
		t.Fatal("each inviter must be rewarded once")
	}
	var pending int64
	f.db.Model(&models.ReferralUse{}).Where("reward_processed = ?", false).Count(&pending)
	if pending != 0 {
		t.Fatalf("unprocessed rewards = %d", pending)
	}
}

func TestLockInviterFirstUnknownUser(t *testing.T) {
	f := newFixture(t)
	if err := lockInviterFirst(999)(f.db); err != nil {
		t.Fatalf("unknown buyer: %v", err)
	}
}
