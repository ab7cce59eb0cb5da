package referral

import (
	"testing"
	"time"

	"gorm.io/gorm"

	"willway-bot/internal/models"
	"willway-bot/internal/testutil"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newUser(t *testing.T, db *gorm.DB, id models.MessengerID) *models.User {
	t.Helper()
	u := &models.User{MessengerID: id, DialogState: "END", Plan: models.PlanNone, PaymentStatus: models.PaymentNone}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("create user %d: %v", id, err)
	}
	return u
}

func TestIssueCodeIsStable(t *testing.T) {
	db := testutil.MainDB(t)
	l := New(testutil.Logger())
	owner := newUser(t, db, 111)

	code, err := l.IssueCode(db, owner, now)
	if err != nil {
		t.Fatal(err)
	}
	if !LooksLikeCode(code.Code) || NormalizeCode(code.Code) != code.Code {
		t.Fatalf("bad code %q", code.Code)
	}

	again, err := l.IssueCode(db, owner, now)
	if err != nil || again.ID != code.ID {
		t.Fatalf("second issue returned %+v, %v", again, err)
	}
}

func TestIssueCodeRejectsCollisions(t *testing.T) {
	db := testutil.MainDB(t)
	l := New(testutil.Logger())
	first := newUser(t, db, 1)
	second := newUser(t, db, 2)

	candidates := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	l.generate = func() (string, error) {
		c := candidates[0]
		candidates = candidates[1:]
		return c, nil
	}

	if c, err := l.IssueCode(db, first, now); err != nil || c.Code != "AAAAAAAA" {
		t.Fatalf("first = %+v, %v", c, err)
	}
	if c, err := l.IssueCode(db, second, now); err != nil || c.Code != "BBBBBBBB" {
		t.Fatalf("second = %+v, %v", c, err)
	}
}

func TestRecordClick(t *testing.T) {
	db := testutil.MainDB(t)
	l := New(testutil.Logger())
	inviter := newUser(t, db, 111)
	code, err := l.IssueCode(db, inviter, now)
	if err != nil {
		t.Fatal(err)
	}

	invitee := newUser(t, db, 222)
	res, err := l.RecordClick(db, code.Code, invitee, now)
	if err != nil || res != ClickRecorded {
		t.Fatalf("RecordClick = %v, %v", res, err)
	}
	if invitee.ReferrerUserID == nil || *invitee.ReferrerUserID != inviter.ID || invitee.ReferralSourceTag != SourceLink {
		t.Fatalf("invitee not attributed: %+v", invitee)
	}

	// replays do not add rows
	for i := 0; i < 3; i++ {
		res, err = l.RecordClick(db, code.Code, invitee, now)
		if err != nil || res != ClickAlreadyAttributed {
			t.Fatalf("replay %d = %v, %v", i, res, err)
		}
	}

	var uses int64
	db.Model(&models.ReferralUse{}).Where("invitee_id = ?", invitee.ID).Count(&uses)
	if uses != 1 {
		t.Fatalf("uses = %d, want 1", uses)
	}
	var rc models.ReferralCode
	db.Where("id = ?", code.ID).Take(&rc)
	if rc.TotalUses != 1 {
		t.Fatalf("total_uses = %d", rc.TotalUses)
	}
}

func TestRecordClickDirect(t *testing.T) {
	db := testutil.MainDB(t)
	l := New(testutil.Logger())
	owner := newUser(t, db, 111)
	code, _ := l.IssueCode(db, owner, now)

	tests := []struct {
		name  string
		setup func()
		code  string
		user  *models.User
		want  ClickResult
		tag   string
	}{
		{"own code", func() {}, code.Code, owner, ClickDirect, SourceDirect},
		{"unknown code", func() {}, "ZZZZ9999", newUser(t, db, 333), ClickDirect, SourceDirect},
		{"inactive code", func() { _ = l.SetActive(db, code.Code, false) }, code.Code, newUser(t, db, 444), ClickDirect, SourceDirect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.setup()
			got, err := l.RecordClick(db, tt.code, tt.user, now)
			if err != nil || got != tt.want {
				t.Fatalf("RecordClick = %v, %v", got, err)
			}
			if tt.user.ReferrerUserID != nil || tt.user.ReferralSourceTag != tt.tag {
				t.Fatalf("user = %+v", tt.user)
			}
		})
	}

	var uses int64
	db.Model(&models.ReferralUse{}).Count(&uses)
	if uses != 0 {
		t.Fatalf("uses = %d, want 0", uses)
	}
}

func TestRecordClickOrphanOwner(t *testing.T) {
	db := testutil.MainDB(t)
	l := New(testutil.Logger())
	db.Create(&models.ReferralCode{OwnerID: 9999, Code: "ORPHAN01", Active: true})

	invitee := newUser(t, db, 222)
	got, err := l.RecordClick(db, "ORPHAN01", invitee, now)
	if err != nil || got != ClickOrphan || invitee.ReferralSourceTag != SourceUnknown {
		t.Fatalf("RecordClick = %v, %v, tag=%q", got, err, invitee.ReferralSourceTag)
	}
}

func TestConversionAndRewardExactlyOnce(t *testing.T) {
	db := testutil.MainDB(t)
	l := New(testutil.Logger())
	inviter := newUser(t, db, 111)
	code, _ := l.IssueCode(db, inviter, now)
	invitee := newUser(t, db, 222)
	if _, err := l.RecordClick(db, code.Code, invitee, now); err != nil {
		t.Fatal(err)
	}

	use, err := l.RecordConversion(db, invitee, now)
	if err != nil || use == nil || !use.SubscriptionPurchased {
		t.Fatalf("RecordConversion = %+v, %v", use, err)
	}

	reward, err := l.CreditReward(db, use, 30, now)
	if err != nil || reward == nil {
		t.Fatalf("CreditReward = %+v, %v", reward, err)
	}
	if !reward.ExpiresAt.Equal(now.Add(30*24*time.Hour)) || reward.Inviter.MessengerID != 111 {
		t.Fatalf("reward = %+v", reward)
	}

	// a second conversion for the same invitee does not credit again
	use2, err := l.RecordConversion(db, invitee, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	again, err := l.CreditReward(db, use2, 30, now.Add(time.Hour))
	if err != nil || again != nil {
		t.Fatalf("second credit = %+v, %v", again, err)
	}

	var stored models.User
	db.Where("id = ?", inviter.ID).Take(&stored)
	if !stored.ExpiresAt.Equal(now.Add(30*24*time.Hour)) || stored.Plan != models.PlanMonthly {
		t.Fatalf("inviter = %+v", stored)
	}

	stats, err := l.Stats(db, inviter.ID)
	if err != nil || stats.Invited != 1 || stats.Purchased != 1 {
		t.Fatalf("Stats = %+v, %v", stats, err)
	}
}

func TestRewardRequiresPurchase(t *testing.T) {
	db := testutil.MainDB(t)
	l := New(testutil.Logger())
	use := &models.ReferralUse{ID: 1}
	if r, err := l.CreditReward(db, use, 30, now); r != nil || err != nil {
		t.Fatalf("CreditReward on unpurchased use = %+v, %v", r, err)
	}
}
