// Package referral is the peer program ledger: codes owned by users and the single
// use record that links an invitee to their inviter.
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"willway-bot/internal/ledger"
	"willway-bot/internal/models"
)

const (
	CodeLength   = 8
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxAttempts  = 32
)

// Referral source tags stored on the invitee.
const (
	SourceLink    = "link"
	SourceDirect  = "direct"
	SourceUnknown = "unknown"
	SourceBlogger = "blogger"
)

var (
	ErrCodeSpaceExhausted = errors.New("could not generate a unique referral code")
	ErrCodeNotFound       = errors.New("referral code not found")

	codePattern = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)
)

// LooksLikeCode reports whether a deep-link argument has the shape of a peer code.
func LooksLikeCode(arg string) bool {
	return codePattern.MatchString(arg)
}

// NormalizeCode upper-cases a code as typed by a user.
func NormalizeCode(arg string) string {
	return strings.ToUpper(strings.TrimSpace(arg))
}

type ClickResult int

const (
	// ClickRecorded inserted a new ReferralUse.
	ClickRecorded ClickResult = iota
	// ClickAlreadyAttributed means the invitee already had a ReferralUse.
	ClickAlreadyAttributed
	// ClickDirect covers unknown, inactive and self-owned codes.
	ClickDirect
	// ClickOrphan is a valid code whose owner no longer exists.
	ClickOrphan
)

type Ledger struct {
	log      *zap.Logger
	generate func() (string, error)
}

func New(log *zap.Logger) *Ledger {
	return &Ledger{log: log, generate: randomCode}
}

func randomCode() (string, error) {
	var sb strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// IssueCode returns the owner's active code, creating one on first request.
func (l *Ledger) IssueCode(tx *gorm.DB, owner *models.User, now time.Time) (*models.ReferralCode, error) {
	var code models.ReferralCode
	err := tx.Where("owner_id = ? AND active = ?", owner.ID, true).Order("id").Take(&code).Error
	if err == nil {
		return &code, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load referral code: %w", err)
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate, err := l.generate()
		if err != nil {
			return nil, fmt.Errorf("failed to generate referral code: %w", err)
		}
		var taken int64
		if err := tx.Model(&models.ReferralCode{}).Where("code = ?", candidate).Count(&taken).Error; err != nil {
			return nil, fmt.Errorf("failed to check referral code: %w", err)
		}
		if taken > 0 {
			continue
		}

		code = models.ReferralCode{OwnerID: owner.ID, Code: candidate, Active: true, CreatedAt: now}
		if err := tx.Create(&code).Error; err != nil {
			return nil, fmt.Errorf("failed to save referral code: %w", err)
		}
		l.log.Info("referral code issued", zap.Int64("messenger_id", int64(owner.MessengerID)), zap.String("code", candidate))
		return &code, nil
	}
	return nil, ErrCodeSpaceExhausted
}

// RecordClick attributes invitee to the owner of code. The first code seen wins.
func (l *Ledger) RecordClick(tx *gorm.DB, code string, invitee *models.User, now time.Time) (ClickResult, error) {
	var existing int64
	if err := tx.Model(&models.ReferralUse{}).Where("invitee_id = ?", invitee.ID).Count(&existing).Error; err != nil {
		return 0, fmt.Errorf("failed to check referral use: %w", err)
	}
	if existing > 0 {
		return ClickAlreadyAttributed, nil
	}

	var rc models.ReferralCode
	err := tx.Where("code = ? AND active = ?", NormalizeCode(code), true).Take(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && rc.OwnerID == invitee.ID) {
		tagSource(invitee, SourceDirect)
		return ClickDirect, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load referral code: %w", err)
	}

	var owner int64
	if err := tx.Model(&models.User{}).Where("id = ?", rc.OwnerID).Count(&owner).Error; err != nil {
		return 0, fmt.Errorf("failed to check code owner: %w", err)
	}
	if owner == 0 {
		tagSource(invitee, SourceUnknown)
		return ClickOrphan, nil
	}

	use := models.ReferralUse{CodeID: rc.ID, InviteeID: invitee.ID, InviterID: rc.OwnerID, CreatedAt: now}
	res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "invitee_id"}}, DoNothing: true}).Create(&use)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to save referral use: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ClickAlreadyAttributed, nil
	}

	if err := tx.Model(&models.ReferralCode{}).Where("id = ?", rc.ID).
		Update("total_uses", gorm.Expr("total_uses + 1")).Error; err != nil {
		return 0, fmt.Errorf("failed to count referral use: %w", err)
	}

	inviter := rc.OwnerID
	invitee.ReferrerUserID = &inviter
	invitee.ReferralSourceTag = SourceLink
	return ClickRecorded, nil
}

func tagSource(u *models.User, tag string) {
	if u.ReferralSourceTag == "" {
		u.ReferralSourceTag = tag
	}
}

// RecordConversion marks the invitee's ReferralUse as purchased. It returns nil when the invitee
// was not referred.
func (l *Ledger) RecordConversion(tx *gorm.DB, invitee *models.User, now time.Time) (*models.ReferralUse, error) {
	if invitee.ReferrerUserID == nil {
		return nil, nil
	}

	var use models.ReferralUse
	err := tx.Where("invitee_id = ?", invitee.ID).Take(&use).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load referral use: %w", err)
	}

	if !use.SubscriptionPurchased {
		use.SubscriptionPurchased = true
		use.PurchasedAt = &now
		if err := tx.Model(&models.ReferralUse{}).Where("id = ?", use.ID).
			Updates(map[string]any{"subscription_purchased": true, "purchased_at": now}).Error; err != nil {
			return nil, fmt.Errorf("failed to mark referral purchase: %w", err)
		}
	}
	return &use, nil
}

// Reward is the outcome of a successful credit.
type Reward struct {
	UseID     uint
	Inviter   *models.User
	Invitee   models.UserID
	Days      int
	ExpiresAt time.Time
}

// CreditReward applies the bonus days to the inviter exactly once per use. It returns nil when the
// reward was already processed or the inviter row is gone.
func (l *Ledger) CreditReward(tx *gorm.DB, use *models.ReferralUse, days int, now time.Time) (*Reward, error) {
	if use == nil || !use.SubscriptionPurchased || use.RewardProcessed {
		return nil, nil
	}

	res := tx.Model(&models.ReferralUse{}).
		Where("id = ? AND subscription_purchased = ? AND reward_processed = ?", use.ID, true, false).
		Update("reward_processed", true)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to mark reward processed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	use.RewardProcessed = true

	// the invitee row is already locked; callers take the lower id first
	inviter, err := ledger.LockByID(tx, use.InviterID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		l.log.Warn("inviter vanished, reward skipped", zap.Uint("use_id", use.ID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	expires := ledger.ApplyReward(inviter, days, now)
	if err := ledger.Save(tx, inviter); err != nil {
		return nil, err
	}

	l.log.Info("referral reward credited",
		zap.Int64("inviter", int64(inviter.MessengerID)),
		zap.Uint("use_id", use.ID),
		zap.Time("expires_at", expires))
	return &Reward{UseID: use.ID, Inviter: inviter, Invitee: use.InviteeID, Days: days, ExpiresAt: expires}, nil
}

// Stats counts invitees and paying invitees of an inviter.
type Stats struct {
	Invited   int64
	Purchased int64
}

func (l *Ledger) Stats(tx *gorm.DB, inviter models.UserID) (Stats, error) {
	var s Stats
	if err := tx.Model(&models.ReferralUse{}).Where("inviter_id = ?", inviter).Count(&s.Invited).Error; err != nil {
		return s, fmt.Errorf("failed to count invitees: %w", err)
	}
	if err := tx.Model(&models.ReferralUse{}).
		Where("inviter_id = ? AND subscription_purchased = ?", inviter, true).Count(&s.Purchased).Error; err != nil {
		return s, fmt.Errorf("failed to count paying invitees: %w", err)
	}
	return s, nil
}

// SetActive toggles a code. Inactive codes no longer attribute new invitees.
func (l *Ledger) SetActive(tx *gorm.DB, code string, active bool) error {
	res := tx.Model(&models.ReferralCode{}).Where("code = ?", NormalizeCode(code)).Update("active", active)
	if res.Error != nil {
		return fmt.Errorf("failed to toggle referral code: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrCodeNotFound
	}
	return nil
}

// Codes runs code administration outside the dispatcher.
type Codes struct {
	DB     *gorm.DB
	Ledger *Ledger
}

func (c Codes) SetCodeActive(ctx context.Context, code string, active bool) error {
	if err := c.Ledger.SetActive(c.DB.WithContext(ctx), code, active); err != nil {
		return err
	}
	c.Ledger.log.Info("referral code toggled", zap.String("code", NormalizeCode(code)), zap.Bool("active", active))
	return nil
}
