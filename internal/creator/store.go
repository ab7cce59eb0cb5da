// Package creator is the blogger program ledger. It lives in its own database, accessed with plain SQL,
// and repairs missing columns on first access.
package creator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrBloggerNotFound = errors.New("blogger not found")
	ErrNoAttribution   = errors.New("no creator attribution for user")
	ErrPayoutNotFound  = errors.New("payout not found")
	ErrInvalidAmount   = errors.New("invalid amount")
)

const (
	StatusClicked   = "clicked"
	StatusConverted = "converted"

	PayoutPending = "pending"
	PayoutPaid    = "paid"

	refPrefix = "ref_"
)

var startKeyPattern = regexp.MustCompile(`^ref_([0-9A-Za-z]{8,64})$`)

// ParseStartKey extracts the access key from a "ref_<key>" deep-link argument.
func ParseStartKey(arg string) (string, bool) {
	m := startKeyPattern.FindStringSubmatch(arg)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// StripRefPrefix accepts both "ref_<key>" and a bare key.
func StripRefPrefix(code string) string {
	return strings.TrimPrefix(strings.TrimSpace(code), refPrefix)
}

// ClickSource is the legacy source tag of a click.
func ClickSource(invitee string) string {
	return "telegram_start_" + invitee
}

// Commission is percent of amount rounded to whole minor units.
func Commission(amount, percent int64) int64 {
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(percent)).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

// NewAccessKey returns 16 random hex characters.
func NewAccessKey() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate access key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type Blogger struct {
	ID               int64      `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	TelegramID       *int64     `db:"telegram_id" json:"telegram_id,omitempty"`
	Email            string     `db:"email" json:"email,omitempty"`
	AccessKey        string     `db:"access_key" json:"-"`
	RegistrationDate *time.Time `db:"registration_date" json:"registration_date,omitempty"`
	IsActive         bool       `db:"is_active" json:"is_active"`
	TotalClicks      int64      `db:"total_referrals" json:"total_clicks"`
	TotalConversions int64      `db:"total_conversions" json:"total_conversions"`
	TotalEarned      int64      `db:"total_earned" json:"total_earned"`
}

const bloggerColumns = `id, COALESCE(name, '') AS name, telegram_id, COALESCE(email, '') AS email,
	COALESCE(access_key, '') AS access_key, registration_date, COALESCE(is_active, TRUE) AS is_active,
	COALESCE(total_referrals, 0) AS total_referrals, COALESCE(total_conversions, 0) AS total_conversions,
	CAST(COALESCE(total_earned, 0) AS BIGINT) AS total_earned`

type Referral struct {
	ID               int64      `db:"id" json:"id"`
	BloggerID        int64      `db:"blogger_id" json:"blogger_id"`
	Source           string     `db:"source" json:"source"`
	InviteeID        string     `db:"invitee_id" json:"user_id"`
	PurchaseID       string     `db:"purchase_id" json:"purchase_id,omitempty"`
	CreatedAt        *time.Time `db:"created_at" json:"created_at"`
	Converted        bool       `db:"converted" json:"converted"`
	ConvertedAt      *time.Time `db:"converted_at" json:"converted_at,omitempty"`
	CommissionAmount int64      `db:"commission_amount" json:"commission_amount"`
	Status           string     `db:"status" json:"status"`
}

const referralColumns = `id, COALESCE(blogger_id, 0) AS blogger_id, COALESCE(source, '') AS source,
	COALESCE(invitee_id, '') AS invitee_id, COALESCE(purchase_id, '') AS purchase_id, created_at,
	COALESCE(converted, FALSE) AS converted, converted_at,
	CAST(COALESCE(commission_amount, 0) AS BIGINT) AS commission_amount, COALESCE(status, '') AS status`

type Payout struct {
	ID        int64      `db:"id" json:"id"`
	BloggerID int64      `db:"blogger_id" json:"blogger_id"`
	Amount    int64      `db:"amount" json:"amount"`
	Status    string     `db:"status" json:"status"`
	CreatedAt *time.Time `db:"created_at" json:"created_at"`
	PaidAt    *time.Time `db:"paid_at" json:"paid_at,omitempty"`
}

// Store is the creator-store repository.
type Store struct {
	db  *sqlx.DB
	log *zap.Logger
	now func() time.Time

	mu    sync.Mutex
	ready bool
}

func NewStore(db *sqlx.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) isPostgres() bool {
	return s.db.DriverName() == "postgres"
}

// Migrate brings the schema up to date. It also runs lazily before the first operation.
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.migrate(ctx); err != nil {
		return err
	}
	s.ready = true
	return nil
}

func (s *Store) ensureReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	s.mu.Unlock()
	if ready {
		return nil
	}
	return s.Migrate(ctx)
}

// run executes op, healing the schema and retrying once if a column turns out to be missing.
func (s *Store) run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}

	err := op(ctx)
	if !isMissingColumn(err) {
		return err
	}

	s.log.Warn("creator store schema drift, migrating", zap.String("op", name), zap.Error(err))
	if merr := s.Migrate(ctx); merr != nil {
		return fmt.Errorf("%s: %w (schema repair failed: %v)", name, err, merr)
	}
	return op(ctx)
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// withTx runs fn in a transaction committed only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}
