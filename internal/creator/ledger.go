package creator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"willway-bot/internal/models"
)

func (s *Store) bloggerByKey(ctx context.Context, q sqlx.QueryerContext, key string) (*Blogger, error) {
	var b Blogger
	err := sqlx.GetContext(ctx, q, &b, s.rebind(`SELECT `+bloggerColumns+` FROM bloggers WHERE access_key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBloggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blogger: %w", err)
	}
	return &b, nil
}

// BloggerByKey returns an active blogger. Inactive bloggers are reported as not found.
func (s *Store) BloggerByKey(ctx context.Context, key string) (*Blogger, error) {
	var b *Blogger
	err := s.run(ctx, "blogger_by_key", func(ctx context.Context) error {
		var err error
		b, err = s.bloggerByKey(ctx, s.db, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !b.IsActive {
		return nil, ErrBloggerNotFound
	}
	return b, nil
}

// RecordClick stores that invitee started the bot with the blogger's code. Repeated starts for the
// same blogger and invitee return the existing row.
func (s *Store) RecordClick(ctx context.Context, key string, invitee models.MessengerID) (*Referral, bool, error) {
	var (
		ref     Referral
		created bool
	)
	err := s.run(ctx, "record_click", func(ctx context.Context) error {
		created = false
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			b, err := s.bloggerByKey(ctx, tx, key)
			if err != nil {
				return err
			}
			if !b.IsActive {
				return ErrBloggerNotFound
			}

			inviteeID := invitee.String()
			source := ClickSource(inviteeID)
			err = tx.GetContext(ctx, &ref, s.rebind(`SELECT `+referralColumns+` FROM blogger_referrals
				WHERE blogger_id = ? AND (invitee_id = ? OR (invitee_id IS NULL AND source = ?))
				ORDER BY id LIMIT 1`), b.ID, inviteeID, source)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("failed to check click: %w", err)
			}

			now := s.now()
			var id int64
			err = tx.QueryRowxContext(ctx, s.rebind(`INSERT INTO blogger_referrals
				(blogger_id, user_id, source, invitee_id, created_at, converted, commission_amount, status)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
				b.ID, inviteeID, source, inviteeID, now, false, 0, StatusClicked).Scan(&id)
			if err != nil {
				return fmt.Errorf("failed to save click: %w", err)
			}
			if _, err := tx.ExecContext(ctx, s.rebind(
				`UPDATE bloggers SET total_referrals = COALESCE(total_referrals, 0) + 1 WHERE id = ?`), b.ID); err != nil {
				return fmt.Errorf("failed to count click: %w", err)
			}

			ref = Referral{ID: id, BloggerID: b.ID, Source: source, InviteeID: inviteeID, CreatedAt: &now, Status: StatusClicked}
			created = true
			return nil
		})
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.Info("creator click recorded", zap.Int64("blogger_id", ref.BloggerID), zap.String("invitee", ref.InviteeID))
	}
	return &ref, created, nil
}

// Conversion describes a purchase to attribute.
type Conversion struct {
	Invitee    models.MessengerID
	Amount     int64
	Percent    int64
	PurchaseID string
	// AccessKey restricts attribution to one blogger and allows late binding when no click exists.
	AccessKey string
}

type ConversionResult struct {
	BloggerID  int64
	ReferralID int64
	Commission int64
	LateBound  bool
	// Duplicate is set when the purchase was already converted; nothing changed.
	Duplicate bool
}

// RecordConversion converts the most recent unconverted click of the invitee. Without any click it
// creates and converts one, but only when the blogger is known from AccessKey. Every distinct
// PurchaseID pays; a replayed one is reported as Duplicate.
func (s *Store) RecordConversion(ctx context.Context, c Conversion) (*ConversionResult, error) {
	if c.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var res ConversionResult
	err := s.run(ctx, "record_conversion", func(ctx context.Context) error {
		res = ConversionResult{}
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			return s.convert(ctx, tx, c, &res)
		})
	})
	if err != nil {
		return nil, err
	}

	if !res.Duplicate {
		s.log.Info("creator conversion recorded",
			zap.Int64("blogger_id", res.BloggerID),
			zap.Int64("invitee", int64(c.Invitee)),
			zap.Int64("commission", res.Commission),
			zap.Bool("late_bound", res.LateBound))
	}
	return &res, nil
}

func (s *Store) convert(ctx context.Context, tx *sqlx.Tx, c Conversion, res *ConversionResult) error {
	var blogger *Blogger
	if c.AccessKey != "" {
		b, err := s.bloggerByKey(ctx, tx, c.AccessKey)
		if err != nil {
			return err
		}
		blogger = b
	}

	inviteeID := c.Invitee.String()
	source := ClickSource(inviteeID)

	if c.PurchaseID != "" {
		var done Referral
		query := `SELECT ` + referralColumns + ` FROM blogger_referrals WHERE purchase_id = ? AND converted = ?`
		args := []any{c.PurchaseID, true}
		if blogger != nil {
			query += ` AND blogger_id = ?`
			args = append(args, blogger.ID)
		}
		err := tx.GetContext(ctx, &done, s.rebind(query+` LIMIT 1`), args...)
		if err == nil {
			*res = ConversionResult{BloggerID: done.BloggerID, ReferralID: done.ID, Commission: done.CommissionAmount, Duplicate: true}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to check purchase: %w", err)
		}
	}

	query := `SELECT ` + referralColumns + ` FROM blogger_referrals
		WHERE converted = ? AND (invitee_id = ? OR (invitee_id IS NULL AND source = ?))`
	args := []any{false, inviteeID, source}
	if blogger != nil {
		query += ` AND blogger_id = ?`
		args = append(args, blogger.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	now := s.now()
	var ref Referral
	err := tx.GetContext(ctx, &ref, s.rebind(query), args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if blogger == nil {
			return ErrNoAttribution
		}
		var id int64
		err = tx.QueryRowxContext(ctx, s.rebind(`INSERT INTO blogger_referrals
			(blogger_id, user_id, source, invitee_id, created_at, converted, commission_amount, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			blogger.ID, inviteeID, source, inviteeID, now, false, 0, StatusClicked).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to save late-bound click: %w", err)
		}
		ref = Referral{ID: id, BloggerID: blogger.ID, Source: source, InviteeID: inviteeID}
		res.LateBound = true
	case err != nil:
		return fmt.Errorf("failed to find click: %w", err)
	}

	commission := Commission(c.Amount, c.Percent)
	newSource := ref.Source
	if newSource == "" {
		newSource = source
	}
	var purchaseID any
	if c.PurchaseID != "" {
		newSource += "_purchase_" + c.PurchaseID
		purchaseID = c.PurchaseID
	}

	updated, err := tx.ExecContext(ctx, s.rebind(`UPDATE blogger_referrals
		SET converted = ?, converted_at = ?, commission_amount = ?, source = ?, purchase_id = ?, invitee_id = ?, status = ?
		WHERE id = ? AND converted = ?`),
		true, now, commission, newSource, purchaseID, inviteeID, StatusConverted, ref.ID, false)
	if err != nil {
		return fmt.Errorf("failed to convert click: %w", err)
	}
	if n, _ := updated.RowsAffected(); n == 0 {
		*res = ConversionResult{BloggerID: ref.BloggerID, ReferralID: ref.ID, Duplicate: true}
		return nil
	}

	clicks := 0
	if res.LateBound {
		clicks = 1
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE bloggers SET
		total_referrals = COALESCE(total_referrals, 0) + ?,
		total_conversions = COALESCE(total_conversions, 0) + 1,
		total_earned = COALESCE(total_earned, 0) + ?
		WHERE id = ?`), clicks, commission, ref.BloggerID); err != nil {
		return fmt.Errorf("failed to update blogger totals: %w", err)
	}

	res.BloggerID = ref.BloggerID
	res.ReferralID = ref.ID
	res.Commission = commission
	return nil
}

// HasOpenClick reports whether the invitee has an unconverted click with any blogger.
func (s *Store) HasOpenClick(ctx context.Context, invitee models.MessengerID) (bool, error) {
	var n int
	err := s.run(ctx, "has_open_click", func(ctx context.Context) error {
		id := invitee.String()
		return s.db.GetContext(ctx, &n, s.rebind(`SELECT COUNT(*) FROM blogger_referrals
			WHERE converted = ? AND (invitee_id = ? OR (invitee_id IS NULL AND source = ?))`),
			false, id, ClickSource(id))
	})
	return n > 0, err
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
