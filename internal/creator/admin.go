package creator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// NewBlogger is the input for CreateBlogger.
type NewBlogger struct {
	Name       string
	Email      string
	TelegramID *int64
}

func (s *Store) CreateBlogger(ctx context.Context, in NewBlogger) (*Blogger, error) {
	key, err := NewAccessKey()
	if err != nil {
		return nil, err
	}

	var b *Blogger
	err = s.run(ctx, "create_blogger", func(ctx context.Context) error {
		now := s.now()
		var id int64
		if err := s.db.QueryRowxContext(ctx, s.rebind(`INSERT INTO bloggers
			(name, email, telegram_id, access_key, registration_date, is_active,
			 total_referrals, total_conversions, total_earned)
			VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0) RETURNING id`),
			in.Name, in.Email, in.TelegramID, key, now, true).Scan(&id); err != nil {
			return fmt.Errorf("failed to create blogger: %w", err)
		}
		b = &Blogger{ID: id, Name: in.Name, Email: in.Email, TelegramID: in.TelegramID, AccessKey: key,
			RegistrationDate: &now, IsActive: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("blogger created", zap.Int64("blogger_id", b.ID), zap.String("name", b.Name))
	return b, nil
}

func (s *Store) Blogger(ctx context.Context, id int64) (*Blogger, error) {
	var b Blogger
	err := s.run(ctx, "blogger", func(ctx context.Context) error {
		return s.db.GetContext(ctx, &b, s.rebind(`SELECT `+bloggerColumns+` FROM bloggers WHERE id = ?`), id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBloggerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load blogger: %w", err)
	}
	return &b, nil
}

func (s *Store) ListBloggers(ctx context.Context) ([]Blogger, error) {
	var out []Blogger
	err := s.run(ctx, "list_bloggers", func(ctx context.Context) error {
		out = nil
		return s.db.SelectContext(ctx, &out, `SELECT `+bloggerColumns+` FROM bloggers ORDER BY id`)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bloggers: %w", err)
	}
	return out, nil
}

func (s *Store) exec(ctx context.Context, name, query string, args ...any) error {
	return s.run(ctx, name, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrBloggerNotFound
		}
		return nil
	})
}

func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	return s.exec(ctx, "set_active", `UPDATE bloggers SET is_active = ? WHERE id = ?`, active, id)
}

// RegenerateKey invalidates the old access key.
func (s *Store) RegenerateKey(ctx context.Context, id int64) (string, error) {
	key, err := NewAccessKey()
	if err != nil {
		return "", err
	}
	if err := s.exec(ctx, "regenerate_key", `UPDATE bloggers SET access_key = ? WHERE id = ?`, key, id); err != nil {
		return "", err
	}
	return key, nil
}

// DeleteBlogger removes the blogger with their clicks and payouts.
func (s *Store) DeleteBlogger(ctx context.Context, id int64) error {
	return s.run(ctx, "delete_blogger", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sqlx.Tx) error {
			for _, q := range []string{
				`DELETE FROM blogger_referrals WHERE blogger_id = ?`,
				`DELETE FROM blogger_payments WHERE blogger_id = ?`,
			} {
				if _, err := tx.ExecContext(ctx, s.rebind(q), id); err != nil {
					return fmt.Errorf("failed to delete blogger data: %w", err)
				}
			}
			res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM bloggers WHERE id = ?`), id)
			if err != nil {
				return fmt.Errorf("failed to delete blogger: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return ErrBloggerNotFound
			}
			return nil
		})
	})
}

// AddPayout reserves amount for payment. It cannot exceed what is available.
func (s *Store) AddPayout(ctx context.Context, bloggerID, amount int64) (*Payout, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := s.Blogger(ctx, bloggerID); err != nil {
		return nil, err
	}
	e, err := s.Earnings(ctx, bloggerID)
	if err != nil {
		return nil, err
	}
	if amount > e.Available {
		return nil, fmt.Errorf("%w: %d exceeds available %d", ErrInvalidAmount, amount, e.Available)
	}

	p := &Payout{BloggerID: bloggerID, Amount: amount, Status: PayoutPending}
	err = s.run(ctx, "add_payout", func(ctx context.Context) error {
		now := s.now()
		p.CreatedAt = &now
		return s.db.QueryRowxContext(ctx, s.rebind(`INSERT INTO blogger_payments (blogger_id, amount, status, created_at)
			VALUES (?, ?, ?, ?) RETURNING id`), bloggerID, amount, PayoutPending, now).Scan(&p.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add payout: %w", err)
	}
	return p, nil
}

func (s *Store) MarkPayoutPaid(ctx context.Context, payoutID int64) error {
	return s.run(ctx, "mark_payout_paid", func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE blogger_payments SET status = ?, paid_at = ?
			WHERE id = ? AND status = ?`), PayoutPaid, s.now(), payoutID, PayoutPending)
		if err != nil {
			return fmt.Errorf("failed to mark payout paid: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPayoutNotFound
		}
		return nil
	})
}

// countersColumns aggregates the referral rows of bloggers b. Binds: converted, converted.
const countersColumns = `b.id AS id,
	(SELECT COUNT(*) FROM blogger_referrals r WHERE r.blogger_id = b.id) AS clicks,
	(SELECT COUNT(*) FROM blogger_referrals r WHERE r.blogger_id = b.id AND r.converted = ?) AS conversions,
	(SELECT CAST(COALESCE(SUM(r.commission_amount), 0) AS BIGINT) FROM blogger_referrals r
		WHERE r.blogger_id = b.id AND r.converted = ?) AS earned`

type counters struct {
	ID          int64 `db:"id"`
	Clicks      int64 `db:"clicks"`
	Conversions int64 `db:"conversions"`
	Earned      int64 `db:"earned"`
}

// RepairCounters recomputes cached totals from the referral rows and returns how many bloggers changed.
func (s *Store) RepairCounters(ctx context.Context) (int, error) {
	var fixed int
	err := s.run(ctx, "repair_counters", func(ctx context.Context) error {
		fixed = 0
		var rows []counters
		err := s.db.SelectContext(ctx, &rows, s.rebind(`SELECT `+countersColumns+`
			FROM bloggers b
			WHERE COALESCE(b.total_referrals, 0) <> (SELECT COUNT(*) FROM blogger_referrals r WHERE r.blogger_id = b.id)
			   OR COALESCE(b.total_conversions, 0) <> (SELECT COUNT(*) FROM blogger_referrals r
					WHERE r.blogger_id = b.id AND r.converted = ?)
			   OR COALESCE(b.total_earned, 0) <> (SELECT COALESCE(SUM(r.commission_amount), 0) FROM blogger_referrals r
					WHERE r.blogger_id = b.id AND r.converted = ?)`), true, true, true, true)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if _, err := s.db.ExecContext(ctx, s.rebind(`UPDATE bloggers SET total_referrals = ?, total_conversions = ?,
				total_earned = ? WHERE id = ?`), r.Clicks, r.Conversions, r.Earned, r.ID); err != nil {
				return err
			}
			s.log.Warn("blogger counters repaired", zap.Int64("blogger_id", r.ID),
				zap.Int64("clicks", r.Clicks), zap.Int64("conversions", r.Conversions), zap.Int64("earned", r.Earned))
			fixed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to repair counters: %w", err)
	}
	return fixed, nil
}
