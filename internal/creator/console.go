package creator

import (
	"context"
	"fmt"
	"time"
)

const statsDays = 30

// DailyPoint is one bucket of a console chart.
type DailyPoint struct {
	Label string `json:"label"`
	Value int64  `json:"value"`
}

type Stats struct {
	BloggerID        int64        `json:"blogger_id"`
	Name             string       `json:"blogger_name"`
	TotalClicks      int64        `json:"total_clicks"`
	TotalConversions int64        `json:"total_conversions"`
	TotalEarned      int64        `json:"total_earned"`
	ConversionRate   float64      `json:"conversion_rate"`
	Clicks           []DailyPoint `json:"clicks"`
	Conversions      []DailyPoint `json:"conversions"`
	Earnings         []DailyPoint `json:"earnings"`
}

type statRow struct {
	CreatedAt   *time.Time `db:"created_at"`
	Converted   bool       `db:"converted"`
	ConvertedAt *time.Time `db:"converted_at"`
	Commission  int64      `db:"commission_amount"`
}

// Stats returns the blogger totals and three daily series covering the last 30 days including today.
// Totals come from the referral rows, not the cached counters on b.
func (s *Store) Stats(ctx context.Context, b *Blogger) (*Stats, error) {
	today := dayStart(s.now())
	first := today.AddDate(0, 0, -(statsDays - 1))

	var (
		rows   []statRow
		totals counters
	)
	err := s.run(ctx, "stats", func(ctx context.Context) error {
		rows = nil
		if err := s.db.GetContext(ctx, &totals, s.rebind(`SELECT `+countersColumns+`
			FROM bloggers b WHERE b.id = ?`), true, true, b.ID); err != nil {
			return err
		}
		return s.db.SelectContext(ctx, &rows, s.rebind(`SELECT created_at, COALESCE(converted, FALSE) AS converted,
			converted_at, CAST(COALESCE(commission_amount, 0) AS BIGINT) AS commission_amount
			FROM blogger_referrals WHERE blogger_id = ? AND (created_at >= ? OR converted_at >= ?)`),
			b.ID, first, first)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load stats: %w", err)
	}

	clicks := make([]int64, statsDays)
	conversions := make([]int64, statsDays)
	earnings := make([]int64, statsDays)
	bucket := func(t *time.Time) int {
		if t == nil {
			return -1
		}
		i := int(dayStart(*t).Sub(first).Hours() / 24)
		if i < 0 || i >= statsDays {
			return -1
		}
		return i
	}
	for _, r := range rows {
		if i := bucket(r.CreatedAt); i >= 0 {
			clicks[i]++
		}
		if !r.Converted {
			continue
		}
		if i := bucket(r.ConvertedAt); i >= 0 {
			conversions[i]++
			earnings[i] += r.Commission
		}
	}

	st := &Stats{
		BloggerID:        b.ID,
		Name:             b.Name,
		TotalClicks:      totals.Clicks,
		TotalConversions: totals.Conversions,
		TotalEarned:      totals.Earned,
		Clicks:           make([]DailyPoint, statsDays),
		Conversions:      make([]DailyPoint, statsDays),
		Earnings:         make([]DailyPoint, statsDays),
	}
	if totals.Clicks > 0 {
		st.ConversionRate = float64(totals.Conversions) / float64(totals.Clicks) * 100
	}
	for i := 0; i < statsDays; i++ {
		label := first.AddDate(0, 0, i).Format("02.01")
		st.Clicks[i] = DailyPoint{Label: label, Value: clicks[i]}
		st.Conversions[i] = DailyPoint{Label: label, Value: conversions[i]}
		st.Earnings[i] = DailyPoint{Label: label, Value: earnings[i]}
	}
	return st, nil
}

// ReferralPage is one page of click records, newest first.
type ReferralPage struct {
	Items   []Referral `json:"referrals"`
	Total   int64      `json:"total"`
	Page    int        `json:"page"`
	PerPage int        `json:"per_page"`
}

func (s *Store) Referrals(ctx context.Context, bloggerID int64, page, perPage int) (*ReferralPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}
	if perPage > 100 {
		perPage = 100
	}

	out := &ReferralPage{Page: page, PerPage: perPage}
	err := s.run(ctx, "referrals", func(ctx context.Context) error {
		out.Items = nil
		if err := s.db.GetContext(ctx, &out.Total,
			s.rebind(`SELECT COUNT(*) FROM blogger_referrals WHERE blogger_id = ?`), bloggerID); err != nil {
			return err
		}
		return s.db.SelectContext(ctx, &out.Items, s.rebind(`SELECT `+referralColumns+` FROM blogger_referrals
			WHERE blogger_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`),
			bloggerID, perPage, (page-1)*perPage)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load referrals: %w", err)
	}
	if out.Items == nil {
		out.Items = []Referral{}
	}
	return out, nil
}

type Earnings struct {
	TotalEarned int64    `json:"total_earned"`
	Paid        int64    `json:"paid"`
	Pending     int64    `json:"pending"`
	Available   int64    `json:"available"`
	Payouts     []Payout `json:"payouts"`
}

// Earnings sums commissions from the referral rows, which are authoritative over the cached counters.
func (s *Store) Earnings(ctx context.Context, bloggerID int64) (*Earnings, error) {
	e := &Earnings{}
	err := s.run(ctx, "earnings", func(ctx context.Context) error {
		e.Payouts = nil
		if err := s.db.GetContext(ctx, &e.TotalEarned, s.rebind(`SELECT
			CAST(COALESCE(SUM(commission_amount), 0) AS BIGINT) FROM blogger_referrals
			WHERE blogger_id = ? AND converted = ?`), bloggerID, true); err != nil {
			return err
		}
		if err := s.db.GetContext(ctx, &e.Paid, s.rebind(`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT)
			FROM blogger_payments WHERE blogger_id = ? AND status = ?`), bloggerID, PayoutPaid); err != nil {
			return err
		}
		if err := s.db.GetContext(ctx, &e.Pending, s.rebind(`SELECT CAST(COALESCE(SUM(amount), 0) AS BIGINT)
			FROM blogger_payments WHERE blogger_id = ? AND status = ?`), bloggerID, PayoutPending); err != nil {
			return err
		}
		return s.db.SelectContext(ctx, &e.Payouts, s.rebind(`SELECT id, COALESCE(blogger_id, 0) AS blogger_id,
			amount, COALESCE(status, '') AS status, created_at, paid_at
			FROM blogger_payments WHERE blogger_id = ? ORDER BY created_at DESC, id DESC LIMIT 10`), bloggerID)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load earnings: %w", err)
	}
	e.Available = e.TotalEarned - e.Paid - e.Pending
	if e.Payouts == nil {
		e.Payouts = []Payout{}
	}
	return e, nil
}
