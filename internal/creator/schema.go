package creator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// column describes one expected column. Every column except id can be added to an existing
// table, so none of them may depend on a non-constant default.
type column struct {
	name     string
	sqlite   string
	postgres string
}

type table struct {
	name    string
	columns []column
	indexes []string
}

var (
	colText      = column{sqlite: "TEXT", postgres: "TEXT"}
	colInt       = column{sqlite: "BIGINT NOT NULL DEFAULT 0", postgres: "BIGINT NOT NULL DEFAULT 0"}
	colNullInt   = column{sqlite: "BIGINT", postgres: "BIGINT"}
	colFalse     = column{sqlite: "BOOLEAN NOT NULL DEFAULT FALSE", postgres: "BOOLEAN NOT NULL DEFAULT FALSE"}
	colTrue      = column{sqlite: "BOOLEAN NOT NULL DEFAULT TRUE", postgres: "BOOLEAN NOT NULL DEFAULT TRUE"}
	colTimestamp = column{sqlite: "TIMESTAMP", postgres: "TIMESTAMPTZ"}
)

func named(name string, c column) column {
	c.name = name
	return c
}

var schema = []table{
	{
		name: "bloggers",
		columns: []column{
			named("name", colText),
			named("telegram_id", colNullInt),
			named("email", colText),
			named("access_key", colText),
			named("registration_date", colTimestamp),
			named("is_active", colTrue),
			named("total_referrals", colInt),
			named("total_conversions", colInt),
			named("total_earned", colInt),
		},
		indexes: []string{
			"CREATE UNIQUE INDEX IF NOT EXISTS idx_bloggers_access_key ON bloggers (access_key)",
		},
	},
	{
		name: "blogger_referrals",
		columns: []column{
			named("blogger_id", colNullInt),
			named("user_id", colText),
			named("source", colText),
			named("invitee_id", colText),
			named("purchase_id", colText),
			named("created_at", colTimestamp),
			named("converted", colFalse),
			named("converted_at", colTimestamp),
			named("commission_amount", colInt),
			named("status", colText),
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_blogger_referrals_blogger ON blogger_referrals (blogger_id)",
			"CREATE INDEX IF NOT EXISTS idx_blogger_referrals_invitee ON blogger_referrals (invitee_id)",
		},
	},
	{
		name: "blogger_payments",
		columns: []column{
			named("blogger_id", colNullInt),
			named("amount", colInt),
			named("status", colText),
			named("created_at", colTimestamp),
			named("paid_at", colTimestamp),
		},
		indexes: []string{
			"CREATE INDEX IF NOT EXISTS idx_blogger_payments_blogger ON blogger_payments (blogger_id)",
		},
	},
}

func (s *Store) columnType(c column) string {
	if s.isPostgres() {
		return c.postgres
	}
	return c.sqlite
}

func (s *Store) createTableSQL(t table) string {
	pk := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.isPostgres() {
		pk = "id BIGSERIAL PRIMARY KEY"
	}
	defs := []string{pk}
	for _, c := range t.columns {
		defs = append(defs, c.name+" "+s.columnType(c))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.name, strings.Join(defs, ", "))
}

func (s *Store) existingColumns(ctx context.Context, tableName string) (map[string]bool, error) {
	cols := make(map[string]bool)

	if s.isPostgres() {
		var names []string
		err := s.db.SelectContext(ctx, &names,
			`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`,
			tableName)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			cols[n] = true
		}
		return cols, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, ctype      string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// migrate creates missing tables and adds missing columns and indexes.
// It is the only code path that changes the creator store schema.
func (s *Store) migrate(ctx context.Context) error {
	for _, t := range schema {
		if _, err := s.db.ExecContext(ctx, s.createTableSQL(t)); err != nil {
			return fmt.Errorf("failed to create %s: %w", t.name, err)
		}

		have, err := s.existingColumns(ctx, t.name)
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", t.name, err)
		}
		for _, c := range t.columns {
			if have[c.name] {
				continue
			}
			stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", t.name, c.name, s.columnType(c))
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to add %s.%s: %w", t.name, c.name, err)
			}
			s.log.Warn("creator store column added", zap.String("table", t.name), zap.String("column", c.name))
		}

		for _, idx := range t.indexes {
			if _, err := s.db.ExecContext(ctx, idx); err != nil {
				return fmt.Errorf("failed to index %s: %w", t.name, err)
			}
		}
	}
	return nil
}

// isMissingColumn recognises "undefined column" from both supported drivers.
func isMissingColumn(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42703"
	}
	msg := err.Error()
	return strings.Contains(msg, "no such column") || strings.Contains(msg, "has no column named")
}
