// Package testutil opens throwaway in-memory stores for package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"willway-bot/internal/database"
)

var seq atomic.Int64

func memoryDSN(t *testing.T) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, seq.Add(1))
}

// MainDB returns a migrated SQLite main store that lives for the duration of the test.
func MainDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(memoryDSN(t)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open main store: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("main store handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// CreatorDB returns an empty SQLite creator store. Tables are created by the creator package itself.
func CreatorDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Open("sqlite3", memoryDSN(t))
	if err != nil {
		t.Fatalf("open creator store: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Logger discards everything.
func Logger() *zap.Logger {
	return zap.NewNop()
}
