package database

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"willway-bot/internal/config"
)

// ConnectCreatorStore opens the bloggers database. It is a separate physical database from the main store
// and is accessed with plain SQL. driver is "postgres" or "sqlite3".
func ConnectCreatorStore(cfg *config.Config, log *zap.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open(cfg.CreatorDBDriver, cfg.CreatorDBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open creator store: %w", err)
	}

	if cfg.CreatorDBDriver == "sqlite3" {
		// one writer at a time, otherwise "database is locked"
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping creator store: %w", err)
	}

	log.Info("connected to creator store", zap.String("driver", cfg.CreatorDBDriver))
	return db, nil
}
