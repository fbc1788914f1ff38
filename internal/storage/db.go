// Package storage is the gorm/Postgres persistence layer: schema
// migration, a SERIALIZABLE transaction helper, and the concrete
// Store/Recoverer/WalletStore implementations the journal, ledger,
// position, and execution packages define as consumer-side
// interfaces. Grounded on
// ChoSanghyuk-blackholedex/internal/db/transaction_recorder.go
// (MySQLRecorder: gorm.Open, AutoMigrate, Create/Where/Order/First,
// `db.DB()`-based Close) — the only relational-DB file in the
// example pack — adapted from MySQL to Postgres for native
// SERIALIZABLE isolation.
package storage

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/paperdesk/engine/pkg/types"
)

// Open connects to Postgres and returns the underlying *gorm.DB.
// dsn is a standard "host=... user=... password=... dbname=..."
// connection string (or a postgres:// URL).
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return db, nil
}

// AutoMigrate creates or updates every table spec.md §6 names:
// instruments, orders, trades, positions, ledger_accounts,
// ledger_entries, wallets, write_ahead_journal, and the legacy
// transactions mirror.
func AutoMigrate(db *gorm.DB) error {
	models := []interface{}{
		&types.Instrument{},
		&types.Order{},
		&types.Trade{},
		&types.Position{},
		&types.LedgerAccount{},
		&types.LedgerEntry{},
		&types.Wallet{},
		&types.JournalRecord{},
		&LegacyTransaction{},
		&globalSequenceCounter{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get underlying db: %w", err)
	}
	return sqlDB.Close()
}
