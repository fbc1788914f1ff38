package storage

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

// RunSerializable runs fn inside a SERIALIZABLE transaction. It sets
// the isolation level only and takes no row lock itself. Its caller
// LedgerStore.PostEntries does not lock the user's wallets row (its
// first statement locks the shared ledger sequence counter row), and
// wallet and position rows are written by their own stores outside
// this transaction. Generalizes gorm's plain
// `db.Transaction` (the only transactional pattern anywhere in the
// example pack) with an explicit isolation level, since the teacher's
// own recorder never needed more than MySQL's default.
func RunSerializable(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	opts := &sql.TxOptions{Isolation: sql.LevelSerializable}
	if err := db.WithContext(ctx).Transaction(fn, opts); err != nil {
		return fmt.Errorf("serializable transaction: %w", err)
	}
	return nil
}
