package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paperdesk/engine/pkg/types"
)

// LegacyTransaction is the denormalized "transactions" mirror table
// spec.md §6 names as the legacy materialized mirror: one row per
// committed ledger entry, for reporting queries that should not have
// to reconstruct double-entry postings. Adapted from the teacher's
// storage/writer.go rotating-JSONL writer, replacing file rotation
// with a plain insert per row — rotation/compaction is file-specific
// and has no DB-table analogue.
type LegacyTransaction struct {
	ID              string    `gorm:"primaryKey"`
	GlobalSequence  int64     `gorm:"index"`
	UserID          string    `gorm:"index"`
	DebitAccountID  string    `gorm:"index"`
	CreditAccountID string    `gorm:"index"`
	Amount          string    `gorm:"type:numeric"`
	Currency        string
	ReferenceType   string `gorm:"index"`
	ReferenceID     string `gorm:"index"`
	CreatedAt       time.Time
}

func (LegacyTransaction) TableName() string { return "transactions" }

// LedgerStore implements internal/ledger.Store against the
// ledger_accounts/ledger_entries tables, mirroring every posted entry
// into the legacy transactions table in the same transaction.
type LedgerStore struct {
	db *gorm.DB
}

func NewLedgerStore(db *gorm.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

func (s *LedgerStore) EnsureAccount(ctx context.Context, userID string, accountType types.LedgerAccountType) (string, error) {
	var existing types.LedgerAccount
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND account_type = ?", userID, accountType).
		First(&existing).Error
	if err == nil {
		return existing.ID, nil
	}

	account := types.LedgerAccount{ID: uuid.NewString(), UserID: userID, AccountType: accountType}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "account_type"}},
		DoNothing: true,
	}).Create(&account)
	if result.Error != nil {
		return "", fmt.Errorf("ensure ledger account: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return account.ID, nil
	}

	// Lost the create race to a concurrent caller; re-read the winner.
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND account_type = ?", userID, accountType).
		First(&existing).Error; err != nil {
		return "", fmt.Errorf("reload ledger account after conflict: %w", err)
	}
	return existing.ID, nil
}

// PostEntries inserts every entry with a strictly increasing
// globalSequence (allocated by nextGlobalSequence with SELECT ... FOR
// UPDATE on a single counter row, so sequencing survives concurrent
// posts from different users) and mirrors each into the legacy
// transactions table, all inside one SERIALIZABLE transaction.
func (s *LedgerStore) PostEntries(ctx context.Context, entries []types.LedgerEntry) ([]int64, error) {
	var sequences []int64
	err := RunSerializable(ctx, s.db, func(tx *gorm.DB) error {
		for i := range entries {
			seq, err := nextGlobalSequence(tx)
			if err != nil {
				return err
			}
			entries[i].GlobalSequence = seq
			entries[i].CreatedAt = time.Now()
			if err := tx.Create(&entries[i]).Error; err != nil {
				return fmt.Errorf("insert ledger entry: %w", err)
			}
			userID, err := referenceUserID(tx, entries[i])
			if err != nil {
				return err
			}
			mirror := LegacyTransaction{
				ID: uuid.NewString(), GlobalSequence: seq, UserID: userID,
				DebitAccountID: entries[i].DebitAccountID, CreditAccountID: entries[i].CreditAccountID,
				Amount: entries[i].Amount.String(), Currency: entries[i].Currency,
				ReferenceType: string(entries[i].ReferenceType), ReferenceID: entries[i].ReferenceID,
				CreatedAt: entries[i].CreatedAt,
			}
			if err := tx.Create(&mirror).Error; err != nil {
				return fmt.Errorf("insert legacy transaction mirror: %w", err)
			}
			sequences = append(sequences, seq)
		}
		return nil
	})
	return sequences, err
}

// referenceUserID loads the owning user of the entry's debit account;
// EnsureAccount assigns account IDs as plain UUIDs, so the user is not
// encoded in the ID.
func referenceUserID(tx *gorm.DB, e types.LedgerEntry) (string, error) {
	var account types.LedgerAccount
	if err := tx.Where("id = ?", e.DebitAccountID).First(&account).Error; err != nil {
		return "", fmt.Errorf("load ledger account %s: %w", e.DebitAccountID, err)
	}
	return account.UserID, nil
}

func (s *LedgerStore) EntriesForUser(ctx context.Context, userID string) ([]types.LedgerEntry, error) {
	accountIDs, err := s.AccountIDsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(accountIDs))
	for id := range accountIDs {
		ids = append(ids, id)
	}
	var entries []types.LedgerEntry
	err = s.db.WithContext(ctx).
		Where("debit_account_id IN ? OR credit_account_id IN ?", ids, ids).
		Order("global_sequence ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load ledger entries for user %s: %w", userID, err)
	}
	return entries, nil
}

func (s *LedgerStore) AccountIDsForUser(ctx context.Context, userID string) (map[string]types.LedgerAccountType, error) {
	var accounts []types.LedgerAccount
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("load ledger accounts for user %s: %w", userID, err)
	}
	out := make(map[string]types.LedgerAccountType, len(accounts))
	for _, a := range accounts {
		out[a.ID] = a.AccountType
	}
	return out, nil
}

// globalSequenceCounter backs the monotonic, process-wide
// globalSequence every ledger entry gets. A single-row counter table
// locked FOR UPDATE inside the caller's transaction serializes
// allocation without a separate Postgres SEQUENCE object, keeping the
// counter visible to AutoMigrate like every other model here.
type globalSequenceCounter struct {
	ID    int   `gorm:"primaryKey"`
	Value int64 `gorm:"not null"`
}

func (globalSequenceCounter) TableName() string { return "ledger_sequence_counter" }

// nextGlobalSequence increments the counter row under a row lock.
// Nothing seeds the row beforehand: when it is missing, the first
// allocation creates it (value 0) and then advances it to 1.
func nextGlobalSequence(tx *gorm.DB) (int64, error) {
	var counter globalSequenceCounter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", 1).
		First(&counter).Error
	if err != nil {
		counter = globalSequenceCounter{ID: 1, Value: 0}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&counter).Error; err != nil {
			return 0, fmt.Errorf("initialize global sequence counter: %w", err)
		}
	}
	counter.Value++
	if err := tx.Save(&counter).Error; err != nil {
		return 0, fmt.Errorf("advance global sequence counter: %w", err)
	}
	return counter.Value, nil
}

// WalletStore implements internal/ledger.WalletStore against the
// wallets table.
type WalletStore struct {
	db *gorm.DB
}

func NewWalletStore(db *gorm.DB) *WalletStore {
	return &WalletStore{db: db}
}

func (s *WalletStore) GetWallet(ctx context.Context, userID string) (*types.Wallet, bool, error) {
	var wallet types.Wallet
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		return nil, false, nil
	}
	return &wallet, true, nil
}

func (s *WalletStore) UpsertWallet(ctx context.Context, wallet *types.Wallet) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(wallet).Error
	if err != nil {
		return fmt.Errorf("upsert wallet for user %s: %w", wallet.UserID, err)
	}
	return nil
}
