package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paperdesk/engine/pkg/types"
)

// JournalStore implements internal/journal.Store and
// internal/journal.Recoverer against the write_ahead_journal table
// plus the trade/ledger tables it resolves recovery decisions from.
type JournalStore struct {
	db *gorm.DB
}

func NewJournalStore(db *gorm.DB) *JournalStore {
	return &JournalStore{db: db}
}

// InsertPrepared inserts a PREPARED record, or returns the existing
// row (inserted=false) if journalID already exists — grounded on
// gorm's OnConflict DoNothing clause plus a follow-up read, the same
// shape blackholedex's recorder uses Create for, generalized with a
// conflict check since the journal's uniqueness is load-bearing.
func (s *JournalStore) InsertPrepared(ctx context.Context, rec *types.JournalRecord) (bool, *types.JournalRecord, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(rec)
	if result.Error != nil {
		return false, nil, fmt.Errorf("insert journal record: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil, nil
	}
	existing, err := s.Get(ctx, rec.JournalID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *JournalStore) Get(ctx context.Context, journalID string) (*types.JournalRecord, error) {
	var rec types.JournalRecord
	if err := s.db.WithContext(ctx).Where("journal_id = ?", journalID).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("load journal record %s: %w", journalID, err)
	}
	return &rec, nil
}

func (s *JournalStore) MarkCommitted(ctx context.Context, journalID string, payload []byte, committedAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&types.JournalRecord{}).
		Where("journal_id = ? AND status = ?", journalID, types.JournalStatusPrepared).
		Updates(map[string]interface{}{
			"status":       types.JournalStatusCommitted,
			"payload":      payload,
			"committed_at": committedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("mark journal committed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("journal record %s not in PREPARED state", journalID)
	}
	return nil
}

func (s *JournalStore) MarkAborted(ctx context.Context, journalID string) error {
	result := s.db.WithContext(ctx).Model(&types.JournalRecord{}).
		Where("journal_id = ? AND status = ?", journalID, types.JournalStatusPrepared).
		Update("status", types.JournalStatusAborted)
	if result.Error != nil {
		return fmt.Errorf("mark journal aborted: %w", result.Error)
	}
	return nil
}

func (s *JournalStore) ListPrepared(ctx context.Context, limit int) ([]types.JournalRecord, error) {
	var recs []types.JournalRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", types.JournalStatusPrepared).
		Order("created_at ASC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list prepared journal records: %w", err)
	}
	return recs, nil
}

// LedgerSequencesForIdempotencyKeys looks up which of the given
// idempotency keys already posted a ledger entry, and returns their
// global sequences plus how many of the keys matched — used by
// recovery to decide COMMIT (all matched) vs. ABORT (some matched,
// the rest never will) vs. fall through to operationType resolution
// (none matched).
func (s *JournalStore) LedgerSequencesForIdempotencyKeys(ctx context.Context, keys []string) ([]int64, int, error) {
	if len(keys) == 0 {
		return nil, 0, nil
	}
	var entries []types.LedgerEntry
	err := s.db.WithContext(ctx).Where("idempotency_key IN ?", keys).Find(&entries).Error
	if err != nil {
		return nil, 0, fmt.Errorf("load ledger entries by idempotency key: %w", err)
	}
	sequences := make([]int64, 0, len(entries))
	matched := make(map[string]bool, len(entries))
	for _, e := range entries {
		sequences = append(sequences, e.GlobalSequence)
		matched[e.IdempotencyKey] = true
	}
	return sequences, len(matched), nil
}

func (s *JournalStore) TradeIDsByOrderID(ctx context.Context, orderID string) ([]string, error) {
	var trades []types.Trade
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Find(&trades).Error; err != nil {
		return nil, fmt.Errorf("load trades for order %s: %w", orderID, err)
	}
	ids := make([]string, len(trades))
	for i, t := range trades {
		ids[i] = t.ID
	}
	return ids, nil
}

func (s *JournalStore) LedgerSequencesForReferenceIDs(ctx context.Context, referenceIDs []string) ([]int64, error) {
	if len(referenceIDs) == 0 {
		return nil, nil
	}
	var entries []types.LedgerEntry
	err := s.db.WithContext(ctx).Where("reference_id IN ?", referenceIDs).Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load ledger entries by reference id: %w", err)
	}
	sequences := make([]int64, len(entries))
	for i, e := range entries {
		sequences[i] = e.GlobalSequence
	}
	return sequences, nil
}
