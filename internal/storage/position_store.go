package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/paperdesk/engine/pkg/types"
)

// PositionStore implements internal/position.Store against the
// positions table.
type PositionStore struct {
	db *gorm.DB
}

func NewPositionStore(db *gorm.DB) *PositionStore {
	return &PositionStore{db: db}
}

func (s *PositionStore) GetPosition(ctx context.Context, userID string, key types.InstrumentKey) (*types.Position, bool, error) {
	var pos types.Position
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND instrument_key = ?", userID, key).
		First(&pos).Error
	if err != nil {
		return nil, false, nil
	}
	return &pos, true, nil
}

func (s *PositionStore) UpsertPosition(ctx context.Context, pos *types.Position) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "instrument_key"}},
		UpdateAll: true,
	}).Create(pos).Error
	if err != nil {
		return fmt.Errorf("upsert position (%s, %s): %w", pos.UserID, pos.InstrumentKey, err)
	}
	return nil
}

func (s *PositionStore) DeletePosition(ctx context.Context, userID string, key types.InstrumentKey) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND instrument_key = ?", userID, key).
		Delete(&types.Position{}).Error
	if err != nil {
		return fmt.Errorf("delete position (%s, %s): %w", userID, key, err)
	}
	return nil
}

func (s *PositionStore) PositionsForUser(ctx context.Context, userID string) ([]types.Position, error) {
	var positions []types.Position
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Find(&positions).Error; err != nil {
		return nil, fmt.Errorf("load positions for user %s: %w", userID, err)
	}
	return positions, nil
}
