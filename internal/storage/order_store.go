package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/paperdesk/engine/pkg/types"
)

// InstrumentStore implements internal/execution.InstrumentStore
// against the instruments table.
type InstrumentStore struct {
	db *gorm.DB
}

func NewInstrumentStore(db *gorm.DB) *InstrumentStore {
	return &InstrumentStore{db: db}
}

func (s *InstrumentStore) GetInstrument(ctx context.Context, key types.InstrumentKey) (types.Instrument, bool, error) {
	var inst types.Instrument
	err := s.db.WithContext(ctx).Where("instrument_key = ?", key).First(&inst).Error
	if err != nil {
		return types.Instrument{}, false, nil
	}
	return inst, true, nil
}

// OrderStore implements internal/execution.OrderStore against the
// orders table.
type OrderStore struct {
	db *gorm.DB
}

func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

func (s *OrderStore) GetByIdempotencyKey(ctx context.Context, key string) (*types.Order, bool, error) {
	var order types.Order
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&order).Error
	if err != nil {
		return nil, false, nil
	}
	return &order, true, nil
}

func (s *OrderStore) Insert(ctx context.Context, order *types.Order) error {
	if err := s.db.WithContext(ctx).Create(order).Error; err != nil {
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
	return nil
}

func (s *OrderStore) SetFilled(ctx context.Context, orderID string) error {
	err := s.db.WithContext(ctx).Model(&types.Order{}).
		Where("id = ?", orderID).
		Update("status", types.OrderStatusFilled).Error
	if err != nil {
		return fmt.Errorf("mark order %s filled: %w", orderID, err)
	}
	return nil
}

func (s *OrderStore) SetRejected(ctx context.Context, orderID, reason string) error {
	err := s.db.WithContext(ctx).Model(&types.Order{}).
		Where("id = ?", orderID).
		Updates(map[string]interface{}{"status": types.OrderStatusRejected, "rejection_reason": reason}).Error
	if err != nil {
		return fmt.Errorf("mark order %s rejected: %w", orderID, err)
	}
	return nil
}

func (s *OrderStore) OpenOrders(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	err := s.db.WithContext(ctx).Where("status = ?", types.OrderStatusOpen).Find(&orders).Error
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	return orders, nil
}

// ActiveUserIDs implements internal/liquidation.UserLister: every
// distinct user with at least one open position, the population C14's
// sweep needs to check.
func (s *OrderStore) ActiveUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&types.Position{}).Distinct("user_id").Pluck("user_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active user ids: %w", err)
	}
	return ids, nil
}

// TradeStore implements internal/execution.TradeStore against the
// trades table.
type TradeStore struct {
	db *gorm.DB
}

func NewTradeStore(db *gorm.DB) *TradeStore {
	return &TradeStore{db: db}
}

func (s *TradeStore) Insert(ctx context.Context, trade *types.Trade) error {
	if err := s.db.WithContext(ctx).Create(trade).Error; err != nil {
		return fmt.Errorf("insert trade %s: %w", trade.ID, err)
	}
	return nil
}
