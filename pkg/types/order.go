package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for BUY, -1 for SELL.
func (s Side) Sign() int {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "OPEN"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Order is a user's placement request and its current lifecycle state.
type Order struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	UserID          string          `json:"userId" gorm:"index"`
	InstrumentKey   InstrumentKey   `json:"instrumentKey" gorm:"index"`
	Side            Side            `json:"side"`
	Quantity        int64           `json:"quantity"`
	Type            OrderType       `json:"orderType"`
	LimitPrice      decimal.Decimal `json:"limitPrice,omitempty" gorm:"type:numeric"`
	Status          OrderStatus     `json:"status" gorm:"index"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty" gorm:"uniqueIndex"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	ForceLiquidation bool           `json:"-" gorm:"column:force_liquidation"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Trade is one execution against an order.
type Trade struct {
	ID            string          `json:"id" gorm:"primaryKey"`
	OrderID       string          `json:"orderId" gorm:"index"`
	UserID        string          `json:"userId" gorm:"index"`
	InstrumentKey InstrumentKey   `json:"instrumentKey" gorm:"index"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price" gorm:"type:numeric"`
	CreatedAt     time.Time       `json:"createdAt"`
}
