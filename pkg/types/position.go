package types

import "github.com/shopspring/decimal"

// Position is the per-(user, instrument) open exposure, weighted-average
// costed. A row with Quantity == 0 is removed, never persisted as zero.
type Position struct {
	UserID        string          `json:"userId" gorm:"primaryKey"`
	InstrumentKey InstrumentKey   `json:"instrumentKey" gorm:"primaryKey"`
	Quantity      int64           `json:"quantity"` // signed: >0 long, <0 short
	AveragePrice  decimal.Decimal `json:"averagePrice" gorm:"type:numeric"`
	RealizedPnL   decimal.Decimal `json:"realizedPnL" gorm:"type:numeric"`
}

// Side reports the position's directional side, or empty when flat.
func (p Position) Side() Side {
	switch {
	case p.Quantity > 0:
		return SideBuy
	case p.Quantity < 0:
		return SideSell
	default:
		return ""
	}
}

// Notional returns the absolute exposure at the given mark price.
func (p Position) Notional(mark decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(p.Quantity).Abs()
	return qty.Mul(mark)
}

// UnrealizedPnL values the open position against a mark price. Long
// positions profit when mark rises above average cost; short positions
// profit when mark falls below it.
func (p Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	qty := decimal.NewFromInt(p.Quantity)
	return mark.Sub(p.AveragePrice).Mul(qty)
}
