// Package position implements the weighted-average-cost position book
// (C13). Directly grounded on internal/position/manager.go's
// UpdatePosition math (average price recompute, direction-aware
// unrealized P&L), rewritten from shared-memory (syscall.Mmap) to a
// single-process in-memory book backed by the relational store, since
// spec.md is a single-process service with no cross-process shared
// memory requirement.
package position

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// Store is the persistence boundary for positions.
type Store interface {
	GetPosition(ctx context.Context, userID string, key types.InstrumentKey) (*types.Position, bool, error)
	UpsertPosition(ctx context.Context, pos *types.Position) error
	DeletePosition(ctx context.Context, userID string, key types.InstrumentKey) error
	PositionsForUser(ctx context.Context, userID string) ([]types.Position, error)
}

// FillResult reports the position-book effect of applying one trade
// fill.
type FillResult struct {
	Position      *types.Position // nil if the position was fully closed
	RealizedDelta decimal.Decimal // realized P&L booked by this fill, zero if none
	Closed        bool

	// ClosedQuantity is the portion of this fill that reduced an
	// existing opposite-direction position — zero for a same-direction
	// open/add. The execution engine uses it (with ClosedSide/
	// ClosedAvgPrice) to release exactly the margin originally
	// committed to the closed portion, rather than whatever the order
	// itself requested.
	ClosedQuantity int64
	ClosedSide     types.Side
	ClosedAvgPrice decimal.Decimal
}

// Book is the position book.
type Book struct {
	store Store
	log   *logrus.Entry
}

func New(store Store, log *logrus.Entry) *Book {
	return &Book{store: store, log: log.WithField("component", "position_book")}
}

// ApplyFill updates (or opens/closes) the user's position for one
// instrument against a single trade fill, per spec.md §4.13's
// weighted-average-cost rules. Callers must reject partial exits
// (quantity strictly less than the open position's absolute quantity)
// before calling this — C13 only ever sees same-direction adds, exact
// full exits, or exits that overshoot into a reversal.
func (b *Book) ApplyFill(ctx context.Context, userID string, key types.InstrumentKey, side types.Side, qty int64, price decimal.Decimal) (FillResult, error) {
	if qty <= 0 {
		return FillResult{}, fmt.Errorf("fill quantity must be positive, got %d", qty)
	}

	existing, found, err := b.store.GetPosition(ctx, userID, key)
	if err != nil {
		return FillResult{}, fmt.Errorf("load position: %w", err)
	}

	signedQty := int64(side.Sign()) * qty

	if !found || existing.Quantity == 0 {
		pos := &types.Position{
			UserID:        userID,
			InstrumentKey: key,
			Quantity:      signedQty,
			AveragePrice:  price.Round(2),
			RealizedPnL:   decimal.Zero,
		}
		if err := b.store.UpsertPosition(ctx, pos); err != nil {
			return FillResult{}, fmt.Errorf("open position: %w", err)
		}
		return FillResult{Position: pos}, nil
	}

	sameDirection := (existing.Quantity > 0 && signedQty > 0) || (existing.Quantity < 0 && signedQty < 0)

	if sameDirection {
		existingAbs := decimal.NewFromInt(existing.Quantity).Abs()
		addAbs := decimal.NewFromInt(qty)
		totalCost := existingAbs.Mul(existing.AveragePrice).Add(addAbs.Mul(price))
		newQty := existing.Quantity + signedQty
		newAvg := totalCost.Div(decimal.NewFromInt(newQty).Abs()).Round(2)

		existing.Quantity = newQty
		existing.AveragePrice = newAvg
		if err := b.store.UpsertPosition(ctx, existing); err != nil {
			return FillResult{}, fmt.Errorf("update position: %w", err)
		}
		return FillResult{Position: existing}, nil
	}

	// Opposite direction: reduces, closes, or reverses the position.
	existingAbs := existing.Quantity
	if existingAbs < 0 {
		existingAbs = -existingAbs
	}
	reduceQty := qty
	if reduceQty > existingAbs {
		reduceQty = existingAbs
	}

	// directionSign is +1 for a long position being reduced, -1 for a
	// short — the sign under which a higher fill price is a gain.
	directionSign := decimal.NewFromInt(1)
	closedSide := types.SideBuy
	if existing.Quantity < 0 {
		directionSign = decimal.NewFromInt(-1)
		closedSide = types.SideSell
	}
	closedAvgPrice := existing.AveragePrice
	realizedDelta := decimal.NewFromInt(reduceQty).Mul(price.Sub(existing.AveragePrice)).Mul(directionSign).Round(2)

	newSignedQty := existing.Quantity + signedQty

	if newSignedQty == 0 {
		if err := b.store.DeletePosition(ctx, userID, key); err != nil {
			return FillResult{}, fmt.Errorf("close position: %w", err)
		}
		return FillResult{
			RealizedDelta: realizedDelta, Closed: true,
			ClosedQuantity: reduceQty, ClosedSide: closedSide, ClosedAvgPrice: closedAvgPrice,
		}, nil
	}

	// Overshoot: the position flips direction, opening fresh at the
	// fill price for the leftover quantity.
	existing.Quantity = newSignedQty
	existing.AveragePrice = price.Round(2)
	existing.RealizedPnL = existing.RealizedPnL.Add(realizedDelta).Round(2)
	if err := b.store.UpsertPosition(ctx, existing); err != nil {
		return FillResult{}, fmt.Errorf("reverse position: %w", err)
	}
	return FillResult{
		Position: existing, RealizedDelta: realizedDelta,
		ClosedQuantity: reduceQty, ClosedSide: closedSide, ClosedAvgPrice: closedAvgPrice,
	}, nil
}

// Quantity returns the signed open quantity for one instrument, zero
// if no position is open. Used by C12's full-exit-only pretrade check.
func (b *Book) Quantity(ctx context.Context, userID string, key types.InstrumentKey) (int64, error) {
	pos, found, err := b.store.GetPosition(ctx, userID, key)
	if err != nil {
		return 0, fmt.Errorf("load position: %w", err)
	}
	if !found {
		return 0, nil
	}
	return pos.Quantity, nil
}

// PositionsForUser lists every open position for a user, for C14's
// risk snapshot to value against current marks.
func (b *Book) PositionsForUser(ctx context.Context, userID string) ([]types.Position, error) {
	positions, err := b.store.PositionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions for user %s: %w", userID, err)
	}
	return positions, nil
}

// UnrealizedPnL sums unrealized P&L across every open position for a
// user against the supplied mark prices, for C11's mark-to-market
// equity recompute.
func (b *Book) UnrealizedPnL(ctx context.Context, userID string, marks map[types.InstrumentKey]decimal.Decimal) (decimal.Decimal, error) {
	positions, err := b.store.PositionsForUser(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load positions: %w", err)
	}

	total := decimal.Zero
	for _, p := range positions {
		mark, ok := marks[p.InstrumentKey]
		if !ok {
			continue
		}
		total = total.Add(p.UnrealizedPnL(mark))
	}
	return total, nil
}
