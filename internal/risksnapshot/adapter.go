// Package risksnapshot composes the wallet cache (C11), position book
// (C13), and live ticks (C3) into the MTM snapshot and the
// per-position candidate list internal/liquidation.RiskSource expects.
// Grounded on internal/risk/engine.go's margin-ratio comparisons
// (marginUsed/exposure against configured limits), adapted from a
// per-exchange multi-account ratio check into the single-ledger
// equity-vs-margin comparison spec.md §4.14 names.
package risksnapshot

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/internal/execution"
	"github.com/paperdesk/engine/internal/ledger"
	"github.com/paperdesk/engine/internal/liquidation"
	"github.com/paperdesk/engine/internal/position"
	"github.com/paperdesk/engine/pkg/types"
)

// maintenanceMarginRatio is the fraction of requiredMargin (the sum of
// margin currently blocked against open positions) below which an
// account is forced to liquidate even before equity goes negative.
// Indian broker SPAN+exposure maintenance floors commonly sit near
// half of initial margin; recorded as an Open Question decision in
// DESIGN.md since spec.md leaves the exact curve unspecified.
const maintenanceMarginRatio = 0.5

// InstrumentStore resolves instrument master data for margin re-estimation.
type InstrumentStore interface {
	GetInstrument(ctx context.Context, key types.InstrumentKey) (types.Instrument, bool, error)
}

// PriceSource resolves the current mark for a position's instrument.
type PriceSource interface {
	Latest(key types.InstrumentKey) (types.NormalizedTick, bool)
}

// Adapter implements internal/liquidation.RiskSource.
type Adapter struct {
	log         *logrus.Entry
	wallet      *ledger.WalletCache
	positions   *position.Book
	prices      PriceSource
	instruments InstrumentStore
	leverage    int
}

func New(log *logrus.Entry, wallet *ledger.WalletCache, positions *position.Book, prices PriceSource, instruments InstrumentStore, leverage int) *Adapter {
	return &Adapter{
		log: log.WithField("component", "risk_snapshot"), wallet: wallet, positions: positions,
		prices: prices, instruments: instruments, leverage: leverage,
	}
}

// Snapshot marks every open position to its latest tick, marks the
// wallet to market, and reports the resulting equity alongside the
// blocked-margin floors C14 compares it against.
func (a *Adapter) Snapshot(ctx context.Context, userID string) (liquidation.Snapshot, error) {
	positions, err := a.positions.PositionsForUser(ctx, userID)
	if err != nil {
		return liquidation.Snapshot{}, fmt.Errorf("load positions: %w", err)
	}

	unrealized := decimal.Zero
	for _, p := range positions {
		tick, ok := a.prices.Latest(p.InstrumentKey)
		if !ok {
			continue
		}
		mark := decimal.NewFromFloat(tick.Price)
		unrealized = unrealized.Add(p.UnrealizedPnL(mark))
	}

	wallet, err := a.wallet.MarkToMarket(ctx, userID, unrealized)
	if err != nil {
		return liquidation.Snapshot{}, fmt.Errorf("mark wallet to market: %w", err)
	}

	requiredMargin := wallet.BlockedBalance
	maintenanceMargin := requiredMargin.Mul(decimal.NewFromFloat(maintenanceMarginRatio))

	return liquidation.Snapshot{
		UserID:            userID,
		Equity:            wallet.Equity,
		RequiredMargin:    requiredMargin,
		MaintenanceMargin: maintenanceMargin,
		AccountState:      wallet.AccountState,
	}, nil
}

// PositionCandidates scores every open position for forced-close
// priority, re-estimating margin usage and notional against the
// current mark via execution.EstimateMargin.
func (a *Adapter) PositionCandidates(ctx context.Context, userID string) ([]liquidation.PositionCandidate, error) {
	positions, err := a.positions.PositionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	candidates := make([]liquidation.PositionCandidate, 0, len(positions))
	for _, p := range positions {
		tick, ok := a.prices.Latest(p.InstrumentKey)
		if !ok {
			continue
		}
		mark := decimal.NewFromFloat(tick.Price)

		instrument, found, err := a.instruments.GetInstrument(ctx, p.InstrumentKey)
		if err != nil {
			return nil, fmt.Errorf("load instrument %s: %w", p.InstrumentKey, err)
		}
		if !found {
			a.log.WithField("instrumentKey", p.InstrumentKey).Warn("position references unknown instrument, skipping from liquidation candidates")
			continue
		}

		side := types.SideBuy
		if p.Quantity < 0 {
			side = types.SideSell
		}
		qty := p.Quantity
		if qty < 0 {
			qty = -qty
		}
		margin := execution.EstimateMargin(instrument, side, qty, mark, mark, a.leverage)

		unrealized := p.UnrealizedPnL(mark)
		loss := decimal.Zero
		if unrealized.IsNegative() {
			loss = unrealized.Abs()
		}

		candidates = append(candidates, liquidation.PositionCandidate{
			InstrumentKey:  p.InstrumentKey,
			Quantity:       p.Quantity,
			MarginUsage:    margin,
			UnrealizedLoss: loss,
			Notional:       p.Notional(mark),
		})
	}
	return candidates, nil
}
