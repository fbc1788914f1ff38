package execution

import (
	"github.com/shopspring/decimal"

	"github.com/paperdesk/engine/pkg/types"
)

var (
	futureIndexMarginPct = decimal.NewFromFloat(0.12)
	futureStockMarginPct = decimal.NewFromFloat(0.18)
	optionSellPremiumMul = decimal.NewFromFloat(1.5)
	optionSellNotionalPct = decimal.NewFromFloat(0.15)
)

// isIndexUnderlying reports whether an underlying name refers to one of
// the index families C1 normalizes, for the future margin-pct split.
func isIndexUnderlying(underlying string) bool {
	switch underlying {
	case "NIFTY", "BANKNIFTY", "FINNIFTY", "MIDCPNIFTY", "SENSEX":
		return true
	default:
		return false
	}
}

// EstimateMargin computes estimatedMargin by product type per
// spec.md §4.12: equity uses plain notional; futures apply an
// index/stock margin percentage honoring leverage; options price the
// buy leg at premium and the sell leg at the larger of a premium
// multiple or a notional floor. underlyingPrice is the mark price of
// the option's underlying (falls back to referencePrice when no
// underlying feed is wired — see DESIGN.md).
func EstimateMargin(instrument types.Instrument, side types.Side, qty int64, referencePrice, underlyingPrice decimal.Decimal, leverage int) decimal.Decimal {
	quantity := decimal.NewFromInt(qty)
	notional := quantity.Mul(referencePrice)

	switch instrument.Type {
	case types.InstrumentTypeFuture:
		pct := futureStockMarginPct
		if isIndexUnderlying(instrument.Underlying) {
			pct = futureIndexMarginPct
		}
		lev := decimal.NewFromInt(1)
		if leverage > 1 {
			lev = decimal.NewFromInt(int64(leverage))
		}
		return notional.Mul(pct).Div(lev)

	case types.InstrumentTypeOption:
		if side == types.SideBuy {
			return notional
		}
		premiumLeg := notional.Mul(optionSellPremiumMul)
		strike := decimal.Zero
		if instrument.Strike != nil {
			strike = decimal.NewFromFloat(*instrument.Strike)
		}
		floorPrice := underlyingPrice
		if strike.GreaterThan(floorPrice) {
			floorPrice = strike
		}
		notionalLeg := floorPrice.Mul(quantity).Mul(optionSellNotionalPct)
		if notionalLeg.GreaterThan(premiumLeg) {
			return notionalLeg
		}
		return premiumLeg

	default: // EQUITY, INDEX
		return notional
	}
}
