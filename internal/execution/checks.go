package execution

import (
	"fmt"
	"time"

	"github.com/paperdesk/engine/pkg/types"
)

const staleTickThreshold = 8 * time.Second

// checkInstrumentTradable rejects expired or inactive instruments.
func checkInstrumentTradable(instrument types.Instrument, now time.Time) error {
	if instrument.IsExpired(now) || !instrument.IsActive {
		return types.NewTradingError(types.ErrExpiredInstrument,
			fmt.Sprintf("instrument %s is expired or inactive", instrument.InstrumentKey))
	}
	return nil
}

// checkLotSize enforces quantity % lotSize == 0, soft in paper mode
// (a misaligned quantity returns nil there and the order proceeds).
func checkLotSize(quantity int64, lotSize int, paperSoftMode bool) error {
	if lotSize <= 0 || quantity%int64(lotSize) == 0 {
		return nil
	}
	if paperSoftMode {
		return nil
	}
	return types.NewTradingError(types.ErrInvalidLotSize,
		fmt.Sprintf("quantity %d is not a multiple of lot size %d", quantity, lotSize))
}

// checkFullExitOnly rejects an opposite-side order whose quantity is
// strictly less than the open position's absolute quantity — partial
// exits are not allowed, only full exits or overshoot reversals.
func checkFullExitOnly(existingQty int64, side types.Side, orderQty int64) error {
	if existingQty == 0 {
		return nil
	}
	existingSide := types.SideBuy
	if existingQty < 0 {
		existingSide = types.SideSell
	}
	if side == existingSide {
		return nil // adding to the position, not exiting it
	}
	absExisting := existingQty
	if absExisting < 0 {
		absExisting = -absExisting
	}
	if orderQty < absExisting {
		return types.NewTradingError(types.ErrPartialExitNotAllowed,
			fmt.Sprintf("exit quantity %d is less than open position quantity %d", orderQty, absExisting))
	}
	return nil
}

// checkTickFreshness rejects a MARKET order when the reference tick is
// older than staleTickThreshold, unless softWarn (paper mode) is set.
func checkTickFreshness(tickTimestamp int64, now time.Time, softWarn bool) error {
	age := now.Sub(time.Unix(tickTimestamp, 0))
	if age <= staleTickThreshold {
		return nil
	}
	if softWarn {
		return nil
	}
	return types.NewTradingError(types.ErrStalePrice,
		fmt.Sprintf("reference tick is %s old, exceeds %s", age, staleTickThreshold))
}
