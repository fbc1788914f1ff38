package marketdata

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// IST is the fixed +05:30 offset used for intraday/daily/weekly bucket
// alignment. India has no daylight-saving transitions, so a fixed
// offset is sufficient — see DESIGN.md's Open Question decisions.
var IST = time.FixedZone("IST", 5*3600+30*60)

type candleKey struct {
	key      types.InstrumentKey
	interval int
}

// CandleEngine maintains per-(instrumentKey, intervalSec) rolling OHLCV
// bars, consuming ticks only from the tick-bus dispatch path (never
// concurrently from elsewhere), matching the "accessed only from the C3
// dispatch path" resource rule in the concurrency model.
type CandleEngine struct {
	log       *logrus.Entry
	intervals []int

	mu      sync.Mutex
	candles map[candleKey]*types.Candle

	lateTickDrops uint64

	handlers []func(types.CandleUpdate)
}

func NewCandleEngine(log *logrus.Entry, intervals []int) *CandleEngine {
	if len(intervals) == 0 {
		intervals = []int{60}
	}
	return &CandleEngine{
		log:       log.WithField("component", "candle_engine"),
		intervals: intervals,
		candles:   make(map[candleKey]*types.Candle),
	}
}

// OnCandleUpdate registers a callback invoked for every emitted
// CandleUpdate (one per configured interval, per tick).
func (c *CandleEngine) OnCandleUpdate(h func(types.CandleUpdate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// HandleTick updates every configured interval's bucket for the tick's
// instrument and emits a CandleUpdate per interval.
func (c *CandleEngine) HandleTick(tick types.NormalizedTick) {
	for _, interval := range c.intervals {
		update, ok := c.applyTick(tick, interval)
		if !ok {
			continue
		}
		c.emit(update)
	}
}

func (c *CandleEngine) applyTick(tick types.NormalizedTick, interval int) (types.CandleUpdate, bool) {
	bucket := bucketStart(tick.Timestamp, interval)

	c.mu.Lock()
	defer c.mu.Unlock()

	k := candleKey{key: tick.InstrumentKey, interval: interval}
	current := c.candles[k]

	if current != nil && bucket < current.OpenTime {
		c.lateTickDrops++
		return types.CandleUpdate{}, false
	}

	if current == nil || bucket > current.OpenTime {
		var closedUpdate *types.CandleUpdate
		if current != nil && !current.Closed {
			current.Closed = true
			closed := *current
			closedUpdate = &types.CandleUpdate{
				InstrumentKey: tick.InstrumentKey,
				Symbol:        tick.Symbol,
				Interval:      interval,
				Candle:        closed,
				Type:          types.CandleUpdateTypeClose,
			}
		}

		fresh := &types.Candle{
			InstrumentKey: tick.InstrumentKey,
			IntervalSec:   interval,
			OpenTime:      bucket,
			Open:          tick.Price,
			High:          tick.Price,
			Low:           tick.Price,
			Close:         tick.Price,
			Volume:        tick.Volume,
			Closed:        false,
		}
		c.candles[k] = fresh

		if closedUpdate != nil {
			// The close event for the previous bucket must reach
			// subscribers before the new bucket's first update; emit it
			// synchronously here rather than returning it, since the
			// caller only forwards one CandleUpdate per call.
			c.emitLocked(*closedUpdate)
		}

		return types.CandleUpdate{
			InstrumentKey: tick.InstrumentKey,
			Symbol:        tick.Symbol,
			Interval:      interval,
			Candle:        *fresh,
			Type:          types.CandleUpdateTypeUpdate,
		}, true
	}

	if tick.Price > current.High {
		current.High = tick.Price
	}
	if tick.Price < current.Low {
		current.Low = tick.Price
	}
	current.Close = tick.Price
	current.Volume += tick.Volume

	return types.CandleUpdate{
		InstrumentKey: tick.InstrumentKey,
		Symbol:        tick.Symbol,
		Interval:      interval,
		Candle:        *current,
		Type:          types.CandleUpdateTypeUpdate,
	}, true
}

func (c *CandleEngine) emit(update types.CandleUpdate) {
	c.mu.Lock()
	handlers := append([]func(types.CandleUpdate)(nil), c.handlers...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(update)
	}
}

// emitLocked is used only for the synthetic close event fired while
// applyTick already holds c.mu; it copies the handler slice under the
// same lock rather than re-acquiring it.
func (c *CandleEngine) emitLocked(update types.CandleUpdate) {
	handlers := append([]func(types.CandleUpdate)(nil), c.handlers...)
	for _, h := range handlers {
		h(update)
	}
}

func (c *CandleEngine) LateTickDrops() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lateTickDrops
}

// bucketStart aligns a unix-seconds timestamp to its interval bucket.
// Intervals below a day align to IST wall-clock boundaries: the
// timestamp is shifted by the fixed +05:30 offset, floored to the
// interval and shifted back (for intervals that divide 30 minutes this
// equals plain epoch-second floor division). Day-and-above intervals
// align to the IST calendar day.
func bucketStart(unixSeconds int64, intervalSec int) int64 {
	const day = 86400
	if intervalSec < day {
		const istOffset = 5*3600 + 30*60
		shifted := unixSeconds + istOffset
		return (shifted/int64(intervalSec))*int64(intervalSec) - istOffset
	}

	t := time.Unix(unixSeconds, 0).In(IST)
	dayStartIST := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, IST)

	if intervalSec == day {
		return dayStartIST.Unix()
	}

	// Weekly: align to the most recent Monday (IST calendar week).
	offset := int(dayStartIST.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	weekStart := dayStartIST.AddDate(0, 0, -offset)
	return weekStart.Unix()
}
