// Package marketdata implements the in-process live market data
// pipeline: the tick bus (C3), candle engine (C4), subscription
// registry (C5), and market feed supervisor (C6).
//
// The latest-wins coalescing cache mirrors the teacher's market-data
// aggregator pattern (keep the latest price per instrument in memory,
// republish on update rather than queuing every tick), reimplemented
// here directly against types.NormalizedTick (float64 price, int64
// volume).
package marketdata

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// TickHandler receives the latest tick for one instrument. A panicking
// handler must not affect sibling handlers.
type TickHandler func(types.NormalizedTick)

// TickBusStats are the counters C3 exposes via stats().
type TickBusStats struct {
	Emitted    uint64
	Dispatched uint64
	LateDrops  uint64
	PanicCount uint64
}

// TickBus is the single-process pub-sub hub for normalized ticks. It
// coalesces bursts: while a dispatch for a symbol is in flight, further
// emits only update the latest-value map; the next dispatch delivers
// just the newest tick.
// SubscriptionID identifies a registered handler for Unsubscribe, since
// Go function values cannot be compared for equality.
type SubscriptionID uint64

type subscription struct {
	id      SubscriptionID
	handler TickHandler
}

type TickBus struct {
	log *logrus.Entry

	mu        sync.Mutex
	subs      []subscription
	nextSubID SubscriptionID

	latest     map[types.InstrumentKey]types.NormalizedTick
	lastTs     map[types.InstrumentKey]int64
	inFlight   map[types.InstrumentKey]bool
	pending    map[types.InstrumentKey]bool

	stats TickBusStats
}

func NewTickBus(log *logrus.Entry) *TickBus {
	return &TickBus{
		log:      log.WithField("component", "tick_bus"),
		latest:   make(map[types.InstrumentKey]types.NormalizedTick),
		lastTs:   make(map[types.InstrumentKey]int64),
		inFlight: make(map[types.InstrumentKey]bool),
		pending:  make(map[types.InstrumentKey]bool),
	}
}

// Subscribe registers h and returns a handle for later Unsubscribe.
func (b *TickBus) Subscribe(h TickHandler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSubID++
	id := b.nextSubID
	b.subs = append(b.subs, subscription{id: id, handler: h})
	return id
}

func (b *TickBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s.id != id {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
}

// EmitTick records the tick as the latest value for its symbol and
// schedules a dispatch for the next event-loop turn if one is not
// already pending or in flight. Late ticks (older than the last
// delivered timestamp for the symbol) are dropped with a counter bump,
// preserving per-symbol monotonic ordering.
func (b *TickBus) EmitTick(tick types.NormalizedTick) {
	b.mu.Lock()
	b.stats.Emitted++

	if last, ok := b.lastTs[tick.InstrumentKey]; ok && tick.Timestamp < last {
		b.stats.LateDrops++
		b.mu.Unlock()
		return
	}

	b.latest[tick.InstrumentKey] = tick

	if b.inFlight[tick.InstrumentKey] {
		b.pending[tick.InstrumentKey] = true
		b.mu.Unlock()
		return
	}
	b.inFlight[tick.InstrumentKey] = true
	b.mu.Unlock()

	go b.dispatch(tick.InstrumentKey)
}

// dispatch delivers the latest known tick for key to every handler,
// isolating panics per handler, then re-dispatches if more ticks
// arrived while this dispatch was running.
func (b *TickBus) dispatch(key types.InstrumentKey) {
	for {
		b.mu.Lock()
		tick := b.latest[key]
		subs := append([]subscription(nil), b.subs...)
		b.lastTs[key] = tick.Timestamp
		b.stats.Dispatched++
		b.mu.Unlock()

		for _, s := range subs {
			b.invokeSafely(s.handler, tick)
		}

		b.mu.Lock()
		if b.pending[key] {
			b.pending[key] = false
			b.mu.Unlock()
			continue
		}
		b.inFlight[key] = false
		b.mu.Unlock()
		return
	}
}

func (b *TickBus) invokeSafely(h TickHandler, tick types.NormalizedTick) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.stats.PanicCount++
			b.mu.Unlock()
			b.log.WithField("panic", r).Error("tick handler panicked")
		}
	}()
	h(tick)
}

func (b *TickBus) Stats() TickBusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Latest returns the most recently emitted tick for key, if any. Used
// by the execution engine to resolve a market reference price.
func (b *TickBus) Latest(key types.InstrumentKey) (types.NormalizedTick, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.latest[key]
	return t, ok
}

// FetchQuotes implements internal/snapshot.UpstreamFetcher: the broker
// feed held in memory by this process is the only upstream quote
// source this system has, so a snapshot-cache miss resolves against
// whatever tick last arrived rather than a separate REST quote call.
// Keys with no tick yet are silently omitted.
func (b *TickBus) FetchQuotes(_ context.Context, keys []types.InstrumentKey) ([]types.QuoteRecord, error) {
	records := make([]types.QuoteRecord, 0, len(keys))
	for _, key := range keys {
		tick, ok := b.Latest(key)
		if !ok {
			continue
		}
		change := tick.Price - tick.PrevClose
		changePct := 0.0
		if tick.PrevClose != 0 {
			changePct = change / tick.PrevClose * 100
		}
		records = append(records, types.QuoteRecord{
			InstrumentKey: tick.InstrumentKey,
			Symbol:        tick.Symbol,
			Key:           string(tick.InstrumentKey),
			Price:         tick.Price,
			PrevClose:     tick.PrevClose,
			Change:        change,
			ChangePct:     changePct,
			Timestamp:     tick.Timestamp,
		})
	}
	return records, nil
}
