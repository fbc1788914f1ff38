package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// BrokerConn is the subset of the broker adapter (C2) the supervisor
// drives. Kept as an interface so tests can substitute a fake.
type BrokerConn interface {
	Connect(ctx context.Context, onTick func(types.NormalizedTick)) error
	Disconnect() error
	IsConnected() bool
	AuthCooldownRemainingMs() int64
	Subscribe(keys []types.InstrumentKey) error
}

var backoffSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second}

// MarketHours decides whether ticks should currently be expected. The
// default implementation is a plain weekday 09:15-15:30 IST window;
// a real holiday calendar is an open question per spec.md §9 and
// DESIGN.md, so this seam exists for a future TradingCalendar.
type MarketHours interface {
	ShouldExpectTicks(now time.Time) bool
}

type defaultMarketHours struct{}

func (defaultMarketHours) ShouldExpectTicks(now time.Time) bool {
	t := now.In(IST)
	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return false
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), 9, 15, 0, 0, IST)
	marketClose := time.Date(t.Year(), t.Month(), t.Day(), 15, 30, 0, 0, IST)
	return !t.Before(open) && !t.After(marketClose)
}

// DefaultMarketHours returns the weekday-09:15-15:30-IST default.
func DefaultMarketHours() MarketHours { return defaultMarketHours{} }

// Supervisor owns C2 and C5: it runs the health tick, drives the
// reconnect/circuit-breaker protocol, and re-subscribes the active set
// after a successful reconnect. Grounded on
// services/binance/ws_order_manager.go's reconnectLoop for the
// backoff/attempt-counting shape and internal/monitor/health.go's
// registered-check pattern for the periodic health tick.
type Supervisor struct {
	log      *logrus.Entry
	broker   BrokerConn
	registry *SubscriptionRegistry
	hours    MarketHours
	onTick   func(types.NormalizedTick)

	state atomic.Value // types.SessionState

	mu                sync.Mutex
	lastAnyTickAt     time.Time
	reconnecting      bool
	attempt           int
	windowStart       time.Time
	windowFailures    int
	circuitOpenUntil  time.Time

	stopCh chan struct{}
}

func NewSupervisor(log *logrus.Entry, broker BrokerConn, registry *SubscriptionRegistry, onTick func(types.NormalizedTick)) *Supervisor {
	s := &Supervisor{
		log:      log.WithField("component", "market_feed_supervisor"),
		broker:   broker,
		registry: registry,
		hours:    DefaultMarketHours(),
		onTick:   onTick,
		stopCh:   make(chan struct{}),
	}
	s.state.Store(types.SessionStateNormal)
	return s
}

func (s *Supervisor) SetMarketHours(h MarketHours) { s.hours = h }

func (s *Supervisor) State() types.SessionState {
	return s.state.Load().(types.SessionState)
}

// Start connects to the broker and runs the 15s health tick until Stop
// is called.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		s.log.WithError(err).Warn("initial connect failed, will retry on health tick")
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			s.healthTick(ctx)
		}
	}
}

func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.broker.Disconnect()
}

func (s *Supervisor) connect(ctx context.Context) error {
	if err := s.broker.Connect(ctx, s.wrappedOnTick); err != nil {
		return err
	}
	s.registry.FlushPending(func(keys []types.InstrumentKey) {
		if len(keys) > 0 {
			s.broker.Subscribe(keys)
		}
	})
	return nil
}

func (s *Supervisor) wrappedOnTick(tick types.NormalizedTick) {
	s.mu.Lock()
	s.lastAnyTickAt = time.Now()
	s.mu.Unlock()
	s.onTick(tick)
}

func (s *Supervisor) healthTick(ctx context.Context) {
	now := time.Now()

	if !s.hours.ShouldExpectTicks(now) {
		s.state.Store(types.SessionStateExpectedSilence)
		return
	}

	s.mu.Lock()
	silenceSince := s.lastAnyTickAt
	reconnecting := s.reconnecting
	s.mu.Unlock()

	if silenceSince.IsZero() {
		silenceSince = now
	}

	if now.Sub(silenceSince) > 60*time.Second && !reconnecting {
		s.state.Store(types.SessionStateSuspectOutage)
		go s.reconnect(ctx)
		return
	}

	s.state.Store(types.SessionStateNormal)
}

// reconnect implements the backoff/circuit-breaker protocol: respects
// authCooldownRemainingMs, walks the fixed backoff table per attempt,
// and opens a 60s circuit breaker after more than 5 failures within a
// rolling 2-minute window.
func (s *Supervisor) reconnect(ctx context.Context) {
	s.mu.Lock()
	if s.reconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		if time.Now().Before(s.circuitOpenUntil) {
			s.mu.Unlock()
			return
		}

		if cooldown := s.broker.AuthCooldownRemainingMs(); cooldown > 0 {
			s.mu.Unlock()
			select {
			case <-time.After(time.Duration(cooldown) * time.Millisecond):
			case <-s.stopCh:
				return
			}
			continue
		}

		delay := backoffSchedule[s.attempt%len(backoffSchedule)]
		s.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}

		err := s.connect(ctx)

		s.mu.Lock()
		if err == nil {
			s.attempt = 0
			s.windowFailures = 0
			s.mu.Unlock()
			s.state.Store(types.SessionStateNormal)
			return
		}

		s.attempt++
		if s.windowStart.IsZero() || time.Since(s.windowStart) > 2*time.Minute {
			s.windowStart = time.Now()
			s.windowFailures = 0
		}
		s.windowFailures++
		if s.windowFailures > 5 {
			s.circuitOpenUntil = time.Now().Add(60 * time.Second)
			s.log.Warn("circuit breaker opened after repeated reconnect failures")
		}
		s.mu.Unlock()
	}
}
