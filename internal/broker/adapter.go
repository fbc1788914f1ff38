// Package broker implements the single upstream broker connection (C2):
// one websocket per process, decoding raw frames into normalized ticks
// and handing subscribe/unsubscribe state to the feed supervisor.
//
// The connection lifecycle (atomic connected/reconnecting flags, a
// read-loop goroutine, a heartbeat ticker) is grounded on
// services/binance/ws_order_manager.go's BinanceWSOrderManager, adapted
// from a request/response order-management client to a one-way market
// data stream.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// OnTick is invoked for every decoded tick. Implementations must not
// block the read loop for long; they should hand the tick to C3 and
// return.
type OnTick func(types.NormalizedTick)

// RawFrame is the wire shape the upstream broker sends. Adapters that
// talk to a real broker swap out decodeFrame; the shape is kept
// generic because the concrete broker API is explicitly out of scope.
type RawFrame struct {
	InstrumentKey string  `json:"instrumentKey"`
	Symbol        string  `json:"symbol,omitempty"`
	Price         float64 `json:"price"`
	Volume        int64   `json:"volume"`
	Timestamp     int64   `json:"timestamp"`
	Exchange      string  `json:"exchange"`
	PrevClose     float64 `json:"prevClose,omitempty"`
	Type          string  `json:"type,omitempty"` // "tick" | "auth_error" | "ack"
}

// Config parameterizes the adapter's dial target and resilience knobs.
type Config struct {
	URL               string
	AuthToken         string
	PingInterval      time.Duration
	MessageTimeout    time.Duration
	AuthCooldown      time.Duration
}

// Adapter owns exactly one upstream websocket connection per process.
type Adapter struct {
	cfg Config
	log *logrus.Entry

	mu   sync.RWMutex
	conn *websocket.Conn

	connected atomic.Bool
	onTick    atomic.Value // OnTick

	stopCh   chan struct{}
	stopOnce sync.Once

	authCooldownUntil atomic.Int64 // unix millis; 0 == no cooldown

	activeKeys   map[types.InstrumentKey]struct{}
	activeKeysMu sync.Mutex
}

func New(cfg Config, log *logrus.Entry) *Adapter {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.MessageTimeout == 0 {
		cfg.MessageTimeout = 10 * time.Second
	}
	if cfg.AuthCooldown == 0 {
		cfg.AuthCooldown = 30 * time.Second
	}
	return &Adapter{
		cfg:        cfg,
		log:        log.WithField("component", "broker_adapter"),
		activeKeys: make(map[types.InstrumentKey]struct{}),
	}
}

// Connect dials the upstream websocket and starts the read/heartbeat
// loops. onTick is invoked from the read-loop goroutine for every
// decoded tick.
func (a *Adapter) Connect(ctx context.Context, onTick OnTick) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected.Load() {
		return nil
	}
	if remaining := a.AuthCooldownRemainingMs(); remaining > 0 {
		return fmt.Errorf("broker: auth cooldown active for %dms", remaining)
	}

	a.onTick.Store(onTick)

	dialer := websocket.DefaultDialer
	header := map[string][]string{}
	if a.cfg.AuthToken != "" {
		header["Authorization"] = []string{"Bearer " + a.cfg.AuthToken}
	}
	conn, _, err := dialer.DialContext(ctx, a.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("broker: dial failed: %w", err)
	}

	a.conn = conn
	a.stopCh = make(chan struct{})
	a.stopOnce = sync.Once{}
	a.connected.Store(true)

	go a.readLoop()
	go a.heartbeatLoop()

	a.log.Info("connected to upstream broker")
	return nil
}

// Disconnect closes the upstream connection. Safe to call when already
// disconnected.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected.Load() {
		return nil
	}
	a.connected.Store(false)
	a.stopOnce.Do(func() { close(a.stopCh) })
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}

func (a *Adapter) IsConnected() bool {
	return a.connected.Load()
}

// AuthCooldownRemainingMs returns how long callers must wait before the
// next connect attempt is worth trying, or 0 if there is no cooldown.
func (a *Adapter) AuthCooldownRemainingMs() int64 {
	until := a.authCooldownUntil.Load()
	if until == 0 {
		return 0
	}
	remaining := until - time.Now().UnixMilli()
	if remaining <= 0 {
		a.authCooldownUntil.Store(0)
		return 0
	}
	return remaining
}

// Subscribe sends the full desired key set upstream. The adapter is
// stateless about *why* keys changed — replay/dedup responsibility
// lives in the subscription registry (C5) and supervisor (C6); this
// only tracks the last-sent set to support re-subscribe-on-reconnect.
func (a *Adapter) Subscribe(keys []types.InstrumentKey) error {
	a.activeKeysMu.Lock()
	for _, k := range keys {
		a.activeKeys[k] = struct{}{}
	}
	a.activeKeysMu.Unlock()
	return a.send(map[string]interface{}{"type": "subscribe", "instrumentKeys": keys})
}

func (a *Adapter) Unsubscribe(keys []types.InstrumentKey) error {
	a.activeKeysMu.Lock()
	for _, k := range keys {
		delete(a.activeKeys, k)
	}
	a.activeKeysMu.Unlock()
	return a.send(map[string]interface{}{"type": "unsubscribe", "instrumentKeys": keys})
}

// ActiveKeys returns the last-sent subscription set, used to
// re-subscribe the full set after a reconnect (flushPending in C5).
func (a *Adapter) ActiveKeys() []types.InstrumentKey {
	a.activeKeysMu.Lock()
	defer a.activeKeysMu.Unlock()
	out := make([]types.InstrumentKey, 0, len(a.activeKeys))
	for k := range a.activeKeys {
		out = append(out, k)
	}
	return out
}

func (a *Adapter) send(v interface{}) error {
	a.mu.RLock()
	conn := a.conn
	a.mu.RUnlock()
	if conn == nil || !a.connected.Load() {
		return fmt.Errorf("broker: not connected")
	}
	return conn.WriteJSON(v)
}

func (a *Adapter) readLoop() {
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		var frame RawFrame
		if err := a.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				a.log.WithError(err).Warn("upstream connection dropped")
			}
			a.connected.Store(false)
			return
		}

		switch frame.Type {
		case "auth_error":
			a.authCooldownUntil.Store(time.Now().Add(a.cfg.AuthCooldown).UnixMilli())
			a.log.Warn("upstream auth rejected, entering cooldown")
			a.connected.Store(false)
			return
		case "ack":
			continue
		default:
			a.dispatchTick(frame)
		}
	}
}

func (a *Adapter) dispatchTick(frame RawFrame) {
	handler, _ := a.onTick.Load().(OnTick)
	if handler == nil {
		return
	}
	tick := types.NormalizedTick{
		InstrumentKey: types.InstrumentKey(frame.InstrumentKey),
		Symbol:        frame.Symbol,
		Price:         frame.Price,
		Volume:        frame.Volume,
		Timestamp:     frame.Timestamp,
		Exchange:      frame.Exchange,
		PrevClose:     frame.PrevClose,
	}
	handler(tick)
}

func (a *Adapter) heartbeatLoop() {
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.mu.RLock()
			conn := a.conn
			a.mu.RUnlock()
			if conn == nil {
				continue
			}
			deadline := time.Now().Add(a.cfg.MessageTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				a.log.WithError(err).Warn("heartbeat ping failed")
			}
		}
	}
}

// MarshalFrame is a helper exposed for tests that stand up a fake
// upstream to feed frames to the adapter's decode path.
func MarshalFrame(frame RawFrame) ([]byte, error) {
	return json.Marshal(frame)
}
