// Package fanout implements the websocket fanout server (C7): accepts
// client connections, tracks per-client subscription sets, forwards
// ticks/candles from the market-data pipeline, and evicts slow
// consumers. No teacher file implements a real server-side websocket —
// internal/monitor/dashboard.go's handleWebSocket is an explicit stub
// ("use a WebSocket client to connect", conn typed interface{}). This
// is hand-authored in the gorilla/websocket idiom, mirroring the
// buffered-send-channel / write-pump shape of
// services/binance/ws_order_manager.go onto the server side.
package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/internal/symbol"
	"github.com/paperdesk/engine/pkg/types"
)

// Config holds the tunables spec.md §6 names as environment variables.
type Config struct {
	MaxSymbolsPerClient int
	MaxBufferedBytes    int
	MaxMessageSizeBytes int
	AuthRequired        bool
	JWTSecret           string
}

func DefaultConfig() Config {
	return Config{
		MaxSymbolsPerClient: 100,
		MaxBufferedBytes:    1_000_000,
		MaxMessageSizeBytes: 8192,
	}
}

// Registry is the subset of the subscription registry (C5) the fanout
// server drives: Add once per client that newly subscribes to a key,
// Remove once per client that drops it. The registry keeps the
// refcount and acts on its own 0->1 / 1->0 transitions.
type Registry interface {
	Add(types.InstrumentKey)
	Remove(types.InstrumentKey)
}

// Server is the websocket fanout endpoint.
type Server struct {
	cfg      Config
	log      *logrus.Entry
	registry Registry
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	clients     map[*client]struct{}
	subscribers map[types.InstrumentKey]map[*client]struct{}

	droppedSlowClients atomic.Uint64
	rejectedMessages   atomic.Uint64
}

type client struct {
	conn          *websocket.Conn
	userID        string
	send          chan []byte
	symbols       map[types.InstrumentKey]struct{}
	mu            sync.Mutex
	dropped       atomic.Bool
	bufferedBytes atomic.Int64
}

func NewServer(cfg Config, log *logrus.Entry, registry Registry) *Server {
	return &Server{
		cfg:      cfg,
		log:      log.WithField("component", "fanout_server"),
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:     make(map[*client]struct{}),
		subscribers: make(map[types.InstrumentKey]map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and starts the per-client read/write
// pumps. Auth, if required, is a bearer token verified via HMAC.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	if s.cfg.AuthRequired && userID == "" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "auth required"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := &client{
		conn:    conn,
		userID:  userID,
		send:    make(chan []byte, 256),
		symbols: make(map[types.InstrumentKey]struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.sendDirect(c, map[string]interface{}{"type": "connected"})

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if !s.cfg.AuthRequired {
		return "", nil
	}
	if s.cfg.JWTSecret == "" {
		return "", errAuthMisconfigured
	}

	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
		return "", errMissingToken
	}
	tokenStr := header[len(prefix):]

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", errInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errInvalidToken
	}
	userID, _ := claims["sub"].(string)
	return userID, nil
}

func (s *Server) readPump(c *client) {
	defer s.removeClient(c)

	c.conn.SetReadLimit(int64(s.cfg.MaxMessageSizeBytes) + 1)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) > s.cfg.MaxMessageSizeBytes {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "message too large"),
				time.Now().Add(time.Second))
			return
		}
		s.handleInbound(c, data)
	}
}

type inboundMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

func (s *Server) handleInbound(c *client, data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.rejectedMessages.Add(1)
		s.sendDirect(c, map[string]interface{}{"type": "error", "error": "invalid message shape"})
		return
	}

	switch msg.Type {
	case "subscribe":
		s.handleSubscribe(c, msg.Symbols)
	case "unsubscribe":
		s.handleUnsubscribe(c, msg.Symbols)
	default:
		s.rejectedMessages.Add(1)
		s.sendDirect(c, map[string]interface{}{"type": "error", "error": "unsupported message type"})
	}
}

func (s *Server) handleSubscribe(c *client, raw []string) {
	added, rejected := 0, 0

	c.mu.Lock()
	for _, r := range raw {
		key, err := symbol.ToInstrumentKey(r)
		if err != nil {
			rejected++
			continue
		}
		if _, exists := c.symbols[key]; exists {
			continue
		}
		if len(c.symbols) >= s.cfg.MaxSymbolsPerClient {
			rejected++
			continue
		}
		c.symbols[key] = struct{}{}
		added++
		s.addSubscriber(key, c)
		s.registry.Add(key)
	}
	total := len(c.symbols)
	c.mu.Unlock()

	s.sendDirect(c, map[string]interface{}{
		"type": "subscribed", "added": added, "rejected": rejected, "total": total,
	})
}

func (s *Server) handleUnsubscribe(c *client, raw []string) {
	removed, ignored := 0, 0

	c.mu.Lock()
	for _, r := range raw {
		key, err := symbol.ToInstrumentKey(r)
		if err != nil {
			ignored++
			continue
		}
		if _, exists := c.symbols[key]; !exists {
			ignored++
			continue
		}
		delete(c.symbols, key)
		removed++
		s.removeSubscriber(key, c)
		s.registry.Remove(key)
	}
	total := len(c.symbols)
	c.mu.Unlock()

	s.sendDirect(c, map[string]interface{}{
		"type": "unsubscribed", "removed": removed, "ignored": ignored, "total": total,
	})
}

func (s *Server) addSubscriber(key types.InstrumentKey, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[key]
	if !ok {
		set = make(map[*client]struct{})
		s.subscribers[key] = set
	}
	set[c] = struct{}{}
}

func (s *Server) removeSubscriber(key types.InstrumentKey, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subscribers[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(s.subscribers, key)
	}
}

// BroadcastTick sends a tick event to every client subscribed to its
// instrument key.
func (s *Server) BroadcastTick(tick types.NormalizedTick) {
	s.broadcast(tick.InstrumentKey, map[string]interface{}{
		"type": "tick",
		"data": map[string]interface{}{
			"instrumentKey": tick.InstrumentKey,
			"symbol":        tick.Symbol,
			"price":         tick.Price,
			"timestamp":     tick.Timestamp * 1000,
			"volume":        tick.Volume,
		},
	})
}

// BroadcastCandle sends a candle event to every client subscribed to
// its instrument key.
func (s *Server) BroadcastCandle(update types.CandleUpdate) {
	s.broadcast(update.InstrumentKey, map[string]interface{}{
		"type": "candle",
		"data": map[string]interface{}{
			"type":          update.Type,
			"candle":        update.Candle,
			"instrumentKey": update.InstrumentKey,
			"symbol":        update.Symbol,
			"interval":      update.Interval,
		},
	})
}

func (s *Server) broadcast(key types.InstrumentKey, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	s.mu.RLock()
	set := s.subscribers[key]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.sendBytes(c, data)
	}
}

// sendDirect marshals and enqueues a single-client message (replies,
// heartbeats).
func (s *Server) sendDirect(c *client, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.sendBytes(c, data)
}

// sendBytes enforces the slow-consumer policy: if the client's
// buffered bytes would exceed MaxBufferedBytes, it is marked dropping
// and terminated instead of being sent to. Send failures never
// propagate to the caller.
func (s *Server) sendBytes(c *client, data []byte) {
	if c.dropped.Load() {
		return
	}

	if c.bufferedBytes.Load()+int64(len(data)) > int64(s.cfg.MaxBufferedBytes) {
		c.dropped.Store(true)
		s.droppedSlowClients.Add(1)
		s.log.Warn("evicting slow consumer")
		go s.removeClient(c)
		return
	}

	select {
	case c.send <- data:
		c.bufferedBytes.Add(int64(len(data)))
	default:
		c.dropped.Store(true)
		s.droppedSlowClients.Add(1)
		go s.removeClient(c)
	}
}

func (s *Server) writePump(c *client) {
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()
	defer c.conn.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.bufferedBytes.Add(-int64(len(data)))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-heartbeat.C:
			data, _ := json.Marshal(map[string]string{"type": "heartbeat"})
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// removeClient tears down a client connection and implicitly
// unsubscribes every symbol it held, decrementing refcounts the same
// way an explicit unsubscribe would.
func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	c.mu.Lock()
	keys := make([]types.InstrumentKey, 0, len(c.symbols))
	for k := range c.symbols {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		set := s.subscribers[k]
		delete(set, c)
		if len(set) == 0 {
			delete(s.subscribers, k)
		}
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.registry.Remove(k)
	}

	c.conn.Close()
}

func (s *Server) DroppedSlowClients() uint64 { return s.droppedSlowClients.Load() }
func (s *Server) RejectedMessages() uint64   { return s.rejectedMessages.Load() }
