// Package execution implements the order/execution engine (C12):
// idempotent placement with pretrade checks, and a separate fill loop
// that scans OPEN orders against the latest mark. Grounded on
// internal/risk/engine.go's ordered CheckOrder pattern (checks run in
// sequence, first failure wins) for the pretrade sequence, and
// internal/router/execution_engine.go's placement/fill separation for
// the two-phase shape (the rest of internal/router is dropped — see
// DESIGN.md).
package execution

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/internal/journal"
	"github.com/paperdesk/engine/internal/ledger"
	"github.com/paperdesk/engine/internal/position"
	"github.com/paperdesk/engine/pkg/types"
)

// InstrumentStore resolves instrument master data for pretrade checks.
type InstrumentStore interface {
	GetInstrument(ctx context.Context, key types.InstrumentKey) (types.Instrument, bool, error)
}

// OrderStore is the persistence boundary for orders.
type OrderStore interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*types.Order, bool, error)
	Insert(ctx context.Context, order *types.Order) error
	SetFilled(ctx context.Context, orderID string) error
	SetRejected(ctx context.Context, orderID, reason string) error
	OpenOrders(ctx context.Context) ([]types.Order, error)
}

// TradeStore is the persistence boundary for trade fills.
type TradeStore interface {
	Insert(ctx context.Context, trade *types.Trade) error
}

// PriceSource resolves the current mark for MARKET orders and the
// fill-loop's crossing check, sourced from C3's latest tick.
type PriceSource interface {
	Latest(key types.InstrumentKey) (types.NormalizedTick, bool)
}

// Config holds the env-driven tunables spec.md §6 names.
type Config struct {
	PaperTradingMode bool
	DefaultLeverage  int
}

func DefaultConfig() Config {
	return Config{PaperTradingMode: true, DefaultLeverage: 1}
}

// AuditPublisher fires the read-only audit event for a committed WAJ
// operation. Implemented by internal/eventstream.Publisher; optional —
// an Engine built without one simply skips publishing.
type AuditPublisher interface {
	PublishLedgerCommitted(journalID, userID, operationType string, sequences []int64, committedAt time.Time) error
}

// Engine is the order/execution engine.
type Engine struct {
	cfg         Config
	log         *logrus.Entry
	instruments InstrumentStore
	orders      OrderStore
	trades      TradeStore
	prices      PriceSource
	journal     *journal.Journal
	ledgerBook  *ledger.Ledger
	wallet      *ledger.WalletCache
	positions   *position.Book
	audit       AuditPublisher
}

func New(cfg Config, log *logrus.Entry, instruments InstrumentStore, orders OrderStore, trades TradeStore,
	prices PriceSource, j *journal.Journal, ledgerBook *ledger.Ledger, wallet *ledger.WalletCache, positions *position.Book) *Engine {
	return &Engine{
		cfg: cfg, log: log.WithField("component", "execution_engine"),
		instruments: instruments, orders: orders, trades: trades, prices: prices,
		journal: j, ledgerBook: ledgerBook, wallet: wallet, positions: positions,
	}
}

// WithAuditPublisher attaches the JetStream audit publisher.
func (e *Engine) WithAuditPublisher(audit AuditPublisher) *Engine {
	e.audit = audit
	return e
}

func (e *Engine) publishCommit(journalID, userID string, sequences []int64) {
	if e.audit == nil {
		return
	}
	if err := e.audit.PublishLedgerCommitted(journalID, userID, string(types.OperationTradeExecution), sequences, time.Now()); err != nil {
		e.log.WithError(err).Warn("failed to publish ledger audit event")
	}
}

// PlaceOrderRequest is the decoded POST /orders body.
type PlaceOrderRequest struct {
	UserID         string
	InstrumentKey  types.InstrumentKey
	Side           types.Side
	Quantity       int64
	Type           types.OrderType
	LimitPrice     decimal.Decimal
	IdempotencyKey string

	// Force marks a liquidation-engine-submitted closing order. Per
	// spec.md §4.14, force-closures bypass the tradability, lot-size,
	// full-exit-only, and tick-freshness pretrade checks.
	Force bool
}

// deriveIdempotencyKey builds the stable fallback key spec.md §4.12
// names when the caller does not supply one: a hash of
// (userId, instrumentKey, side, qty, type, limitPrice) bucketed into a
// 2-second window, so duplicate double-clicks within the window
// collapse to one order.
func deriveIdempotencyKey(req PlaceOrderRequest, now time.Time) string {
	const windowMs = 2000
	bucket := now.UnixMilli() / windowMs
	raw := fmt.Sprintf("%s|%s|%s|%d|%s|%s|%d",
		req.UserID, req.InstrumentKey, req.Side, req.Quantity, req.Type, req.LimitPrice.String(), bucket)
	sum := sha1.Sum([]byte(raw))
	return "auto:" + hex.EncodeToString(sum[:])
}

// PlaceOrder runs the pretrade checks and, on success, journals and
// posts a margin block for the quantity that opens or adds exposure
// (none for a pure closing order). It returns the existing order (and a
// DuplicateOrderError) when the idempotency key was already used.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*types.Order, error) {
	now := time.Now()
	idempotencyKey := req.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = deriveIdempotencyKey(req, now)
	}

	if existing, found, err := e.orders.GetByIdempotencyKey(ctx, idempotencyKey); err != nil {
		return nil, fmt.Errorf("check existing order: %w", err)
	} else if found {
		return existing, &DuplicateOrderError{
			TradingError: types.NewTradingError(types.ErrDuplicateOrder, "an order with this idempotency key was already placed"),
			Existing:     existing,
		}
	}

	instrument, found, err := e.instruments.GetInstrument(ctx, req.InstrumentKey)
	if err != nil {
		return nil, fmt.Errorf("load instrument: %w", err)
	}
	if !found {
		return nil, types.NewTradingError(types.ErrExpiredInstrument, fmt.Sprintf("unknown instrument %s", req.InstrumentKey))
	}
	if !req.Force {
		if err := checkInstrumentTradable(instrument, now); err != nil {
			return nil, err
		}
		if err := checkLotSize(req.Quantity, instrument.LotSize, e.cfg.PaperTradingMode); err != nil {
			return nil, err
		}

		existingQty, err := e.positions.Quantity(ctx, req.UserID, req.InstrumentKey)
		if err != nil {
			return nil, fmt.Errorf("load existing position: %w", err)
		}
		if err := checkFullExitOnly(existingQty, req.Side, req.Quantity); err != nil {
			return nil, err
		}
	}

	referencePrice, tickTimestamp, err := e.resolveReferencePrice(req, now)
	if err != nil {
		return nil, err
	}
	if req.Type == types.OrderTypeMarket && !req.Force {
		if err := checkTickFreshness(tickTimestamp, now, e.cfg.PaperTradingMode); err != nil {
			return nil, err
		}
	}

	// The part of the order that closes an opposite position blocks no
	// new margin; that position's existing block is released at fill.
	openingQty := req.Quantity
	if heldQty, err := e.positions.Quantity(ctx, req.UserID, req.InstrumentKey); err != nil {
		return nil, fmt.Errorf("load existing position: %w", err)
	} else if closingQty := -heldQty * int64(req.Side.Sign()); closingQty > 0 {
		openingQty = max(openingQty-closingQty, 0)
	}
	margin := EstimateMargin(instrument, req.Side, openingQty, referencePrice, referencePrice, e.cfg.DefaultLeverage)

	if !req.Force {
		if err := e.wallet.AvailableBalanceCheck(ctx, req.UserID, margin); err != nil {
			return nil, err
		}
	}

	orderID := uuid.NewString()
	journalPayload := map[string]interface{}{
		"idempotencyKey":  idempotencyKey,
		"orderId":         orderID,
		"userId":          req.UserID,
		"instrumentKey":   string(req.InstrumentKey),
		"side":            string(req.Side),
		"quantity":        req.Quantity,
		"estimatedMargin": margin.String(),
		"forced":          req.Force,
	}
	rec, err := e.journal.Prepare(ctx, "", types.OperationTradeExecution, req.UserID, orderID, journalPayload)
	if err != nil {
		return nil, err
	}

	order := &types.Order{
		ID: orderID, UserID: req.UserID, InstrumentKey: req.InstrumentKey,
		Side: req.Side, Quantity: req.Quantity, Type: req.Type, LimitPrice: req.LimitPrice,
		Status: types.OrderStatusOpen, IdempotencyKey: idempotencyKey, CreatedAt: now,
		ForceLiquidation: req.Force,
	}
	if err := e.orders.Insert(ctx, order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	var sequences []int64
	if margin.IsPositive() {
		sequences, err = e.ledgerBook.Post(ctx, req.UserID, []ledger.Posting{ledger.BlockMargin(margin, "INR", orderID, "block:"+idempotencyKey)})
	}
	if err != nil {
		return nil, fmt.Errorf("post margin block: %w", err)
	}

	if err := e.journal.Commit(ctx, rec.JournalID, sequences, map[string]interface{}{"phase": "placement"}); err != nil {
		return nil, err
	}
	e.publishCommit(rec.JournalID, req.UserID, sequences)

	return order, nil
}

// ForceClose submits a forced MARKET order opposite to an open
// position, for C14's breach-response loop. idempotencyKey should be
// stable per (user, instrument, breach) so a retried sweep step cannot
// submit a second closing order while the first is still open.
// A DuplicateOrderError from an in-flight forced order is not an
// error from the liquidation engine's point of view — the closure is
// already underway.
func (e *Engine) ForceClose(ctx context.Context, userID string, key types.InstrumentKey, side types.Side, qty int64, idempotencyKey string) error {
	_, err := e.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: userID, InstrumentKey: key, Side: side, Quantity: qty,
		Type: types.OrderTypeMarket, IdempotencyKey: idempotencyKey, Force: true,
	})
	if err != nil {
		var dupErr *DuplicateOrderError
		if errors.As(err, &dupErr) {
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) resolveReferencePrice(req PlaceOrderRequest, now time.Time) (decimal.Decimal, int64, error) {
	if req.Type == types.OrderTypeLimit {
		return req.LimitPrice, now.Unix(), nil
	}
	tick, ok := e.prices.Latest(req.InstrumentKey)
	if !ok {
		return decimal.Zero, 0, types.NewTradingError(types.ErrStalePrice, fmt.Sprintf("no tick available for %s", req.InstrumentKey))
	}
	return decimal.NewFromFloat(tick.Price), tick.Timestamp, nil
}

// DuplicateOrderError is returned alongside the pre-existing order
// when PlaceOrder is called twice with the same idempotency key.
type DuplicateOrderError struct {
	*types.TradingError
	Existing *types.Order
}

// RunFillLoop scans OPEN orders once and fills any that are eligible,
// per spec.md §4.12: MARKET fills immediately at the reference price;
// LIMIT fills when the best mark crosses the limit.
func (e *Engine) RunFillLoop(ctx context.Context) error {
	orders, err := e.orders.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for i := range orders {
		if err := e.tryFill(ctx, &orders[i]); err != nil {
			e.log.WithField("orderId", orders[i].ID).WithError(err).Warn("fill attempt failed")
		}
	}
	return nil
}

func (e *Engine) tryFill(ctx context.Context, order *types.Order) error {
	tick, ok := e.prices.Latest(order.InstrumentKey)
	if !ok {
		return nil
	}
	mark := decimal.NewFromFloat(tick.Price)

	eligible := order.Type == types.OrderTypeMarket
	if order.Type == types.OrderTypeLimit {
		if order.Side == types.SideBuy {
			eligible = mark.LessThanOrEqual(order.LimitPrice)
		} else {
			eligible = mark.GreaterThanOrEqual(order.LimitPrice)
		}
	}
	if !eligible {
		return nil
	}

	fillPrice := mark
	if order.Type == types.OrderTypeLimit {
		fillPrice = order.LimitPrice
	}

	journalPayload := map[string]interface{}{
		"idempotencyKey": "fill:" + order.ID,
		"orderId":        order.ID,
		"userId":         order.UserID,
		"fillPrice":      fillPrice.String(),
	}
	rec, err := e.journal.Prepare(ctx, "", types.OperationTradeExecution, order.UserID, order.ID, journalPayload)
	if err != nil {
		return err
	}

	trade := &types.Trade{
		ID: uuid.NewString(), OrderID: order.ID, UserID: order.UserID,
		InstrumentKey: order.InstrumentKey, Side: order.Side, Quantity: order.Quantity,
		Price: fillPrice, CreatedAt: time.Now(),
	}
	if err := e.trades.Insert(ctx, trade); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	fill, err := e.positions.ApplyFill(ctx, order.UserID, order.InstrumentKey, order.Side, order.Quantity, fillPrice)
	if err != nil {
		return fmt.Errorf("apply position fill: %w", err)
	}

	// Only the closing portion of a fill settles margin back to CASH.
	// An opening/adding fill's margin block (posted at placement, per
	// §4.10) stays in MARGIN_BLOCKED — it is the capital now committed
	// to the position, not a pending-order hold to refund. Releasing it
	// here would let a user recycle the same cash into unlimited
	// positions.
	var sequences []int64
	if fill.ClosedQuantity > 0 {
		instrument, _, err := e.instruments.GetInstrument(ctx, order.InstrumentKey)
		if err != nil {
			return fmt.Errorf("load instrument for settlement: %w", err)
		}
		releaseMargin := EstimateMargin(instrument, fill.ClosedSide, fill.ClosedQuantity, fill.ClosedAvgPrice, fill.ClosedAvgPrice, e.cfg.DefaultLeverage)

		postings := []ledger.Posting{
			ledger.Settlement(releaseMargin, "INR", trade.ID, "settle:"+trade.ID),
		}
		if !fill.RealizedDelta.IsZero() {
			profit := fill.RealizedDelta.IsPositive()
			postings = append(postings, ledger.RealizedPnL(fill.RealizedDelta.Abs(), profit, "INR", trade.ID, "pnl:"+trade.ID))
		}

		sequences, err = e.ledgerBook.Post(ctx, order.UserID, postings)
		if err != nil {
			return fmt.Errorf("post settlement: %w", err)
		}
	}

	if err := e.orders.SetFilled(ctx, order.ID); err != nil {
		return fmt.Errorf("mark order filled: %w", err)
	}

	if err := e.journal.Commit(ctx, rec.JournalID, sequences, map[string]interface{}{"phase": "fill"}); err != nil {
		return err
	}
	e.publishCommit(rec.JournalID, order.UserID, sequences)
	return nil
}
