// Package liquidation implements the margin-curve breach detector and
// forced-close loop (C14). Grounded on internal/risk/monitor.go's
// ticker-driven performChecks sweep (RiskMonitor.monitoringLoop, per-
// account checks, Alert struct with severity/dedup) and
// internal/risk/engine.go's margin-ratio comparisons, adapted from
// multi-exchange account risk to the single-ledger-per-user model
// spec.md §4.14 describes.
package liquidation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// Config holds the env-driven tunables spec.md §6 names.
type Config struct {
	MaxSteps int
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{MaxSteps: 32, Interval: 2 * time.Second}
}

// Snapshot is the per-user MTM input spec.md §4.14 names, produced
// from C11 (wallet mark-to-market) plus current marks.
type Snapshot struct {
	UserID            string
	Equity            decimal.Decimal
	RequiredMargin    decimal.Decimal
	MaintenanceMargin decimal.Decimal
	AccountState      types.AccountState
}

// Breached reports whether the account is below the maintenance floor
// or has gone net-negative, both of which force immediate liquidation
// regardless of the required-margin cushion.
func (s Snapshot) Breached() bool {
	if s.Equity.LessThanOrEqual(s.MaintenanceMargin) {
		return true
	}
	return s.Equity.IsNegative()
}

// restingState is the accountState to settle into once no longer
// breached: MARGIN_STRESSED while equity sits below requiredMargin,
// NORMAL once it clears both floors.
func (s Snapshot) restingState() types.AccountState {
	if s.Equity.LessThan(s.RequiredMargin) {
		return types.AccountStateMarginStressed
	}
	return types.AccountStateNormal
}

// PositionCandidate is one open position scored for forced-close
// priority.
type PositionCandidate struct {
	InstrumentKey  types.InstrumentKey
	Quantity       int64 // signed: >0 long, <0 short
	MarginUsage    decimal.Decimal
	UnrealizedLoss decimal.Decimal
	Notional       decimal.Decimal
}

// RiskSource supplies the breach snapshot and candidate positions for
// one user. Implementations compose C11's wallet mark-to-market with
// C13's position book and current marks.
type RiskSource interface {
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
	PositionCandidates(ctx context.Context, userID string) ([]PositionCandidate, error)
}

// ForceCloser submits a forced closing order, bypassing the usual
// pretrade gates per spec.md §4.14.
type ForceCloser interface {
	ForceClose(ctx context.Context, userID string, key types.InstrumentKey, side types.Side, qty int64, idempotencyKey string) error
}

// WalletState transitions a wallet's accountState. Only this engine
// may call it, per pkg/types.Wallet's doc comment.
type WalletState interface {
	SetAccountState(ctx context.Context, userID string, state types.AccountState) error
}

// UserLister enumerates users with open exposure, for the periodic
// sweep.
type UserLister interface {
	ActiveUserIDs(ctx context.Context) ([]string, error)
}

// EventPublisher fires the read-only audit event for a forced-close
// step. Implemented by internal/eventstream.Publisher; nil-safe so
// tests and offline tooling can run without NATS.
type EventPublisher interface {
	PublishLiquidationEvent(event LiquidationEventPayload) error
}

// LiquidationEventPayload mirrors internal/eventstream.LiquidationEvent's
// fields without importing that package, keeping this package free of
// a NATS dependency.
type LiquidationEventPayload struct {
	UserID        string
	InstrumentKey string
	Side          string
	Quantity      int64
	Reason        string
	Step          int
}

// Engine is the liquidation engine.
type Engine struct {
	cfg     Config
	log     *logrus.Entry
	risk    RiskSource
	closer  ForceCloser
	wallets WalletState
	users   UserLister
	events  EventPublisher
}

func New(cfg Config, log *logrus.Entry, risk RiskSource, closer ForceCloser, wallets WalletState, users UserLister) *Engine {
	return &Engine{
		cfg: cfg, log: log.WithField("component", "liquidation_engine"),
		risk: risk, closer: closer, wallets: wallets, users: users,
	}
}

// WithEventPublisher attaches the audit event publisher. Optional —
// an Engine built without it simply skips publishing.
func (e *Engine) WithEventPublisher(events EventPublisher) *Engine {
	e.events = events
	return e
}

// RunSweep ticks every cfg.Interval, checking every active user, until
// ctx is cancelled.
func (e *Engine) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	userIDs, err := e.users.ActiveUserIDs(ctx)
	if err != nil {
		e.log.WithError(err).Error("failed to list active users")
		return
	}
	for _, userID := range userIDs {
		if err := e.CheckUser(ctx, userID); err != nil {
			e.log.WithField("userId", userID).WithError(err).Error("liquidation check failed")
		}
	}
}

// CheckUser runs the bounded breach-response loop for one user: on
// each iteration it recomputes risk, exits (resetting accountState)
// once clear, or force-closes the highest-priority position and loops
// again, up to cfg.MaxSteps iterations.
func (e *Engine) CheckUser(ctx context.Context, userID string) error {
	for step := 0; step < e.cfg.MaxSteps; step++ {
		snap, err := e.risk.Snapshot(ctx, userID)
		if err != nil {
			return fmt.Errorf("load risk snapshot: %w", err)
		}

		if !snap.Breached() {
			target := snap.restingState()
			if snap.AccountState != target {
				if err := e.wallets.SetAccountState(ctx, userID, target); err != nil {
					return fmt.Errorf("reset account state: %w", err)
				}
				e.log.WithField("userId", userID).WithField("accountState", target).Info("account cleared liquidation breach")
			}
			return nil
		}

		if snap.AccountState != types.AccountStateLiquidating {
			if err := e.wallets.SetAccountState(ctx, userID, types.AccountStateLiquidating); err != nil {
				return fmt.Errorf("enter liquidating state: %w", err)
			}
		}

		candidates, err := e.risk.PositionCandidates(ctx, userID)
		if err != nil {
			return fmt.Errorf("load position candidates: %w", err)
		}
		if len(candidates) == 0 {
			e.log.WithField("userId", userID).Warn("account breached with no open positions to close")
			return nil
		}

		pick := choosePriority(candidates)
		side, qty := closingOrder(pick)
		idempotencyKey := fmt.Sprintf("FORCED_LIQUIDATION:%s:%s", userID, pick.InstrumentKey)

		if err := e.closer.ForceClose(ctx, userID, pick.InstrumentKey, side, qty, idempotencyKey); err != nil {
			return fmt.Errorf("force close %s: %w", pick.InstrumentKey, err)
		}
		e.log.WithFields(logrus.Fields{
			"userId": userID, "instrumentKey": pick.InstrumentKey,
			"side": side, "quantity": qty, "step": step,
		}).Warn("submitted forced liquidation order")

		if e.events != nil {
			if pubErr := e.events.PublishLiquidationEvent(LiquidationEventPayload{
				UserID: userID, InstrumentKey: string(pick.InstrumentKey),
				Side: string(side), Quantity: qty, Reason: "margin_breach", Step: step,
			}); pubErr != nil {
				e.log.WithError(pubErr).Warn("failed to publish liquidation audit event")
			}
		}
	}
	return fmt.Errorf("liquidation for user %s did not resolve within %d steps", userID, e.cfg.MaxSteps)
}

// closingOrder derives the opposite-side MARKET order that fully
// closes a candidate position.
func closingOrder(c PositionCandidate) (types.Side, int64) {
	qty := c.Quantity
	if qty < 0 {
		return types.SideBuy, -qty
	}
	return types.SideSell, qty
}

// choosePriority selects the position to force-close next, per
// spec.md §4.14's priority (marginUsage desc, unrealizedLoss desc,
// notional desc, instrumentKey asc).
func choosePriority(candidates []PositionCandidate) PositionCandidate {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if higherPriority(c, best) {
			best = c
		}
	}
	return best
}

func higherPriority(a, b PositionCandidate) bool {
	if !a.MarginUsage.Equal(b.MarginUsage) {
		return a.MarginUsage.GreaterThan(b.MarginUsage)
	}
	if !a.UnrealizedLoss.Equal(b.UnrealizedLoss) {
		return a.UnrealizedLoss.GreaterThan(b.UnrealizedLoss)
	}
	if !a.Notional.Equal(b.Notional) {
		return a.Notional.GreaterThan(b.Notional)
	}
	return a.InstrumentKey < b.InstrumentKey
}
