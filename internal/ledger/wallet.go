package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// WalletStore is the persistence boundary for the materialized wallet
// cache, separate from the ledger's own Store so C11 can be wired
// independently of C10's account bookkeeping in tests.
type WalletStore interface {
	GetWallet(ctx context.Context, userID string) (*types.Wallet, bool, error)
	UpsertWallet(ctx context.Context, wallet *types.Wallet) error
}

// WalletCache is the materialized per-user balance cache (C11). It
// must always be recomputable from the ledger via
// Ledger.RecalculateFromLedger.
type WalletCache struct {
	wstore WalletStore
	log    *logrus.Entry
}

func NewWalletCache(wstore WalletStore, log *logrus.Entry) *WalletCache {
	return &WalletCache{wstore: wstore, log: log.WithField("component", "wallet_cache")}
}

// GetOrCreate returns the user's wallet, creating one on demand with
// the default starting balance per spec.md §4.11.
func (w *WalletCache) GetOrCreate(ctx context.Context, userID string) (*types.Wallet, error) {
	wallet, found, err := w.wstore.GetWallet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	if found {
		return wallet, nil
	}

	wallet = &types.Wallet{
		UserID:         userID,
		Balance:        types.DefaultStartingBalance,
		BlockedBalance: decimal.Zero,
		Equity:         types.DefaultStartingBalance,
		Currency:       "INR",
		AccountState:   types.AccountStateNormal,
		LastReconciled: time.Now(),
	}
	if err := w.wstore.UpsertWallet(ctx, wallet); err != nil {
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return wallet, nil
}

// AvailableBalanceCheck rejects with INSUFFICIENT_FUNDS if the
// requested amount exceeds the user's available balance.
func (w *WalletCache) AvailableBalanceCheck(ctx context.Context, userID string, amount decimal.Decimal) error {
	wallet, err := w.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	if wallet.AvailableBalance().LessThan(amount) {
		return types.NewTradingError(types.ErrInsufficientFunds,
			fmt.Sprintf("user %s has %s available, needs %s", userID, wallet.AvailableBalance(), amount))
	}
	return nil
}

// ApplyPostings updates the cached balance/blockedBalance for every
// posting that touches the CASH or MARGIN_BLOCKED accounts, matching
// the ledger mutation that was just persisted. Must be called within
// the same DB transaction as the ledger insert, per spec.md §4.11.
func (w *WalletCache) ApplyPostings(ctx context.Context, userID string, postings []Posting) error {
	wallet, err := w.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	for _, p := range postings {
		if p.DebitAccount == types.AccountTypeCash {
			wallet.Balance = wallet.Balance.Sub(p.Amount)
		}
		if p.CreditAccount == types.AccountTypeCash {
			wallet.Balance = wallet.Balance.Add(p.Amount)
		}
		if p.DebitAccount == types.AccountTypeMarginBlocked {
			wallet.BlockedBalance = wallet.BlockedBalance.Sub(p.Amount)
		}
		if p.CreditAccount == types.AccountTypeMarginBlocked {
			wallet.BlockedBalance = wallet.BlockedBalance.Add(p.Amount)
		}
	}
	wallet.LastReconciled = time.Now()

	if err := w.wstore.UpsertWallet(ctx, wallet); err != nil {
		return fmt.Errorf("upsert wallet: %w", err)
	}
	return nil
}

// MarkToMarket recomputes equity = balance + Σ unrealized_pnl(open
// positions @ markPrice), per spec.md §4.11. It never mutates
// accountState — that transition belongs solely to C14.
func (w *WalletCache) MarkToMarket(ctx context.Context, userID string, unrealizedPnL decimal.Decimal) (*types.Wallet, error) {
	wallet, err := w.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	wallet.Equity = wallet.Balance.Add(unrealizedPnL)
	wallet.LastReconciled = time.Now()
	if err := w.wstore.UpsertWallet(ctx, wallet); err != nil {
		return nil, fmt.Errorf("upsert wallet: %w", err)
	}
	return wallet, nil
}

// SetAccountState transitions accountState. Only C14 (the liquidation
// engine) may call this.
func (w *WalletCache) SetAccountState(ctx context.Context, userID string, state types.AccountState) error {
	wallet, err := w.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}
	wallet.AccountState = state
	return w.wstore.UpsertWallet(ctx, wallet)
}
