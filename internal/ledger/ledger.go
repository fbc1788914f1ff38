// Package ledger implements the double-entry ledger (C10) and the
// materialized wallet cache (C11). Grounded on
// internal/account/manager.go's in-memory balance/transfer bookkeeping
// (Manager.balances, Transfer) for the cache-plus-durable-store shape,
// rewritten against a relational store instead of the teacher's
// JSON-file snapshots since the spec requires transactional,
// sequence-ordered postings a flat file cannot provide.
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/paperdesk/engine/pkg/types"
)

// Posting is one leg pair of a double-entry mutation, expressed in
// terms of account *types* rather than raw account ids — the ledger
// resolves (and lazily creates) the per-user account rows.
type Posting struct {
	DebitAccount   types.LedgerAccountType
	CreditAccount  types.LedgerAccountType
	Amount         decimal.Decimal
	Currency       string
	ReferenceType  types.ReferenceType
	ReferenceID    string
	IdempotencyKey string
}

func (p Posting) validate() error {
	if !p.Amount.IsPositive() {
		return types.NewTradingError(types.ErrInsufficientFunds, "ledger posting amount must be > 0")
	}
	if p.DebitAccount == p.CreditAccount {
		return fmt.Errorf("ledger posting debit and credit account types must differ, got %s", p.DebitAccount)
	}
	if p.IdempotencyKey == "" {
		return fmt.Errorf("ledger posting requires an idempotency key")
	}
	return nil
}

// Store is the persistence boundary for ledger accounts and entries.
// Implementations must run PostEntries inside the same DB transaction
// as the journal commit and any position/order mutation it documents.
type Store interface {
	// EnsureAccount returns the id of (userId, accountType), creating
	// the row on first use.
	EnsureAccount(ctx context.Context, userID string, accountType types.LedgerAccountType) (string, error)
	// PostEntries inserts one row per posting with a freshly assigned,
	// strictly increasing globalSequence, and returns the assigned
	// sequences in posting order.
	PostEntries(ctx context.Context, entries []types.LedgerEntry) ([]int64, error)
	// EntriesForUser returns every ledger entry touching any of the
	// user's accounts, ordered by globalSequence ascending.
	EntriesForUser(ctx context.Context, userID string) ([]types.LedgerEntry, error)
	// AccountIDsForUser returns the account id for each account type
	// belonging to the user, for classifying entries during replay.
	AccountIDsForUser(ctx context.Context, userID string) (map[string]types.LedgerAccountType, error)
}

// Ledger posts double-entry mutations and keeps the wallet cache in
// step with them.
type Ledger struct {
	store  Store
	wallet *WalletCache
	log    *logrus.Entry
}

func New(store Store, wallet *WalletCache, log *logrus.Entry) *Ledger {
	return &Ledger{store: store, wallet: wallet, log: log.WithField("component", "ledger")}
}

// Post resolves account ids for each posting, inserts the entries, and
// applies the resulting wallet delta. Callers are responsible for
// wrapping this call (and the caller's own order/position mutations)
// in one DB transaction per spec.md §4.10 — Store implementations
// should participate in an ambient transaction rather than opening
// their own.
func (l *Ledger) Post(ctx context.Context, userID string, postings []Posting) ([]int64, error) {
	if len(postings) == 0 {
		return nil, nil
	}

	entries := make([]types.LedgerEntry, 0, len(postings))
	for _, p := range postings {
		if err := p.validate(); err != nil {
			return nil, err
		}
		debitID, err := l.store.EnsureAccount(ctx, userID, p.DebitAccount)
		if err != nil {
			return nil, fmt.Errorf("ensure debit account: %w", err)
		}
		creditID, err := l.store.EnsureAccount(ctx, userID, p.CreditAccount)
		if err != nil {
			return nil, fmt.Errorf("ensure credit account: %w", err)
		}
		entries = append(entries, types.LedgerEntry{
			DebitAccountID:  debitID,
			CreditAccountID: creditID,
			Amount:          p.Amount,
			Currency:        p.Currency,
			ReferenceType:   p.ReferenceType,
			ReferenceID:     p.ReferenceID,
			IdempotencyKey:  p.IdempotencyKey,
		})
	}

	sequences, err := l.store.PostEntries(ctx, entries)
	if err != nil {
		return nil, fmt.Errorf("post ledger entries: %w", err)
	}

	if l.wallet != nil {
		if err := l.wallet.ApplyPostings(ctx, userID, postings); err != nil {
			return nil, fmt.Errorf("apply wallet delta: %w", err)
		}
	}

	return sequences, nil
}

// RecalculateFromLedger replays every entry for a user in
// globalSequence order and rebuilds (balance, blockedBalance) from
// scratch, per spec.md §4.10's admin-recovery path.
func (l *Ledger) RecalculateFromLedger(ctx context.Context, userID string) (balance, blocked decimal.Decimal, err error) {
	accountTypes, err := l.store.AccountIDsForUser(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("load account ids: %w", err)
	}
	entries, err := l.store.EntriesForUser(ctx, userID)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("load ledger entries: %w", err)
	}

	balance = decimal.Zero
	blocked = decimal.Zero
	for _, e := range entries {
		if accountTypes[e.DebitAccountID] == types.AccountTypeCash {
			balance = balance.Sub(e.Amount)
		}
		if accountTypes[e.CreditAccountID] == types.AccountTypeCash {
			balance = balance.Add(e.Amount)
		}
		if accountTypes[e.DebitAccountID] == types.AccountTypeMarginBlocked {
			blocked = blocked.Sub(e.Amount)
		}
		if accountTypes[e.CreditAccountID] == types.AccountTypeMarginBlocked {
			blocked = blocked.Add(e.Amount)
		}
	}
	return balance, blocked, nil
}

// Canonical posting constructors for the events spec.md §4.10 names.

func BlockMargin(amount decimal.Decimal, currency, referenceID, idempotencyKey string) Posting {
	return Posting{
		DebitAccount: types.AccountTypeCash, CreditAccount: types.AccountTypeMarginBlocked,
		Amount: amount, Currency: currency,
		ReferenceType: types.ReferenceTypeOrder, ReferenceID: referenceID, IdempotencyKey: idempotencyKey,
	}
}

func UnblockMargin(amount decimal.Decimal, currency, referenceID, idempotencyKey string) Posting {
	return Posting{
		DebitAccount: types.AccountTypeMarginBlocked, CreditAccount: types.AccountTypeCash,
		Amount: amount, Currency: currency,
		ReferenceType: types.ReferenceTypeOrder, ReferenceID: referenceID, IdempotencyKey: idempotencyKey,
	}
}

func Settlement(amount decimal.Decimal, currency, referenceID, idempotencyKey string) Posting {
	return Posting{
		DebitAccount: types.AccountTypeMarginBlocked, CreditAccount: types.AccountTypeCash,
		Amount: amount, Currency: currency,
		ReferenceType: types.ReferenceTypeTrade, ReferenceID: referenceID, IdempotencyKey: idempotencyKey,
	}
}

// RealizedPnL posts the closing leg's profit (credit CASH, debit
// REALIZED_PNL) or loss (debit CASH, credit REALIZED_PNL) depending on
// sign; amount must always be positive, direction encoded by profit.
func RealizedPnL(amount decimal.Decimal, profit bool, currency, referenceID, idempotencyKey string) Posting {
	if profit {
		return Posting{
			DebitAccount: types.AccountTypeRealizedPnL, CreditAccount: types.AccountTypeCash,
			Amount: amount, Currency: currency,
			ReferenceType: types.ReferenceTypeTrade, ReferenceID: referenceID, IdempotencyKey: idempotencyKey,
		}
	}
	return Posting{
		DebitAccount: types.AccountTypeCash, CreditAccount: types.AccountTypeRealizedPnL,
		Amount: amount, Currency: currency,
		ReferenceType: types.ReferenceTypeTrade, ReferenceID: referenceID, IdempotencyKey: idempotencyKey,
	}
}

func Fees(amount decimal.Decimal, currency, referenceID, idempotencyKey string) Posting {
	return Posting{
		DebitAccount: types.AccountTypeCash, CreditAccount: types.AccountTypeFees,
		Amount: amount, Currency: currency,
		ReferenceType: types.ReferenceTypeTrade, ReferenceID: referenceID, IdempotencyKey: idempotencyKey,
	}
}
