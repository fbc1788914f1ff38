package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerAccountType enumerates the double-entry account buckets held
// per user.
type LedgerAccountType string

const (
	AccountTypeCash          LedgerAccountType = "CASH"
	AccountTypeMarginBlocked LedgerAccountType = "MARGIN_BLOCKED"
	AccountTypeUnrealizedPnL LedgerAccountType = "UNREALIZED_PNL"
	AccountTypeRealizedPnL   LedgerAccountType = "REALIZED_PNL"
	AccountTypeFees          LedgerAccountType = "FEES"
)

// ReferenceType names what a ledger entry or journal record documents.
type ReferenceType string

const (
	ReferenceTypeTrade       ReferenceType = "TRADE"
	ReferenceTypeOrder       ReferenceType = "ORDER"
	ReferenceTypeLiquidation ReferenceType = "LIQUIDATION"
	ReferenceTypeExpiry      ReferenceType = "EXPIRY"
	ReferenceTypeAdjustment  ReferenceType = "ADJUSTMENT"
)

// LedgerAccount is one of a user's double-entry accounts, unique per
// (userId, accountType).
type LedgerAccount struct {
	ID          string            `json:"id" gorm:"primaryKey"`
	UserID      string            `json:"userId" gorm:"uniqueIndex:idx_user_account_type"`
	AccountType LedgerAccountType `json:"accountType" gorm:"uniqueIndex:idx_user_account_type"`
}

// LedgerEntry is one immutable double-entry posting. Entries are
// append-only; GlobalSequence is assigned by a monotonic counter and is
// strictly increasing process-wide.
type LedgerEntry struct {
	GlobalSequence  int64           `json:"globalSequence" gorm:"primaryKey;autoIncrement:false"`
	DebitAccountID  string          `json:"debitAccountId" gorm:"index"`
	CreditAccountID string          `json:"creditAccountId" gorm:"index"`
	Amount          decimal.Decimal `json:"amount" gorm:"type:numeric"`
	Currency        string          `json:"currency"`
	ReferenceType   ReferenceType   `json:"referenceType"`
	ReferenceID     string          `json:"referenceId" gorm:"index"`
	IdempotencyKey  string          `json:"idempotencyKey" gorm:"uniqueIndex"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// AccountState drives who may mutate a wallet's margin state. Only the
// liquidation engine may transition it.
type AccountState string

const (
	AccountStateNormal         AccountState = "NORMAL"
	AccountStateMarginStressed AccountState = "MARGIN_STRESSED"
	AccountStateLiquidating    AccountState = "LIQUIDATING"
)

// Wallet is the materialized per-user balance cache. It must be
// recomputable from the ledger at any time via recalculateFromLedger.
type Wallet struct {
	UserID          string          `json:"userId" gorm:"primaryKey"`
	Balance         decimal.Decimal `json:"balance" gorm:"type:numeric"`
	BlockedBalance  decimal.Decimal `json:"blockedBalance" gorm:"type:numeric"`
	Equity          decimal.Decimal `json:"equity" gorm:"type:numeric"`
	Currency        string          `json:"currency"`
	AccountState    AccountState    `json:"accountState"`
	LastReconciled  time.Time       `json:"lastReconciled"`
}

// AvailableBalance is the balance free to back new margin.
func (w Wallet) AvailableBalance() decimal.Decimal {
	return w.Balance.Sub(w.BlockedBalance)
}

// DefaultStartingBalance is credited to a wallet created on demand.
var DefaultStartingBalance = decimal.NewFromInt(1_000_000)
