package types

import "time"

// JournalOperationType names the kind of mutation a WAJ record guards.
type JournalOperationType string

const (
	OperationTradeExecution  JournalOperationType = "TRADE_EXECUTION"
	OperationLedgerEntry     JournalOperationType = "LEDGER_ENTRY"
	OperationLiquidation     JournalOperationType = "LIQUIDATION"
	OperationExpirySettle    JournalOperationType = "EXPIRY_SETTLEMENT"
	OperationManualAdjust    JournalOperationType = "MANUAL_ADJUSTMENT"
)

// JournalStatus is the two-phase-commit state of a WAJ record.
type JournalStatus string

const (
	JournalStatusPrepared  JournalStatus = "PREPARED"
	JournalStatusCommitted JournalStatus = "COMMITTED"
	JournalStatusAborted   JournalStatus = "ABORTED"
)

// JournalRecord is one write-ahead journal entry. Payload is opaque
// JSON beyond the checksum routine; status transitions only
// PREPARED->COMMITTED or PREPARED->ABORTED.
type JournalRecord struct {
	JournalID     string               `json:"journalId" gorm:"primaryKey"`
	OperationType JournalOperationType `json:"operationType"`
	Status        JournalStatus        `json:"status" gorm:"index"`
	UserID        string               `json:"userId" gorm:"index"`
	ReferenceID   string               `json:"referenceId" gorm:"index"`
	Payload       []byte               `json:"payload" gorm:"type:jsonb"`
	Checksum      string               `json:"checksum"`
	CreatedAt     time.Time            `json:"createdAt"`
	CommittedAt   *time.Time           `json:"committedAt,omitempty"`
}

func (JournalRecord) TableName() string { return "write_ahead_journal" }
