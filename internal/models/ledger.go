package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry kinds. The (kind, source_ref) pair is unique so a retried
// approval or claim can never credit twice.
const (
	EntryKindDeposit      = "DEPOSIT"
	EntryKindWithdrawal   = "WITHDRAWAL"
	EntryKindCommission   = "COMMISSION"
	EntryKindDailyReward  = "DAILY_REWARD"
	EntryKindRandomReward = "RANDOM_REWARD"
	EntryKindAdjustment   = "ADJUSTMENT"
)

// LedgerEntry is one immutable balance-affecting event. Entries are append-only
// and are the sole source of truth for a user's balance; any balance shown
// elsewhere is a derived cache.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	Kind      string          `json:"kind" db:"kind"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed
	SourceRef string          `json:"sourceRef" db:"source_ref"`
	Note      string          `json:"note,omitempty" db:"note"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
}
