package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TransactionTypeDeposit    = "DEPOSIT"
	TransactionTypeWithdrawal = "WITHDRAWAL"
)

// Transaction lifecycle. PENDING transitions once to APPROVED or REJECTED;
// both are terminal.
const (
	TransactionStatusPending  = "PENDING"
	TransactionStatusApproved = "APPROVED"
	TransactionStatusRejected = "REJECTED"
)

// Transaction represents a deposit or withdrawal request. Amount is always
// positive; the sign is applied when the ledger entry is written. A row is
// immutable after it reaches a terminal status.
type Transaction struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"userId" db:"user_id"`
	Type           string          `json:"type" db:"type"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	Network        string          `json:"network,omitempty" db:"network"`
	ExternalRef    string          `json:"externalRef,omitempty" db:"external_ref"`
	Destination    string          `json:"destination,omitempty" db:"destination"`
	IdempotencyKey string          `json:"-" db:"idempotency_key"`
	Status         string          `json:"status" db:"status"`
	RejectReason   string          `json:"rejectReason,omitempty" db:"reject_reason"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
	DecidedAt      *time.Time      `json:"decidedAt,omitempty" db:"decided_at"`
}

// Terminal reports whether the transaction can no longer change status.
func (t *Transaction) Terminal() bool {
	return t.Status == TransactionStatusApproved || t.Status == TransactionStatusRejected
}
