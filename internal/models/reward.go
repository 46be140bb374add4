package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Reward kinds.
const (
	RewardKindDaily  = "DAILY"
	RewardKindRandom = "RANDOM"
)

// RewardClaim records one successful claim. At most one row exists per
// (user, kind, period key); that uniqueness is the idempotency guarantee.
type RewardClaim struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"userId" db:"user_id"`
	Kind      string          `json:"kind" db:"kind"`
	PeriodKey string          `json:"periodKey" db:"period_key"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	ClaimedAt time.Time       `json:"claimedAt" db:"claimed_at"`
}

// RewardStatus is the read-only answer to "can I claim right now".
type RewardStatus struct {
	Kind         string           `json:"kind"`
	Claimed      bool             `json:"claimed"`
	PeriodKey    string           `json:"periodKey"`
	NextEligible *time.Time       `json:"nextEligible,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"` // set when the policy amount is fixed
}
