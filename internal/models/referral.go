package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferralRelationship links an invitee to the referrer whose code they
// registered with. Written once at registration, immutable afterwards. An
// invitee has at most one referrer.
type ReferralRelationship struct {
	ReferrerID string    `json:"referrerId" db:"referrer_id"`
	InviteeID  string    `json:"inviteeId" db:"invitee_id"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
}

// ReferralInvitee is one row of a referrer's stats view. Qualifying means the
// invitee has at least one approved deposit.
type ReferralInvitee struct {
	UserID     string    `json:"userId"`
	Email      string    `json:"email"`
	Qualifying bool      `json:"qualifying"`
	InvitedAt  time.Time `json:"invitedAt"`
}

// ReferralStats is the derived, read-only summary returned to a referrer.
type ReferralStats struct {
	ReferralCode    string            `json:"referralCode"`
	InvitedCount    int               `json:"invitedCount"`
	QualifyingCount int               `json:"qualifyingCount"`
	CommissionRate  decimal.Decimal   `json:"commissionRate"`
	TotalCommission decimal.Decimal   `json:"totalCommission"`
	Invitees        []ReferralInvitee `json:"invitees"`
}
