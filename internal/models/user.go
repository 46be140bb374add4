package models

import "time"

// Roles assignable to a user. Everything except RoleUser is staff.
const (
	RoleUser       = "USER"
	RoleAdmin      = "ADMIN"
	RoleSupport    = "SUPPORT"
	RoleAccounting = "ACCOUNTING"
)

// User account states. Users are never deleted, only moved between states.
const (
	UserStatusActive    = "ACTIVE"
	UserStatusSuspended = "SUSPENDED"
)

type User struct {
	ID                  string     `json:"id" db:"id"`
	Email               string     `json:"email" db:"email"`
	FirstName           string     `json:"firstName" db:"first_name"`
	LastName            string     `json:"lastName" db:"last_name"`
	Role                string     `json:"role" db:"role"`
	ReferralCode        string     `json:"referralCode" db:"referral_code"` // unique, immutable once issued
	WalletAddress       string     `json:"walletAddress,omitempty" db:"wallet_address"`
	Status              string     `json:"status" db:"status"`
	FailedLoginAttempts int        `json:"-" db:"failed_login_attempts"`
	LockedUntil         *time.Time `json:"-" db:"locked_until"`
	LastLogin           *time.Time `json:"lastLogin,omitempty" db:"last_login"`
	CreatedAt           time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time  `json:"updatedAt" db:"updated_at"`
}
