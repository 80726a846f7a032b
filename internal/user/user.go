// Package user holds member records: identity, ambassador level, the
// referrer edge, and cached point balances.
//
// The cached bucket balances are derived fields. The points log is the
// source of truth; the reconciliation job recomputes the cache and flags
// drift.
package user

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("user not found")
	ErrLevelChanged = errors.New("ambassador level changed concurrently")
)

// Balances is the cached view of the four point buckets.
type Balances struct {
	Merit         string `json:"merit"`
	CashAvailable string `json:"cashAvailable"`
	CashFrozen    string `json:"cashFrozen"`
	CashPending   string `json:"cashPending"`
}

// ZeroBalances returns an all-zero balance set.
func ZeroBalances() Balances {
	return Balances{Merit: "0.00", CashAvailable: "0.00", CashFrozen: "0.00", CashPending: "0.00"}
}

// User is a member of the academy.
type User struct {
	ID               int64      `json:"id"`
	Phone            string     `json:"phone"`
	RealName         string     `json:"realName"`
	AmbassadorLevel  int        `json:"ambassadorLevel"` // 0 = none
	ReferrerID       *int64     `json:"referrerId,omitempty"`
	ReferralLockedAt *time.Time `json:"referralLockedAt,omitempty"`
	Balances         Balances   `json:"balances"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// ReferralLocked reports whether the referrer edge is immutable.
func (u *User) ReferralLocked() bool {
	return u.ReferralLockedAt != nil
}

// Store persists users.
type Store interface {
	Get(ctx context.Context, id int64) (*User, error)
	GetByPhone(ctx context.Context, phone string) (*User, error)
	Create(ctx context.Context, u *User) error

	// SetReferrer replaces the referrer edge. nil clears it.
	SetReferrer(ctx context.Context, userID int64, referrerID *int64) error

	// LockReferral stamps the referral lock if not already set.
	// Calling it again is a no-op, so the payment processor can redrive.
	LockReferral(ctx context.Context, userID int64, at time.Time) error

	// SetAmbassadorLevel applies a level change only if the stored level
	// still equals expect, returning ErrLevelChanged otherwise.
	SetAmbassadorLevel(ctx context.Context, userID int64, expect, level int) error

	// UpdateCachedBalance refreshes one cached bucket balance.
	UpdateCachedBalance(ctx context.Context, userID int64, bucket string, balance string) error
}
