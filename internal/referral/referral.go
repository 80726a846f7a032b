// Package referral maintains the who-referred-whom graph. Each user has
// at most one referrer; the graph must stay acyclic, and a user's edge
// freezes once their first course purchase is paid.
package referral

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSelfReferral     = errors.New("user cannot refer themselves")
	ErrCircularReferral = errors.New("referral chain would form a cycle")
	ErrReferrerLocked   = errors.New("referrer is locked after first paid order")
)

// ChangeLog records one referrer edge mutation for audit.
type ChangeLog struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"userId"`
	OldReferrerID *int64    `json:"oldReferrerId,omitempty"`
	NewReferrerID *int64    `json:"newReferrerId,omitempty"`
	ChangedBy     int64     `json:"changedBy"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// LogStore persists referrer change logs.
type LogStore interface {
	Append(ctx context.Context, l *ChangeLog) error
	ListByUser(ctx context.Context, userID int64) ([]*ChangeLog, error)
}
