// Package quota manages transferable course seat allowances. A user's
// available quota is the sum of remaining seats across their grants;
// consumption always drains the oldest grant first.
package quota

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGrantNotFound     = errors.New("quota grant not found")
	ErrInsufficientQuota = errors.New("insufficient quota")
	ErrStaleGrant        = errors.New("grant used count changed concurrently")
	ErrInvalidCount      = errors.New("count must be positive")
)

// Grant is one batch of seats awarded to a user. Used never exceeds
// Total and never decreases except through RestoreUsed during a failed
// transfer's rollback.
type Grant struct {
	ID        string    `json:"id"`
	OwnerID   int64     `json:"ownerId"`
	// Source records where the seats came from: an order number, a
	// level-up gift ("levelup:<orderNo>"), or a transfer record id.
	Source    string    `json:"source"`
	Total     int       `json:"total"`
	Used      int       `json:"used"`
	CreatedAt time.Time `json:"createdAt"`
}

// Remaining returns the unconsumed seat count.
func (g *Grant) Remaining() int {
	return g.Total - g.Used
}

// Record is the audit trail of a completed transfer.
type Record struct {
	ID         string    `json:"id"`
	FromUserID int64     `json:"fromUserId"`
	ToUserID   int64     `json:"toUserId"`
	Count      int       `json:"count"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists grants and transfer records.
type Store interface {
	CreateGrant(ctx context.Context, g *Grant) error
	GetGrant(ctx context.Context, id string) (*Grant, error)

	// ListGrants returns a user's grants oldest first.
	ListGrants(ctx context.Context, ownerID int64) ([]*Grant, error)

	// UpdateUsed applies a used-count change only if the stored value
	// still equals expect, returning ErrStaleGrant otherwise.
	UpdateUsed(ctx context.Context, grantID string, expect, used int) error

	// ZeroBySource sets Total = Used on every grant with the given
	// source, removing remaining seats without touching consumed ones.
	// Returns the number of seats removed.
	ZeroBySource(ctx context.Context, source string) (int, error)

	CreateRecord(ctx context.Context, r *Record) error
	ListRecords(ctx context.Context, userID int64) ([]*Record, error)
}
