// Package points is the append-only ledger behind every balance in the
// system. Each user has four buckets; every mutation is a new Entry
// whose BalanceAfter is derived from the previous entry in the same
// (user, bucket) stream. Balances are never updated in place, so a
// bucket's history replays to its current balance by construction.
package points

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient bucket balance")
	ErrInvalidAmount       = errors.New("invalid ledger amount")
)

// Bucket identifies one of the four per-user point streams.
type Bucket string

const (
	// BucketMerit holds non-withdrawable recognition points.
	BucketMerit Bucket = "merit"
	// BucketCashAvailable holds withdrawable cash points.
	BucketCashAvailable Bucket = "cash_available"
	// BucketCashFrozen holds escrowed cash released per referral.
	BucketCashFrozen Bucket = "cash_frozen"
	// BucketCashPending holds cash tied up in an open withdrawal.
	BucketCashPending Bucket = "cash_pending"
)

// Valid reports whether b names a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketMerit, BucketCashAvailable, BucketCashFrozen, BucketCashPending:
		return true
	}
	return false
}

// Buckets lists all buckets in display order.
func Buckets() []Bucket {
	return []Bucket{BucketMerit, BucketCashAvailable, BucketCashFrozen, BucketCashPending}
}

// Entry is one immutable ledger line. Amount is a signed decimal
// string; BalanceAfter is the bucket balance once this entry applied.
// Cause ties the entry to its business event (an order number, a
// reversal key, an adjustment id) and is what idempotent replays and
// reversals match on.
type Entry struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"userId"`
	Bucket       Bucket    `json:"bucket"`
	Amount       string    `json:"amount"`
	BalanceAfter string    `json:"balanceAfter"`
	Cause        string    `json:"cause"`
	Memo         string    `json:"memo,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuditRow is one (user, bucket) stream as seen by reconciliation:
// the replayed sum of amounts and the last entry's recorded balance.
type AuditRow struct {
	UserID      int64
	Bucket      Bucket
	Sum         string
	LastBalance string
	EntryCount  int
}

// Store persists ledger entries. Append and AppendPair are the only
// write paths; both derive BalanceAfter atomically from the previous
// entry of the same stream.
type Store interface {
	// Append writes one entry. A negative amount that would take the
	// bucket below zero fails with ErrInsufficientBalance and writes
	// nothing.
	Append(ctx context.Context, e *Entry) error

	// AppendPair writes a debit and a credit atomically, for moves
	// between buckets (or users). Neither lands if the debit would
	// overdraw.
	AppendPair(ctx context.Context, debit, credit *Entry) error

	// Balance returns the current balance of one bucket, "0.00" for an
	// empty stream.
	Balance(ctx context.Context, userID int64, bucket Bucket) (string, error)

	// Balances returns all four bucket balances.
	Balances(ctx context.Context, userID int64) (map[Bucket]string, error)

	// EntriesByCause returns all entries carrying the exact cause, in
	// insertion order.
	EntriesByCause(ctx context.Context, cause string) ([]*Entry, error)

	// History returns a user's entries, newest first, across all
	// buckets. bucket == "" means all buckets.
	History(ctx context.Context, userID int64, bucket Bucket, limit, offset int) ([]*Entry, error)

	// AuditBalances streams every (user, bucket) pair for the
	// reconciliation job.
	AuditBalances(ctx context.Context) ([]*AuditRow, error)
}
