// Package order owns the purchase lifecycle. An order moves
// created → paid | cancelled | closed, and paid → refunded; every
// transition is a compare-and-set on status, which is the single
// serialization point between user actions, gateway callbacks, and the
// expiry sweep.
package order

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrStateConflict      = errors.New("order status changed concurrently")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrAlreadyOwned       = errors.New("course already owned")
	ErrIneligibleReferrer = errors.New("referrer level too low for this course")
	ErrValidation         = errors.New("invalid order request")
)

// Type is what the order buys.
type Type string

const (
	// TypeCourse is a first purchase of a course.
	TypeCourse Type = "course"
	// TypeRetrain books a repeat seat on a class occurrence of an
	// already-owned course.
	TypeRetrain Type = "retrain"
	// TypeUpgrade buys the next ambassador level.
	TypeUpgrade Type = "upgrade"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPaid      Status = "paid"
	StatusCancelled Status = "cancelled"
	StatusClosed    Status = "closed"
	StatusRefunded  Status = "refunded"
)

// allowed enumerates the legal transitions.
var allowed = map[Status][]Status{
	StatusCreated: {StatusPaid, StatusCancelled, StatusClosed},
	StatusPaid:    {StatusRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order is one purchase. ReferrerID freezes the attribution at creation
// time; the reward engine reads the referrer's level later, at
// confirmation.
type Order struct {
	ID     int64  `json:"id"`
	OrderNo string `json:"orderNo"`
	UserID int64  `json:"userId"`
	Type   Type   `json:"type"`

	CourseID     int64  `json:"courseId,omitempty"`
	OccurrenceID *int64 `json:"occurrenceId,omitempty"`
	// TargetLevel is set on upgrade orders.
	TargetLevel int `json:"targetLevel,omitempty"`

	Amount string `json:"amount"`
	Status Status `json:"status"`

	ReferrerID *int64 `json:"referrerId,omitempty"`

	// TransactionID is the gateway's id, recorded when paid.
	TransactionID string     `json:"transactionId,omitempty"`
	PaidAt        *time.Time `json:"paidAt,omitempty"`
	// RewardGranted flips once entitlement and reward both landed;
	// a paid order without it is awaiting redrive.
	RewardGranted bool `json:"rewardGranted"`

	RefundHandle string     `json:"refundHandle,omitempty"`
	RefundReason string     `json:"refundReason,omitempty"`
	RefundedAt   *time.Time `json:"refundedAt,omitempty"`

	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	GetByOrderNo(ctx context.Context, orderNo string) (*Order, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]*Order, error)

	// CASStatus moves the order from → to, failing with
	// ErrStateConflict when the stored status is no longer from, and
	// ErrInvalidTransition when the edge itself is illegal.
	CASStatus(ctx context.Context, orderNo string, from, to Status) error

	// MarkPaid records the gateway transaction on an already-paid order.
	MarkPaid(ctx context.Context, orderNo, transactionID string, paidAt time.Time) error

	// SetRewardGranted flips the flag; only valid while the order is
	// paid, so a refund racing a redrive cannot resurrect the grant.
	SetRewardGranted(ctx context.Context, orderNo string) error

	// SetRefundInfo records the external refund handle and reason.
	SetRefundInfo(ctx context.Context, orderNo, handle, reason string, at time.Time) error

	// ListExpired returns created orders whose deadline passed.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}
