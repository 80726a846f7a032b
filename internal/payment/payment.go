// Package payment is the single entry point for gateway payment
// confirmations. Confirm is idempotent under at-least-once delivery:
// however many times the same notice arrives, the order transitions to
// paid once, the entitlement is granted once, and the reward is posted
// once.
package payment

import (
	"errors"
)

var (
	// ErrAmountMismatch means the notice's paid amount does not match
	// the order. Never retried; flagged for an operator.
	ErrAmountMismatch = errors.New("paid amount does not match order")
	// ErrOrderUnpayable means the order reached a terminal state
	// (cancelled, closed, refunded) before the confirmation landed.
	ErrOrderUnpayable = errors.New("order is no longer payable")
	// ErrTransient marks a failure worth a gateway redelivery: the
	// order may be paid but its grant or reward did not finish.
	ErrTransient = errors.New("transient confirmation failure")
)

// Outcome says what a Confirm call actually did.
type Outcome string

const (
	// OutcomeConfirmed is the first successful processing.
	OutcomeConfirmed Outcome = "confirmed"
	// OutcomeDuplicate is a replay of a fully processed notice.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRedriven means the order was already paid but the grant or
	// reward was completed by this call.
	OutcomeRedriven Outcome = "redriven"
	// OutcomeRejected is a well-formed notice for an unpayable order.
	OutcomeRejected Outcome = "rejected"
)
