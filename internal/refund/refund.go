// Package refund coordinates returning a paid order: the status CAS
// claims the order, the gateway returns the money, and three
// independent reversals undo what the payment granted. Reversals are
// best effort; what fails is reported in a PartialReversalError and
// retried by calling Refund again.
package refund

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyRefunded means the order's refund fully completed before.
	ErrAlreadyRefunded = errors.New("order already refunded")
	// ErrNotRefundable means the order is not in a refundable state.
	ErrNotRefundable = errors.New("order is not refundable")
)

// Reversal step names, as reported in errors and metrics.
const (
	StepEntitlement = "entitlement"
	StepLedger      = "ledger"
	StepQuota       = "quota"
)

// StepFailure is one reversal step that did not complete.
type StepFailure struct {
	Step string `json:"step"`
	Err  error  `json:"-"`
}

// PartialReversalError reports a refund whose money went back but whose
// reversals did not all land. The order stays refunded; a repeat call
// retries only the failed steps.
type PartialReversalError struct {
	OrderNo  string
	Failures []StepFailure
}

func (e *PartialReversalError) Error() string {
	steps := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		steps[i] = fmt.Sprintf("%s: %v", f.Step, f.Err)
	}
	return fmt.Sprintf("refund %s partially reversed: %s", e.OrderNo, strings.Join(steps, "; "))
}

// FailedSteps lists the step names that did not complete.
func (e *PartialReversalError) FailedSteps() []string {
	steps := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		steps[i] = f.Step
	}
	return steps
}
