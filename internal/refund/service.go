package refund

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kwang-dev/courseledger/internal/entitlement"
	"github.com/kwang-dev/courseledger/internal/gateway"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/metrics"
	"github.com/kwang-dev/courseledger/internal/money"
	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/points"
	"github.com/kwang-dev/courseledger/internal/quota"
	"github.com/kwang-dev/courseledger/internal/traces"
)

// Gateway returns money; implemented by gateway.Client.
type Gateway interface {
	Refund(ctx context.Context, orderNo string, totalFen, refundFen int64) (*gateway.RefundResult, error)
}

// Result reports a completed (or partially reversed) refund.
type Result struct {
	RefundNo        string `json:"refundNo"`
	RefundID        string `json:"refundId"`
	EntriesReversed int    `json:"entriesReversed"`
}

// Notifier is told about completed refunds, fire-and-forget.
type Notifier interface {
	RefundCompleted(ctx context.Context, o *order.Order)
}

// Service coordinates full-order refunds.
type Service struct {
	orders       order.Store
	entitlements *entitlement.Service
	ledger       *points.Service
	quota        *quota.Service
	gw           Gateway
	notifier     Notifier
}

// NewService creates a refund service.
func NewService(orders order.Store, ent *entitlement.Service, ledger *points.Service, q *quota.Service, gw Gateway) *Service {
	return &Service{orders: orders, entitlements: ent, ledger: ledger, quota: q, gw: gw}
}

// WithNotifier attaches a notifier for completed refunds.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// Refund returns the full amount of a paid order and unwinds what the
// payment granted. The status CAS is the serialization point: exactly
// one caller moves the order to refunded, and a refunded order without
// a recorded gateway handle is a stalled attempt this call resumes.
// When some reversal steps fail the returned error is a
// *PartialReversalError and the Result is still valid; calling again
// retries only the failed steps.
func (s *Service) Refund(ctx context.Context, orderNo, reason string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "refund.refund", traces.OrderNo(orderNo))
	defer span.End()

	log := logging.FromContext(ctx).With(slog.String("order_no", orderNo))

	o, err := s.orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}

	switch o.Status {
	case order.StatusRefunded:
		if o.RefundHandle != "" {
			return nil, ErrAlreadyRefunded
		}
		// A previous attempt claimed the order but did not get the money
		// back. Resume from the gateway call.
		log.Info("resuming stalled refund")

	case order.StatusPaid:
		err := s.orders.CASStatus(ctx, orderNo, order.StatusPaid, order.StatusRefunded)
		if errors.Is(err, order.ErrStateConflict) {
			fresh, ferr := s.orders.GetByOrderNo(ctx, orderNo)
			if ferr != nil {
				return nil, ferr
			}
			if fresh.Status == order.StatusRefunded {
				return nil, ErrAlreadyRefunded
			}
			return nil, fmt.Errorf("%w: status %s", ErrNotRefundable, fresh.Status)
		} else if err != nil {
			return nil, err
		}
		metrics.OrdersTotal.WithLabelValues(string(order.StatusRefunded)).Inc()

	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotRefundable, o.Status)
	}

	result := &Result{RefundNo: "RFD" + orderNo[3:], RefundID: o.RefundHandle}
	if o.RefundHandle == "" {
		fen, ok := money.ToFen(o.Amount)
		if !ok {
			return nil, fmt.Errorf("unparseable order amount %q", o.Amount)
		}
		res, err := s.gw.Refund(ctx, orderNo, fen, fen)
		if err != nil {
			// Order stays refunded with no handle; the next call retries
			// the gateway under the same refund number.
			return nil, fmt.Errorf("gateway refund: %w", err)
		}
		result.RefundID = res.RefundID
		result.RefundNo = res.RefundNo

		// The money is back either way; a failed record only costs an
		// extra (deduplicated) gateway call on retry.
		if err := s.orders.SetRefundInfo(ctx, orderNo, res.RefundID, reason, time.Now()); err != nil {
			log.Warn("recording refund handle failed", slog.String("error", err.Error()))
		}
	}

	if err := s.reverse(ctx, o, result); err != nil {
		return result, err
	}

	if s.notifier != nil {
		s.notifier.RefundCompleted(ctx, o)
	}

	log.Info("order refunded",
		slog.String("refund_no", result.RefundNo),
		slog.String("refund_id", result.RefundID),
		slog.Int("entries_reversed", result.EntriesReversed))
	return result, nil
}

// RetryReversals re-drives the reversal steps of an already refunded
// order after a partial failure. Every step is idempotent, so steps
// that completed earlier are no-ops.
func (s *Service) RetryReversals(ctx context.Context, orderNo string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "refund.retry_reversals", traces.OrderNo(orderNo))
	defer span.End()

	o, err := s.orders.GetByOrderNo(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if o.Status != order.StatusRefunded {
		return nil, fmt.Errorf("%w: status %s", ErrNotRefundable, o.Status)
	}

	result := &Result{RefundNo: "RFD" + orderNo[3:], RefundID: o.RefundHandle}
	if err := s.reverse(ctx, o, result); err != nil {
		return result, err
	}
	return result, nil
}

// reverse runs the three reversal steps. Each is independent: one
// failing does not block the others, and every failure is reported.
func (s *Service) reverse(ctx context.Context, o *order.Order, result *Result) error {
	log := logging.FromContext(ctx).With(slog.String("order_no", o.OrderNo))
	perr := &PartialReversalError{OrderNo: o.OrderNo}

	if err := s.entitlements.RevokeForOrder(ctx, o); err != nil {
		s.stepFailed(log, perr, StepEntitlement, err)
	}

	reversed, err := s.ledger.ReverseByCause(ctx, o.OrderNo, "refund:"+o.OrderNo, "refund of "+o.OrderNo)
	if err != nil {
		s.stepFailed(log, perr, StepLedger, err)
	}
	result.EntriesReversed = reversed

	if _, err := s.quota.RevokeBySource(ctx, o.OrderNo); err != nil {
		s.stepFailed(log, perr, StepQuota, err)
	}

	if len(perr.Failures) > 0 {
		return perr
	}
	return nil
}

func (s *Service) stepFailed(log *slog.Logger, perr *PartialReversalError, step string, err error) {
	metrics.RefundReversalFailures.WithLabelValues(step).Inc()
	log.Error("refund reversal step failed",
		slog.String("step", step),
		slog.String("error", err.Error()))
	perr.Failures = append(perr.Failures, StepFailure{Step: step, Err: err})
}
