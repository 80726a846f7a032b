package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kwang-dev/courseledger/internal/catalog"
	"github.com/kwang-dev/courseledger/internal/entitlement"
	"github.com/kwang-dev/courseledger/internal/gateway"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/metrics"
	"github.com/kwang-dev/courseledger/internal/money"
	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/reward"
	"github.com/kwang-dev/courseledger/internal/traces"
	"github.com/kwang-dev/courseledger/internal/user"
)

// Notifier receives fire-and-forget events after successful processing.
type Notifier interface {
	PaymentConfirmed(ctx context.Context, o *order.Order)
	RewardGranted(ctx context.Context, o *order.Order, result *reward.Result)
}

// Processor runs the confirmation pipeline.
type Processor struct {
	orders       order.Store
	users        user.Store
	catalog      catalog.Store
	entitlements *entitlement.Service
	rewards      *reward.Service
	notifier     Notifier
}

// NewProcessor creates a payment processor. notifier may be nil.
func NewProcessor(orders order.Store, users user.Store, cat catalog.Store, ent *entitlement.Service, rw *reward.Service, notifier Notifier) *Processor {
	return &Processor{
		orders:       orders,
		users:        users,
		catalog:      cat,
		entitlements: ent,
		rewards:      rw,
		notifier:     notifier,
	}
}

// Confirm processes one payment notice. The notice must already be
// signature-verified by the caller. Errors wrapping ErrTransient mean
// the gateway should redeliver; everything else is final.
func (p *Processor) Confirm(ctx context.Context, n gateway.Notice) (Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "payment.confirm", traces.OrderNo(n.OrderNo()))
	defer span.End()

	log := logging.FromContext(ctx).With(slog.String("order_no", n.OrderNo()))

	o, err := p.orders.GetByOrderNo(ctx, n.OrderNo())
	if err != nil {
		return "", err
	}

	// Fully processed replay: success, no side effects.
	if o.Status == order.StatusPaid && o.RewardGranted {
		metrics.PaymentCallbacksTotal.WithLabelValues(string(OutcomeDuplicate)).Inc()
		log.Info("duplicate payment notice ignored")
		return OutcomeDuplicate, nil
	}

	if err := p.checkAmount(o, n); err != nil {
		metrics.PaymentCallbacksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		log.Error("payment amount mismatch",
			slog.String("order_amount", o.Amount),
			slog.String("notice_fen", n.TotalFen()))
		return OutcomeRejected, err
	}

	outcome := OutcomeRedriven
	switch o.Status {
	case order.StatusCreated:
		err := p.orders.CASStatus(ctx, o.OrderNo, order.StatusCreated, order.StatusPaid)
		if errors.Is(err, order.ErrStateConflict) {
			// Lost the race. Re-read and decide from the fresh state.
			fresh, ferr := p.orders.GetByOrderNo(ctx, o.OrderNo)
			if ferr != nil {
				return "", ferr
			}
			if fresh.Status != order.StatusPaid {
				metrics.PaymentCallbacksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
				log.Warn("confirmation for unpayable order",
					slog.String("status", string(fresh.Status)))
				return OutcomeRejected, fmt.Errorf("%w: status %s", ErrOrderUnpayable, fresh.Status)
			}
			o = fresh
		} else if err != nil {
			return "", fmt.Errorf("%w: %v", ErrTransient, err)
		} else {
			outcome = OutcomeConfirmed
			metrics.OrdersTotal.WithLabelValues(string(order.StatusPaid)).Inc()
			now := time.Now()
			if err := p.orders.MarkPaid(ctx, o.OrderNo, n.TransactionID(), now); err != nil {
				log.Warn("recording gateway transaction failed", slog.String("error", err.Error()))
			}
			// First paid order freezes the buyer's referrer edge.
			if err := p.users.LockReferral(ctx, o.UserID, now); err != nil {
				log.Warn("referral lock failed", slog.String("error", err.Error()))
			}
		}
		o.Status = order.StatusPaid

	case order.StatusPaid:
		// Paid but not reward-granted: the redrive path.
		log.Info("redriving paid order")

	default:
		metrics.PaymentCallbacksTotal.WithLabelValues(string(OutcomeRejected)).Inc()
		log.Warn("confirmation for unpayable order", slog.String("status", string(o.Status)))
		return OutcomeRejected, fmt.Errorf("%w: status %s", ErrOrderUnpayable, o.Status)
	}

	if err := p.grant(ctx, o); err != nil {
		// Order stays paid-but-ungranted; the next delivery retries.
		log.Error("post-payment grant failed, awaiting redrive", slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}

	metrics.PaymentCallbacksTotal.WithLabelValues(string(outcome)).Inc()
	log.Info("payment confirmed", slog.String("outcome", string(outcome)))
	return outcome, nil
}

func (p *Processor) checkAmount(o *order.Order, n gateway.Notice) error {
	fen, ok := money.ToFen(o.Amount)
	if !ok {
		return fmt.Errorf("%w: unparseable order amount %q", ErrAmountMismatch, o.Amount)
	}
	if n.TotalFen() != fmt.Sprintf("%d", fen) {
		return fmt.Errorf("%w: order %s, notice %s fen", ErrAmountMismatch, o.Amount, n.TotalFen())
	}
	return nil
}

// grant delivers entitlement then reward, both idempotent per order,
// and finally flips the reward-granted flag.
func (p *Processor) grant(ctx context.Context, o *order.Order) error {
	if err := p.entitlements.GrantForOrder(ctx, o); err != nil {
		return fmt.Errorf("entitlement: %w", err)
	}
	if p.notifier != nil {
		p.notifier.PaymentConfirmed(ctx, o)
	}

	if o.Type == order.TypeCourse && o.ReferrerID != nil {
		course, err := p.catalog.GetCourse(ctx, o.CourseID)
		if err != nil {
			return fmt.Errorf("load course for reward: %w", err)
		}
		result, err := p.rewards.Grant(ctx, o, course.Type)
		if err != nil {
			return fmt.Errorf("reward: %w", err)
		}
		if result != nil && p.notifier != nil {
			p.notifier.RewardGranted(ctx, o, result)
		}
	}

	if err := p.orders.SetRewardGranted(ctx, o.OrderNo); err != nil {
		return fmt.Errorf("set reward granted: %w", err)
	}
	return nil
}
