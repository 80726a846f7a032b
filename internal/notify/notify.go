// Package notify pushes user-facing messages after payment events.
// Delivery is fire-and-forget: a lost notification costs a message,
// never a ledger entry, so nothing here feeds back into processing.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/metrics"
	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/retry"
	"github.com/kwang-dev/courseledger/internal/reward"
)

// Kind classifies a message.
type Kind string

const (
	KindPaymentConfirmed Kind = "payment_confirmed"
	KindRewardGranted    Kind = "reward_granted"
	KindRefundCompleted  Kind = "refund_completed"
)

// Message is one outbound notification.
type Message struct {
	UserID  int64  `json:"userId"`
	Kind    Kind   `json:"kind"`
	OrderNo string `json:"orderNo"`
	Body    string `json:"body"`
}

// Sender delivers a message over some channel (template message, SMS).
type Sender interface {
	Send(ctx context.Context, m *Message) error
}

// LogSender writes messages to the log. The default in development and
// the fallback when no push channel is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(ctx context.Context, m *Message) error {
	s.Logger.Info("notification",
		slog.Int64("user_id", m.UserID),
		slog.String("kind", string(m.Kind)),
		slog.String("order_no", m.OrderNo),
		slog.String("body", m.Body))
	return nil
}

// Emitter sends notifications for the payment processor. Each send runs
// in its own goroutine with a bounded retry; Wait drains in-flight
// sends on shutdown.
type Emitter struct {
	sender Sender
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter over the given sender.
func NewEmitter(sender Sender) *Emitter {
	return &Emitter{sender: sender}
}

// PaymentConfirmed tells the buyer their order is paid.
func (e *Emitter) PaymentConfirmed(ctx context.Context, o *order.Order) {
	e.emit(ctx, &Message{
		UserID:  o.UserID,
		Kind:    KindPaymentConfirmed,
		OrderNo: o.OrderNo,
		Body:    fmt.Sprintf("Order %s paid: %s", o.OrderNo, o.Amount),
	})
}

// RewardGranted tells the referrer what the order earned them.
func (e *Emitter) RewardGranted(ctx context.Context, o *order.Order, result *reward.Result) {
	if o.ReferrerID == nil {
		return
	}
	e.emit(ctx, &Message{
		UserID:  *o.ReferrerID,
		Kind:    KindRewardGranted,
		OrderNo: o.OrderNo,
		Body:    fmt.Sprintf("Referral reward: merit %s, cash %s, unfrozen %s", result.Merit, result.Cash, result.Unfrozen),
	})
}

// RefundCompleted tells the buyer their money is on the way back.
func (e *Emitter) RefundCompleted(ctx context.Context, o *order.Order) {
	e.emit(ctx, &Message{
		UserID:  o.UserID,
		Kind:    KindRefundCompleted,
		OrderNo: o.OrderNo,
		Body:    fmt.Sprintf("Order %s refunded: %s", o.OrderNo, o.Amount),
	})
}

// Wait blocks until all in-flight sends finish.
func (e *Emitter) Wait() {
	e.wg.Wait()
}

func (e *Emitter) emit(ctx context.Context, m *Message) {
	// The send must outlive the request that triggered it.
	ctx = context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		err := retry.Do(ctx, 3, time.Second, func() error {
			return e.sender.Send(ctx, m)
		})
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(string(m.Kind), "dropped").Inc()
			logging.FromContext(ctx).Warn("notification dropped",
				slog.Int64("user_id", m.UserID),
				slog.String("kind", string(m.Kind)),
				slog.String("order_no", m.OrderNo),
				slog.String("error", err.Error()))
			return
		}
		metrics.NotificationsTotal.WithLabelValues(string(m.Kind), "sent").Inc()
	}()
}
