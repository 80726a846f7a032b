package refund

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwang-dev/courseledger/internal/catalog"
	"github.com/kwang-dev/courseledger/internal/entitlement"
	"github.com/kwang-dev/courseledger/internal/gateway"
	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/payment"
	"github.com/kwang-dev/courseledger/internal/points"
	"github.com/kwang-dev/courseledger/internal/quota"
	"github.com/kwang-dev/courseledger/internal/reward"
	"github.com/kwang-dev/courseledger/internal/user"
)

type fakeGateway struct {
	calls    int
	failures int
	lastFen  int64
}

func (g *fakeGateway) Refund(ctx context.Context, orderNo string, totalFen, refundFen int64) (*gateway.RefundResult, error) {
	g.calls++
	g.lastFen = refundFen
	if g.failures > 0 {
		g.failures--
		return nil, errors.New("gateway unreachable")
	}
	return &gateway.RefundResult{RefundID: fmt.Sprintf("5000%04d", g.calls), RefundNo: "RFD" + orderNo[3:]}, nil
}

// failingRevokeStore fails RevokeAccessByOrder a set number of times.
type failingRevokeStore struct {
	entitlement.Store
	failures int
}

func (s *failingRevokeStore) RevokeAccessByOrder(ctx context.Context, orderNo string, at time.Time) (int, error) {
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("storage briefly down")
	}
	return s.Store.RevokeAccessByOrder(ctx, orderNo, at)
}

type fixture struct {
	svc      *Service
	proc     *payment.Processor
	gw       *fakeGateway
	orders   *order.MemoryStore
	users    *user.MemoryStore
	ledger   *points.Service
	quota    *quota.Service
	ent      *entitlement.Service
	buyer    *user.User
	referrer *user.User
}

func newFixture(t *testing.T, entStore entitlement.Store) *fixture {
	t.Helper()
	ctx := context.Background()

	users := user.NewMemoryStore()
	buyer := &user.User{Phone: "13800138000"}
	referrer := &user.User{Phone: "13900139000", AmbassadorLevel: 2}
	require.NoError(t, users.Create(ctx, buyer))
	require.NoError(t, users.Create(ctx, referrer))

	cat := catalog.NewMemoryStore()
	require.NoError(t, cat.UpsertCourse(ctx, &catalog.Course{
		ID: 1, Name: "Foundations", Type: catalog.CourseBasic,
		Price: "1000.00", RetrainPrice: "200.00", Status: catalog.CourseActive,
	}))
	require.NoError(t, cat.UpsertLevel(ctx, &catalog.LevelConfig{
		Level: 2, Name: "Qingluan", CanEarnReward: true,
		MeritBasicBPS: 10000, CashBasicBPS: 1500,
		UnfreezePerReferral: "0.00", UpgradePrice: "0.00",
	}))

	if entStore == nil {
		entStore = entitlement.NewMemoryStore()
	}
	ledger := points.NewService(points.NewMemoryStore(), nil)
	q := quota.NewService(quota.NewMemoryStore(), nil)
	ent := entitlement.NewService(entStore, users, cat, q)
	rw := reward.NewService(ledger, catalog.NewCache(cat, time.Hour), users)

	orders := order.NewMemoryStore()
	gw := &fakeGateway{}
	return &fixture{
		svc:      NewService(orders, ent, ledger, q, gw),
		proc:     payment.NewProcessor(orders, users, cat, ent, rw, nil),
		gw:       gw,
		orders:   orders,
		users:    users,
		ledger:   ledger,
		quota:    q,
		ent:      ent,
		buyer:    buyer,
		referrer: referrer,
	}
}

// paidOrder creates an order and pushes it through the payment
// processor so the entitlement and reward are really there to reverse.
func (f *fixture) paidOrder(t *testing.T, orderNo string) *order.Order {
	t.Helper()
	ctx := context.Background()

	o := &order.Order{
		OrderNo:    orderNo,
		UserID:     f.buyer.ID,
		Type:       order.TypeCourse,
		CourseID:   1,
		Amount:     "1000.00",
		Status:     order.StatusCreated,
		ReferrerID: &f.referrer.ID,
		ExpiresAt:  time.Now().Add(30 * time.Minute),
	}
	require.NoError(t, f.orders.Create(ctx, o))

	_, err := f.proc.Confirm(ctx, gateway.Notice{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"out_trade_no":   orderNo,
		"transaction_id": "4200001234",
		"total_fee":      "100000",
	})
	require.NoError(t, err)
	return o
}

// A paid, reward-granted order is refunded: the buyer loses access, the
// referrer's balances return to their pre-order values, quota sourced
// from the order is zeroed, and a second refund fails.
func TestRefundRestoresEverything(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.paidOrder(t, "ORD20250601120000AAAAAA")

	// Quota funded by this order, to exercise the quota reversal.
	_, err := f.quota.Award(ctx, f.buyer.ID, o.OrderNo, 2)
	require.NoError(t, err)

	result, err := f.svc.Refund(ctx, o.OrderNo, "buyer remorse")
	require.NoError(t, err)
	assert.Equal(t, "RFD20250601120000AAAAAA", result.RefundNo)
	assert.NotEmpty(t, result.RefundID)
	assert.Equal(t, 2, result.EntriesReversed)
	assert.Equal(t, int64(100000), f.gw.lastFen)

	stored, err := f.orders.GetByOrderNo(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, stored.Status)
	assert.Equal(t, result.RefundID, stored.RefundHandle)
	assert.Equal(t, "buyer remorse", stored.RefundReason)

	owns, err := f.ent.Owns(ctx, f.buyer.ID, 1)
	require.NoError(t, err)
	assert.False(t, owns)

	merit, _ := f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketMerit)
	cash, _ := f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketCashAvailable)
	assert.Equal(t, "0.00", merit)
	assert.Equal(t, "0.00", cash)

	available, err := f.quota.Available(ctx, f.buyer.ID)
	require.NoError(t, err)
	assert.Zero(t, available)

	_, err = f.svc.Refund(ctx, o.OrderNo, "again")
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Equal(t, 1, f.gw.calls)
}

func TestRefundUnpaidOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o := &order.Order{
		OrderNo: "ORD20250601120000BBBBBB", UserID: f.buyer.ID,
		Type: order.TypeCourse, CourseID: 1, Amount: "1000.00",
		Status: order.StatusCreated, ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, f.orders.Create(ctx, o))

	_, err := f.svc.Refund(ctx, o.OrderNo, "")
	assert.ErrorIs(t, err, ErrNotRefundable)
	assert.Zero(t, f.gw.calls)
}

func TestRefundUnknownOrder(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Refund(context.Background(), "ORD20250601120000ZZZZZZ", "")
	assert.ErrorIs(t, err, order.ErrNotFound)
}

// A gateway outage after the status CAS leaves the order refunded with
// no handle; the next call resumes at the gateway step instead of
// failing with AlreadyRefunded.
func TestRefundResumesAfterGatewayFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.gw.failures = 1
	ctx := context.Background()
	o := f.paidOrder(t, "ORD20250601120000CCCCCC")

	_, err := f.svc.Refund(ctx, o.OrderNo, "first try")
	require.Error(t, err)

	stored, err := f.orders.GetByOrderNo(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, stored.Status)
	assert.Empty(t, stored.RefundHandle)

	result, err := f.svc.Refund(ctx, o.OrderNo, "second try")
	require.NoError(t, err)
	assert.Equal(t, 2, f.gw.calls)
	assert.Equal(t, 2, result.EntriesReversed)

	owns, err := f.ent.Owns(ctx, f.buyer.ID, 1)
	require.NoError(t, err)
	assert.False(t, owns)
}

// One reversal step failing does not block the others, and the retry
// path re-drives only what is left.
func TestRefundPartialReversalAndRetry(t *testing.T) {
	store := &failingRevokeStore{Store: entitlement.NewMemoryStore(), failures: 1}
	f := newFixture(t, store)
	ctx := context.Background()
	o := f.paidOrder(t, "ORD20250601120000DDDDDD")

	result, err := f.svc.Refund(ctx, o.OrderNo, "partial")

	var perr *PartialReversalError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, []string{StepEntitlement}, perr.FailedSteps())

	// The other steps still ran.
	require.NotNil(t, result)
	assert.Equal(t, 2, result.EntriesReversed)
	merit, _ := f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketMerit)
	assert.Equal(t, "0.00", merit)

	retried, err := f.svc.RetryReversals(ctx, o.OrderNo)
	require.NoError(t, err)
	// Ledger entries were already reversed; nothing new this pass.
	assert.Zero(t, retried.EntriesReversed)

	owns, err := f.ent.Owns(ctx, f.buyer.ID, 1)
	require.NoError(t, err)
	assert.False(t, owns)

	// Balances reversed exactly once across both passes.
	merit, _ = f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketMerit)
	cash, _ := f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketCashAvailable)
	assert.Equal(t, "0.00", merit)
	assert.Equal(t, "0.00", cash)
	assert.Equal(t, 1, f.gw.calls)
}

func TestRetryReversalsRequiresRefundedOrder(t *testing.T) {
	f := newFixture(t, nil)
	o := f.paidOrder(t, "ORD20250601120000EEEEEE")

	_, err := f.svc.RetryReversals(context.Background(), o.OrderNo)
	assert.ErrorIs(t, err, ErrNotRefundable)
}
