package payment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwang-dev/courseledger/internal/catalog"
	"github.com/kwang-dev/courseledger/internal/entitlement"
	"github.com/kwang-dev/courseledger/internal/gateway"
	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/points"
	"github.com/kwang-dev/courseledger/internal/quota"
	"github.com/kwang-dev/courseledger/internal/reward"
	"github.com/kwang-dev/courseledger/internal/user"
)

const mchKey = "test-merchant-key"

// failingAccessStore fails CreateAccess a set number of times, then
// behaves normally.
type failingAccessStore struct {
	entitlement.Store
	failures int
}

func (s *failingAccessStore) CreateAccess(ctx context.Context, a *entitlement.CourseAccess) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("storage briefly down")
	}
	return s.Store.CreateAccess(ctx, a)
}

type fixture struct {
	proc     *Processor
	orders   *order.MemoryStore
	users    *user.MemoryStore
	catalog  *catalog.MemoryStore
	ledger   *points.Service
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
	ent := entitlement.NewService(entStore, users, cat, quota.NewService(quota.NewMemoryStore(), nil))
	rw := reward.NewService(ledger, catalog.NewCache(cat, time.Hour), users)

	orders := order.NewMemoryStore()
	return &fixture{
		proc:     NewProcessor(orders, users, cat, ent, rw, nil),
		orders:   orders,
		users:    users,
		catalog:  cat,
		ledger:   ledger,
		ent:      ent,
		buyer:    buyer,
		referrer: referrer,
	}
}

func (f *fixture) createdOrder(t *testing.T, orderNo string) *order.Order {
	t.Helper()
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
	require.NoError(t, f.orders.Create(context.Background(), o))
	return o
}

func noticeFor(orderNo string) gateway.Notice {
	return gateway.Notice{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"out_trade_no":   orderNo,
		"transaction_id": "4200001234",
		"total_fee":      "100000",
		"nonce_str":      "abc123",
	}
}

func TestConfirmFirstDelivery(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.createdOrder(t, "ORD20250601120000AAAAAA")

	outcome, err := f.proc.Confirm(ctx, noticeFor(o.OrderNo))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)

	stored, err := f.orders.GetByOrderNo(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, stored.Status)
	assert.True(t, stored.RewardGranted)
	assert.Equal(t, "4200001234", stored.TransactionID)
	require.NotNil(t, stored.PaidAt)

	owns, err := f.ent.Owns(ctx, f.buyer.ID, 1)
	require.NoError(t, err)
	assert.True(t, owns)

	merit, _ := f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketMerit)
	cash, _ := f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketCashAvailable)
	assert.Equal(t, "1000.00", merit)
	assert.Equal(t, "150.00", cash)

	// The buyer's first paid order freezes their referrer edge.
	buyer, err := f.users.Get(ctx, f.buyer.ID)
	require.NoError(t, err)
	assert.True(t, buyer.ReferralLocked())
}

func TestConfirmReplaysAreDuplicates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.createdOrder(t, "ORD20250601120000BBBBBB")
	n := noticeFor(o.OrderNo)

	outcome, err := f.proc.Confirm(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)

	for i := 0; i < 4; i++ {
		outcome, err = f.proc.Confirm(ctx, n)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	merit, _ := f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketMerit)
	assert.Equal(t, "1000.00", merit)

	entries, err := f.ledger.Store().EntriesByCause(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	access, err := f.ent.Store().ListAccessByOrder(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Len(t, access, 1)
}

func TestConfirmAmountMismatchRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.createdOrder(t, "ORD20250601120000CCCCCC")

	n := noticeFor(o.OrderNo)
	n["total_fee"] = "99999"

	outcome, err := f.proc.Confirm(ctx, n)
	assert.ErrorIs(t, err, ErrAmountMismatch)
	assert.Equal(t, OutcomeRejected, outcome)

	stored, err := f.orders.GetByOrderNo(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, stored.Status)
}

func TestConfirmRedrivesAfterGrantFailure(t *testing.T) {
	store := &failingAccessStore{Store: entitlement.NewMemoryStore(), failures: 1}
	f := newFixture(t, store)
	ctx := context.Background()
	o := f.createdOrder(t, "ORD20250601120000DDDDDD")
	n := noticeFor(o.OrderNo)

	// First delivery: the order is paid but the grant breaks partway.
	_, err := f.proc.Confirm(ctx, n)
	assert.ErrorIs(t, err, ErrTransient)

	stored, err := f.orders.GetByOrderNo(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, stored.Status)
	assert.False(t, stored.RewardGranted)

	// Redelivery completes the grant and reward without double-paying.
	outcome, err := f.proc.Confirm(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedriven, outcome)

	stored, err = f.orders.GetByOrderNo(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.True(t, stored.RewardGranted)

	merit, _ := f.ledger.Store().Balance(ctx, f.referrer.ID, points.BucketMerit)
	assert.Equal(t, "1000.00", merit)

	entries, err := f.ledger.Store().EntriesByCause(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// A confirmation landing after the expiry sweep closed the order is
// rejected, and nothing is granted.
func TestConfirmAfterCloseRejected(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	o := f.createdOrder(t, "ORD20250601120000EEEEEE")
	require.NoError(t, f.orders.CASStatus(ctx, o.OrderNo, order.StatusCreated, order.StatusClosed))

	outcome, err := f.proc.Confirm(ctx, noticeFor(o.OrderNo))
	assert.ErrorIs(t, err, ErrOrderUnpayable)
	assert.Equal(t, OutcomeRejected, outcome)

	owns, err := f.ent.Owns(ctx, f.buyer.ID, 1)
	require.NoError(t, err)
	assert.False(t, owns)

	entries, err := f.ledger.Store().EntriesByCause(ctx, o.OrderNo)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConfirmUnknownOrder(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.proc.Confirm(context.Background(), noticeFor("ORD20250601120000ZZZZZZ"))
	assert.ErrorIs(t, err, order.ErrNotFound)
}

func newCallbackServer(f *fixture, key string) *httptest.Server {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(f.proc, gateway.NewClient("http://gateway", "wx123", "m456", key)).RegisterRoutes(&r.RouterGroup)
	return httptest.NewServer(r)
}

func postCallback(t *testing.T, url string, body []byte) string {
	t.Helper()
	resp, err := http.Post(url+"/callbacks/payment", "text/xml", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(out)
}

func TestCallbackHandlerSignedNotice(t *testing.T) {
	f := newFixture(t, nil)
	o := f.createdOrder(t, "ORD20250601120000FFFFFF")
	srv := newCallbackServer(f, mchKey)
	defer srv.Close()

	params := map[string]string(noticeFor(o.OrderNo))
	params["sign"] = gateway.Sign(params, mchKey)

	body := postCallback(t, srv.URL, gateway.EncodeRequest(params))
	assert.Equal(t, string(gateway.SuccessResponse()), body)

	stored, err := f.orders.GetByOrderNo(context.Background(), o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, stored.Status)
}

func TestCallbackHandlerRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	o := f.createdOrder(t, "ORD20250601120000GGGGGG")
	srv := newCallbackServer(f, mchKey)
	defer srv.Close()

	params := map[string]string(noticeFor(o.OrderNo))
	params["sign"] = "WRONG"

	body := postCallback(t, srv.URL, gateway.EncodeRequest(params))
	assert.Contains(t, body, "<return_code><![CDATA[FAIL]]></return_code>")

	// A forged notice never touches the order.
	stored, err := f.orders.GetByOrderNo(context.Background(), o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, stored.Status)
}

func TestCallbackHandlerAcknowledgesFailedPayment(t *testing.T) {
	f := newFixture(t, nil)
	o := f.createdOrder(t, "ORD20250601120000HHHHHH")
	srv := newCallbackServer(f, mchKey)
	defer srv.Close()

	params := map[string]string(noticeFor(o.OrderNo))
	params["result_code"] = "FAIL"
	params["err_code"] = "PAY_ERROR"
	params["sign"] = gateway.Sign(params, mchKey)

	// SUCCESS echo stops redelivery of a payment that failed for good.
	body := postCallback(t, srv.URL, gateway.EncodeRequest(params))
	assert.Equal(t, string(gateway.SuccessResponse()), body)

	stored, err := f.orders.GetByOrderNo(context.Background(), o.OrderNo)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCreated, stored.Status)
}

func TestCallbackHandlerAsksRedeliveryForUnknownOrder(t *testing.T) {
	f := newFixture(t, nil)
	srv := newCallbackServer(f, mchKey)
	defer srv.Close()

	params := map[string]string(noticeFor("ORD20250601120000YYYYYY"))
	params["sign"] = gateway.Sign(params, mchKey)

	body := postCallback(t, srv.URL, gateway.EncodeRequest(params))
	assert.Contains(t, body, "<return_code><![CDATA[FAIL]]></return_code>")
}

func TestCallbackHandlerMalformedBody(t *testing.T) {
	f := newFixture(t, nil)
	srv := newCallbackServer(f, mchKey)
	defer srv.Close()

	body := postCallback(t, srv.URL, []byte("not xml"))
	assert.Contains(t, body, "<return_code><![CDATA[FAIL]]></return_code>")
}
