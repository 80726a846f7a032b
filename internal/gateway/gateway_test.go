package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "test-merchant-key"

func sampleNotice() Notice {
	return Notice{
		"return_code":    "SUCCESS",
		"result_code":    "SUCCESS",
		"appid":          "wx123",
		"mch_id":         "m456",
		"out_trade_no":   "ORD20250601120000ABCDEF",
		"transaction_id": "4200001234",
		"total_fee":      "100000",
		"nonce_str":      "abc123",
	}
}

func TestSignRoundTrip(t *testing.T) {
	n := sampleNotice()
	n["sign"] = Sign(n, testKey)

	assert.True(t, VerifySign(n, testKey))
	assert.False(t, VerifySign(n, "other-key"))
}

func TestSignIgnoresEmptyAndSignFields(t *testing.T) {
	n := sampleNotice()
	base := Sign(n, testKey)

	n["sign"] = "should-not-matter"
	n["attach"] = ""
	assert.Equal(t, base, Sign(n, testKey))
}

func TestVerifySignRejectsTampering(t *testing.T) {
	n := sampleNotice()
	n["sign"] = Sign(n, testKey)

	n["total_fee"] = "1"
	assert.False(t, VerifySign(n, testKey))
}

func TestVerifySignRejectsMissingSign(t *testing.T) {
	assert.False(t, VerifySign(sampleNotice(), testKey))
}

func TestParseNotice(t *testing.T) {
	body := []byte(`<xml>
		<return_code><![CDATA[SUCCESS]]></return_code>
		<result_code><![CDATA[SUCCESS]]></result_code>
		<out_trade_no><![CDATA[ORD20250601120000ABCDEF]]></out_trade_no>
		<transaction_id><![CDATA[4200001234]]></transaction_id>
		<total_fee>100000</total_fee>
	</xml>`)

	n, err := ParseNotice(body)
	require.NoError(t, err)
	assert.Equal(t, "ORD20250601120000ABCDEF", n.OrderNo())
	assert.Equal(t, "4200001234", n.TransactionID())
	assert.Equal(t, "100000", n.TotalFen())
	assert.True(t, n.CommunicationOK())
	assert.True(t, n.PaymentOK())
}

func TestParseNoticeRejectsGarbage(t *testing.T) {
	for _, body := range []string{
		"",
		"not xml at all",
		"<other><a>1</a></other>",
		"<xml></xml>",
		"<xml><a>1</a>",
	} {
		_, err := ParseNotice([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedNotice, "body %q", body)
	}
}

func TestEncodeRequestRoundTrips(t *testing.T) {
	params := map[string]string{"appid": "wx123", "mch_id": "m456", "out_trade_no": "ORDX"}
	n, err := ParseNotice(EncodeRequest(params))
	require.NoError(t, err)
	assert.Equal(t, "wx123", n["appid"])
	assert.Equal(t, "ORDX", n["out_trade_no"])
}

func TestResponseEnvelopes(t *testing.T) {
	assert.Equal(t,
		"<xml><return_code><![CDATA[SUCCESS]]></return_code><return_msg><![CDATA[OK]]></return_msg></xml>",
		string(SuccessResponse()))
	assert.Equal(t,
		"<xml><return_code><![CDATA[FAIL]]></return_code><return_msg><![CDATA[try again]]></return_msg></xml>",
		string(FailResponse("try again")))
}

func TestVerifyNoticeSkipsWithoutKey(t *testing.T) {
	c := NewClient("http://gateway", "wx123", "m456", "")
	assert.NoError(t, c.VerifyNotice(sampleNotice()))

	signed := NewClient("http://gateway", "wx123", "m456", testKey)
	assert.ErrorIs(t, signed.VerifyNotice(sampleNotice()), ErrVerificationFailed)
}

func TestRefundParsesHandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		req, err := ParseNotice(body)
		require.NoError(t, err)
		assert.Equal(t, "ORD20250601120000ABCDEF", req["out_trade_no"])
		assert.True(t, VerifySign(req, testKey))

		_, _ = w.Write(EncodeRequest(map[string]string{
			"return_code": "SUCCESS",
			"result_code": "SUCCESS",
			"refund_id":   "50000123",
		}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wx123", "m456", testKey)
	result, err := c.Refund(context.Background(), "ORD20250601120000ABCDEF", 100000, 100000)
	require.NoError(t, err)
	assert.Equal(t, "50000123", result.RefundID)
	assert.Equal(t, "RFD20250601120000ABCDEF", result.RefundNo)
}

func TestRefundBusinessRejectionIsPermanent(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write(EncodeRequest(map[string]string{
			"return_code":  "SUCCESS",
			"result_code":  "FAIL",
			"err_code":     "NOTENOUGH",
			"err_code_des": "insufficient balance",
		}))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wx123", "m456", testKey)
	_, err := c.Refund(context.Background(), "ORD20250601120000ABCDEF", 100000, 100000)
	assert.ErrorIs(t, err, ErrRefundRejected)
	assert.Equal(t, 1, calls)
}
