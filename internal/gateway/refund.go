package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kwang-dev/courseledger/internal/idgen"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/retry"
)

// RefundResult is the gateway's answer to a refund request.
type RefundResult struct {
	// RefundID is the gateway's handle for the refund.
	RefundID string
	// RefundNo is our merchant-side refund number.
	RefundNo string
}

const refundCircuitKey = "refund"

// Refund asks the gateway to return totalFen of the order's payment.
// Network failures are retried; a business rejection is permanent.
func (c *Client) Refund(ctx context.Context, orderNo string, totalFen, refundFen int64) (*RefundResult, error) {
	if !c.breaker.Allow(refundCircuitKey) {
		return nil, ErrCircuitOpen
	}

	refundNo := "RFD" + orderNo[3:]

	params := map[string]string{
		"appid":         c.appID,
		"mch_id":        c.mchID,
		"nonce_str":     idgen.WithPrefix(""),
		"out_trade_no":  orderNo,
		"out_refund_no": refundNo,
		"total_fee":     fmt.Sprintf("%d", totalFen),
		"refund_fee":    fmt.Sprintf("%d", refundFen),
	}
	params["sign"] = Sign(params, c.mchKey)
	body := EncodeRequest(params)

	var result *RefundResult
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		resp, err := c.post(ctx, c.baseURL+"/secapi/pay/refund", body)
		if err != nil {
			return err
		}

		n, err := ParseNotice(resp)
		if err != nil {
			return err
		}
		if !n.CommunicationOK() {
			// Communication-level FAIL is worth retrying.
			return fmt.Errorf("gateway return_code FAIL: %s", n["return_msg"])
		}
		if n["result_code"] != "SUCCESS" {
			return retry.Permanent(fmt.Errorf("%w: %s %s",
				ErrRefundRejected, n["err_code"], n["err_code_des"]))
		}

		result = &RefundResult{RefundID: n["refund_id"], RefundNo: refundNo}
		return nil
	})
	if err != nil {
		// A business rejection means the gateway is up and answering;
		// only transport-level failure feeds the breaker.
		if errors.Is(err, ErrRefundRejected) {
			c.breaker.RecordSuccess(refundCircuitKey)
		} else {
			c.breaker.RecordFailure(refundCircuitKey)
		}
		return nil, err
	}
	c.breaker.RecordSuccess(refundCircuitKey)

	logging.FromContext(ctx).Info("gateway refund accepted",
		slog.String("order_no", orderNo),
		slog.String("refund_no", refundNo),
		slog.String("refund_id", result.RefundID))
	return result, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
