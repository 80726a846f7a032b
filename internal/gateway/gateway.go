// Package gateway speaks the payment provider's v2 wire protocol:
// flat XML bodies, MD5 signatures over sorted key=value pairs, and
// amounts in integer fen. The rest of the system never sees XML; it
// gets a parsed Notice or a refund handle.
package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/kwang-dev/courseledger/internal/circuitbreaker"
)

var (
	ErrVerificationFailed = errors.New("gateway signature verification failed")
	ErrMalformedNotice    = errors.New("malformed gateway notice")
	ErrRefundRejected     = errors.New("gateway rejected the refund")
	ErrCircuitOpen        = errors.New("gateway circuit open")
)

// Notice is a parsed payment notification. Values stay strings, as on
// the wire; helpers pull out the fields the processor needs.
type Notice map[string]string

// OrderNo returns the merchant order number (out_trade_no).
func (n Notice) OrderNo() string { return n["out_trade_no"] }

// TransactionID returns the gateway's transaction id.
func (n Notice) TransactionID() string { return n["transaction_id"] }

// TotalFen returns the paid amount in fen, raw.
func (n Notice) TotalFen() string { return n["total_fee"] }

// CommunicationOK reports whether the gateway marked the delivery
// itself successful.
func (n Notice) CommunicationOK() bool { return n["return_code"] == "SUCCESS" }

// PaymentOK reports whether the payment business result succeeded.
func (n Notice) PaymentOK() bool { return n["result_code"] == "SUCCESS" }

// Client calls the gateway's server-side APIs.
type Client struct {
	baseURL string
	appID   string
	mchID   string
	mchKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates a gateway client. mchKey signs every request and
// verifies every notice. A circuit breaker guards the outbound API so a
// dead gateway fails fast instead of eating retry budgets.
func NewClient(baseURL, appID, mchID, mchKey string) *Client {
	return &Client{
		baseURL: baseURL,
		appID:   appID,
		mchID:   mchID,
		mchKey:  mchKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// VerifyNotice checks the notice's signature against the merchant key.
// An unset key (development mode) skips verification.
func (c *Client) VerifyNotice(n Notice) error {
	if c.mchKey == "" {
		return nil
	}
	if !VerifySign(n, c.mchKey) {
		return ErrVerificationFailed
	}
	return nil
}
