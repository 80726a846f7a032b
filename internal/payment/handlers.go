package payment

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kwang-dev/courseledger/internal/gateway"
	"github.com/kwang-dev/courseledger/internal/logging"
	"github.com/kwang-dev/courseledger/internal/metrics"
	"github.com/kwang-dev/courseledger/internal/order"
)

// maxNoticeBytes bounds the callback body.
const maxNoticeBytes = 64 << 10

// Handler terminates the gateway's HTTP callback. It answers in the
// gateway's XML envelope: FAIL asks for redelivery, SUCCESS stops it —
// including for permanent business rejections, which must not be
// retried forever.
type Handler struct {
	processor *Processor
	client    *gateway.Client
}

// NewHandler creates a payment callback handler.
func NewHandler(processor *Processor, client *gateway.Client) *Handler {
	return &Handler{processor: processor, client: client}
}

// RegisterRoutes sets up the callback route. No auth middleware: the
// signature is the authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/callbacks/payment", h.PaymentCallback)
}

// PaymentCallback handles POST /callbacks/payment
func (h *Handler) PaymentCallback(c *gin.Context) {
	ctx := c.Request.Context()
	log := logging.FromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNoticeBytes))
	if err != nil {
		h.respond(c, gateway.FailResponse("read error"))
		return
	}

	n, err := gateway.ParseNotice(body)
	if err != nil {
		log.Warn("malformed payment notice", slog.String("error", err.Error()))
		h.respond(c, gateway.FailResponse("malformed notice"))
		return
	}

	// Verification failure never mutates anything and is always logged.
	if err := h.client.VerifyNotice(n); err != nil {
		metrics.PaymentCallbacksTotal.WithLabelValues("invalid_signature").Inc()
		log.Error("payment notice signature rejected",
			slog.String("order_no", n.OrderNo()))
		h.respond(c, gateway.FailResponse("signature verification failed"))
		return
	}

	if !n.CommunicationOK() {
		h.respond(c, gateway.FailResponse("communication failure"))
		return
	}
	if !n.PaymentOK() {
		// The payment itself failed; acknowledge so the gateway stops.
		log.Info("gateway reported failed payment",
			slog.String("order_no", n.OrderNo()),
			slog.String("err_code", n["err_code"]))
		h.respond(c, gateway.SuccessResponse())
		return
	}

	_, err = h.processor.Confirm(ctx, n)
	switch {
	case err == nil:
		h.respond(c, gateway.SuccessResponse())
	case errors.Is(err, order.ErrNotFound):
		// Creation may still be in flight; ask for redelivery.
		log.Warn("notice for unknown order", slog.String("order_no", n.OrderNo()))
		h.respond(c, gateway.FailResponse("order not found"))
	case errors.Is(err, ErrTransient):
		h.respond(c, gateway.FailResponse("temporary failure"))
	default:
		// Permanent business rejection (unpayable order, amount
		// mismatch): logged above, acknowledged here so the gateway
		// does not retry it forever.
		h.respond(c, gateway.SuccessResponse())
	}
}

func (h *Handler) respond(c *gin.Context, envelope []byte) {
	c.Data(http.StatusOK, "text/xml", envelope)
}
