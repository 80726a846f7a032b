package refund

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kwang-dev/courseledger/internal/order"
	"github.com/kwang-dev/courseledger/internal/validation"
)

// Handler provides admin HTTP endpoints for refunds.
type Handler struct {
	service *Service
}

// NewHandler creates a new refund handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-only refund routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:orderNo/refund", h.Refund)
	r.POST("/orders/:orderNo/refund/retry", h.RetryReversals)
}

// RefundRequest is the body of POST /v1/admin/orders/:orderNo/refund.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// Refund handles POST /v1/admin/orders/:orderNo/refund
func (h *Handler) Refund(c *gin.Context) {
	orderNo := c.Param("orderNo")
	if !validation.IsValidOrderNo(orderNo) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid order number",
		})
		return
	}

	var req RefundRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.service.Refund(c.Request.Context(), orderNo, validation.SanitizeNote(req.Reason))
	h.respond(c, result, err)
}

// RetryReversals handles POST /v1/admin/orders/:orderNo/refund/retry
func (h *Handler) RetryReversals(c *gin.Context) {
	orderNo := c.Param("orderNo")
	if !validation.IsValidOrderNo(orderNo) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid order number",
		})
		return
	}

	result, err := h.service.RetryReversals(c.Request.Context(), orderNo)
	h.respond(c, result, err)
}

func (h *Handler) respond(c *gin.Context, result *Result, err error) {
	var perr *PartialReversalError
	switch {
	case errors.Is(err, order.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, ErrAlreadyRefunded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_refunded",
			"message": "Order is already refunded",
		})
	case errors.Is(err, ErrNotRefundable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_refundable",
			"message": err.Error(),
		})
	case errors.As(err, &perr):
		// The money went back; some reversals need another pass.
		c.JSON(http.StatusAccepted, gin.H{
			"status":      "partial",
			"refundNo":    result.RefundNo,
			"refundId":    result.RefundID,
			"failedSteps": perr.FailedSteps(),
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "refund_failed",
			"message": "Failed to process refund",
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":          "refunded",
			"refundNo":        result.RefundNo,
			"refundId":        result.RefundID,
			"entriesReversed": result.EntriesReversed,
		})
	}
}
