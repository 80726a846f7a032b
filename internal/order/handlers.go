package order

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kwang-dev/courseledger/internal/auth"
	"github.com/kwang-dev/courseledger/internal/validation"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:orderNo", h.GetOrder)
	r.POST("/orders/:orderNo/cancel", h.CancelOrder)
}

// CreateOrderRequest is the body of POST /v1/orders.
type CreateOrderRequest struct {
	OrderType         string `json:"orderType" binding:"required"`
	ItemID            int64  `json:"itemId"`
	ClassOccurrenceID *int64 `json:"classOccurrenceId"`
	ReferrerID        *int64 `json:"referrerId"`
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	userID := auth.CallerID(c)
	o, err := h.service.Create(c.Request.Context(), userID, CreateRequest{
		Type:         Type(req.OrderType),
		CourseID:     req.ItemID,
		OccurrenceID: req.ClassOccurrenceID,
		ReferrerID:   req.ReferrerID,
	})
	switch {
	case errors.Is(err, ErrAlreadyOwned):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_owned",
			"message": "Course already owned",
		})
	case errors.Is(err, ErrIneligibleReferrer):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "ineligible_referrer",
			"message": "Referrer level too low for this course",
		})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_failed",
			"message": "Failed to create order",
		})
	default:
		c.JSON(http.StatusCreated, gin.H{
			"orderNo":    o.OrderNo,
			"amount":     o.Amount,
			"referrerId": o.ReferrerID,
			"expiresAt":  o.ExpiresAt,
		})
	}
}

// ListOrders handles GET /v1/orders?limit=&offset=
func (h *Handler) ListOrders(c *gin.Context) {
	userID := auth.CallerID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	orders, err := h.service.Store().ListByUser(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_failed",
			"message": "Failed to list orders",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetOrder handles GET /v1/orders/:orderNo
func (h *Handler) GetOrder(c *gin.Context) {
	orderNo := c.Param("orderNo")
	if !validation.IsValidOrderNo(orderNo) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid order number",
		})
		return
	}

	o, err := h.service.Store().GetByOrderNo(c.Request.Context(), orderNo)
	if err == nil && o.UserID != auth.CallerID(c) {
		err = ErrNotFound
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_failed",
			"message": "Failed to load order",
		})
		return
	}
	c.JSON(http.StatusOK, o)
}

// CancelOrder handles POST /v1/orders/:orderNo/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	orderNo := c.Param("orderNo")
	if !validation.IsValidOrderNo(orderNo) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid order number",
		})
		return
	}

	err := h.service.Cancel(c.Request.Context(), auth.CallerID(c), orderNo)
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Order not found",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "Only a created order can be cancelled",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "order_failed",
			"message": "Failed to cancel order",
		})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	}
}
