package referral

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kwang-dev/courseledger/internal/auth"
	"github.com/kwang-dev/courseledger/internal/user"
	"github.com/kwang-dev/courseledger/internal/validation"
)

// Handler provides admin HTTP endpoints for referral management.
type Handler struct {
	service *Service
}

// NewHandler creates a new referral handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-only referral routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/users/:id/referrer", h.SetReferrer)
	r.DELETE("/users/:id/referrer", h.ClearReferrer)
	r.GET("/users/:id/referrer/logs", h.ListLogs)
}

// SetReferrerRequest is the body of PUT /v1/admin/users/:id/referrer.
type SetReferrerRequest struct {
	ReferrerID int64  `json:"referrerId" binding:"required"`
	Reason     string `json:"reason"`
}

// SetReferrer handles PUT /v1/admin/users/:id/referrer
func (h *Handler) SetReferrer(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid user id",
		})
		return
	}

	var req SetReferrerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	err = h.service.SetReferrer(c.Request.Context(), userID, &req.ReferrerID,
		auth.CallerID(c), validation.SanitizeNote(req.Reason))
	switch {
	case errors.Is(err, user.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User not found",
		})
	case errors.Is(err, ErrSelfReferral), errors.Is(err, ErrCircularReferral):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_referral",
			"message": err.Error(),
		})
	case errors.Is(err, ErrReferrerLocked):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "referrer_locked",
			"message": "Referrer cannot change after the first paid order",
		})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "referral_failed",
			"message": "Failed to update referrer",
		})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	}
}

// ClearReferrer handles DELETE /v1/admin/users/:id/referrer
func (h *Handler) ClearReferrer(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid user id",
		})
		return
	}

	err = h.service.Clear(c.Request.Context(), userID, auth.CallerID(c),
		validation.SanitizeNote(c.Query("reason")))
	if errors.Is(err, user.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "User not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "referral_failed",
			"message": "Failed to clear referrer",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

// ListLogs handles GET /v1/admin/users/:id/referrer/logs
func (h *Handler) ListLogs(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid user id",
		})
		return
	}

	if h.service.logs == nil {
		c.JSON(http.StatusOK, gin.H{"logs": []any{}, "count": 0})
		return
	}
	logs, err := h.service.logs.ListByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "referral_failed",
			"message": "Failed to load change logs",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "count": len(logs)})
}
