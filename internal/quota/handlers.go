package quota

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kwang-dev/courseledger/internal/auth"
	"github.com/kwang-dev/courseledger/internal/pagination"
	"github.com/kwang-dev/courseledger/internal/validation"
)

// Handler provides HTTP endpoints for quota operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new quota handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated quota routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/quota", h.GetQuota)
	r.POST("/quota/transfer", h.Transfer)
	r.GET("/quota/records", h.ListRecords)
}

// GetQuota handles GET /v1/quota
func (h *Handler) GetQuota(c *gin.Context) {
	userID := auth.CallerID(c)
	ctx := c.Request.Context()

	grants, err := h.service.Store().ListGrants(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "quota_failed",
			"message": "Failed to load quota",
		})
		return
	}
	available := 0
	for _, g := range grants {
		available += g.Remaining()
	}
	c.JSON(http.StatusOK, gin.H{
		"available": available,
		"grants":    grants,
	})
}

// TransferRequest is the body of POST /v1/quota/transfer.
type TransferRequest struct {
	ToPhone string `json:"toPhone" binding:"required"`
	Count   int    `json:"count" binding:"required"`
	Note    string `json:"note"`
}

// Transfer handles POST /v1/quota/transfer
func (h *Handler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidPhone(req.ToPhone) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid recipient phone number",
		})
		return
	}
	if req.Count <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "count must be positive",
		})
		return
	}

	userID := auth.CallerID(c)
	record, err := h.service.Transfer(c.Request.Context(), userID, req.ToPhone, req.Count, validation.SanitizeNote(req.Note))
	if errors.Is(err, ErrInsufficientQuota) {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "insufficient_quota",
			"message": "Not enough remaining quota",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "quota_failed",
			"message": "Transfer failed",
		})
		return
	}

	remaining, err := h.service.Available(c.Request.Context(), userID)
	if err != nil {
		remaining = -1
	}
	c.JSON(http.StatusOK, gin.H{
		"recordId":       record.ID,
		"remainingQuota": remaining,
	})
}

// ListRecords handles GET /v1/quota/records?limit=&cursor=
// Records come back newest first with an opaque cursor for the next page.
func (h *Handler) ListRecords(c *gin.Context) {
	userID := auth.CallerID(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid cursor",
		})
		return
	}

	records, err := h.service.Store().ListRecords(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "quota_failed",
			"message": "Failed to load transfer records",
		})
		return
	}

	if cursor != nil {
		for i, r := range records {
			if r.CreatedAt.Before(cursor.CreatedAt) ||
				(r.CreatedAt.Equal(cursor.CreatedAt) && r.ID < cursor.ID) {
				records = records[i:]
				break
			}
			if i == len(records)-1 {
				records = nil
			}
		}
	}
	if len(records) > limit+1 {
		records = records[:limit+1]
	}

	page, next, more := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"records":    page,
		"count":      len(page),
		"nextCursor": next,
		"hasMore":    more,
	})
}
