package points

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kwang-dev/courseledger/internal/auth"
)

// Handler provides HTTP endpoints over the ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up authenticated ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/points", h.GetBalances)
	r.GET("/points/history", h.GetHistory)
}

// GetBalances handles GET /v1/points
func (h *Handler) GetBalances(c *gin.Context) {
	userID := auth.CallerID(c)

	balances, err := h.service.Store().Balances(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_failed",
			"message": "Failed to load balances",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"merit":         balances[BucketMerit],
		"cashAvailable": balances[BucketCashAvailable],
		"cashFrozen":    balances[BucketCashFrozen],
		"cashPending":   balances[BucketCashPending],
	})
}

// GetHistory handles GET /v1/points/history?bucket=&limit=&offset=
func (h *Handler) GetHistory(c *gin.Context) {
	userID := auth.CallerID(c)

	bucket := Bucket(c.Query("bucket"))
	if bucket != "" && !bucket.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unknown bucket",
		})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	entries, err := h.service.Store().History(c.Request.Context(), userID, bucket, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_failed",
			"message": "Failed to load history",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}
