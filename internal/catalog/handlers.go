package catalog

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the catalog.
type Handler struct {
	store Store
	cache *Cache
}

// NewHandler creates a new catalog handler.
func NewHandler(store Store, cache *Cache) *Handler {
	return &Handler{store: store, cache: cache}
}

// RegisterRoutes sets up public catalog routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/courses", h.ListCourses)
	r.GET("/courses/:id", h.GetCourse)
	r.GET("/courses/:id/occurrences", h.ListOccurrences)
	r.GET("/levels", h.ListLevels)
}

// RegisterAdminRoutes sets up admin-only catalog routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/courses", h.UpsertCourse)
	r.POST("/occurrences", h.CreateOccurrence)
	r.PUT("/levels", h.UpsertLevel)
}

// ListCourses handles GET /v1/courses
func (h *Handler) ListCourses(c *gin.Context) {
	courses, err := h.store.ListCourses(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_failed",
			"message": "Failed to list courses",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"courses": courses, "count": len(courses)})
}

// GetCourse handles GET /v1/courses/:id
func (h *Handler) GetCourse(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid course id",
		})
		return
	}

	course, err := h.store.GetCourse(c.Request.Context(), id)
	if errors.Is(err, ErrCourseNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Course not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_failed",
			"message": "Failed to load course",
		})
		return
	}
	c.JSON(http.StatusOK, course)
}

// ListOccurrences handles GET /v1/courses/:id/occurrences
func (h *Handler) ListOccurrences(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid course id",
		})
		return
	}

	occurrences, err := h.store.ListOccurrences(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_failed",
			"message": "Failed to list occurrences",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"occurrences": occurrences, "count": len(occurrences)})
}

// ListLevels handles GET /v1/levels
func (h *Handler) ListLevels(c *gin.Context) {
	levels, err := h.store.ListLevels(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_failed",
			"message": "Failed to list level configs",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"levels": levels, "count": len(levels)})
}

// UpsertCourse handles PUT /v1/admin/courses
func (h *Handler) UpsertCourse(c *gin.Context) {
	var course Course
	if err := c.ShouldBindJSON(&course); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if course.Type != CourseBasic && course.Type != CourseAdvanced {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "type must be basic or advanced",
		})
		return
	}
	if course.Status == "" {
		course.Status = CourseActive
	}

	if err := h.store.UpsertCourse(c.Request.Context(), &course); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_failed",
			"message": "Failed to save course",
		})
		return
	}
	c.JSON(http.StatusOK, course)
}

// CreateOccurrence handles POST /v1/admin/occurrences
func (h *Handler) CreateOccurrence(c *gin.Context) {
	var occ Occurrence
	if err := c.ShouldBindJSON(&occ); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if occ.SeatQuota <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "seatQuota must be positive",
		})
		return
	}
	if _, err := h.store.GetCourse(c.Request.Context(), occ.CourseID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Unknown course",
		})
		return
	}

	if err := h.store.CreateOccurrence(c.Request.Context(), &occ); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_failed",
			"message": "Failed to create occurrence",
		})
		return
	}
	c.JSON(http.StatusCreated, occ)
}

// UpsertLevel handles PUT /v1/admin/levels
func (h *Handler) UpsertLevel(c *gin.Context) {
	var lc LevelConfig
	if err := c.ShouldBindJSON(&lc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if lc.Level <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "level must be positive",
		})
		return
	}

	if err := h.store.UpsertLevel(c.Request.Context(), &lc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "catalog_failed",
			"message": "Failed to save level config",
		})
		return
	}
	if h.cache != nil {
		h.cache.Invalidate()
	}
	c.JSON(http.StatusOK, lc)
}
