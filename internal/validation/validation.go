// Package validation provides input validation middleware and helpers.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxNoteLength bounds free-text fields (transfer notes, refund reasons).
const MaxNoteLength = 500

var (
	phoneRegex   = regexp.MustCompile(`^1[3-9]\d{9}$`)
	orderNoRegex = regexp.MustCompile(`^ORD\d{14}[A-Z0-9]{6}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPhone checks a mainland mobile number used as the user lookup key.
func IsValidPhone(s string) bool {
	return phoneRegex.MatchString(s)
}

// IsValidOrderNo checks the ORD-prefixed order number format.
func IsValidOrderNo(s string) bool {
	return orderNoRegex.MatchString(s)
}

// SanitizeNote trims whitespace, strips null bytes and bounds length.
func SanitizeNote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > MaxNoteLength {
		s = s[:MaxNoteLength]
	}
	return s
}
