package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueParseRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret")

	token, err := tm.Issue(42, RoleUser)
	require.NoError(t, err)

	id, role, err := tm.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, RoleUser, role)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := NewTokenManager("secret-a").Issue(1, RoleAdmin)
	require.NoError(t, err)

	_, _, err = NewTokenManager("secret-b").Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, _, err := NewTokenManager("s").Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newAuthRouter(tm *TokenManager, adminOnly bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", Middleware(tm))
	if adminOnly {
		g.Use(RequireAdmin())
	}
	g.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": CallerID(c)})
	})
	return r
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	r := newAuthRouter(NewTokenManager("s"), false)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	tm := NewTokenManager("s")
	r := newAuthRouter(tm, false)

	token, _ := tm.Issue(7, RoleUser)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"caller":7`)
}

func TestRequireAdminBlocksUsers(t *testing.T) {
	tm := NewTokenManager("s")
	r := newAuthRouter(tm, true)

	token, _ := tm.Issue(7, RoleUser)
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
