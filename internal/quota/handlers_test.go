package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwang-dev/courseledger/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRecordsServer(t *testing.T, userID int64, store Store) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.CtxUserID, userID)
		c.Next()
	})
	NewHandler(NewService(store, nil)).RegisterRoutes(&r.RouterGroup)
	return r
}

func listRecords(t *testing.T, r *gin.Engine, query string) (records []json.RawMessage, nextCursor string, hasMore bool) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/quota/records"+query, nil)
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Records    []json.RawMessage `json:"records"`
		NextCursor string            `json:"nextCursor"`
		HasMore    bool              `json:"hasMore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Records, resp.NextCursor, resp.HasMore
}

func TestListRecordsPaginates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateRecord(ctx, &Record{
			FromUserID: 1,
			ToUserID:   2,
			Count:      1,
			Note:       fmt.Sprintf("batch %d", i),
		}))
	}

	r := newRecordsServer(t, 1, store)

	var seen []json.RawMessage
	cursor := ""
	pages := 0
	for {
		query := "?limit=2"
		if cursor != "" {
			query += "&cursor=" + cursor
		}
		records, next, more := listRecords(t, r, query)
		seen = append(seen, records...)
		pages++
		if !more {
			break
		}
		require.NotEmpty(t, next)
		cursor = next
	}

	assert.Equal(t, 5, len(seen))
	assert.Equal(t, 3, pages)
}

func TestListRecordsRejectsBadCursor(t *testing.T) {
	r := newRecordsServer(t, 1, NewMemoryStore())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/quota/records?cursor=%25%25not-base64", nil)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListRecordsEmpty(t *testing.T) {
	r := newRecordsServer(t, 1, NewMemoryStore())

	records, next, more := listRecords(t, r, "")
	assert.Empty(t, records)
	assert.Empty(t, next)
	assert.False(t, more)
}
