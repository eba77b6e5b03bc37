package mw

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(r *gin.Engine, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_PerDevice(t *testing.T) {
	r := gin.New()
	r.GET("/devices/:device_id/commands", RateLimiter(rate.Every(time.Hour), 2, ByParamOrIP("device_id")), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/devices/hub-1/commands", nil).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/devices/hub-1/commands", nil).Code)

	w := serve(r, http.MethodGet, "/devices/hub-1/commands", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, w.Body.String())

	// another device has its own bucket
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/devices/hub-2/commands", nil).Code)
}

func TestKeyedRateLimiter_ReusesLimiter(t *testing.T) {
	l := NewKeyedRateLimiter(rate.Limit(1), 1)
	assert.Same(t, l.GetLimiter("a"), l.GetLimiter("a"))
	assert.NotSame(t, l.GetLimiter("a"), l.GetLimiter("b"))
}

func TestCache(t *testing.T) {
	var calls atomic.Int32
	r := gin.New()
	r.GET("/acks", Cache(cache.New(time.Minute, time.Minute), time.Minute), func(c *gin.Context) {
		n := calls.Add(1)
		if c.Query("fail") != "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"n": n})
	})

	w := serve(r, http.MethodGet, "/acks?partition=slave", nil)
	assert.Equal(t, "MISS", w.Header().Get(CacheHeader))
	assert.JSONEq(t, `{"n":1}`, w.Body.String())

	w = serve(r, http.MethodGet, "/acks?partition=slave", nil)
	assert.Equal(t, "HIT", w.Header().Get(CacheHeader))
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, w.Body.String())

	// a different query is a different entry
	w = serve(r, http.MethodGet, "/acks?partition=master", nil)
	assert.JSONEq(t, `{"n":2}`, w.Body.String())

	w = serve(r, http.MethodGet, "/acks?partition=slave", map[string]string{"Cache-Control": "no-cache"})
	assert.Equal(t, "MISS", w.Header().Get(CacheHeader))
	assert.JSONEq(t, `{"n":3}`, w.Body.String())

	// the bypass refreshed the entry
	w = serve(r, http.MethodGet, "/acks?partition=slave", nil)
	assert.JSONEq(t, `{"n":3}`, w.Body.String())

	serve(r, http.MethodGet, "/acks?fail=1", nil)
	w = serve(r, http.MethodGet, "/acks?fail=1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "MISS", w.Header().Get(CacheHeader))
	assert.Equal(t, int32(5), calls.Load())
}

func TestTimeoutSetsDeadline(t *testing.T) {
	r := gin.New()
	r.GET("/", Timeout(time.Second), func(c *gin.Context) {
		deadline, ok := c.Request.Context().Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
		c.Status(http.StatusNoContent)
	})
	assert.Equal(t, http.StatusNoContent, serve(r, http.MethodGet, "/", nil).Code)
}

func TestRecoveryAndRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Logger(zap.NewNop()), Recovery(zap.NewNop()))
	r.GET("/boom", func(c *gin.Context) { panic("relay table corrupt") })

	w := serve(r, http.MethodGet, "/boom", map[string]string{"X-Request-ID": "req-7"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "req-7", w.Header().Get("X-Request-ID"))
	assert.JSONEq(t, `{"error":"internal server error"}`, w.Body.String())

	w = serve(r, http.MethodGet, "/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
