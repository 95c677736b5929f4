package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

func newMiddlewareRouter(t *testing.T, apiRate string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := testConfig()
	cfg.RateLimitAPI = apiRate
	e, err := NewEngine(cfg, nil, testingclock.NewFakeClock(time.Now()))
	require.NoError(t, err)

	r := gin.New()
	r.Use(e.Middleware(func(c *gin.Context) string { return c.ClientIP() }))
	r.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestMiddleware_SetsRateHeaders(t *testing.T) {
	r := newMiddlewareRouter(t, "100-M")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "100", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestMiddleware_DeniesWithEnvelope(t *testing.T) {
	r := newMiddlewareRouter(t, "2-M")

	var w *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		w = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
		r.ServeHTTP(w, req)
	}

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var body struct {
		Error struct {
			Code       string `json:"code"`
			Message    string `json:"message"`
			RetryAfter int64  `json:"retry_after"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error.Code)
	assert.Greater(t, body.Error.RetryAfter, int64(0))
}

func TestMiddleware_IndependentClients(t *testing.T) {
	r := newMiddlewareRouter(t, "2-M")

	deny := httptest.NewRecorder()
	for i := 0; i < 3; i++ {
		deny = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		r.ServeHTTP(deny, req)
	}
	require.Equal(t, http.StatusTooManyRequests, deny.Code)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_BlockedRequestKeepsHeaders(t *testing.T) {
	r := newMiddlewareRouter(t, "1-M")

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Now()
	d := Decision{Allowed: false, ResetAt: now.Add(30 * time.Second)}
	assert.Equal(t, 30*time.Second, d.RetryAfter(now))

	allowed := Decision{Allowed: true, ResetAt: now.Add(30 * time.Second)}
	assert.Equal(t, time.Duration(0), allowed.RetryAfter(now))

	expired := Decision{Allowed: false, ResetAt: now.Add(-time.Second)}
	assert.Equal(t, time.Duration(0), expired.RetryAfter(now))
}
