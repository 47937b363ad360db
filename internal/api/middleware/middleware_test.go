package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.POST("/runs/batch", func(c *gin.Context) { c.Status(http.StatusAccepted) })
	return router
}

func send(router http.Handler, method, origin, key, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/runs/batch", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if key != "" {
		req.Header.Set("x-api-key", key)
	}
	if addr != "" {
		req.RemoteAddr = addr
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCORS(t *testing.T) {
	router := setupTestRouter(CORS())

	tests := []struct {
		name           string
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{"simple POST with origin", http.MethodPost, "http://localhost:3000", http.StatusAccepted, true},
		{"preflight", http.MethodOptions, "http://localhost:3000", http.StatusNoContent, true},
		{"no origin header", http.MethodPost, "", http.StatusAccepted, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(router, tt.method, tt.origin, "", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCORSHeader {
				assert.NotEmpty(t, w.Header().Get("Access-Control-Allow-Origin"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestCORSExposesRetryAfter(t *testing.T) {
	router := setupTestRouter(CORS())
	w := send(router, http.MethodPost, "http://localhost:3000", "", "")
	exposed := w.Header().Get("Access-Control-Expose-Headers")
	assert.Contains(t, exposed, "Retry-After")
}

func TestCORSRestrictsOrigins(t *testing.T) {
	router := setupTestRouter(CORS("http://app.local"))

	w := send(router, http.MethodPost, "http://app.local", "", "")
	assert.Equal(t, "http://app.local", w.Header().Get("Access-Control-Allow-Origin"))

	w = send(router, http.MethodPost, "http://evil.local", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCORSConfig(t *testing.T) {
	cfg := corsConfig(nil)
	assert.True(t, cfg.AllowAllOrigins)
	assert.NoError(t, cfg.Validate())
	assert.Contains(t, cfg.AllowMethods, "PATCH")
	assert.Contains(t, cfg.AllowHeaders, "langsmith-trace")
	assert.Contains(t, cfg.AllowHeaders, "baggage")
	assert.Contains(t, cfg.AllowHeaders, "x-api-key")
	assert.Equal(t, 12*time.Hour, cfg.MaxAge)
}

func TestRateLimit(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))

	for i := range 2 {
		w := send(router, http.MethodPost, "", "", "192.168.1.1:1234")
		assert.Equal(t, http.StatusAccepted, w.Code, "request %d", i+1)
	}

	w := send(router, http.MethodPost, "", "", "192.168.1.1:1234")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, secs, 1)
}

func TestRateLimitPerKey(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	// same address, different keys
	assert.Equal(t, http.StatusAccepted, send(router, http.MethodPost, "", "key-a", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusAccepted, send(router, http.MethodPost, "", "key-b", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, send(router, http.MethodPost, "", "key-a", "10.0.0.1:1").Code)

	// no key falls back to the client address
	assert.Equal(t, http.StatusAccepted, send(router, http.MethodPost, "", "", "10.0.0.2:1").Code)
	assert.Equal(t, http.StatusAccepted, send(router, http.MethodPost, "", "", "10.0.0.3:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, send(router, http.MethodPost, "", "", "10.0.0.2:1").Code)
}

func TestRateLimitCustomKey(t *testing.T) {
	router := setupTestRouter(RateLimit(RateLimitConfig{
		RequestsPerSecond: 1,
		Burst:             1,
		Key:               func(*gin.Context) string { return "shared" },
	}))

	assert.Equal(t, http.StatusAccepted, send(router, http.MethodPost, "", "key-a", "10.0.0.1:1").Code)
	assert.Equal(t, http.StatusTooManyRequests, send(router, http.MethodPost, "", "key-b", "10.0.0.2:1").Code)
}

func TestRateLimitZeroBurstRejects(t *testing.T) {
	router := setupTestRouter(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 0}))
	w := send(router, http.MethodPost, "", "", "10.0.0.1:1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestGlobalRateLimit(t *testing.T) {
	router := setupTestRouter(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 2, Burst: 2}))

	assert.Equal(t, http.StatusAccepted, send(router, http.MethodPost, "", "a", "192.168.1.1:1").Code)
	assert.Equal(t, http.StatusAccepted, send(router, http.MethodPost, "", "b", "192.168.1.2:1").Code)

	w := send(router, http.MethodPost, "", "c", "192.168.1.3:1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	assert.Equal(t, 100.0, cfg.RequestsPerSecond)
	assert.Equal(t, 200, cfg.Burst)
}

func BenchmarkRateLimit(b *testing.B) {
	router := setupTestRouter(RateLimit(DefaultRateLimitConfig()))
	req := httptest.NewRequest(http.MethodPost, "/runs/batch", nil)
	req.RemoteAddr = "192.168.1.1:1234"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		router.ServeHTTP(httptest.NewRecorder(), req)
	}
}
