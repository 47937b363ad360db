package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig sizes a token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
	// Key picks the bucket for a request. The default is the x-api-key
	// header, or the client IP for requests without one.
	Key func(*gin.Context) string
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, Burst: 200}
}

func (cfg RateLimitConfig) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
}

// RateLimit gives every key its own bucket.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	key := cfg.Key
	if key == nil {
		key = apiKeyOrIP
	}
	var buckets sync.Map
	return throttle(func(c *gin.Context) *rate.Limiter {
		k := key(c)
		if l, ok := buckets.Load(k); ok {
			return l.(*rate.Limiter)
		}
		l, _ := buckets.LoadOrStore(k, cfg.limiter())
		return l.(*rate.Limiter)
	})
}

// GlobalRateLimit shares one bucket across all requests.
func GlobalRateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	l := cfg.limiter()
	return throttle(func(*gin.Context) *rate.Limiter { return l })
}

func apiKeyOrIP(c *gin.Context) string {
	if k := c.GetHeader("x-api-key"); k != "" {
		return "key:" + k
	}
	return "ip:" + c.ClientIP()
}

// throttle answers 429 when the request's bucket has no token now. The
// Retry-After header carries whole seconds until one frees up, at least 1.
func throttle(pick func(*gin.Context) *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		r := pick(c).Reserve()
		wait := time.Second
		if r.OK() {
			d := r.Delay()
			if d == 0 {
				c.Next()
				return
			}
			r.Cancel()
			wait = d
		}

		secs := max(int(math.Ceil(wait.Seconds())), 1)
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate limit exceeded",
			"retry_after": (time.Duration(secs) * time.Second).String(),
		})
	}
}
