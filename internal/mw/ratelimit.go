package mw

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// idleLimiterTTL is how long a key's limiter survives without traffic.
const idleLimiterTTL = 10 * time.Minute

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(c *gin.Context) string

// ByClientIP counts requests per client address.
func ByClientIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByParamOrIP counts requests per route parameter (a polling device, say) and falls
// back to the client address when the parameter is absent.
func ByParamOrIP(param string) KeyFunc {
	return func(c *gin.Context) string {
		if v := c.Param(param); v != "" {
			return param + ":" + v
		}
		return c.ClientIP()
	}
}

// KeyedRateLimiter stores a token bucket per key. Idle buckets expire.
type KeyedRateLimiter struct {
	limiters *cache.Cache
	r        rate.Limit
	b        int
}

// NewKeyedRateLimiter creates a new KeyedRateLimiter.
func NewKeyedRateLimiter(r rate.Limit, b int) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: cache.New(idleLimiterTTL, 2*idleLimiterTTL),
		r:        r,
		b:        b,
	}
}

// GetLimiter returns the limiter for key, creating it on first use.
func (k *KeyedRateLimiter) GetLimiter(key string) *rate.Limiter {
	if l, ok := k.limiters.Get(key); ok {
		limiter := l.(*rate.Limiter)
		k.limiters.SetDefault(key, limiter)
		return limiter
	}

	limiter := rate.NewLimiter(k.r, k.b)
	// Add fails if another request created the limiter first.
	if err := k.limiters.Add(key, limiter, cache.DefaultExpiration); err != nil {
		if l, ok := k.limiters.Get(key); ok {
			return l.(*rate.Limiter)
		}
	}
	return limiter
}

// RateLimiter is a middleware for keyed rate limiting.
func RateLimiter(r rate.Limit, b int, key KeyFunc) gin.HandlerFunc {
	limiter := NewKeyedRateLimiter(r, b)
	return func(c *gin.Context) {
		if !limiter.GetLimiter(key(c)).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}
