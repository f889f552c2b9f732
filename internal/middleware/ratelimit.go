// Package middleware also provides per-client rate limiting for the
// admin API, adapted from the teacher's RateLimit middleware (same
// per-IP token-bucket-per-client-with-eviction shape).
package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/meridianchain/pbft/internal/apiresponse"
	"github.com/meridianchain/pbft/internal/config"
)

// RateLimiter holds per-client token buckets.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	cfg      config.RateLimitConfig
}

// NewRateLimiter builds a RateLimiter from cfg.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{limiters: make(map[string]*rate.Limiter), cfg: cfg}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerMinute)/60, rl.cfg.Burst)
	rl.limiters[key] = limiter
	go func() {
		time.Sleep(10 * time.Minute)
		rl.mu.Lock()
		delete(rl.limiters, key)
		rl.mu.Unlock()
	}()
	return limiter
}

// RateLimit applies per-client-IP rate limiting.
func RateLimit(cfg config.RateLimitConfig) gin.HandlerFunc {
	rl := NewRateLimiter(cfg)
	return func(c *gin.Context) {
		limiter := rl.getLimiter(c.ClientIP())
		if !limiter.Allow() {
			c.Header("Retry-After", strconv.Itoa(1))
			c.Header("X-Rate-Limit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
			c.Header("X-Rate-Limit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests, apiresponse.Response{
				Success: false,
				Error: &apiresponse.APIError{
					Code:    "RATE_LIMIT_EXCEEDED",
					Message: "rate limit exceeded, try again later",
					Details: fmt.Sprintf("limit: %d requests per minute", cfg.RequestsPerMinute),
				},
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
