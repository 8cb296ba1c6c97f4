package httpserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	defaultWebhookRateLimit  = 120
	defaultWebhookRateWindow = time.Minute
	sweepInterval            = 5 * time.Minute
)

// RateLimiter provides per-IP rate limiting for the webhook endpoint. State
// is process-local and guarded by a mutex; it shares nothing with the
// ledger.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter with the given limit per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultWebhookRateLimit
	}
	if window <= 0 {
		window = defaultWebhookRateWindow
	}
	return &RateLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks whether the given IP is within the rate limit.
func (limiter *RateLimiter) Allow(ip string) bool {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-limiter.window)

	valid := limiter.attempts[ip][:0]
	for _, attempt := range limiter.attempts[ip] {
		if attempt.After(cutoff) {
			valid = append(valid, attempt)
		}
	}

	if len(valid) >= limiter.limit {
		limiter.attempts[ip] = valid
		return false
	}

	limiter.attempts[ip] = append(valid, now)
	return true
}

// Middleware rejects over-limit clients with 429.
func (limiter *RateLimiter) Middleware() gin.HandlerFunc {
	return func(ginContext *gin.Context) {
		if !limiter.Allow(ginContext.ClientIP()) {
			ginContext.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		ginContext.Next()
	}
}

// Sweep drops idle IP entries on a fixed cadence until ctx is cancelled,
// keeping the attempt map from growing without bound.
func (limiter *RateLimiter) Sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.sweepOnce(time.Now())
		}
	}
}

func (limiter *RateLimiter) sweepOnce(now time.Time) {
	cutoff := now.Add(-limiter.window)
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	for ip, attempts := range limiter.attempts {
		live := false
		for _, attempt := range attempts {
			if attempt.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(limiter.attempts, ip)
		}
	}
}
