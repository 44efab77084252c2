// Package middleware holds gin middleware shared across the HTTP surface.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter implements token bucket rate limiting keyed by client IP.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     int
	capacity int
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// NewRateLimiter builds a limiter allowing rps sustained requests per
// second per client, with a burst capacity of 2x rps.
func NewRateLimiter(rps int) *RateLimiter {
	if rps <= 0 {
		rps = 100
	}
	return &RateLimiter{
		buckets:  make(map[string]*bucket),
		rate:     rps,
		capacity: rps * 2,
	}
}

// Allow reports whether key (typically a client IP) may proceed,
// deducting one token if so. The bucket's own mutex guards its
// refill/debit so concurrent requests from the same key never race.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	b, exists := r.buckets[key]
	if !exists {
		b = &bucket{tokens: float64(r.capacity), lastFill: time.Now()}
		r.buckets[key] = b
	}
	r.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens = minFloat(float64(r.capacity), b.tokens+elapsed*float64(r.rate))
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// CleanupOldBuckets drops buckets untouched for over an hour, bounding
// memory growth under many distinct clients.
func (r *RateLimiter) CleanupOldBuckets() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-1 * time.Hour)
	for key, b := range r.buckets {
		b.mu.Lock()
		stale := b.lastFill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(r.buckets, key)
		}
	}
}

// StartCleanup runs CleanupOldBuckets on a background ticker until the
// returned stop func is called.
func (r *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.CleanupOldBuckets()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// RateLimit returns gin middleware enforcing limiter per client IP.
func RateLimit(limiter *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
