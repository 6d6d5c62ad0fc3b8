package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is an in-memory per-client token bucket. Classroom cameras
// post motion events in bursts, so the bucket allows a burst up to
// capacity and refills at the per-minute rate.
type RateLimiter struct {
	capacity int
	perMin   int

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter creates a limiter refilling perMinute tokens with burst
// capacity. A zero capacity defaults to the per-minute rate.
func NewRateLimiter(capacity, perMinute int) *RateLimiter {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &RateLimiter{
		capacity: capacity,
		perMin:   perMinute,
		buckets:  make(map[string]*bucket),
	}
}

// Gin returns a handler limiting by client IP.
func (l *RateLimiter) Gin() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if !l.Allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// Allow consumes one token for the key if available.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.pruneLocked(now)
		l.buckets[key] = &bucket{tokens: float64(l.capacity) - 1, lastSeen: now}
		return true
	}

	b.tokens += now.Sub(b.lastSeen).Minutes() * float64(l.perMin)
	if b.tokens > float64(l.capacity) {
		b.tokens = float64(l.capacity)
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// pruneLocked drops buckets idle long enough to be full again.
func (l *RateLimiter) pruneLocked(now time.Time) {
	idle := 2 * time.Minute
	if l.perMin > 0 {
		idle = time.Duration(float64(l.capacity)/float64(l.perMin)*2) * time.Minute
		if idle < 2*time.Minute {
			idle = 2 * time.Minute
		}
	}
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, key)
		}
	}
}
