package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/metrics"
)

// idleLimiterTTL is how long an unused client bucket is kept
const idleLimiterTTL = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per API client or remote address.
// A non-positive rate disables limiting.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with the given burst
func NewRateLimiter(rps int, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		buckets: make(map[string]*clientBucket),
		rate:    rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether requests are limited at all
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.rate > 0
}

// reserve takes a token for key and returns how long the caller must wait
// for the next one when none is left
func (rl *RateLimiter) reserve(key string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rate, rl.burst), lastSeen: now}
		rl.buckets[key] = b
		rl.evictIdle(now)
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := b.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

// evictIdle drops buckets unused for idleLimiterTTL. Callers hold mu.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > idleLimiterTTL {
			delete(rl.buckets, key)
		}
	}
}

// clients returns the number of tracked buckets
func (rl *RateLimiter) clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// RateLimit rejects requests over the limit with 429 and a Retry-After hint.
// Authenticated clients are keyed by id, others by address.
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Enabled() {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		if id, ok := GetClientID(c); ok {
			key = "client:" + id
		}

		ok, wait := rl.reserve(key)
		if !ok {
			metrics.RecordError("api", "rate_limited")
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			return
		}

		c.Next()
	}
}
