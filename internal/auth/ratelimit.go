package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/PratikDhanave/event-analytics-pipeline/internal/metrics"
)

// RateLimiter holds one token bucket per project. It must run after
// APIKeyMiddleware.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter allows perMinute requests per project, with bursts up to
// the same amount. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{limiters: make(map[string]*rate.Limiter)}
	if perMinute <= 0 {
		rl.limit = rate.Inf
		return rl
	}
	rl.limit = rate.Every(time.Minute / time.Duration(perMinute))
	rl.burst = perMinute
	return rl
}

func (rl *RateLimiter) limiter(projectID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.limiters[projectID]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[projectID] = l
	}
	return l
}

func (rl *RateLimiter) allow(projectID string) bool {
	return rl.limiter(projectID).Allow()
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.allow(ProjectID(c)) {
			c.Next()
			return
		}

		metrics.RateLimited.Inc()
		if rl.limit != rate.Inf {
			retry := time.Duration(float64(time.Second) / float64(rl.limit))
			c.Header("Retry-After", strconv.Itoa(max(1, int(retry.Seconds()))))
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"status": "error", "message": "rate limit exceeded"})
	}
}
