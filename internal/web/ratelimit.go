package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// ClientRateLimiter throttles requests per client IP. It fronts the resend
// endpoint so one address cannot burn through the mail relay quota.
type ClientRateLimiter struct {
	limit rate.Limit
	burst int

	mutex    sync.Mutex
	limiters map[string]*clientLimiter
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// NewClientRateLimiter creates a limiter allowing ratePerMinute requests per
// minute per client with the given burst.
func NewClientRateLimiter(ratePerMinute float64, burst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limit:    rate.Limit(ratePerMinute / 60.0),
		burst:    burst,
		limiters: make(map[string]*clientLimiter),
	}
}

// Allow reports whether the client may proceed and consumes one slot when it
// may. Stale entries are purged opportunistically.
func (rateLimiter *ClientRateLimiter) Allow(clientKey string) bool {
	rateLimiter.mutex.Lock()
	defer rateLimiter.mutex.Unlock()

	now := time.Now()
	entry, exists := rateLimiter.limiters[clientKey]
	if !exists {
		entry = &clientLimiter{limiter: rate.NewLimiter(rateLimiter.limit, rateLimiter.burst)}
		rateLimiter.limiters[clientKey] = entry
	}
	entry.lastAccess = now

	for key, candidate := range rateLimiter.limiters {
		if now.Sub(candidate.lastAccess) > 10*time.Minute {
			delete(rateLimiter.limiters, key)
		}
	}

	return entry.limiter.Allow()
}

// Middleware rejects over-limit clients with 429.
func (rateLimiter *ClientRateLimiter) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !rateLimiter.Allow(contextGin.ClientIP()) {
			contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		contextGin.Next()
	}
}
