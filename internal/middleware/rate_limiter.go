package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/pkg/logger"
	"golang.org/x/time/rate"
)

// RateLimitConfig configures the per-client hard limiter
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL is how long an unused client limiter is retained
	IdleTTL time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a token bucket per client IP
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	counter  RequestCounter
	logger   *logger.Logger
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimitConfig, counter RequestCounter, logger *logger.Logger) *RateLimiter {
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	idle := config.IdleTTL
	if idle <= 0 {
		idle = 5 * time.Minute
	}

	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		rate:     rate.Limit(config.RequestsPerSecond),
		burst:    burst,
		idleTTL:  idle,
		counter:  counter,
		logger:   logger.MiddlewareLogger("rate_limiter"),
	}
}

// Allow reports whether ip may issue another request at now
func (rl *RateLimiter) Allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	cl, exists := rl.limiters[ip]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[ip] = cl
	}
	cl.lastSeen = now
	rl.mu.Unlock()

	return cl.limiter.AllowN(now, 1)
}

// Cleanup drops limiters that have been idle longer than the TTL and
// returns how many were removed.
func (rl *RateLimiter) Cleanup(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for ip, cl := range rl.limiters {
		if now.Sub(cl.lastSeen) > rl.idleTTL {
			delete(rl.limiters, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.WithField("removed", removed).Debug("Cleaned up idle rate limiters")
	}
	return removed
}

// RateLimitMiddleware rejects clients over their limit with 429
func (rl *RateLimiter) RateLimitMiddleware() Middleware {
	limit := fmt.Sprintf("%.2f", float64(rl.rate))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := RequestIP(r)

			if !rl.Allow(clientIP, time.Now()) {
				rl.logger.WithFields(map[string]interface{}{
					"client_ip": clientIP,
					"path":      r.URL.Path,
					"method":    r.Method,
				}).Warn("Rate limit exceeded")

				if rl.counter != nil {
					rl.counter.IncrementRejected("rate_limit")
				}

				w.Header().Set("X-RateLimit-Limit", limit)
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Retry-After", "1")
				WriteError(w, lberrors.NewRateLimitError(clientIP, float64(rl.rate)))
				return
			}

			w.Header().Set("X-RateLimit-Limit", limit)
			next.ServeHTTP(w, r)
		})
	}
}

// StartCleanup runs Cleanup every interval until stop is closed
func (rl *RateLimiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				rl.Cleanup(now)
			case <-stop:
				return
			}
		}
	}()
}

// GetStats returns rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	return map[string]interface{}{
		"active_limiters":     len(rl.limiters),
		"requests_per_second": float64(rl.rate),
		"burst_size":          rl.burst,
	}
}
