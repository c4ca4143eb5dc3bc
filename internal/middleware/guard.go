package middleware

import (
	"net/http"
	"strings"

	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// TrafficObserver is the part of the anomaly detector the guard needs.
// Observe reports false for banned clients, which are not counted.
type TrafficObserver interface {
	Observe(ip string) bool
}

// RequestCounter records request outcomes
type RequestCounter interface {
	IncrementRequests()
	IncrementRejected(reason string)
}

// BanGuard rejects banned clients before any other processing and counts
// everyone else for the current epoch.
func BanGuard(observer TrafficObserver, counter RequestCounter, logger *logger.Logger) Middleware {
	log := logger.MiddlewareLogger("ban_guard")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := RequestIP(r)
			if counter != nil {
				counter.IncrementRequests()
			}

			if !observer.Observe(ip) {
				if counter != nil {
					counter.IncrementRejected("banned")
				}
				log.WithField("client_ip", ip).Debug("Rejected banned client")
				WriteError(w, lberrors.NewDDoSSuspectError(ip))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// UserAgentPolicy rejects requests whose User-Agent is shorter than
// MinLength or contains one of the Blocked substrings (case-insensitive).
type UserAgentPolicy struct {
	MinLength int
	Blocked   []string
}

// Allows reports whether ua passes the policy
func (p UserAgentPolicy) Allows(ua string) bool {
	if len(ua) < p.MinLength {
		return false
	}
	lower := strings.ToLower(ua)
	for _, blocked := range p.Blocked {
		if blocked != "" && strings.Contains(lower, strings.ToLower(blocked)) {
			return false
		}
	}
	return true
}

// UserAgentMiddleware enforces policy
func UserAgentMiddleware(policy UserAgentPolicy, counter RequestCounter, logger *logger.Logger) Middleware {
	log := logger.MiddlewareLogger("user_agent")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ua := r.UserAgent(); !policy.Allows(ua) {
				if counter != nil {
					counter.IncrementRejected("user_agent")
				}
				log.WithField("user_agent", ua).WithField("client_ip", RequestIP(r)).Debug("Rejected user agent")
				WriteError(w, lberrors.NewError(lberrors.ErrCodeInvalidUserAgent, "user_agent", "user agent rejected"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
