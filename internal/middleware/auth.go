package middleware

import (
	"net/http"

	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/internal/service"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// MethodHashMiddleware requires every request to carry X-secret set to
// base64(HMAC-SHA256(secret, method)). Mismatches are answered with
// Suspicious and never reach a backend.
func MethodHashMiddleware(secret []byte, counter RequestCounter, logger *logger.Logger) Middleware {
	log := logger.MiddlewareLogger("method_hash")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !service.VerifyMethod(secret, r.Method, r.Header.Get(service.SecretHeader)) {
				if counter != nil {
					counter.IncrementRejected("method_hash")
				}
				log.WithField("client_ip", RequestIP(r)).WithField("method", r.Method).
					Warn("Method signature mismatch")
				WriteError(w, lberrors.NewError(lberrors.ErrCodeSuspicious, "method_hash", "method signature mismatch"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
