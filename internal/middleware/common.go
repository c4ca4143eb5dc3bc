package middleware

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// Middleware wraps a handler
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one listed runs first
func Chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}

// ClientIP returns the peer address of r. The first X-Forwarded-For entry
// is used only when trustForwarded is set, since clients control it.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequestIP returns the client IP stored by RequestContextMiddleware
func RequestIP(r *http.Request) string {
	if rc, ok := domain.RequestContextFrom(r); ok {
		return rc.ClientIP
	}
	return ClientIP(r, false)
}

// WriteError answers with the status mapped from err and its kind as body
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(lberrors.GetHTTPStatusCode(err))
	w.Write([]byte(lberrors.GetKind(err)))
}

// RequestContextMiddleware attaches a RequestContext with the resolved
// client IP and a request ID.
func RequestContextMiddleware(trustForwarded bool) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := domain.NewRequestContext(r, ClientIP(r, trustForwarded))
			w.Header().Set("X-Request-ID", rc.RequestID)
			next.ServeHTTP(w, domain.WithRequestContext(r, rc))
		})
	}
}

// LoggingMiddleware provides structured request logging
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrappedWriter := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrappedWriter, r)

			var requestLogger *logger.Logger
			if rc, ok := domain.RequestContextFrom(r); ok {
				requestLogger = log.RequestLogger(rc.RequestID, rc.Method, rc.Path, rc.ClientIP)
			} else {
				requestLogger = log.RequestLogger("", r.Method, r.URL.Path, ClientIP(r, false))
			}

			logEntry := requestLogger.WithFields(map[string]interface{}{
				"status_code":   wrappedWriter.statusCode,
				"duration_ms":   time.Since(start).Milliseconds(),
				"response_size": wrappedWriter.size,
			})

			switch {
			case wrappedWriter.statusCode >= 500:
				logEntry.Error("Request completed with error")
			case wrappedWriter.statusCode >= 400:
				logEntry.Warn("Request completed with warning")
			default:
				logEntry.Debug("Request completed")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int64
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// RecoveryMiddleware provides panic recovery with logging
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					var requestID string
					if rc, ok := domain.RequestContextFrom(r); ok {
						requestID = rc.RequestID
					}

					log.WithFields(map[string]interface{}{
						"request_id": requestID,
						"path":       r.URL.Path,
						"method":     r.Method,
						"panic":      err,
					}).Error("Panic recovered in request handler")

					WriteError(w, lberrors.NewError(lberrors.ErrCodeInternalError, "recovery", "panic in handler"))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware adds security headers to admin responses
func SecurityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Cache-Control", "no-store")

			next.ServeHTTP(w, r)
		})
	}
}
