package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Routing and upstream errors
	ErrCodeNoHealthyServer   ErrorCode = "NO_HEALTHY_SERVER"
	ErrCodeUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCodeUpstreamFailure   ErrorCode = "UPSTREAM_FAILURE"
	ErrCodeHealthCheckFailed ErrorCode = "HEALTH_CHECK_FAILED"
	ErrCodeOverloaded        ErrorCode = "OVERLOADED"

	// Request screening errors
	ErrCodeInvalidUserAgent   ErrorCode = "INVALID_USER_AGENT"
	ErrCodeSuspicious         ErrorCode = "SUSPICIOUS"
	ErrCodeDDoSSuspect        ErrorCode = "DDOS_SUSPECT"
	ErrCodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"
	ErrCodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeRequestTooLarge    ErrorCode = "REQUEST_TOO_LARGE"

	// Pipeline errors
	ErrCodeCompression     ErrorCode = "COMPRESSION"
	ErrCodeProvisionFailed ErrorCode = "PROVISION_FAILED"
	ErrCodeConfigLoad      ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInternalError   ErrorCode = "INTERNAL_ERROR"
)

// kinds are the names clients see in the response body.
var kinds = map[ErrorCode]string{
	ErrCodeNoHealthyServer:    "NoHealthyServer",
	ErrCodeUpstreamTimeout:    "TimeoutError",
	ErrCodeUpstreamFailure:    "BadRequest",
	ErrCodeHealthCheckFailed:  "HealthCheckFailed",
	ErrCodeOverloaded:         "Overloaded",
	ErrCodeInvalidUserAgent:   "InvalidUserAgent",
	ErrCodeSuspicious:         "Suspicious",
	ErrCodeDDoSSuspect:        "DDoSSuspect",
	ErrCodeVerificationFailed: "VerificationFailed",
	ErrCodeRateLimitExceeded:  "RateLimited",
	ErrCodeRequestTooLarge:    "PayloadTooLarge",
	ErrCodeCompression:        "CompressionFailed",
	ErrCodeProvisionFailed:    "ProvisionFailed",
	ErrCodeConfigLoad:         "ConfigLoadFailed",
	ErrCodeInternalError:      "InternalError",
}

// LoadBalancerError represents a structured error with context
type LoadBalancerError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *LoadBalancerError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s: %s", e.Code, e.Component, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *LoadBalancerError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *LoadBalancerError) Is(target error) bool {
	if t, ok := target.(*LoadBalancerError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *LoadBalancerError) WithMetadata(key string, value interface{}) *LoadBalancerError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Kind returns the short name written to clients
func (e *LoadBalancerError) Kind() string {
	if kind, ok := kinds[e.Code]; ok {
		return kind
	}
	return kinds[ErrCodeInternalError]
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *LoadBalancerError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeDDoSSuspect, ErrCodeInvalidUserAgent, ErrCodeSuspicious, ErrCodeVerificationFailed:
		return http.StatusForbidden
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeOverloaded:
		return http.StatusServiceUnavailable
	case ErrCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}

// NewError creates a new LoadBalancerError
func NewError(code ErrorCode, component, message string) *LoadBalancerError {
	return &LoadBalancerError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with LoadBalancerError structure
func WrapError(err error, code ErrorCode, component, message string) *LoadBalancerError {
	if err == nil {
		return nil
	}

	return &LoadBalancerError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// NewNoHealthyServerError is returned when every registered server is inactive
func NewNoHealthyServerError() *LoadBalancerError {
	return NewError(ErrCodeNoHealthyServer, "selector", "no healthy server available")
}

// NewTimeoutError reports an upstream dispatch that exceeded the request timeout
func NewTimeoutError(address string, cause error) *LoadBalancerError {
	return WrapError(cause, ErrCodeUpstreamTimeout, "load_balancer",
		fmt.Sprintf("server %s timed out", address)).WithMetadata("server", address)
}

// NewUpstreamError reports a failed upstream dispatch
func NewUpstreamError(address string, cause error) *LoadBalancerError {
	return WrapError(cause, ErrCodeUpstreamFailure, "load_balancer",
		fmt.Sprintf("server %s failed", address)).WithMetadata("server", address)
}

// NewDDoSSuspectError is returned for requests from banned addresses
func NewDDoSSuspectError(clientIP string) *LoadBalancerError {
	return NewError(ErrCodeDDoSSuspect, "defense",
		fmt.Sprintf("client %s is banned", clientIP)).WithMetadata("client_ip", clientIP)
}

// NewRateLimitError creates an error for the per-client hard limiter
func NewRateLimitError(clientIP string, limit float64) *LoadBalancerError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("rate limit exceeded for client %s (limit: %.2f/s)", clientIP, limit),
	).WithMetadata("client_ip", clientIP)
}

// IsLoadBalancerError checks if an error is a LoadBalancerError
func IsLoadBalancerError(err error) bool {
	var lbErr *LoadBalancerError
	return errors.As(err, &lbErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var lbErr *LoadBalancerError
	if errors.As(err, &lbErr) {
		return lbErr.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code anywhere in its chain
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &LoadBalancerError{Code: code})
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var lbErr *LoadBalancerError
	if errors.As(err, &lbErr) {
		return lbErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}

// GetKind returns the client-visible kind of err
func GetKind(err error) string {
	var lbErr *LoadBalancerError
	if errors.As(err, &lbErr) {
		return lbErr.Kind()
	}
	return kinds[ErrCodeInternalError]
}
