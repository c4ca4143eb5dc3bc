package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusAndKind(t *testing.T) {
	tests := []struct {
		err    error
		status int
		kind   string
	}{
		{NewNoHealthyServerError(), http.StatusBadGateway, "NoHealthyServer"},
		{NewTimeoutError("a:1", context.DeadlineExceeded), http.StatusBadGateway, "TimeoutError"},
		{NewUpstreamError("a:1", fmt.Errorf("reset")), http.StatusBadGateway, "BadRequest"},
		{NewDDoSSuspectError("6.6.6.6"), http.StatusForbidden, "DDoSSuspect"},
		{NewError(ErrCodeSuspicious, "t", "m"), http.StatusForbidden, "Suspicious"},
		{NewError(ErrCodeInvalidUserAgent, "t", "m"), http.StatusForbidden, "InvalidUserAgent"},
		{NewError(ErrCodeVerificationFailed, "t", "m"), http.StatusForbidden, "VerificationFailed"},
		{NewRateLimitError("1.1.1.1", 5), http.StatusTooManyRequests, "RateLimited"},
		{NewError(ErrCodeOverloaded, "t", "m"), http.StatusServiceUnavailable, "Overloaded"},
		{NewError(ErrCodeRequestTooLarge, "t", "m"), http.StatusRequestEntityTooLarge, "PayloadTooLarge"},
		{NewError(ErrCodeHealthCheckFailed, "t", "m"), http.StatusBadGateway, "HealthCheckFailed"},
		{fmt.Errorf("plain"), http.StatusInternalServerError, "InternalError"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.status, GetHTTPStatusCode(tt.err), tt.err.Error())
		assert.Equal(t, tt.kind, GetKind(tt.err), tt.err.Error())
	}
}

func TestWrappedCodes(t *testing.T) {
	cause := context.DeadlineExceeded
	err := fmt.Errorf("attempt 2: %w", NewTimeoutError("a:1", cause))

	assert.True(t, HasCode(err, ErrCodeUpstreamTimeout))
	assert.False(t, HasCode(err, ErrCodeUpstreamFailure))
	assert.Equal(t, ErrCodeUpstreamTimeout, GetErrorCode(err))
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsLoadBalancerError(err))
	assert.Nil(t, WrapError(nil, ErrCodeInternalError, "t", "m"))
}
