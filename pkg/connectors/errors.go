package connectors

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownProvider is returned by the registry for unrecognized names
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrAuthenticationRequired means the stored token was rejected upstream
	ErrAuthenticationRequired = errors.New("authentication required")

	// ErrPermissionDenied means a scope/consent problem; retrying cannot help
	ErrPermissionDenied = errors.New("permission denied")

	// ErrUpstreamFailure covers 5xx-class provider failures
	ErrUpstreamFailure = errors.New("upstream failure")

	// ErrUnsupported is returned for operations a provider cannot perform
	ErrUnsupported = errors.New("operation not supported")

	// ErrInvalidCursor means the stored cursor was rejected by the provider
	ErrInvalidCursor = errors.New("invalid cursor")
)

// RateLimitedError reports provider backpressure. It is expected flow
// control, not a fault: the executor reschedules without consuming a retry
// attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// RateLimited wraps a Retry-After duration in a RateLimitedError.
func RateLimited(retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter}
}

// AsRateLimited extracts the RetryAfter duration when err is a rate limit.
func AsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// UpstreamFailuref wraps ErrUpstreamFailure with diagnostic context.
// The message must never contain tokens or signatures.
func UpstreamFailuref(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUpstreamFailure, fmt.Sprintf(format, args...))
}
