package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited is returned when the remote API refused a request for rate reasons.
	ErrRateLimited = errors.New("rate limited")
	// ErrTransport covers attachment download and decode failures.
	ErrTransport = errors.New("transport failure")
	// ErrInvalidImage means the image cannot contain the sampled coordinate.
	ErrInvalidImage = errors.New("invalid image")
	// ErrCacheUnavailable is reported when the cache backend cannot be reached.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

// RateLimitError carries the server-suggested wait, if any.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryHint exposes RetryAfter to backoff policies.
func (e *RateLimitError) RetryHint() time.Duration {
	return e.RetryAfter
}
