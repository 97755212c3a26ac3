// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// AuthenticationError covers bad webhook signatures and missing or expired
// credentials.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// NotFoundError is returned when no connection, installation or entity exists
// for the requested scope.
type NotFoundError struct {
	Resource string
	Key      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

// RateLimitError is a retryable platform error carrying the duration after
// which the caller may resume.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("platform rate limit exceeded, retry after %s", e.RetryAfter)
}

// ExternalServiceError is a non-rate-limit platform failure.
type ExternalServiceError struct {
	Op  string
	Err error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external platform error during %s: %v", e.Op, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ValidationError covers malformed webhook headers and payloads.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsRetryable reports whether err is a rate-limit error the caller may wait
// out and retry.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
