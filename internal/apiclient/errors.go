package apiclient

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitExceeded is returned instead of blocking when the budget for a
// credential is exhausted, either locally or as reported by the remote API.
type RateLimitExceeded struct {
	ResumeAt time.Time
	Reason   string
}

func (e *RateLimitExceeded) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s), resumes at %s", e.Reason, e.ResumeAt.Format(time.RFC3339))
}

// RetryAfter is how long the caller should wait before trying again.
func (e *RateLimitExceeded) RetryAfter() time.Duration {
	if d := time.Until(e.ResumeAt); d > 0 {
		return d
	}
	return 0
}

// TransientError wraps network failures and 5xx responses.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalAuthError means the credential was rejected. Retrying will not help.
type FatalAuthError struct {
	StatusCode int
	Message    string
}

func (e *FatalAuthError) Error() string {
	return fmt.Sprintf("authentication failed: status %d: %s", e.StatusCode, e.Message)
}

// StatusError is a non-2xx response that is neither retryable nor an auth
// failure (404, 422, ...). Connectors decide what it means.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err should go through the backoff path.
func IsRetryable(err error) bool {
	var rl *RateLimitExceeded
	var te *TransientError
	return errors.As(err, &rl) || errors.As(err, &te)
}

// IsFatal reports whether err must abort the job for its scope.
func IsFatal(err error) bool {
	var fa *FatalAuthError
	return errors.As(err, &fa)
}

// HasStatus reports whether err is a StatusError with the given code.
func HasStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}
