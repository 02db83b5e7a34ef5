package authority

import (
	"fmt"
	"strings"
	"time"
)

// NetworkError wraps transport-level failures, including request timeouts.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("authority network error: %v", e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a 5xx response from the authority.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("authority server error (%d): %s", e.StatusCode, e.Body)
}

// RateLimitError is a 429 response. RetryAfter carries the server hint when
// one was provided; the queue's backoff schedule still governs the retry.
type RateLimitError struct {
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("authority rate limited (retry after %s): %s", e.RetryAfter, e.Body)
}

// ValidationError means the authority rejected the document content. It is
// terminal: retrying the same document cannot succeed.
type ValidationError struct {
	StatusCode int
	Details    []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("authority rejected document (%d): %s", e.StatusCode, strings.Join(e.Details, "; "))
}
