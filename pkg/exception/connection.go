package exception

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConnectionClose  = errors.New("connection closed")
	ErrTransientNetwork = errors.New("network: transient failure")
	ErrRateLimited      = errors.New("network: rate limit exceeded")
	ErrStreamClosed     = errors.New("stream: closed by remote")
)

// HTTPError carries a non-success response that was not decoded into a venue payload.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, body)
}

// RateLimitError is returned by the transport when the venue asks the caller to back off.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited with status %d, retry after %s", e.StatusCode, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// NetworkError is surfaced once a request gave up on transient failures.
type NetworkError struct {
	Method   string
	Path     string
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempt(s): %v", e.Method, e.Path, e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) Is(target error) bool {
	return target == ErrTransientNetwork
}
