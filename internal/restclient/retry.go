package restclient

import (
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how transient failures are retried.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	// MaxRateLimitWaits bounds how many venue rate limit responses a single call tolerates.
	MaxRateLimitWaits int
	// Retryable reports whether a response status is a transient venue failure.
	Retryable func(status int) bool
}

// DefaultRetryPolicy retries gateway errors and the 520-599 edge range.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       4,
		InitialInterval:   200 * time.Millisecond,
		MaxInterval:       5 * time.Second,
		Multiplier:        2,
		Jitter:            0.2,
		MaxRateLimitWaits: 8,
		Retryable:         IsEdgeStatus,
	}
}

// IsEdgeStatus matches gateway timeouts and CDN/WAF edge errors.
func IsEdgeStatus(status int) bool {
	switch {
	case status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable,
		status == http.StatusGatewayTimeout:
		return true
	case status >= 520 && status <= 599:
		return true
	default:
		return false
	}
}

// IsRateLimitStatus matches responses asking the caller to slow down.
func IsRateLimitStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusTeapot
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.Multiplier <= 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	if p.MaxRateLimitWaits <= 0 {
		p.MaxRateLimitWaits = def.MaxRateLimitWaits
	}
	if p.Retryable == nil {
		p.Retryable = def.Retryable
	}
	return p
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// retryAfter reads the Retry-After header as seconds or an HTTP date.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		return at.Sub(now)
	}
	return 0
}
