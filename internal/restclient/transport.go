package restclient

import (
	"io"
	"net/http"
	"time"

	"github.com/yanun0323/logs"

	"tradeconn/internal/obs"
	"tradeconn/pkg/exception"
)

// LimitResolver maps an outgoing SDK request to a rate limit pool.
type LimitResolver func(r *http.Request) string

// Transport is an http.RoundTripper that charges the budget before every attempt
// and retries body-less GET requests on transient failures.
//
// Rate limits and edge failures never reach the caller as responses: a 429/418
// that is not waited out becomes a RateLimitError and an edge status becomes a
// NetworkError, so an SDK never decodes an HTML error page as a venue answer.
type Transport struct {
	base    http.RoundTripper
	budget  *Budget
	limit   LimitResolver
	policy  RetryPolicy
	metrics *obs.Metrics
}

// HTTPClient exposes the client's transport under the same budget, for SDK based adapters.
func (c *Client) HTTPClient(limit LimitResolver) *http.Client {
	base := c.http.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Timeout: c.timeout,
		Transport: &Transport{
			base:    base,
			budget:  c.budget,
			limit:   limit,
			policy:  c.policy,
			metrics: c.metrics,
		},
	}
}

func (t *Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()
	id := ""
	if t.limit != nil {
		id = t.limit(r)
	}
	retryable := r.Method == http.MethodGet && (r.Body == nil || r.Body == http.NoBody)

	bo := t.policy.newBackOff()
	rateLimited := 0
	for attempt := 1; ; {
		if err := t.budget.Wait(ctx, id); err != nil {
			return nil, err
		}
		t.metrics.Inc(obs.CounterRequests)

		resp, err := t.base.RoundTrip(r)
		switch {
		case err != nil:
			if ctx.Err() != nil || !retryable || attempt >= t.policy.MaxAttempts {
				return nil, err
			}
		case IsRateLimitStatus(resp.StatusCode):
			t.metrics.Inc(obs.CounterRateLimited)
			rateLimited++
			wait := retryAfter(resp.Header, time.Now())
			if wait <= 0 {
				wait = bo.NextBackOff()
			}
			t.budget.Suspend(wait)
			drain(resp)
			if rateLimited > t.policy.MaxRateLimitWaits || !retryable {
				return nil, &exception.RateLimitError{StatusCode: resp.StatusCode, RetryAfter: wait}
			}
			logs.Warnf("rate limited on %s %s, suspend %s", r.Method, r.URL.Path, wait)
			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		case t.policy.Retryable(resp.StatusCode):
			body := head(resp)
			if !retryable || attempt >= t.policy.MaxAttempts {
				return nil, &exception.NetworkError{
					Method:   r.Method,
					Path:     r.URL.Path,
					Attempts: attempt,
					Err:      &exception.HTTPError{StatusCode: resp.StatusCode, Body: body},
				}
			}
		default:
			return resp, nil
		}

		wait := bo.NextBackOff()
		t.metrics.Inc(obs.CounterRetries)
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
		attempt++
	}
}

// head keeps the start of an error body and drains the rest.
func head(resp *http.Response) []byte {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	drain(resp)
	return body
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
