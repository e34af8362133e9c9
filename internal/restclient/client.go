package restclient

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"tradeconn/internal/obs"
	"tradeconn/pkg/exception"
)

const _defaultTimeout = 15 * time.Second

// Request is one logical REST call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body is sent as a JSON object.
	Body   map[string]string
	Header http.Header

	// LimitID names the rate limit pool charged for the call.
	LimitID string
	Signed  bool
	// Idempotent calls are retried on transient failures. Placement and cancel must leave it false.
	Idempotent bool
}

func (r Request) clone() Request {
	c := r
	if r.Query != nil {
		c.Query = make(url.Values, len(r.Query))
		for k, v := range r.Query {
			c.Query[k] = append([]string(nil), v...)
		}
	}
	if r.Body != nil {
		c.Body = make(map[string]string, len(r.Body))
		for k, v := range r.Body {
			c.Body[k] = v
		}
	}
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return c
}

// Authenticator signs a request in place before every attempt.
type Authenticator interface {
	Sign(req *Request, now time.Time) error
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithAuthenticator(a Authenticator) Option {
	return func(c *Client) { c.auth = a }
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.policy = p.normalized() }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock replaces the signing clock, e.g. with a venue-synchronized one.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client issues REST calls under a rate budget and retries idempotent calls.
// One Client owns one long-lived transport for the connector's lifetime.
type Client struct {
	baseURL string
	http    *http.Client
	budget  *Budget
	auth    Authenticator
	policy  RetryPolicy
	timeout time.Duration
	metrics *obs.Metrics
	now     func() time.Time
}

func New(baseURL string, budget *Budget, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		budget:  budget,
		policy:  DefaultRetryPolicy(),
		timeout: _defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return c
}

func (c *Client) Budget() *Budget {
	return c.budget
}

// Do executes req and decodes a successful JSON response into out when out is not nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	start := time.Now()
	defer func() {
		c.metrics.ObserveRequest(time.Since(start))
	}()

	bo := c.policy.newBackOff()
	rateLimited := 0
	var lastErr error
	for attempt := 1; ; {
		if err := c.budget.Wait(ctx, req.LimitID); err != nil {
			return err
		}
		c.metrics.Inc(obs.CounterRequests)

		status, header, body, err := c.once(ctx, req)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !isTransport(err) {
				return err
			}
			lastErr = err
		case status >= 200 && status < 300:
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := sonic.ConfigFastest.Unmarshal(body, out); err != nil {
				return errors.Wrap(err, "decode response").With("path", req.Path).With("body", string(body))
			}
			return nil
		case IsRateLimitStatus(status):
			c.metrics.Inc(obs.CounterRateLimited)
			rateLimited++
			wait := retryAfter(header, time.Now())
			if wait <= 0 {
				wait = bo.NextBackOff()
			}
			if rateLimited > c.policy.MaxRateLimitWaits {
				return &exception.RateLimitError{StatusCode: status, RetryAfter: wait}
			}
			logs.Warnf("rate limited on %s %s, suspend %s", req.Method, req.Path, wait)
			c.budget.Suspend(wait)
			if err := sleep(ctx, wait); err != nil {
				return err
			}
			continue
		case c.policy.Retryable(status):
			lastErr = &exception.HTTPError{StatusCode: status, Body: body}
		default:
			return &exception.HTTPError{StatusCode: status, Body: body}
		}

		if !req.Idempotent || attempt >= c.policy.MaxAttempts {
			c.metrics.Inc(obs.CounterRequestFailures)
			return &exception.NetworkError{Method: req.Method, Path: req.Path, Attempts: attempt, Err: lastErr}
		}
		wait := bo.NextBackOff()
		logs.Warnf("retry %s %s in %s, attempt: %d, err: %+v", req.Method, req.Path, wait, attempt, lastErr)
		c.metrics.Inc(obs.CounterRetries)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
		attempt++
	}
}

type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransport(err error) bool {
	_, ok := err.(*transportError)
	return ok
}

func (c *Client) once(ctx context.Context, base Request) (int, http.Header, []byte, error) {
	req := base.clone()
	if req.Signed {
		if c.auth == nil {
			return 0, nil, nil, errors.Wrap(exception.ErrNilInstance, "signed request without authenticator")
		}
		if err := c.auth.Sign(&req, c.now()); err != nil {
			return 0, nil, nil, errors.Wrap(err, "sign request")
		}
	}

	target := c.baseURL + req.Path
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	var payload io.Reader
	if req.Body != nil {
		data, err := sonic.ConfigFastest.Marshal(req.Body)
		if err != nil {
			return 0, nil, nil, errors.Wrap(err, "marshal body")
		}
		payload = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	r, err := http.NewRequestWithContext(ctx, req.Method, target, payload)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "new request")
	}
	for k, v := range req.Header {
		r.Header[k] = v
	}
	if payload != nil && r.Header.Get("Content-Type") == "" {
		r.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(r)
	if err != nil {
		return 0, nil, nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, &transportError{err: err}
	}
	return resp.StatusCode, resp.Header, body, nil
}
