// Package requester executes HTTP requests against rate-limited remote APIs
// with bounded retry. A single Requester fronts every remote call the
// program makes (GitHub REST, GitHub GraphQL, document store) by acting as
// an http.RoundTripper.
package requester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMaxRetries is the attempt budget shared by transport failures
	// and rate-limit waits.
	DefaultMaxRetries = 5

	// rateLimitFloor is the minimum wait once a hard rate limit is hit.
	rateLimitFloor = 60 * time.Second

	// resetBuffer pads the reset-header wait to absorb clock skew.
	resetBuffer = 10 * time.Second

	// abuseWait is the fixed pause after a 403 that is not a recognized
	// rate-limit condition (transient abuse detection).
	abuseWait = 30 * time.Second

	// sniffLimit bounds how much of an error body is read when checking
	// for a rate-limit message.
	sniffLimit = 1 << 20
)

// NetworkError reports that a request failed at the transport level on
// every attempt.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Requester wraps a base transport with retry and rate-limit handling.
// GET requests may be retried freely; requests with a body are retried only
// when GetBody is set (true for requests built by http.NewRequest).
type Requester struct {
	base       http.RoundTripper
	maxRetries int
	logger     *log.Logger

	// overridable in tests
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// Option configures a Requester.
type Option func(*Requester)

// WithMaxRetries overrides the attempt budget.
func WithMaxRetries(n int) Option {
	return func(r *Requester) {
		if n > 0 {
			r.maxRetries = n
		}
	}
}

// WithLogger directs retry/wait messages to l instead of the default logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Requester) { r.logger = l }
}

// New creates a Requester on top of base (http.DefaultTransport when nil).
func New(base http.RoundTripper, opts ...Option) *Requester {
	if base == nil {
		base = http.DefaultTransport
	}
	r := &Requester{
		base:       base,
		maxRetries: DefaultMaxRetries,
		logger:     log.Default(),
		sleep:      sleepCtx,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Client returns an http.Client that routes through the requester.
func (r *Requester) Client() *http.Client {
	return &http.Client{Transport: r}
}

// RoundTrip implements http.RoundTripper.
func (r *Requester) RoundTrip(req *http.Request) (*http.Response, error) {
	return r.Do(req)
}

// Do executes the request with the retry policy. It returns a *NetworkError
// once transport-level failures exhaust the budget. Non-2xx responses that
// are not retryable rate limits are returned as-is for the caller to
// classify (a 404 is not an error here).
func (r *Requester) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	var lastErr error

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		attemptReq, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}

		resp, err := r.base.RoundTrip(attemptReq)
		if err != nil {
			lastErr = err
			if attempt == r.maxRetries-1 {
				break
			}
			wait := time.Duration(1<<attempt) * time.Second
			r.logger.Printf("network error on attempt %d/%d: %v (retrying in %s)",
				attempt+1, r.maxRetries, err, wait)
			if err := r.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		if resp.StatusCode != http.StatusForbidden || attempt == r.maxRetries-1 {
			return resp, nil
		}

		limited, restoreErr := sniffRateLimit(resp)
		if restoreErr != nil {
			return nil, restoreErr
		}
		if limited {
			wait := r.rateLimitDelay(resp.Header, attempt)
			r.logger.Printf("rate limit exceeded (remaining: %s), waiting %s",
				resp.Header.Get("X-RateLimit-Remaining"), wait)
			resp.Body.Close()
			if err := r.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		// 403 without a rate-limit body: transient abuse detection.
		r.logger.Printf("request forbidden on attempt %d/%d, waiting %s before retry",
			attempt+1, r.maxRetries, abuseWait)
		resp.Body.Close()
		if err := r.sleep(ctx, abuseWait); err != nil {
			return nil, err
		}
	}

	return nil, &NetworkError{Attempts: r.maxRetries, Err: lastErr}
}

// rateLimitDelay picks the wait for a rate-limited response: the reset
// header when present, otherwise an escalating fallback.
func (r *Requester) rateLimitDelay(h http.Header, attempt int) time.Duration {
	if reset := h.Get("X-RateLimit-Reset"); reset != "" {
		if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
			return RateLimitWait(time.Unix(secs, 0), r.now())
		}
	}
	return RateLimitBackoff(attempt)
}

// RateLimitWait computes the sleep until a rate limit window resets, with a
// small buffer past the reset and a 60 second floor.
func RateLimitWait(reset, now time.Time) time.Duration {
	wait := reset.Sub(now) + resetBuffer
	if wait < rateLimitFloor {
		wait = rateLimitFloor
	}
	return wait
}

// RateLimitBackoff is the fallback wait when the response carries no reset
// header: 60 * 2^attempt seconds.
func RateLimitBackoff(attempt int) time.Duration {
	return rateLimitFloor * time.Duration(1<<attempt)
}

// sniffRateLimit reports whether the response body indicates a rate-limit
// condition. The body is restored so the response stays readable if it is
// returned to the caller.
func sniffRateLimit(resp *http.Response) (bool, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, sniffLimit))
	resp.Body.Close()
	if err != nil {
		return false, fmt.Errorf("failed to read error response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false, nil
	}
	return strings.Contains(strings.ToLower(payload.Message), "rate limit"), nil
}

// cloneRequest makes a fresh request for one attempt, rewinding the body
// when the original provides GetBody.
func cloneRequest(req *http.Request) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return clone, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry request with unrewindable body: %s %s", req.Method, req.URL)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	clone.Body = body
	return clone, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
