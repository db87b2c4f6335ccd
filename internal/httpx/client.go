// Package httpx wraps net/http with the client discipline every external
// source needs: a minimum inter-call interval, exponential backoff on
// transient failure, and token-refresh-on-401 semantics.
package httpx

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TokenSource supplies bearer tokens for a source and can refresh them when
// the API reports the current one expired.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Options configures a Client.
type Options struct {
	MinInterval    time.Duration // gap enforced between the end of one call and the start of the next
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client is a rate-limited HTTP client. One instance serves one caller at a
// time; it is not meant to be shared across concurrent goroutines.
type Client struct {
	http        *http.Client
	tokens      TokenSource
	minInterval time.Duration
	maxRetries  int
	initial     time.Duration
	max         time.Duration

	lastDone time.Time
}

// New builds a Client. tokens may be nil for unauthenticated endpoints.
func New(tokens TokenSource, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 4
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Second
	}
	return &Client{
		http:        &http.Client{Timeout: opts.Timeout},
		tokens:      tokens,
		minInterval: opts.MinInterval,
		maxRetries:  opts.MaxRetries,
		initial:     opts.InitialBackoff,
		max:         opts.MaxBackoff,
	}
}

// Do executes the request, retrying per policy. On failure the returned error
// is an *Error whose Kind tells the caller whether a new attempt could ever
// succeed. Requests with a body must populate GetBody so attempts can be
// replayed; http.NewRequest does this for common body types.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.initial
	bo.MaxInterval = c.max
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3
	bo.MaxElapsedTime = 0
	bo.Reset()

	retries := 0
	refreshed := false

	for {
		if err := c.waitMinInterval(ctx); err != nil {
			return nil, &Error{Kind: KindTransient, URL: req.URL.String(), Cause: err}
		}

		attempt, err := c.buildAttempt(ctx, req)
		if err != nil {
			return nil, &Error{Kind: KindPermanent, URL: req.URL.String(), Cause: err}
		}

		resp, err := c.http.Do(attempt)
		c.lastDone = time.Now()

		if err != nil {
			// transport error or timeout
			retries++
			if retries > c.maxRetries {
				return nil, &Error{Kind: KindTransient, URL: req.URL.String(), Cause: err}
			}
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return nil, &Error{Kind: KindTransient, URL: req.URL.String(), Cause: err}
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			resp.Body.Close()
			if c.tokens != nil && !refreshed {
				if _, err := c.tokens.Refresh(ctx); err != nil {
					return nil, &Error{Kind: KindAuthExpired, Status: resp.StatusCode, URL: req.URL.String(), Cause: err}
				}
				refreshed = true
				continue // one retry with the fresh token
			}
			return nil, &Error{Kind: KindAuthExpired, Status: resp.StatusCode, URL: req.URL.String()}

		case resp.StatusCode == http.StatusTooManyRequests:
			delay, hinted := retryAfter(resp)
			resp.Body.Close()
			retries++
			if retries > c.maxRetries {
				return nil, &Error{Kind: KindRateLimited, Status: resp.StatusCode, URL: req.URL.String()}
			}
			if !hinted {
				delay = bo.NextBackOff()
			}
			if err := sleep(ctx, delay); err != nil {
				return nil, &Error{Kind: KindRateLimited, Status: resp.StatusCode, URL: req.URL.String(), Cause: err}
			}
			continue

		case resp.StatusCode >= 500:
			resp.Body.Close()
			retries++
			if retries > c.maxRetries {
				return nil, &Error{Kind: KindTransient, Status: resp.StatusCode, URL: req.URL.String()}
			}
			if err := sleep(ctx, bo.NextBackOff()); err != nil {
				return nil, &Error{Kind: KindTransient, Status: resp.StatusCode, URL: req.URL.String(), Cause: err}
			}
			continue

		case resp.StatusCode >= 400:
			resp.Body.Close()
			return nil, &Error{Kind: KindPermanent, Status: resp.StatusCode, URL: req.URL.String()}
		}

		return resp, nil
	}
}

func (c *Client) buildAttempt(ctx context.Context, req *http.Request) (*http.Request, error) {
	attempt := req.Clone(ctx)
	if req.Body != nil {
		if req.GetBody == nil {
			return nil, fmt.Errorf("request body is not replayable")
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		attempt.Body = body
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, err
		}
		attempt.Header.Set("Authorization", "Bearer "+token)
	}
	return attempt, nil
}

func (c *Client) waitMinInterval(ctx context.Context) error {
	if c.minInterval <= 0 || c.lastDone.IsZero() {
		return nil
	}
	wait := c.minInterval - time.Since(c.lastDone)
	if wait <= 0 {
		return nil
	}
	return sleep(ctx, wait)
}

// retryAfter reads the Retry-After hint, in seconds or HTTP-date form.
func retryAfter(resp *http.Response) (time.Duration, bool) {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(h); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
