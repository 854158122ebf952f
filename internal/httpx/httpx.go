// Package httpx is the shared REST transport for the upstream clients.
//
// Every request goes through the same pipeline: inter-call throttle, circuit
// breaker, retry with exponential backoff for transient failures, and status
// classification into the engine's error taxonomy. Clients never see a raw
// *http.Response; they get decoded JSON or a classified error.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oculairmedia/huly-vibe-sync-sub009/internal/syncerr"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 4
)

// Observer receives per-call latency for the metrics layer. May be nil.
type Observer func(op string, d time.Duration, err error)

// Options tunes a Client.
type Options struct {
	Token    string        // bearer token; empty disables the header
	Delay    time.Duration // minimum spacing between calls (API_DELAY_MS)
	Timeout  time.Duration // per-request timeout
	Observer Observer
	Logger   *zap.Logger
}

// Client is a retrying, breaker-guarded JSON HTTP client bound to one base URL.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	observer Observer
	log      *zap.Logger
}

// New creates a client for the given base URL (no trailing slash).
func New(baseURL string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.Delay > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Delay), 1)
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        baseURL,
		MaxRequests: 1, // half-open admits a single probe
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Client{
		baseURL:  baseURL,
		token:    opts.Token,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
		breaker:  cb,
		observer: opts.Observer,
		log:      log,
	}
}

// Do performs one JSON request. body (if non-nil) is marshalled as the
// request body; out (if non-nil) receives the decoded response. op names the
// logical operation for classification and metrics, e.g. "huly.ListIssues".
//
// Transient failures are retried with exponential backoff; everything else
// surfaces immediately with its classified kind.
func (c *Client) Do(ctx context.Context, op, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return syncerr.New(syncerr.KindValidation, op, err)
		}
	}

	start := time.Now()
	raw, err := c.doRetry(ctx, op, method, path, payload)
	if c.observer != nil {
		c.observer(op, time.Since(start), err)
	}
	if err != nil {
		return err
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return syncerr.Newf(syncerr.KindValidation, op, "decode response: %v", err)
		}
	}
	return nil
}

func (c *Client) doRetry(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	var result []byte
	conflictRetried := false

	attempt := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		raw, err := c.once(ctx, op, method, path, payload)
		if err != nil {
			switch {
			case syncerr.KindOf(err) == syncerr.KindTransient && ctx.Err() == nil:
				return err // retryable
			case syncerr.KindOf(err) == syncerr.KindConflict && !conflictRetried && ctx.Err() == nil:
				// 409 means we raced a concurrent writer. One retry observes
				// the server's refreshed state; a second 409 surfaces.
				conflictRetried = true
				return err
			}
			return backoff.Permanent(err)
		}
		result = raw
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return result, nil
}

// once performs a single HTTP round trip through the circuit breaker.
func (c *Client) once(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	type response struct {
		body []byte
		err  error // classified non-transient error, passed around the breaker
	}

	res, cbErr := c.breaker.Execute(func() (interface{}, error) {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return response{err: syncerr.New(syncerr.KindValidation, op, err)}, nil
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			// Transport errors feed the breaker.
			return nil, syncerr.FromTransport(op, err)
		}
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		_ = resp.Body.Close()
		if err != nil {
			return nil, syncerr.New(syncerr.KindTransient, op, err)
		}

		if clsErr := syncerr.FromStatusCode(op, resp.StatusCode, truncate(raw, 512)); clsErr != nil {
			if syncerr.KindOf(clsErr) == syncerr.KindTransient {
				// 5xx counts as a dependency failure.
				return nil, clsErr
			}
			// 4xx is a caller problem; it must not trip the breaker.
			return response{err: clsErr}, nil
		}
		return response{body: raw}, nil
	})
	if cbErr != nil {
		if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
			// Open breaker: fail fast as transient so the activity retry
			// policy backs off past the cooldown.
			return nil, syncerr.New(syncerr.KindTransient, op, cbErr)
		}
		return nil, cbErr
	}
	r := res.(response)
	if r.err != nil {
		return nil, r.err
	}
	return r.body, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Get is shorthand for a GET with a decoded response.
func (c *Client) Get(ctx context.Context, op, path string, out interface{}) error {
	return c.Do(ctx, op, http.MethodGet, path, nil, out)
}

// Post is shorthand for a POST.
func (c *Client) Post(ctx context.Context, op, path string, body, out interface{}) error {
	return c.Do(ctx, op, http.MethodPost, path, body, out)
}

// Patch is shorthand for a PATCH.
func (c *Client) Patch(ctx context.Context, op, path string, body, out interface{}) error {
	return c.Do(ctx, op, http.MethodPatch, path, body, out)
}

// Put is shorthand for a PUT.
func (c *Client) Put(ctx context.Context, op, path string, body, out interface{}) error {
	return c.Do(ctx, op, http.MethodPut, path, body, out)
}

// Delete is shorthand for a DELETE.
func (c *Client) Delete(ctx context.Context, op, path string) error {
	return c.Do(ctx, op, http.MethodDelete, path, nil, nil)
}

// BaseURL returns the endpoint this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }
