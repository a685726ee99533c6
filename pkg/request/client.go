// Package request is the shared HTTP client for the network fetchers. Requests
// to the same provider are queued and executed one at a time, with retries on
// 429/5xx and a per-provider cool-down after repeated failures.
package request

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"offlinenav/pkg/errs"
	"offlinenav/pkg/tracker"
	"offlinenav/pkg/version"
)

// StatusError is returned for a non-success HTTP status. It wraps
// errs.ErrNetwork.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api error: status %d", e.Code)
}

func (e *StatusError) Unwrap() error { return errs.ErrNetwork }

// Options tunes the client. Zero values fall back to defaults.
type Options struct {
	Timeout     time.Duration // per HTTP attempt
	UserAgent   string
	MaxAttempts int
	BaseDelay   time.Duration // retry backoff base
	Gap         time.Duration // pause between requests to one provider
	Backoff     *ProviderBackoff
}

// Client handles HTTP requests with queuing, retries and tracking.
type Client struct {
	httpClient *http.Client
	tracker    *tracker.Tracker
	backoff    *ProviderBackoff
	userAgent  string
	attempts   int
	baseDelay  time.Duration
	gap        time.Duration

	// Queues per provider (domain)
	queues map[string]chan job
	mu     sync.Mutex // Protects queues map
}

type job struct {
	req      *http.Request
	headers  map[string]string
	respChan chan jobResult
}

type jobResult struct {
	body []byte
	err  error
}

// New creates a new Client. t may be nil.
func New(t *tracker.Tracker, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = fmt.Sprintf("offlinenav/%s", version.Version)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 500 * time.Millisecond
	}
	if opts.Backoff == nil {
		opts.Backoff = NewProviderBackoff(time.Second, time.Minute)
	}
	if t == nil {
		t = tracker.New()
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		tracker:    t,
		backoff:    opts.Backoff,
		userAgent:  opts.UserAgent,
		attempts:   opts.MaxAttempts,
		baseDelay:  opts.BaseDelay,
		gap:        opts.Gap,
		queues:     make(map[string]chan job),
	}
}

// Get performs a queued GET request.
func (c *Client) Get(ctx context.Context, u string, headers map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, u, nil, headers)
}

// Post performs a queued POST request.
func (c *Client) Post(ctx context.Context, u string, body []byte, headers map[string]string) ([]byte, error) {
	return c.do(ctx, http.MethodPost, u, body, headers)
}

func (c *Client) do(ctx context.Context, method, u string, body []byte, headers map[string]string) ([]byte, error) {
	parsedURL, err := url.Parse(u)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	provider := Provider(parsedURL.Host)

	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	respChan := make(chan jobResult, 1)
	c.dispatch(provider, job{req: req, headers: headers, respChan: respChan})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-respChan:
		return res.body, res.err
	}
}

// Provider groups hosts into provider names used for queues and stats.
func Provider(host string) string {
	h := host
	if i := strings.LastIndex(h, ":"); i > 0 && !strings.Contains(h[i:], "]") {
		h = h[:i]
	}
	switch {
	case strings.Contains(h, "overpass"):
		return "overpass"
	case strings.Contains(h, "osrm"):
		return "osrm"
	case strings.Contains(h, "nominatim"):
		return "nominatim"
	}
	return host
}

// dispatch sends the job to the provider's queue, creating the queue/worker if needed.
func (c *Client) dispatch(provider string, j job) {
	c.mu.Lock()
	q, ok := c.queues[provider]
	if !ok {
		q = make(chan job, 100)
		c.queues[provider] = q
		go c.worker(provider, q)
	}
	c.mu.Unlock()

	// Blocks when the queue is full, throttling the caller.
	select {
	case q <- j:
	case <-j.req.Context().Done():
		j.respChan <- jobResult{err: j.req.Context().Err()}
	}
}

// worker processes requests for one provider sequentially.
func (c *Client) worker(provider string, q <-chan job) {
	for j := range q {
		ctx := j.req.Context()
		if ctx.Err() != nil {
			slog.Debug("Job dropped from queue (context expired)", "provider", provider, "error", ctx.Err())
			j.respChan <- jobResult{err: ctx.Err()}
			continue
		}
		if err := c.backoff.Wait(ctx, provider); err != nil {
			j.respChan <- jobResult{err: err}
			continue
		}

		j.req.Header.Set("User-Agent", c.userAgent)
		for k, v := range j.headers {
			j.req.Header.Set(k, v)
		}

		body, err := c.executeWithBackoff(j.req)
		switch {
		case err == nil:
			c.tracker.TrackFetchSuccess(provider)
			c.backoff.RecordSuccess(provider)
		case ctx.Err() != nil:
			// Caller gave up; not the provider's fault.
		default:
			c.tracker.TrackFetchFailure(provider)
			if retryable(err) {
				c.backoff.RecordFailure(provider)
			}
		}

		j.respChan <- jobResult{body: body, err: err}

		if c.gap > 0 {
			time.Sleep(c.gap)
		}
	}
}

// executeWithBackoff attempts the request with exponential backoff on retryable errors.
func (c *Client) executeWithBackoff(req *http.Request) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		if attempt > 0 {
			if err := c.rewind(req); err != nil {
				return nil, err
			}
		}

		slog.Debug("Network Request", "host", req.URL.Host, "path", req.URL.Path, "attempt", attempt+1)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if req.Context().Err() != nil {
				return nil, req.Context().Err()
			}
			slog.Warn("Request failed, retrying", "host", req.URL.Host, "attempt", attempt+1, "error", err)
			lastErr = fmt.Errorf("%w: %v", errs.ErrNetwork, err)
		} else if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			slog.Warn("API Backoff", "status", resp.StatusCode, "host", req.URL.Host, "attempt", attempt+1)
			lastErr = &StatusError{Code: resp.StatusCode, URL: req.URL.String()}
		} else if resp.StatusCode >= 400 {
			resp.Body.Close()
			return nil, &StatusError{Code: resp.StatusCode, URL: req.URL.String()}
		} else {
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: read body: %v", errs.ErrNetwork, err)
			}
			return body, nil
		}

		if attempt == c.attempts-1 {
			break
		}
		sleepDur := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
		select {
		case <-time.After(sleepDur):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	return nil, lastErr
}

func (c *Client) rewind(req *http.Request) error {
	if req.GetBody == nil || req.Body == http.NoBody {
		return nil
	}
	b, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("rewind body: %w", err)
	}
	req.Body = b
	return nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return errors.Is(err, errs.ErrNetwork)
}
