// Package apiclient is the single outbound path to external REST APIs. Every
// call is charged against a shared per-credential Budget and every failure is
// classified into the sync error taxonomy, so callers decide on retries.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/skridlevsky/ai-detective/internal/metrics"
)

// Options configures a Client.
type Options struct {
	// Name labels log lines and metrics (e.g. "github", "jira").
	Name      string
	UserAgent string
	Budget    *Budget
	// Authorize sets credentials on each outgoing request.
	Authorize  func(*http.Request)
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client wraps an http.Client with a request budget and error taxonomy.
type Client struct {
	name       string
	userAgent  string
	budget     *Budget
	authorize  func(*http.Request)
	httpClient *http.Client
}

// NewClient creates a new rate-limited API client.
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Budget == nil {
		opts.Budget = NewBudget(5000, time.Hour, 0)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "AI-Detective"
	}
	return &Client{
		name:       opts.Name,
		userAgent:  opts.UserAgent,
		budget:     opts.Budget,
		authorize:  opts.Authorize,
		httpClient: opts.HTTPClient,
	}
}

// Budget returns the budget this client draws from.
func (c *Client) Budget() *Budget {
	return c.budget
}

// Do sends req. It returns the response for 2xx/3xx/4xx statuses the caller
// must interpret, or one of *RateLimitExceeded, *TransientError,
// *FatalAuthError. It never waits for the budget to refill.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ok, resumeAt := c.budget.Take(); !ok {
		metrics.ObserveAPIRequest(c.name, "budget_exhausted")
		return nil, &RateLimitExceeded{ResumeAt: resumeAt, Reason: "local budget"}
	}

	req = req.WithContext(ctx)
	if c.authorize != nil {
		c.authorize(req)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		metrics.ObserveAPIRequest(c.name, "transient")
		return nil, &TransientError{Err: fmt.Errorf("request failed: %w", err)}
	}

	c.budget.Observe(resp.Header)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		msg := drain(resp)
		metrics.ObserveAPIRequest(c.name, "auth_failed")
		return nil, &FatalAuthError{StatusCode: resp.StatusCode, Message: msg}

	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusForbidden && isRateLimited(resp.Header):
		resumeAt := resumeTime(resp.Header)
		drain(resp)
		c.budget.Exhaust(resumeAt)
		metrics.ObserveAPIRequest(c.name, "rate_limited")
		return nil, &RateLimitExceeded{ResumeAt: resumeAt, Reason: "remote quota"}

	case resp.StatusCode == http.StatusForbidden:
		msg := drain(resp)
		metrics.ObserveAPIRequest(c.name, "auth_failed")
		return nil, &FatalAuthError{StatusCode: resp.StatusCode, Message: msg}

	case resp.StatusCode >= 500:
		msg := drain(resp)
		metrics.ObserveAPIRequest(c.name, "transient")
		return nil, &TransientError{StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", msg)}
	}

	metrics.ObserveAPIRequest(c.name, "ok")
	return resp, nil
}

// GetJSON issues a GET and decodes a 2xx body into target. Non-2xx
// responses that Do passes through become *StatusError.
func (c *Client) GetJSON(ctx context.Context, url string, target interface{}) (http.Header, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.doJSON(ctx, req, target)
}

// PostJSON issues a POST with a JSON body and decodes a 2xx body into target.
func (c *Client) PostJSON(ctx context.Context, url string, body, target interface{}) (http.Header, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")
	return c.doJSON(ctx, req, target)
}

func (c *Client) doJSON(ctx context.Context, req *http.Request, target interface{}) (http.Header, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.Header, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if target == nil || resp.StatusCode == http.StatusNoContent {
		return resp.Header, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return resp.Header, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.Header, nil
}

func isRateLimited(h http.Header) bool {
	return h.Get("X-RateLimit-Remaining") == "0" || h.Get("Retry-After") != ""
}

// resumeTime derives the resume point from Retry-After or X-RateLimit-Reset,
// falling back to one minute.
func resumeTime(h http.Header) time.Time {
	if ra := h.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(ra); err == nil {
			return t
		}
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil && reset > 0 {
		return time.Unix(reset, 0)
	}
	return time.Now().Add(time.Minute)
}

// drain reads a short prefix of the body for error messages and closes it.
func drain(resp *http.Response) string {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return string(body)
}
