package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"
)

// DefaultBaseURL is the production Microsoft Graph API v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// Retry schedule: 1s base, 2x factor, 60s cap, ±25% jitter. A request is
// retried at most 5 times after the first attempt (6 requests in all).
const (
	retryAttemptLimit  = 5
	retryBaseDelay     = 1 * time.Second
	retryDelayCap      = 60 * time.Second
	retryDelayFactor   = 2.0
	retryJitterPortion = 0.25
	defaultUserAgent   = "drivesync/0.1"
)

// TokenSource provides OAuth2 bearer tokens. Defined here at the consumer
// per "accept interfaces, return structs" — it must not move to the auth
// provider package.
type TokenSource interface {
	Token() (string, error)
}

// Client is an HTTP client for the Microsoft Graph API: request
// construction, bearer auth, exponential-backoff retry, and error
// classification.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger
	userAgent  string

	// sleepFunc waits between retries; defaults to timeSleep. Tests swap
	// this in to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Graph API client. baseURL is typically
// "https://graph.microsoft.com/v1.0". agent overrides the default
// User-Agent ("drivesync/0.1"); pass "" to keep the default.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger, agent ...string) *Client {
	if token == nil {
		panic("graph: NewClient requires a non-nil TokenSource")
	}

	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	ua := defaultUserAgent
	if len(agent) > 0 && agent[0] != "" {
		ua = agent[0]
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		token:      token,
		logger:     logger,
		userAgent:  ua,
		sleepFunc:  timeSleep,
	}
}

// Do executes an authenticated request with automatic retry on transient
// errors. The caller closes the response body on success. Errors are
// *GraphError wrapping a sentinel (check with errors.Is).
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	return c.retryingDo(ctx, method, path, body, nil)
}

// DoWithHeaders is Do with extraHeaders merged into every attempt — for
// calls needing special headers, such as Prefer on delta queries.
func (c *Client) DoWithHeaders(
	ctx context.Context, method, path string, body io.Reader, extraHeaders http.Header,
) (*http.Response, error) {
	return c.retryingDo(ctx, method, path, body, extraHeaders)
}

// retryingDo is the shared retry loop backing Do and DoWithHeaders.
func (c *Client) retryingDo(
	ctx context.Context, method, path string, body io.Reader, extraHeaders http.Header,
) (*http.Response, error) {
	fullURL := c.baseURL + path

	var attempt int
	for {
		// Rewind seekable bodies so a retry sends the full payload again.
		if err := rewindBody(body); err != nil {
			return nil, err
		}

		resp, err := c.sendOnce(ctx, method, fullURL, body, extraHeaders)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", ctx.Err())
			}

			if attempt < retryAttemptLimit {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("graph: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("graph: %s %s failed after %d retries: %w", method, path, retryAttemptLimit, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("request succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.String("request_id", resp.Header.Get("request-id")),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get("request-id")

		if isRetryable(resp.StatusCode) && attempt < retryAttemptLimit {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("graph: request canceled: %w", err)
			}

			attempt++

			continue
		}

		return nil, c.buildFailure(method, path, resp.StatusCode, reqID, errBody, attempt)
	}
}

// sendOnce executes a single HTTP request, no retry.
func (c *Client) sendOnce(
	ctx context.Context, method, url string, body io.Reader, extraHeaders http.Header,
) (*http.Response, error) {
	c.logger.Debug("preparing request",
		slog.String("method", method),
		slog.String("url", url),
	)

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	tok, err := c.token.Token()
	if err != nil {
		return nil, fmt.Errorf("obtaining token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", c.userAgent)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, vals := range extraHeaders {
		for _, v := range vals {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed",
			slog.String("method", method),
			slog.String("url", url),
			slog.String("error", err.Error()),
		)

		return nil, err
	}

	c.logger.Debug("HTTP response received",
		slog.String("method", method),
		slog.String("url", url),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", resp.Header.Get("request-id")),
	)

	return resp, nil
}

// buildFailure assembles a GraphError and logs the terminal failure for a
// Do/DoWithHeaders call.
func (c *Client) buildFailure(
	method, path string, statusCode int, reqID string, body []byte, attempt int,
) *GraphError {
	graphErr := &GraphError{
		StatusCode: statusCode,
		RequestID:  reqID,
		Message:    string(body),
		Err:        classifyStatus(statusCode),
	}

	if attempt > 0 {
		c.logger.Error("request failed after retries",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", statusCode),
			slog.String("request_id", reqID),
			slog.Int("attempts", attempt+1),
		)
	} else {
		c.logger.Warn("request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", statusCode),
			slog.String("request_id", reqID),
		)
	}

	return graphErr
}

// doPreAuthRetry executes requests against pre-authenticated URLs (no
// Authorization header — the URL itself carries auth) with retry on
// transient failures. makeReq is called fresh on each attempt so the body
// can be re-read.
//
// A 2xx response is returned as-is for the caller to interpret. Otherwise
// this returns *GraphError once retries are exhausted or the status isn't
// retryable, matching retryingDo's error shape.
func (c *Client) doPreAuthRetry(
	ctx context.Context, desc string, makeReq func() (*http.Request, error),
) (*http.Response, error) {
	var attempt int

	for {
		req, err := makeReq()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("graph: %s canceled: %w", desc, ctx.Err())
			}

			if attempt < retryAttemptLimit {
				backoff := c.calcBackoff(attempt)
				c.logger.Warn("retrying pre-auth request after network error",
					slog.String("desc", desc),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("graph: %s canceled: %w", desc, sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("graph: %s failed after %d retries: %w", desc, retryAttemptLimit, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get("request-id")

		if isRetryable(resp.StatusCode) && attempt < retryAttemptLimit {
			backoff := c.retryBackoff(resp, attempt)
			c.logger.Warn("retrying pre-auth request after HTTP error",
				slog.String("desc", desc),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
				return nil, fmt.Errorf("graph: %s canceled: %w", desc, sleepErr)
			}

			attempt++

			continue
		}

		return nil, c.buildPreAuthFailure(desc, resp.StatusCode, reqID, errBody, attempt)
	}
}

// buildPreAuthFailure mirrors buildFailure for pre-auth URLs, using desc in
// place of method+path.
func (c *Client) buildPreAuthFailure(
	desc string, statusCode int, reqID string, body []byte, attempt int,
) *GraphError {
	graphErr := &GraphError{
		StatusCode: statusCode,
		RequestID:  reqID,
		Message:    string(body),
		Err:        classifyStatus(statusCode),
	}

	if attempt > 0 {
		c.logger.Error("pre-auth request failed after retries",
			slog.String("desc", desc),
			slog.Int("status", statusCode),
			slog.String("request_id", reqID),
			slog.Int("attempts", attempt+1),
		)
	} else {
		c.logger.Warn("pre-auth request failed",
			slog.String("desc", desc),
			slog.Int("status", statusCode),
			slog.String("request_id", reqID),
		)
	}

	return graphErr
}

// retryBackoff returns the delay before a retryable response's next
// attempt. On 429 the Graph API's Retry-After header wins over the
// calculated backoff — ignoring it risks extending the throttling window.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}

	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(retryBaseDelay) * math.Pow(retryDelayFactor, float64(attempt))
	if backoff > float64(retryDelayCap) {
		backoff = float64(retryDelayCap)
	}

	// Jitter avoids a thundering herd when several workers hit a rate
	// limit at the same moment.
	jitter := backoff * retryJitterPortion * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// rewindBody seeks body back to offset 0 when it implements io.Seeker, so a
// retry resends the full payload. Every caller passes bytes.NewReader (an
// io.ReadSeeker); this is a no-op for nil or non-seekable bodies.
func rewindBody(body io.Reader) error {
	if body == nil {
		return nil
	}

	if seeker, ok := body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("graph: rewinding request body for retry: %w", err)
		}
	}

	return nil
}

// timeSleep is the default sleepFunc: it waits d or returns early on
// context cancellation.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
