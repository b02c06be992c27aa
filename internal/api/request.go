package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rickgao/ovh-sniper/internal/version"
)

// ovhErrorBody is the JSON error envelope returned by the OVH API.
type ovhErrorBody struct {
	Message string `json:"message"`
	Class   string `json:"class"`
}

// request describes one outbound call.
type request struct {
	class   string // endpoint class for gate and breaker
	method  string
	path    string
	query   url.Values
	body    any
	headers map[string]string
	signed  bool
}

// doRequest performs a single HTTP request. It does not consult the gate.
func (c *Client) doRequest(ctx context.Context, r request) ([]byte, error) {
	fullURL := c.baseURL + r.path
	if len(r.query) > 0 {
		fullURL += "?" + r.query.Encode()
	}

	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, r.method, fullURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	if r.signed {
		if c.creds == nil {
			return nil, fmt.Errorf("sign %s: %w", r.path, ErrNotConfigured)
		}
		ts := c.serverTime(ctx)
		snap := c.creds.Get()
		for k, v := range snap.SignRequest(r.method, fullURL, string(payload), ts) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			QueryID:    resp.Header.Get("X-Ovh-Queryid"),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       body,
		}
		var envelope ovhErrorBody
		if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
			apiErr.Message = envelope.Message
			apiErr.ErrorClass = envelope.Class
		}
		if resp.StatusCode == http.StatusTooManyRequests && c.gate != nil {
			c.gate.Penalize(r.class, apiErr.RetryAfter)
		}
		return nil, apiErr
	}

	return body, nil
}

// execute runs one request through the endpoint class's breaker.
func (c *Client) execute(ctx context.Context, r request) ([]byte, error) {
	cb, ok := c.breakers[r.class]
	if !ok {
		cb = NoopBreaker()
	}

	var body []byte
	err := cb.Execute(func() error {
		var err error
		body, err = c.doRequest(ctx, r)
		return err
	})
	return body, err
}

// acquire asks the gate for permission to issue one call of class.
func (c *Client) acquire(class string) error {
	if c.gate == nil {
		return nil
	}
	d := c.gate.Acquire(class)
	if !d.Granted {
		return &DeniedError{EndpointClass: class, RetryAfter: d.RetryAfter}
	}
	return nil
}

// doWithRetry performs an idempotent request with exponential backoff retry.
// Each attempt passes the gate; a denial ends the loop immediately.
func (c *Client) doWithRetry(ctx context.Context, r request) ([]byte, error) {
	var lastErr error
	backoff := c.retryBackoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Add jitter: backoff * (0.5 to 1.5)
			jitter := backoff/2 + time.Duration(rand.Int64N(int64(backoff)+1))
			c.logger.Debug("retrying request",
				"attempt", attempt,
				"backoff", jitter,
				"path", r.path,
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}

			backoff *= 2
		}

		if err := c.acquire(r.class); err != nil {
			return nil, err
		}

		body, err := c.execute(ctx, r)
		if err == nil {
			return body, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, err
		}
		if !retryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryable reports whether a failed read may be repeated right away.
// Throttling is left to the caller's backoff policy.
func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return Classify(err) == ClassTransient
}

// get performs a signed GET request with retries.
func (c *Client) get(ctx context.Context, class, path string, query url.Values, result any) error {
	body, err := c.doWithRetry(ctx, request{
		class:  class,
		method: http.MethodGet,
		path:   path,
		query:  query,
		signed: true,
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// send performs a single signed request without gate or retry. The caller is
// responsible for gating the logical operation it belongs to.
func (c *Client) send(ctx context.Context, class, method, path string, query url.Values, in any, headers map[string]string, result any) error {
	body, err := c.execute(ctx, request{
		class:   class,
		method:  method,
		path:    path,
		query:   query,
		body:    in,
		headers: headers,
		signed:  true,
	})
	if err != nil {
		return err
	}

	if result == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// parseRetryAfter reads a Retry-After header in either seconds or HTTP-date form.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
