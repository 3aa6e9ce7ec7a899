package otlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultEndpoint is the OTLP/HTTP base URL used when the environment does not
// override it.
const DefaultEndpoint = "http://localhost:4318"

const (
	tracesPath = "/v1/traces"
	logsPath   = "/v1/logs"

	httpTimeout   = 30 * time.Second
	retryAttempts = 5
)

// EndpointFromEnv resolves the collector base URL from
// OTEL_EXPORTER_OTLP_ENDPOINT, falling back to DefaultEndpoint.
func EndpointFromEnv() string {
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		return v
	}
	return DefaultEndpoint
}

// HTTPStatusError reports a non-success response from the collector.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Client posts OTLP/HTTP JSON payloads. Server errors and 429 are retried with
// exponential backoff; any other 4xx fails fast since retrying a rejected
// payload cannot succeed.
type Client struct {
	base string
	hc   *http.Client

	retryInitial time.Duration
	retryMax     time.Duration
}

// NewClient returns a Client for the given base URL (scheme://host[:port]).
func NewClient(endpoint string) *Client {
	return &Client{
		base:         strings.TrimSuffix(endpoint, "/"),
		hc:           &http.Client{Timeout: httpTimeout},
		retryInitial: 250 * time.Millisecond,
		retryMax:     8 * time.Second,
	}
}

// PostTraces sends one trace export request.
func (c *Client) PostTraces(ctx context.Context, req exportTraceRequest) error {
	return c.post(ctx, tracesPath, req)
}

// PostLogs sends one logs export request.
func (c *Client) PostLogs(ctx context.Context, req exportLogsRequest) error {
	return c.post(ctx, logsPath, req)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding otlp payload: %w", err)
	}
	url := c.base + path

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInitial
	bo.MaxInterval = c.retryMax
	// Full jitter: each interval is drawn uniformly around the exponential
	// schedule rather than sleeping the exact value.
	bo.RandomizationFactor = 1
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	op := func() error {
		return c.send(ctx, url, body)
	}
	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx))
	if err != nil {
		return fmt.Errorf("posting to %s: %w", url, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &HTTPStatusError{StatusCode: resp.StatusCode, URL: url}
	default:
		return backoff.Permanent(&HTTPStatusError{StatusCode: resp.StatusCode, URL: url})
	}
}
