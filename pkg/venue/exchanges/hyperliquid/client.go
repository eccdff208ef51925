package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zeromicro/go-zero/core/logx"

	"marketsync/pkg/venue"
)

const (
	defaultBaseURL          = "https://api.hyperliquid.xyz/info"
	testnetBaseURL          = "https://api.hyperliquid-testnet.xyz/info"
	defaultHTTPTimeout      = 10 * time.Second
	defaultMaxRetries       = 2
	defaultRetryBackoffBase = 150 * time.Millisecond
)

// Client wraps access to the Hyperliquid info endpoint.
type Client struct {
	venueName  string
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// Option configures a new Client.
type Option func(*Client)

// WithHTTPClient injects a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithBaseURL overrides the default info endpoint URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithMaxRetries adjusts the in-client retry budget for transient failures.
// Throttling responses are never retried here; they surface to the caller.
func WithMaxRetries(max int) Option {
	return func(c *Client) {
		if max >= 0 {
			c.maxRetries = max
		}
	}
}

// WithVenueName sets the venue name used in classified errors.
func WithVenueName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.venueName = name
		}
	}
}

// NewClient constructs a Hyperliquid API client.
func NewClient(opts ...Option) *Client {
	client := &Client{
		venueName:  "hyperliquid",
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// doRequest posts an InfoRequest and decodes the response into result. Every
// returned error is a *venue.Error or a context error.
func (c *Client) doRequest(ctx context.Context, req InfoRequest, result interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return venue.NewError(c.venueName, req.Type, venue.ClassNotFoundOrInvalid, fmt.Errorf("encode request: %w", err))
	}
	var lastErr error
	backoff := defaultRetryBackoffBase
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		lastErr = c.post(ctx, req.Type, payload, result)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		class := venue.Classify(lastErr)
		if class != venue.ClassTransientNetwork && class != venue.ClassTransientOther {
			return lastErr
		}
		if attempt < c.maxRetries {
			logx.WithContext(ctx).Infof("hyperliquid: retry %s attempt=%d backoff=%s err=%v", req.Type, attempt+1, backoff, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, op string, payload []byte, result interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return venue.NewError(c.venueName, op, venue.ClassNotFoundOrInvalid, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return venue.NewError(c.venueName, op, venue.ClassTransientNetwork, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return venue.NewError(c.venueName, op, venue.ClassTransientNetwork, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return venue.StatusError(c.venueName, op, resp.StatusCode, string(body))
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(body, result); err != nil {
		return venue.NewError(c.venueName, op, venue.ClassTransientOther, fmt.Errorf("decode response: %w", err))
	}
	return nil
}
