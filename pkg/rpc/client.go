package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Default configuration values.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutstanding = 8
	DefaultVersion        = "2.0"

	maxErrorBody = 1024
)

// Request is one call inside a batch.
type Request struct {
	Method string
	Params []any
	ID     uint64
}

// Response is the result for one request id. Exactly one of Result or Error is
// meaningful; a null or absent result leaves Result empty.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// wireRequest is the JSON-RPC 2.0 request envelope.
type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// Client sends JSON-RPC batches over HTTP. It is safe for concurrent use; the
// id counter and the in-flight limiter are shared by every caller.
type Client struct {
	endpoint  string
	client    *http.Client
	headers   map[string]string
	version   string
	limiter   *semaphore.Weighted
	retry     RetryPolicy
	logger    logrus.FieldLogger
	requestID atomic.Uint64
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxOutstanding sets how many batch calls may be in flight at once.
func WithMaxOutstanding(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.limiter = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// WithHeaders adds headers to every outbound request.
func WithHeaders(h map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range h {
			c.headers[k] = v
		}
	}
}

// WithLogger sets the logger used for retry notices.
func WithLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) {
		c.logger = l
	}
}

// NewClient creates a new batching JSON-RPC client.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultTimeout},
		headers:  map[string]string{"Content-Type": "application/json"},
		version:  DefaultVersion,
		limiter:  semaphore.NewWeighted(DefaultMaxOutstanding),
		retry:    DefaultRetryPolicy(),
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NextID returns a fresh, strictly increasing request id.
func (c *Client) NextID() uint64 {
	return c.requestID.Add(1)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.client.CloseIdleConnections()
}

// BatchCall sends all requests as one batch and returns one Response per
// request, in request order. Ids absent from the reply get a "missing response"
// error instead of failing the batch. The returned latency is the round trip of
// the successful attempt.
func (c *Client) BatchCall(ctx context.Context, reqs []Request) ([]Response, time.Duration, error) {
	if len(reqs) == 0 {
		return []Response{}, 0, nil
	}

	payload := make([]wireRequest, len(reqs))
	for i, r := range reqs {
		params := r.Params
		if params == nil {
			params = []any{}
		}
		payload[i] = wireRequest{JSONRPC: c.version, Method: r.Method, Params: params, ID: r.ID}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal batch: %w", err)
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	defer c.limiter.Release(1)

	var (
		entries []Response
		latency time.Duration
		attempt int
	)
	err = c.retry.Do(ctx, func() error {
		attempt++
		e, l, err := c.send(ctx, body)
		if err != nil {
			return err
		}
		entries, latency = e, l
		return nil
	}, func(err error, wait time.Duration) {
		c.logger.WithError(err).Warnf("JSON-RPC retry #%d in %s", attempt, wait.Round(time.Millisecond))
	})
	if err != nil {
		return nil, 0, fmt.Errorf("batch call: %w", err)
	}

	index := make(map[uint64]*Response, len(entries))
	for i := range entries {
		index[entries[i].ID] = &entries[i]
	}
	out := make([]Response, len(reqs))
	for i, r := range reqs {
		if e, ok := index[r.ID]; ok {
			out[i] = *e
			continue
		}
		out[i] = Response{ID: r.ID, Error: missingResponse(r.ID)}
	}
	c.logger.Debugf("JSON-RPC batch size=%d latency=%s", len(reqs), latency.Round(time.Microsecond))
	return out, latency, nil
}

// send performs a single attempt.
func (c *Client) send(ctx context.Context, body []byte) ([]Response, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, 0, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(excerpt))}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read response: %w", err)
	}
	latency := time.Since(start)

	entries, err := decodeBatch(respBody)
	if err != nil {
		return nil, 0, err
	}
	return entries, latency, nil
}

// decodeBatch requires the body to be a JSON array of response objects.
func decodeBatch(body []byte) ([]Response, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, ErrNotBatch
	}
	var entries []Response
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return entries, nil
}
