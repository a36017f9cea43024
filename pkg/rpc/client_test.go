package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func fastRetry(maxAttempts int) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxAttempts = maxAttempts
	p.InitialInterval = time.Millisecond
	p.MaxInterval = 2 * time.Millisecond
	return p
}

func newTestClient(url string, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithLogger(quietLogger()), WithRetryPolicy(fastRetry(5))}, opts...)
	return NewClient(url, opts...)
}

func decodeBatchRequest(t *testing.T, r *http.Request) []wireRequest {
	t.Helper()
	var reqs []wireRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		t.Errorf("decode request: %v", err)
	}
	return reqs
}

// echoHandler answers every request with its method name as result, skipping ids in drop
func echoHandler(t *testing.T, drop map[uint64]bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqs := decodeBatchRequest(t, r)
		resp := make([]map[string]any, 0, len(reqs))
		// reversed to prove correlation is by id, not position
		for i := len(reqs) - 1; i >= 0; i-- {
			if drop[reqs[i].ID] {
				continue
			}
			resp = append(resp, map[string]any{"jsonrpc": "2.0", "id": reqs[i].ID, "result": reqs[i].Method})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func makeRequests(c *Client, n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		reqs[i] = Request{Method: "m", Params: []any{i}, ID: c.NextID()}
	}
	return reqs
}

func TestNextIDIsUniqueUnderConcurrency(t *testing.T) {
	c := NewClient("http://unused")
	const goroutines, perG = 8, 500

	var mu sync.Mutex
	seen := make(map[uint64]bool, goroutines*perG)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			local := make([]uint64, 0, perG)
			for i := 0; i < perG; i++ {
				id := c.NextID()
				assert.Greater(t, id, last)
				last = id
				local = append(local, id)
			}
			mu.Lock()
			for _, id := range local {
				seen[id] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, goroutines*perG)
}

func TestBatchCallEmpty(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer server.Close()

	out, latency, err := newTestClient(server.URL).BatchCall(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, latency)
	assert.Zero(t, hits.Load())
}

func TestBatchCallEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var raw []map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw)) || !assert.Len(t, raw, 1) {
			return
		}
		assert.Equal(t, "2.0", raw[0]["jsonrpc"])
		assert.Equal(t, "eth_getBalance", raw[0]["method"])
		assert.Equal(t, []any{"0xabc", "latest"}, raw[0]["params"])
		assert.EqualValues(t, 1, raw[0]["id"])
		w.Write([]byte(`[{"jsonrpc":"2.0","id":1,"result":"0x1"}]`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	out, _, err := c.BatchCall(context.Background(), []Request{
		{Method: "eth_getBalance", Params: []any{"0xabc", "latest"}, ID: c.NextID()},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.JSONEq(t, `"0x1"`, string(out[0].Result))
}

func TestBatchCallMissingResponse(t *testing.T) {
	const k = 5
	var c *Client
	server := httptest.NewServer(echoHandler(t, map[uint64]bool{3: true}))
	defer server.Close()
	c = newTestClient(server.URL)

	reqs := makeRequests(c, k)
	out, latency, err := c.BatchCall(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, out, k)
	assert.Positive(t, latency)

	for i, resp := range out {
		assert.Equal(t, reqs[i].ID, resp.ID, "results must follow request order")
		if resp.ID == 3 {
			require.NotNil(t, resp.Error)
			assert.True(t, IsMissingResponse(resp.Error))
			assert.Equal(t, CodeInternalError, resp.Error.Code)
			continue
		}
		assert.Nil(t, resp.Error)
		assert.JSONEq(t, `"m"`, string(resp.Result))
	}
}

func TestBatchCallPerRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
			{"jsonrpc":"2.0","id":1,"result":"0x10"},
			{"jsonrpc":"2.0","id":2,"error":{"code":-32000,"message":"header not found"}}
		]`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	out, _, err := c.BatchCall(context.Background(), makeRequests(c, 2))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Nil(t, out[0].Error)
	require.NotNil(t, out[1].Error)
	assert.Equal(t, -32000, out[1].Error.Code)
	assert.False(t, IsMissingResponse(out[1].Error))
}

func TestBatchCallRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		echoHandler(t, nil)(w, r)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	out, _, err := c.BatchCall(context.Background(), makeRequests(c, 3))
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.EqualValues(t, 5, attempts.Load())
}

func TestBatchCallStopsAtMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, _, err := c.BatchCall(context.Background(), makeRequests(c, 2))
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.StatusCode)
	assert.EqualValues(t, 5, attempts.Load(), "no sixth attempt")
}

func TestBatchCallNonRetryable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "bad request status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "bad payload", http.StatusBadRequest)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, http.StatusBadRequest, se.StatusCode)
				assert.Equal(t, "bad payload", se.Body)
			},
		},
		{
			name: "object instead of array",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"batch disabled"}}`))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNotBatch)
			},
		},
		{
			name: "garbage body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`[{"id": "nope"`))
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				tt.handler(w, r)
			}))
			defer server.Close()

			c := newTestClient(server.URL)
			_, _, err := c.BatchCall(context.Background(), makeRequests(c, 2))
			require.Error(t, err)
			tt.check(t, err)
			assert.EqualValues(t, 1, attempts.Load())
		})
	}
}

func TestBatchCallConnectionFailureIsRetried(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := newTestClient("http://"+addr, WithRetryPolicy(fastRetry(3)))
	_, _, err = c.BatchCall(context.Background(), makeRequests(c, 1))
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type countingTransport struct {
	calls atomic.Int32
}

func (c *countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

func TestBatchCallUnsupportedSchemeIsNotRetried(t *testing.T) {
	transport := &countingTransport{}
	c := newTestClient("htp://example.invalid", WithHTTPClient(&http.Client{Transport: transport}))

	_, _, err := c.BatchCall(context.Background(), makeRequests(c, 1))
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.EqualValues(t, 1, transport.calls.Load())
}

func TestBatchCallRespectsConcurrencyCeiling(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		echoHandler(t, nil)(w, r)
	}))
	defer server.Close()

	c := newTestClient(server.URL, WithMaxOutstanding(2))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.BatchCall(context.Background(), makeRequests(c, 2))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestBatchCallCancelledWhileWaitingForSlot(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		echoHandler(t, nil)(w, r)
	}))
	defer server.Close()
	defer close(release)

	c := newTestClient(server.URL, WithMaxOutstanding(1))
	go c.BatchCall(context.Background(), makeRequests(c, 1))
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, _, err := c.BatchCall(ctx, makeRequests(c, 1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"500", &StatusError{StatusCode: 500}, true},
		{"502", &StatusError{StatusCode: 502}, true},
		{"408", &StatusError{StatusCode: 408}, true},
		{"409", &StatusError{StatusCode: 409}, true},
		{"425", &StatusError{StatusCode: 425}, true},
		{"429", &StatusError{StatusCode: 429}, true},
		{"499", &StatusError{StatusCode: 499}, true},
		{"400", &StatusError{StatusCode: 400}, false},
		{"404", &StatusError{StatusCode: 404}, false},
		{"not batch", ErrNotBatch, false},
		{"malformed", ErrMalformedResponse, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"url timeout", &url.Error{Op: "Post", URL: "http://x", Err: timeoutError{}}, true},
		{"url connection reset", &url.Error{Op: "Post", URL: "http://x", Err: syscall.ECONNRESET}, true},
		{"url unexpected eof", &url.Error{Op: "Post", URL: "http://x", Err: io.ErrUnexpectedEOF}, true},
		{"url unsupported scheme", &url.Error{Op: "Post", URL: "htp://x", Err: errors.New(`unsupported protocol scheme "htp"`)}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestRetryPolicyMaxElapsedTime(t *testing.T) {
	p := fastRetry(0)
	p.InitialInterval = 5 * time.Millisecond
	p.MaxInterval = 5 * time.Millisecond
	p.MaxElapsedTime = 30 * time.Millisecond

	start := time.Now()
	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return &StatusError{StatusCode: 503}
	}, nil)
	require.Error(t, err)
	assert.Greater(t, calls, 1)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetryPolicyCustomPredicate(t *testing.T) {
	p := fastRetry(5)
	p.Retryable = func(error) bool { return false }

	calls := 0
	err := p.Do(context.Background(), func() error {
		calls++
		return &StatusError{StatusCode: 503}
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
