// Package upstream wraps the single pooled HTTP client used to talk to the
// OpenRouter API. One Client exists per server instance: created on Start,
// closed on Stop.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Client issues buffered and streaming requests against a fixed base URL.
type Client struct {
	base        string
	http        *http.Client
	readTimeout time.Duration
}

// BufferedResponse is a fully drained upstream response.
type BufferedResponse struct {
	StatusCode int
	StatusText string
	Headers    http.Header
	Body       []byte
}

// StreamResponse exposes the status and headers before the caller commits to
// forwarding the stream; Body must be closed by the caller on every path.
type StreamResponse struct {
	StatusCode int
	StatusText string
	Headers    http.Header
	Body       io.ReadCloser
}

// New builds the pooled client. connectTimeout bounds dials (~10s),
// readTimeout bounds header waits and buffered body reads (~60s). Streaming
// bodies get the same value as a between-reads idle deadline rather than an
// overall one, so a silently hung upstream is severed without cutting an
// active long stream. Compression is negotiated explicitly so response
// bodies keep their wire encoding for verbatim passthrough.
func New(baseURL string, connectTimeout, readTimeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}
	return &Client{
		base:        strings.TrimSuffix(baseURL, "/"),
		http:        &http.Client{Transport: transport},
		readTimeout: readTimeout,
	}
}

// PostBuffered POSTs a JSON body and drains the response.
func (c *Client) PostBuffered(ctx context.Context, path string, body []byte, headers map[string]string) (*BufferedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodPost, path, body, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response body: %w", err)
	}
	return &BufferedResponse{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    resp.Header.Clone(),
		Body:       data,
	}, nil
}

// PostStreaming POSTs a JSON body and hands back the open response stream.
// The body enforces the read timeout between reads: a stream that goes
// silent for that long is canceled and the next Read returns an error.
func (c *Client) PostStreaming(ctx context.Context, path string, body []byte, headers map[string]string) (*StreamResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.do(ctx, http.MethodPost, path, body, headers)
	if err != nil {
		cancel()
		return nil, err
	}
	return &StreamResponse{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    resp.Header.Clone(),
		Body:       newIdleTimeoutBody(resp.Body, c.readTimeout, cancel),
	}, nil
}

// idleTimeoutBody cancels its request context when no bytes arrive for the
// idle duration. Cancellation closes the underlying connection, so the
// blocked Read unblocks with an error instead of hanging forever.
type idleTimeoutBody struct {
	inner  io.ReadCloser
	idle   time.Duration
	timer  *time.Timer
	cancel context.CancelFunc
}

func newIdleTimeoutBody(inner io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	b := &idleTimeoutBody{inner: inner, idle: idle, cancel: cancel}
	b.timer = time.AfterFunc(idle, cancel)
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.inner.Read(p)
	if err == nil {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	b.cancel()
	return b.inner.Close()
}

// Get fetches a path and drains the response; used for the models passthrough.
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (*BufferedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, path, nil, headers)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream: read response body: %w", err)
	}
	return &BufferedResponse{
		StatusCode: resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    resp.Header.Clone(),
		Body:       data,
	}, nil
}

// Read drains and closes a streaming body, used when an attempt is rejected
// before any bytes are forwarded.
func (r *StreamResponse) Read(limit int64) []byte {
	if r == nil || r.Body == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit))
	if err != nil {
		log.Debugf("failed to read rejected stream body: %v", err)
	}
	_ = r.Body.Close()
	return data
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, headers map[string]string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	// Explicit so the transport does not transparently decompress; callers
	// need the wire encoding intact for passthrough.
	req.Header.Set("Accept-Encoding", "gzip, br")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func statusText(resp *http.Response) string {
	// resp.Status is "200 OK"; keep just the reason phrase.
	if idx := strings.IndexByte(resp.Status, ' '); idx >= 0 {
		return resp.Status[idx+1:]
	}
	return http.StatusText(resp.StatusCode)
}
