// Package transport dispatches rendered request skeletons over HTTP. It
// is the only component in the request path that performs network I/O;
// adapters stay pure render/parse transforms.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"aibridge/internal/patch"
)

const (
	defaultDialTimeout          = 10 * time.Second
	defaultKeepAlive            = 30 * time.Second
	defaultTLSHandshakeTimeout  = 10 * time.Second
	defaultResponseHeaderWindow = 2 * time.Minute
	defaultIdleConnTimeout      = 90 * time.Second
)

// Response is the raw outcome of one dispatched skeleton. For streaming
// calls the body stays open and is consumed incrementally by the
// adapter's event stream; the caller owns closing it.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Client sends one rendered skeleton and returns the raw response.
// Cancellation of ctx aborts the dial, the request, and any subsequent
// body reads.
type Client interface {
	Send(ctx context.Context, skel *patch.RequestSkeleton) (*Response, error)
}

// Error wraps a network-level failure. Retryable failures (dial errors,
// resets, timeouts) are retried by the router; the transport itself
// never retries.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPClient is the production transport. The underlying http.Client has
// no overall timeout so streaming bodies can outlive slow completions;
// per-attempt deadlines come from the caller's context.
type HTTPClient struct {
	client *http.Client
}

// NewHTTPClient builds a transport with conservative connection limits.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   defaultDialTimeout,
					KeepAlive: defaultKeepAlive,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          50,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       defaultIdleConnTimeout,
				TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
				ResponseHeaderTimeout: defaultResponseHeaderWindow,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
	}
}

// Send dispatches the skeleton as an HTTP POST with the skeleton's
// headers applied in insertion order.
func (c *HTTPClient) Send(ctx context.Context, skel *patch.RequestSkeleton) (*Response, error) {
	body, err := skel.EncodeBody()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, skel.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for _, name := range skel.Headers.Names() {
		value, _ := skel.Headers.Get(name)
		req.Header.Set(name, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Op: "send", Retryable: true, Err: err}
	}

	return &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   resp.Body,
	}, nil
}
