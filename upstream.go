package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// UpstreamConfig points at the opaque Cloud Code backend and its request
// timeouts.
type UpstreamConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	StreamTimeout  time.Duration
}

func defaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		BaseURL:        "https://cloudcode-pa.googleapis.com",
		RequestTimeout: 2 * time.Minute,
		StreamTimeout:  30 * time.Minute,
	}
}

// NewUpstreamTransport builds the HTTP/2-tuned transport used for every
// outbound call to the upstream adapter and the OAuth token endpoint.
func NewUpstreamTransport() *http.Transport {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	_ = http2.ConfigureTransport(transport)
	return transport
}

// UpstreamClient dispatches requests to the opaque Cloud Code adapter. The
// adapter itself performs the deep Messages/Chat-Completions-to-upstream
// reshape; this client only knows how to open the connection, attach
// auth/project headers, and relay bytes.
type UpstreamClient struct {
	cfg    UpstreamConfig
	client *http.Client
}

func NewUpstreamClient(cfg UpstreamConfig, transport http.RoundTripper) *UpstreamClient {
	return &UpstreamClient{
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}
}

// DispatchResult carries either a buffered body (non-streaming) or an open
// body ready for SSE relay (streaming).
type DispatchResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte         // set when !Streaming
	Stream     *http.Response // set when Streaming; caller must close Stream.Body
	Cancel     context.CancelFunc // set when Streaming; caller must call once the stream ends
}

// Dispatch sends the already-encoded Messages-dialect payload to the
// upstream adapter. Non-streaming calls buffer the body and release the
// timeout context before returning. Streaming calls return the open
// response plus its timeout's cancel func, which the caller must invoke
// once the stream ends (RelaySSE's idle-timeout watchdog calls it on idle).
func (c *UpstreamClient) Dispatch(ctx context.Context, accessToken, projectID string, payload []byte, streaming bool) (*DispatchResult, error) {
	timeout := c.cfg.RequestTimeout
	if streaming {
		timeout = c.cfg.StreamTimeout
	}
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1internal:generateContent", bytesBody(payload))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if projectID != "" {
		req.Header.Set("X-Goog-User-Project", projectID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dispatch upstream request: %w", err)
	}

	if streaming {
		return &DispatchResult{StatusCode: resp.StatusCode, Header: resp.Header, Stream: resp, Cancel: cancel}, nil
	}

	defer cancel()
	defer resp.Body.Close()
	body, err := readAllLimited(resp.Body, 16<<20)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}
	return &DispatchResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}
