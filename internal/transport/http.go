package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"
)

const maxResponseBytes = 4 << 20

// HTTPClient implements Client against a single node URL.
type HTTPClient struct {
	config   Config
	endpoint string
	state    int32 // atomic ConnectionState

	client *http.Client
}

func NewHTTPClient(config Config) (*HTTPClient, error) {
	u, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("parse node url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("node url %q: scheme must be http or https", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	// credentials embedded in the URL are moved to basic auth
	if u.User != nil && config.User == "" {
		config.User = u.User.Username()
		config.Password, _ = u.User.Password()
	}
	u.User = nil

	c := &HTTPClient{
		config:   config,
		endpoint: u.String(),
		client: &http.Client{
			Timeout: config.Timeout,
		},
	}
	atomic.StoreInt32(&c.state, int32(StateUnknown))
	return c, nil
}

func (c *HTTPClient) Endpoint() string { return c.endpoint }

func (c *HTTPClient) ConnectionState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

func (c *HTTPClient) Post(ctx context.Context, req Request) (json.RawMessage, error) {
	body, err := c.post(ctx, req)
	if err != nil {
		atomic.StoreInt32(&c.state, int32(StateFailing))
		return nil, err
	}
	atomic.StoreInt32(&c.state, int32(StateHealthy))
	return body, nil
}

func (c *HTTPClient) post(ctx context.Context, req Request) (json.RawMessage, error) {
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.User != "" || c.config.Password != "" {
		httpReq.SetBasicAuth(c.config.User, c.config.Password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	if !json.Valid(body) {
		return nil, errors.New("response is not valid json")
	}
	return body, nil
}
