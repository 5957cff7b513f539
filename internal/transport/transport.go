// Package transport moves JSON-RPC payloads to a node endpoint over HTTP.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Request is a JSON-RPC 2.0 call.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// Client posts one request and returns the raw response body.
type Client interface {
	Post(ctx context.Context, req Request) (json.RawMessage, error)

	// Endpoint identifies the node for logs, without credentials.
	Endpoint() string
}

// ConnectionState tracks the outcome of the last round trip.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StateHealthy
	StateFailing
)

func (s ConnectionState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateFailing:
		return "failing"
	default:
		return "unknown"
	}
}

type Config struct {
	URL      string        `yaml:"url"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d", e.Code)
}

// NewClient builds the HTTP transport for config.
func NewClient(config Config) (Client, error) {
	return NewHTTPClient(config)
}
