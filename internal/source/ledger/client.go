// Package ledger reads contract state from Ethereum-compatible JSON-RPC
// nodes with eth_call.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Synthetixio/snx-api/internal/config"
	"github.com/Synthetixio/snx-api/internal/source"
	"github.com/Synthetixio/snx-api/internal/transport"
)

var errEmptyResult = errors.New("empty call result")

// Client issues read-only calls against one node.
type Client struct {
	network string
	rpc     transport.Client
	health  *Health
	nextID  atomic.Uint64
}

func NewClient(network string, rpc transport.Client) *Client {
	return &Client{network: network, rpc: rpc, health: NewHealth(network, nil)}
}

// Dial builds a Client for an endpoint from configuration.
func Dial(network string, ep config.Endpoint, timeout time.Duration) (*Client, error) {
	rpc, err := transport.NewClient(transport.Config{
		URL:      ep.URL,
		User:     ep.User,
		Password: ep.Password,
		Timeout:  timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s node: %w", network, err)
	}
	c := NewClient(network, rpc)
	if u, err := url.Parse(ep.URL); err == nil && u.Host != "" {
		c.health = NewHealth(network+"@"+u.Host, nil)
	}
	return c, nil
}

func (c *Client) Network() string { return c.network }

func (c *Client) Endpoint() string { return c.rpc.Endpoint() }

func (c *Client) Health() *Health { return c.health }

// Call performs a JSON-RPC call and returns the "result" member.
// Transport failures are network errors; an "error" member is a query error.
func (c *Client) Call(ctx context.Context, method string, params ...any) (gjson.Result, error) {
	op := fmt.Sprintf("%s %s", c.network, method)
	if params == nil {
		params = []any{}
	}
	start := time.Now()
	body, err := c.rpc.Post(ctx, transport.Request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		c.health.RecordError(err)
		return gjson.Result{}, source.NewNetworkError(op, err)
	}

	parsed := gjson.ParseBytes(body)
	if rpcErr := parsed.Get("error"); rpcErr.Exists() && rpcErr.Type != gjson.Null {
		c.health.RecordSuccess(time.Since(start))
		return gjson.Result{}, source.NewQueryError(op, fmt.Errorf("rpc error %d: %s",
			rpcErr.Get("code").Int(), rpcErr.Get("message").String()))
	}
	result := parsed.Get("result")
	if !result.Exists() {
		err := errors.New("response has neither result nor error")
		c.health.RecordError(err)
		return gjson.Result{}, source.NewNetworkError(op, err)
	}
	c.health.RecordSuccess(time.Since(start))
	return result, nil
}

// EthCall executes calldata against to at the latest block and returns the
// hex encoded return data.
func (c *Client) EthCall(ctx context.Context, to string, data []byte) (string, error) {
	call := map[string]string{
		"to":   to,
		"data": "0x" + hex.EncodeToString(data),
	}
	res, err := c.Call(ctx, "eth_call", call, "latest")
	if err != nil {
		return "", err
	}
	return res.String(), nil
}

// ReadContractValue calls a uint256 view method and returns it in base 10.
func (c *Client) ReadContractValue(ctx context.Context, address, method string, args ...string) (string, error) {
	op := fmt.Sprintf("%s %s.%s", c.network, address, method)
	data, err := EncodeCall(method, args...)
	if err != nil {
		return "", source.NewQueryError(op, err)
	}
	out, err := c.EthCall(ctx, address, data)
	if err != nil {
		return "", err
	}
	v, err := DecodeUint256(out)
	if errors.Is(err, errEmptyResult) {
		return "", source.NewNotFoundError(op, fmt.Errorf("no code at %s", address))
	}
	if err != nil {
		return "", source.NewQueryError(op, err)
	}
	return v.String(), nil
}

// Pool routes reads to one Client per network. It implements
// source.LedgerReader.
type Pool map[string]*Client

func (p Pool) ReadContractValue(ctx context.Context, network, address, method string, args ...string) (string, error) {
	c, ok := p[network]
	if !ok || c == nil {
		return "", source.NewNotFoundError(network+" "+method, fmt.Errorf("no node configured for %s", network))
	}
	return c.ReadContractValue(ctx, address, method, args...)
}

// Networks lists the networks the pool can reach.
func (p Pool) Networks() []string {
	out := make([]string, 0, len(p))
	for n := range p {
		out = append(out, n)
	}
	return out
}

var _ source.LedgerReader = Pool(nil)

func Primary(n config.Network) config.Endpoint { return n.Primary }

func Backup(n config.Network) config.Endpoint { return n.Backup }

// DialPool dials the endpoint pick selects for every network that has one.
func DialPool(networks map[string]config.Network, pick func(config.Network) config.Endpoint) (Pool, error) {
	pool := Pool{}
	for name, n := range networks {
		ep := pick(n)
		if ep.URL == "" {
			continue
		}
		c, err := Dial(name, ep, time.Duration(n.TimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, err
		}
		pool[name] = c
	}
	return pool, nil
}
