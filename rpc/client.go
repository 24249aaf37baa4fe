// Package rpc is the JSON-RPC 1.0 transport to the full node.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	defaultTimeout = 30 * time.Second
	// maxResponseBody caps how much of a node response is read into memory.
	maxResponseBody = 64 << 20
)

// Authorizer supplies the Authorization header for each call.
type Authorizer interface {
	AuthorizationHeader() (string, bool)
}

// Client issues JSON-RPC calls to the node. Every call is attempted at
// most once.
type Client struct {
	baseURL    string
	auth       Authorizer
	httpClient *http.Client
	seq        atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient returns a client for the node at baseURL (e.g. "http://bitcoinii:8337").
func NewClient(baseURL string, auth Authorizer, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint builds the node URL from host and port.
func Endpoint(host string, port int) string {
	return "http://" + host + ":" + strconv.Itoa(port)
}

type callOptions struct {
	wallet string
}

// CallOption scopes a single call.
type CallOption func(*callOptions)

// WithWallet routes the call to /wallet/<name>.
func WithWallet(name string) CallOption {
	return func(o *callOptions) { o.wallet = name }
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// Call performs method with params and returns the raw result member.
func (c *Client) Call(ctx context.Context, method string, params []any, opts ...CallOption) (json.RawMessage, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	header, ok := c.auth.AuthorizationHeader()
	if !ok {
		return nil, ErrAuthUnavailable
	}

	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(request{
		JSONRPC: "1.0",
		ID:      "nodedash-" + strconv.FormatUint(c.seq.Add(1), 10),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", method, err)
	}

	target := c.baseURL + "/"
	if o.wallet != "" {
		target = c.baseURL + "/wallet/" + url.PathEscape(o.wallet)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", header)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", method, err)
	}

	var decoded response
	jsonErr := json.Unmarshal(data, &decoded)
	var rpcErr *RPCError
	if jsonErr == nil && len(decoded.Error) > 0 && string(decoded.Error) != "null" {
		rpcErr = parseRPCError(decoded.Error)
	}
	// The node answers most RPC errors with HTTP 404/500 and a JSON error
	// body; the parsed error stays reachable through errors.As.
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &TransportError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			RPC:        rpcErr,
		}
	}
	if jsonErr != nil {
		return nil, &DecodeError{Method: method, Err: jsonErr}
	}
	if rpcErr != nil {
		return nil, rpcErr
	}
	return decoded.Result, nil
}

// CallResult performs the call and decodes the result into out.
func (c *Client) CallResult(ctx context.Context, method string, params []any, out any, opts ...CallOption) error {
	raw, err := c.Call(ctx, method, params, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &DecodeError{Method: method, Err: err}
	}
	return nil
}
