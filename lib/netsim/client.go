/*
Copyright 2024 CardLink Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package netsim

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/veenone/cardlink-sub000/lib/defaults"
	"github.com/veenone/cardlink-sub000/lib/events"
	"github.com/veenone/cardlink-sub000/lib/observability"
)

// JSON-RPC error codes recognized by the adapter. Application-level
// codes sit in the JSON-RPC server error range (-32000 to -32099).
const (
	codeMethodNotFound   = -32601
	codeNotAuthenticated = -32001
	codeResourceNotFound = -32002
	codeRateLimited      = -32003
)

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	ID      *string         `json:"id,omitempty"`
	Params  interface{}     `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// mapRPCError converts a JSON-RPC error to the adapter error taxonomy.
// Unknown codes map to a generic command error preserving the code.
func mapRPCError(e *rpcError) error {
	switch e.Code {
	case codeMethodNotFound, codeResourceNotFound:
		return trace.NotFound("netsim: %v (code %v)", e.Message, e.Code)
	case codeNotAuthenticated:
		return trace.AccessDenied("netsim: %v", e.Message)
	case codeRateLimited:
		retryAfter := time.Duration(0)
		var data struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if len(e.Data) > 0 && json.Unmarshal(e.Data, &data) == nil {
			retryAfter = time.Duration(data.RetryAfter * float64(time.Second))
		}
		return &RateLimitError{Message: e.Message, RetryAfter: retryAfter}
	}
	return trace.BadParameter("netsim command error %v: %v", e.Code, e.Message)
}

// RateLimitError carries the recommended retry delay of a rate-limited
// command.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

// Error implements error.
func (e *RateLimitError) Error() string {
	return "netsim rate limited: " + e.Message
}

// NotificationHandler receives a JSON-RPC notification.
type NotificationHandler func(method string, params json.RawMessage)

// ReconnectConfig tunes the reconnect manager.
type ReconnectConfig struct {
	// InitialDelay is the first backoff step.
	InitialDelay time.Duration
	// Factor multiplies the delay after every failed attempt.
	Factor float64
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
	// MaxAttempts bounds the attempts; zero means unbounded.
	MaxAttempts int
}

func (c *ReconnectConfig) setDefaults() {
	if c.InitialDelay == 0 {
		c.InitialDelay = defaults.ReconnectInitialDelay
	}
	if c.Factor == 0 {
		c.Factor = defaults.ReconnectBackoffFactor
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = defaults.ReconnectMaxDelay
	}
}

// ClientConfig configures the netsim client.
type ClientConfig struct {
	// Dial establishes transport connections.
	Dial Dialer
	// RequestTimeout bounds each JSON-RPC request.
	RequestTimeout time.Duration
	// Reconnect tunes the reconnect manager.
	Reconnect ReconnectConfig
	// Bus receives reconnect lifecycle events.
	Bus *events.Bus
	// Metrics optionally counts reconnect attempts.
	Metrics *observability.Metrics
	// Clock is used for timeouts and backoff.
	Clock clockwork.Clock
	// Log is the client logger.
	Log log.FieldLogger
}

// CheckAndSetDefaults checks parameters and sets default values.
func (c *ClientConfig) CheckAndSetDefaults() error {
	if c.Dial == nil {
		return trace.BadParameter("missing parameter Dial")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.NetsimRequestTimeout
	}
	c.Reconnect.setDefaults()
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = log.WithField(trace.Component, "netsim")
	}
	return nil
}

type pendingRequest struct {
	result chan rpcOutcome
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

// Client is the JSON-RPC netsim adapter.
type Client struct {
	cfg ClientConfig

	mu            sync.Mutex
	conn          Conn
	pending       map[string]*pendingRequest
	subs          map[string][]NotificationHandler
	allSubs       []NotificationHandler
	authenticated bool
	apiKey        string
	closed        bool
}

// NewClient creates a netsim client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Client{
		cfg:     cfg,
		pending: make(map[string]*pendingRequest),
		subs:    make(map[string][]NotificationHandler),
	}, nil
}

// Connect dials the simulator and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.cfg.Dial(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return trace.BadParameter("client is closed")
	}
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)
	return nil
}

// Close tears the client down; no reconnection is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return trace.Wrap(conn.Close())
	}
	return nil
}

// Connected reports whether a transport connection is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Authenticated reports whether the session holds a valid API key.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Authenticate presents the API key to the simulator. The key is
// remembered so the reconnect manager can re-authenticate after a
// transport loss.
func (c *Client) Authenticate(ctx context.Context, apiKey string) error {
	if _, err := c.Call(ctx, "authenticate", map[string]string{"api_key": apiKey}); err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	c.authenticated = true
	c.apiKey = apiKey
	c.mu.Unlock()
	return nil
}

// Subscribe registers a notification handler for a method name; an
// empty method subscribes to all notifications.
func (c *Client) Subscribe(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if method == "" {
		c.allSubs = append(c.allSubs, handler)
		return
	}
	c.subs[method] = append(c.subs[method], handler)
}

// Call performs one JSON-RPC request and waits for the matching
// response. Responses are paired by id alone; arrival order does not
// matter.
func (c *Client) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := uuid.NewString()
	request := rpcMessage{
		JSONRPC: "2.0",
		Method:  method,
		ID:      &id,
		Params:  params,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	pending := &pendingRequest{result: make(chan rpcOutcome, 1)}
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, trace.ConnectionProblem(nil, "netsim is not connected")
	}
	conn := c.conn
	c.pending[id] = pending
	c.mu.Unlock()

	if err := conn.WriteMessage(payload); err != nil {
		c.removePending(id)
		return nil, trace.Wrap(err)
	}

	select {
	case outcome := <-pending.result:
		return outcome.result, trace.Wrap(outcome.err)
	case <-c.cfg.Clock.After(c.cfg.RequestTimeout):
		c.removePending(id)
		return nil, trace.ConnectionProblem(nil, "netsim request %v timed out after %v", method, c.cfg.RequestTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, trace.Wrap(ctx.Err())
	}
}

// Notify sends a JSON-RPC notification (no id, no response).
func (c *Client) Notify(method string, params interface{}) error {
	payload, err := json.Marshal(rpcMessage{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return trace.Wrap(err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return trace.ConnectionProblem(nil, "netsim is not connected")
	}
	return trace.Wrap(conn.WriteMessage(payload))
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *Client) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.handleMessage(data)
	}
}

func (c *Client) handleMessage(data []byte) {
	var msg struct {
		JSONRPC string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		ID      *string         `json:"id"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.cfg.Log.WithError(err).Warn("Dropping malformed netsim message.")
		return
	}
	if msg.ID != nil {
		c.mu.Lock()
		pending, ok := c.pending[*msg.ID]
		if ok {
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			c.cfg.Log.WithField("id", *msg.ID).Debug("Dropping response for unknown request id.")
			return
		}
		if msg.Error != nil {
			pending.result <- rpcOutcome{err: mapRPCError(msg.Error)}
			return
		}
		pending.result <- rpcOutcome{result: msg.Result}
		return
	}
	if msg.Method != "" {
		c.dispatchNotification(msg.Method, msg.Params)
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.mu.Lock()
	handlers := append([]NotificationHandler{}, c.subs[method]...)
	handlers = append(handlers, c.allSubs...)
	c.mu.Unlock()
	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.cfg.Log.WithFields(log.Fields{
						"method": method,
						"panic":  r,
					}).Warn("Notification handler panicked.")
				}
			}()
			handler(method, params)
		}()
	}
}

// handleDisconnect fails every outstanding request with a connection
// lost error, clears authentication, and hands over to the reconnect
// manager.
func (c *Client) handleDisconnect(conn Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already took over.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.authenticated = false
	outstanding := c.pending
	c.pending = make(map[string]*pendingRequest)
	closed := c.closed
	c.mu.Unlock()

	connectionLost := trace.ConnectionProblem(cause, "netsim connection lost")
	for _, pending := range outstanding {
		pending.result <- rpcOutcome{err: connectionLost}
	}
	conn.Close()
	if closed {
		return
	}
	c.cfg.Log.WithError(cause).Warn("Netsim connection lost, reconnecting.")
	go c.reconnectLoop()
}
