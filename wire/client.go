package wire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/halyardhq/halyard/config"
	"github.com/halyardhq/halyard/errors"
	"github.com/halyardhq/halyard/internal/httpclient"
	"github.com/halyardhq/halyard/logger"
	"github.com/halyardhq/halyard/version"
)

// WebSocket timeout constants following Gorilla best practices
// See: https://github.com/gorilla/websocket/blob/master/examples/chat/client.go
const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer (1MB for execution output)
	maxMessageSize = 1024 * 1024
)

// State tracks where a Client is in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ReconnectPolicy controls recovery after an unexpected transport close.
type ReconnectPolicy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Options configures a Client's timeouts and reconnection behavior.
type Options struct {
	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
	HTTPTimeout      time.Duration
	Reconnect        ReconnectPolicy
}

// OptionsFromConfig translates the remote section of the configuration.
func OptionsFromConfig(cfg config.RemoteConfig) Options {
	return Options{
		RequestTimeout:   cfg.RequestTimeout(),
		HandshakeTimeout: cfg.HandshakeTimeout(),
		HTTPTimeout:      cfg.HTTPTimeout(),
		Reconnect: ReconnectPolicy{
			Enabled:     cfg.ReconnectEnabled,
			MaxAttempts: cfg.ReconnectMaxAttempts,
			BaseDelay:   time.Duration(cfg.ReconnectBaseDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.ReconnectMaxDelayMs) * time.Millisecond,
			Multiplier:  cfg.ReconnectMultiplier,
		},
	}
}

// NotificationFunc receives execution notifications routed by executionId,
// in the order they arrived on the transport.
type NotificationFunc func(method string, params json.RawMessage)

// Client speaks JSON-RPC 2.0 over a WebSocket to one remote agent server.
// A Client is identified by (serverURL, credential); the Pool hands out one
// Client per identity. Safe for concurrent use.
type Client struct {
	serverURL  string
	credential string
	opts       Options
	log        *zap.SugaredLogger

	state       atomic.Int32
	manualClose atomic.Bool

	// connectMu serializes Connect end to end, handshake included: a
	// concurrent caller waits and then observes the first dial's outcome
	// instead of dialing a second transport over it.
	connectMu sync.Mutex

	// mu guards conn identity across connect/disconnect transitions.
	// writeMu serializes writers: gorilla connections allow one at a time.
	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	nextID    atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan *Envelope

	routesMu sync.Mutex
	routes   map[string]NotificationFunc

	serverInfo atomic.Pointer[InitializeResult]

	httpOnce sync.Once
	http     *httpclient.SaferClient
}

// NewClient creates a disconnected Client for the given endpoint.
func NewClient(serverURL, credential string, opts Options) *Client {
	return &Client{
		serverURL:  serverURL,
		credential: credential,
		opts:       opts,
		log:        logger.Named("wire").With("server_url", serverURL),
		pending:    make(map[int64]chan *Envelope),
		routes:     make(map[string]NotificationFunc),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(int32(s))
}

// ServerInfo returns the handshake result from the last successful Connect,
// or nil when never connected.
func (c *Client) ServerInfo() *InitializeResult {
	return c.serverInfo.Load()
}

// Connect dials the server, starts the read pump, and performs the
// initialize handshake. Calling Connect on an already-connected client is a
// no-op, and concurrent calls share a single dial: later callers block until
// the in-flight attempt settles. Transport failures return an error marked
// ErrConnection; a handshake that produces no response within the handshake
// timeout returns an error marked ErrTimeout.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.State() == StateConnected {
		return nil
	}
	c.setState(StateConnecting)
	c.manualClose.Store(false)

	wsURL, err := websocketURL(c.serverURL)
	if err != nil {
		c.setState(StateError)
		return errors.Mark(err, errors.ErrConnection)
	}

	header := http.Header{}
	if c.credential != "" {
		header.Set("Authorization", "Bearer "+c.credential)
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		c.setState(StateError)
		if resp != nil {
			resp.Body.Close()
			return errors.Mark(
				errors.Wrapf(err, "websocket dial rejected with status %d", resp.StatusCode),
				errors.ErrConnection)
		}
		return errors.Mark(errors.Wrap(err, "websocket dial failed"), errors.ErrConnection)
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readPump(conn, done)
	go c.pingLoop(conn, done)

	params := InitializeParams{ClientName: "halyard", Version: version.Version}
	env, err := c.call(ctx, MethodInitialize, params, c.opts.HandshakeTimeout)
	if err != nil {
		c.teardown(conn)
		c.setState(StateError)
		return errors.Wrap(err, "initialize handshake failed")
	}

	var info InitializeResult
	if err := json.Unmarshal(env.Result, &info); err != nil {
		c.teardown(conn)
		c.setState(StateError)
		return errors.Wrap(err, "malformed initialize result")
	}

	c.serverInfo.Store(&info)
	c.setState(StateConnected)
	c.log.Infow("Connected to remote server",
		"server_name", info.ServerName,
		"server_version", info.Version,
		"tools", len(info.Tools),
	)
	return nil
}

// Disconnect closes the transport and rejects every pending request with
// ErrConnectionClosed. Disconnecting an already-disconnected client is a
// no-op. No reconnection is attempted after an explicit Disconnect.
func (c *Client) Disconnect() {
	c.manualClose.Store(true)

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
		c.log.Debugw("Disconnected from remote server")
	}

	c.rejectAllPending()
	c.setState(StateDisconnected)
}

// CallTool invokes a named tool on the remote server and returns its raw
// result. A JSON-RPC error object from the server surfaces as a RemoteError
// carrying the server's code and message untouched.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if c.State() != StateConnected {
		return nil, errors.Mark(
			errors.Newf("cannot call tool %q: client is %s", name, c.State()),
			errors.ErrNotConnected)
	}

	env, err := c.call(ctx, MethodCallTool, CallToolParams{Name: name, Arguments: args}, c.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}
	return env.Result, nil
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if c.State() != StateConnected {
		return nil, errors.Mark(errors.New("cannot list tools: client is not connected"), errors.ErrNotConnected)
	}

	env, err := c.call(ctx, MethodListTools, nil, c.opts.RequestTimeout)
	if err != nil {
		return nil, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, errors.Wrap(err, "malformed tools/list result")
	}
	return result.Tools, nil
}

// Execute runs a prompt on a remote agent. Notifications carrying the
// request's executionId are delivered to onNotify in arrival order until the
// response resolves; notifications arriving after resolution are dropped.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest, onNotify NotificationFunc) (*ExecutionResult, error) {
	if c.State() != StateConnected {
		return nil, errors.Mark(errors.New("cannot execute: client is not connected"), errors.ErrNotConnected)
	}

	if onNotify != nil {
		c.routesMu.Lock()
		c.routes[req.ExecutionID] = onNotify
		c.routesMu.Unlock()
		defer func() {
			c.routesMu.Lock()
			delete(c.routes, req.ExecutionID)
			c.routesMu.Unlock()
		}()
	}

	timeout := c.opts.RequestTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	env, err := c.call(ctx, MethodExecute, req, timeout)
	if err != nil {
		return nil, err
	}

	var result ExecutionResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, errors.Wrap(err, "malformed execution result")
	}
	return &result, nil
}

// call sends a correlated request and blocks for its response, the timeout,
// or context cancellation, whichever comes first.
func (c *Client) call(ctx context.Context, method string, params any, timeout time.Duration) (*Envelope, error) {
	env := &Envelope{JSONRPC: Version, ID: c.nextID.Add(1), Method: method}
	if params != nil {
		payload, err := json.Marshal(params)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode %s params", method)
		}
		env.Params = payload
	}

	id := env.ID.(int64)
	ch := make(chan *Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.writeEnvelope(env); err != nil {
		c.takePending(id)
		return nil, errors.Mark(errors.Wrapf(err, "failed to send %s request", method), errors.ErrConnection)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errors.Mark(
				errors.Newf("%s request abandoned: connection closed", method),
				errors.ErrConnectionClosed)
		}
		if resp.Error != nil {
			return nil, errors.NewRemoteError(resp.Error.Code, resp.Error.Message)
		}
		return resp, nil

	case <-timer.C:
		c.takePending(id)
		return nil, errors.Mark(
			errors.Newf("no response to %s within %s", method, timeout),
			errors.ErrTimeout)

	case <-ctx.Done():
		c.takePending(id)
		return nil, errors.Wrapf(ctx.Err(), "%s request cancelled", method)
	}
}

func (c *Client) writeEnvelope(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.Mark(errors.New("no transport"), errors.ErrNotConnected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// takePending removes and returns the response channel for id, or nil when
// another path already claimed it. Claiming under the lock guarantees a
// request resolves exactly once.
func (c *Client) takePending(id int64) chan *Envelope {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch := c.pending[id]
	delete(c.pending, id)
	return ch
}

func (c *Client) rejectAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// readPump reads envelopes until the transport fails, routing responses to
// pending calls and notifications to registered execution sinks.
func (c *Client) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			break
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warnw("Discarding undecodable message",
				"error", err.Error(),
				"size_bytes", len(data),
			)
			continue
		}

		switch {
		case env.Method != "":
			c.routeNotification(&env)
		case env.ID != nil:
			c.resolve(&env)
		default:
			c.log.Debugw("Discarding envelope with neither id nor method")
		}
	}

	c.connectionLost(conn)
}

// handleReadError logs unexpected WebSocket read errors.
// Expected closure codes (going away, abnormal, no status) are silently ignored.
func (c *Client) handleReadError(err error) {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived,
		websocket.CloseNormalClosure,
	) {
		c.log.Warnw("WebSocket read error", "error", err.Error())
	}
}

// resolve matches a response envelope to its pending request. Unmatched
// responses (late arrivals after a timeout) are dropped with a debug log.
func (c *Client) resolve(env *Envelope) {
	id, ok := envelopeID(env.ID)
	if !ok {
		c.log.Warnw("Discarding response with unusable id", "id", env.ID)
		return
	}

	ch := c.takePending(id)
	if ch == nil {
		c.log.Debugw("Dropping response with no pending request", "id", id)
		return
	}
	ch <- env
}

// routeNotification delivers a server notification to the sink registered
// for its executionId. Sinks run synchronously on the read pump so arrival
// order is preserved per execution.
func (c *Client) routeNotification(env *Envelope) {
	execID := executionID(env.Params)

	c.routesMu.Lock()
	sink := c.routes[execID]
	c.routesMu.Unlock()

	if sink == nil {
		c.log.Debugw("Dropping unrouted notification",
			"method", env.Method,
			"execution_id", execID,
		)
		return
	}
	sink(env.Method, env.Params)
}

// connectionLost runs after the read pump exits. When the loss was not an
// explicit Disconnect, pending requests are rejected and reconnection starts
// if the policy allows it.
func (c *Client) connectionLost(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.mu.Unlock()

	if !current || c.manualClose.Load() {
		return
	}

	wasConnected := c.State() == StateConnected
	c.setState(StateDisconnected)
	c.rejectAllPending()

	if wasConnected && c.opts.Reconnect.Enabled {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries Connect with exponential backoff until it succeeds,
// the policy's attempts are exhausted, or Disconnect is called.
func (c *Client) reconnectLoop() {
	delay := c.opts.Reconnect.BaseDelay

	for attempt := 1; attempt <= c.opts.Reconnect.MaxAttempts; attempt++ {
		time.Sleep(delay)

		if c.manualClose.Load() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(),
			c.opts.HandshakeTimeout+c.opts.RequestTimeout)
		err := c.Connect(ctx)
		cancel()

		if err == nil {
			c.log.Infow("Reconnected to remote server", "attempt", attempt)
			return
		}

		c.log.Warnw("Reconnect attempt failed",
			"attempt", attempt,
			"max_attempts", c.opts.Reconnect.MaxAttempts,
			"error", err.Error(),
		)

		delay = time.Duration(float64(delay) * c.opts.Reconnect.Multiplier)
		if c.opts.Reconnect.MaxDelay > 0 && delay > c.opts.Reconnect.MaxDelay {
			delay = c.opts.Reconnect.MaxDelay
		}
	}

	c.setState(StateDisconnected)
	c.log.Errorw("Reconnect attempts exhausted", "max_attempts", c.opts.Reconnect.MaxAttempts)
}

// pingLoop keeps the connection alive per Gorilla best practices.
func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// teardown closes a connection mid-Connect (failed handshake) without
// triggering the reconnect path.
func (c *Client) teardown(conn *websocket.Conn) {
	c.manualClose.Store(true)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	conn.Close()
	c.rejectAllPending()
}

// websocketURL normalizes an endpoint URL to a ws:// or wss:// dial target.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "invalid server URL %q", raw)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Newf("unsupported server URL scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// envelopeID normalizes the wire representation of a response id. JSON
// numbers decode as float64; some servers echo ids back as strings.
func envelopeID(v any) (int64, bool) {
	switch id := v.(type) {
	case int64:
		return id, true
	case float64:
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(id, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
