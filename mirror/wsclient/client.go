// Package wsclient is the client side of the websocket endpoint. It
// correlates requests with replies, hands pushes to registered handlers and
// reconnects when the connection drops. A Client satisfies mirror.Transport.
package wsclient

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/labctrl/dispatcher"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/gateway"
	"github.com/c360/labctrl/mirror"
	"github.com/c360/labctrl/pkg/retry"
)

// ErrNotConnected is returned for requests made while the link is down
var ErrNotConnected = stderrors.New("not connected")

const writeTimeout = 10 * time.Second

// Signal is a signal push
type Signal struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

// Option configures a Client
type Option func(*Client)

// WithHeader adds headers sent with every handshake
func WithHeader(h http.Header) Option {
	return func(c *Client) {
		for k, vs := range h {
			for _, v := range vs {
				c.header.Add(k, v)
			}
		}
	}
}

// WithToken authenticates with a bearer token
func WithToken(token string) Option {
	return func(c *Client) {
		c.header.Set("Authorization", "Bearer "+token)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDialer replaces the websocket dialer
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithReconnect sets the backoff used between reconnection attempts.
// Attempts continue in rounds until the client is closed.
func WithReconnect(cfg retry.Config) Option {
	return func(c *Client) {
		c.reconnect = true
		c.retryCfg = cfg
	}
}

// WithoutReconnect makes a dropped connection final
func WithoutReconnect() Option {
	return func(c *Client) {
		c.reconnect = false
	}
}

// Client is a websocket connection to a labctrl server
type Client struct {
	url       string
	header    http.Header
	dialer    *websocket.Dialer
	logger    *slog.Logger
	reconnect bool
	retryCfg  retry.Config

	mu        sync.Mutex
	conn      *websocket.Conn
	pending   map[string]chan gateway.Envelope
	writeMu   sync.Mutex
	nextID    atomic.Uint64
	connected atomic.Bool

	handlersMu  sync.RWMutex
	onUpdate    []func(map[string]mirror.Snapshot)
	onSignal    []func(Signal)
	onReconnect []func()

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ mirror.Transport = (*Client)(nil)

// Dial connects to url (ws:// or wss://). The first connection must
// succeed; later drops are handled in the background.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:       url,
		header:    make(http.Header),
		dialer:    websocket.DefaultDialer,
		logger:    slog.Default(),
		reconnect: true,
		retryCfg: retry.Config{
			MaxAttempts:  10,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		},
		pending: make(map[string]chan gateway.Envelope),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "wsclient", "url", url)

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.attach(conn)
	go c.run(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, retry.NonRetryable(errors.WrapInvalid(errors.ErrUnauthorized, "Client", "dial",
				fmt.Sprintf("handshake rejected with status %d", resp.StatusCode)))
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, retry.NonRetryable(errors.WrapInvalid(err, "Client", "dial",
				fmt.Sprintf("handshake rejected with status %d", resp.StatusCode)))
		}
		return nil, errors.WrapTransient(err, "Client", "dial", "open websocket")
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.connected.Store(true)
}

// run reads from the current connection and reconnects after drops until
// the client is closed.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.readLoop(conn)
		c.detach(conn)
		if !c.reconnect || c.ctx.Err() != nil {
			return
		}
		if conn = c.redial(); conn == nil {
			return
		}
		c.attach(conn)
		c.logger.Info("Reconnected")
		go c.fireReconnect()
	}
}

func (c *Client) redial() *websocket.Conn {
	for c.ctx.Err() == nil {
		conn, err := retry.DoWithResult(c.ctx, c.retryCfg, func() (*websocket.Conn, error) {
			return c.dial(c.ctx)
		})
		if err == nil {
			return conn
		}
		if retry.IsNonRetryable(err) {
			c.logger.Error("Reconnect rejected by server", "error", err)
			return nil
		}
		c.logger.Warn("Reconnect attempts failed, retrying", "error", err)
		pause := c.retryCfg.MaxDelay
		if pause <= 0 {
			pause = time.Second
		}
		select {
		case <-c.ctx.Done():
		case <-time.After(pause):
		}
	}
	return nil
}

// detach marks the link down and fails every outstanding request.
func (c *Client) detach(conn *websocket.Conn) {
	c.connected.Store(false)
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan gateway.Envelope)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if len(pending) > 0 {
		c.logger.Debug("Pending requests aborted", "count", len(pending))
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("Connection lost", "error", err)
			}
			return
		}
		env, err := gateway.DecodeEnvelope(data)
		if err != nil {
			c.logger.Debug("Ignoring malformed message", "error", err)
			continue
		}
		switch env.Type {
		case gateway.TypeReply:
			c.resolve(env)
		case gateway.TypeUpdate:
			var msg map[string]mirror.Snapshot
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				c.logger.Warn("Ignoring malformed update", "error", err)
				continue
			}
			c.handlersMu.RLock()
			handlers := c.onUpdate
			c.handlersMu.RUnlock()
			for _, fn := range handlers {
				fn(msg)
			}
		case gateway.TypeSignal:
			var sig Signal
			if err := json.Unmarshal(env.Payload, &sig); err != nil {
				c.logger.Warn("Ignoring malformed signal", "error", err)
				continue
			}
			c.handlersMu.RLock()
			handlers := c.onSignal
			c.handlersMu.RUnlock()
			for _, fn := range handlers {
				fn(sig)
			}
		default:
			c.logger.Debug("Ignoring message", "type", env.Type)
		}
	}
}

func (c *Client) resolve(env gateway.Envelope) {
	c.mu.Lock()
	ch, ok := c.pending[env.ID]
	delete(c.pending, env.ID)
	c.mu.Unlock()
	if ok {
		ch <- env
	}
}

func (c *Client) fireReconnect() {
	c.handlersMu.RLock()
	handlers := c.onReconnect
	c.handlersMu.RUnlock()
	for _, fn := range handlers {
		fn()
	}
}

// Connected reports whether the link is up
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Request sends one request and waits for its reply. The returned payload
// is nil when the server had nothing to reply.
func (c *Client) Request(ctx context.Context, typ string, payload any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.connected.Load() {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "Request", fmt.Sprintf("send %s", typ))
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	env, err := gateway.NewEnvelope(typ, id, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Request", "marshal envelope")
	}

	ch := make(chan gateway.Envelope, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "Request", fmt.Sprintf("send %s", typ))
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(id)
		return nil, errors.WrapTransient(err, "Client", "Request", fmt.Sprintf("send %s", typ))
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, errors.WrapTransient(errors.ErrSocketClosed, "Client", "Request", fmt.Sprintf("await %s reply", typ))
		}
		if !reply.HasPayload() {
			return nil, nil
		}
		return reply.Payload, nil
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, errors.WrapTransient(errors.ErrSocketClosed, "Client", "Request", "client closed")
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Call invokes a source method. While disconnected it returns nothing
// without an error.
func (c *Client) Call(ctx context.Context, src, name string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		return nil, nil
	}
	return c.Request(ctx, gateway.TypeCall, map[string]any{"src": src, "name": name, "params": params})
}

// Set writes values, keyed by source id, and returns the per-source results
func (c *Client) Set(ctx context.Context, values map[string]any) (map[string]json.RawMessage, error) {
	raw, err := c.Request(ctx, gateway.TypeSet, values)
	if err != nil || raw == nil {
		return nil, err
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Set", "decode reply")
	}
	return out, nil
}

// Get implements mirror.Transport
func (c *Client) Get(ctx context.Context, req map[string]dispatcher.PathRequest) (map[string]mirror.Snapshot, error) {
	raw, err := c.Request(ctx, gateway.TypeGet, req)
	if err != nil {
		return nil, err
	}
	out := make(map[string]mirror.Snapshot)
	if raw == nil {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.WrapInvalid(err, "Client", "Get", "decode reply")
	}
	return out, nil
}

// Watch implements mirror.Transport
func (c *Client) Watch(ctx context.Context, req map[string]dispatcher.PathRequest) error {
	_, err := c.Request(ctx, gateway.TypeWatch, req)
	return err
}

// Unwatch implements mirror.Transport
func (c *Client) Unwatch(ctx context.Context, req map[string]dispatcher.PathRequest) error {
	_, err := c.Request(ctx, gateway.TypeUnwatch, req)
	return err
}

// Listen subscribes to signal name of source src
func (c *Client) Listen(ctx context.Context, src, name string) error {
	_, err := c.Request(ctx, gateway.TypeListen, map[string]string{"src": src, "name": name})
	return err
}

// Unlisten removes the subscription made by Listen
func (c *Client) Unlisten(ctx context.Context, src, name string) error {
	_, err := c.Request(ctx, gateway.TypeUnlisten, map[string]string{"src": src, "name": name})
	return err
}

// OnUpdate implements mirror.Transport. Handlers run on the read
// goroutine and must not wait for replies.
func (c *Client) OnUpdate(fn func(map[string]mirror.Snapshot)) {
	c.handlersMu.Lock()
	c.onUpdate = append(c.onUpdate, fn)
	c.handlersMu.Unlock()
}

// OnSignal registers a handler for signal pushes. Handlers run on the read
// goroutine and must not wait for replies.
func (c *Client) OnSignal(fn func(Signal)) {
	c.handlersMu.Lock()
	c.onSignal = append(c.onSignal, fn)
	c.handlersMu.Unlock()
}

// OnReconnect registers a handler run after every successful reconnect,
// typically mirror.Resubscribe.
func (c *Client) OnReconnect(fn func()) {
	c.handlersMu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.handlersMu.Unlock()
}

// Close shuts the connection and stops reconnecting. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		<-c.done
	})
	return nil
}
