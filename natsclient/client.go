// Package natsclient manages the NATS connection used by the source
// catalog, with a circuit breaker around connection attempts and helpers
// for JetStream key-value buckets.
package natsclient

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/health"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages one NATS connection
type Client struct {
	url    string
	status atomic.Value // ConnectionStatus
	logger *slog.Logger
	health *health.Monitor

	failures         atomic.Int32
	circuitFailures  atomic.Int32
	circuitThreshold int32
	backoff          atomic.Int64 // time.Duration
	maxBackoff       time.Duration

	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string
	username      string
	password      string
	token         string

	mu     sync.RWMutex
	conn   *nats.Conn
	js     jetstream.JetStream
	closed atomic.Bool
}

// NewClient creates a client for url. It does not connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     10 * time.Second,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient")
	c.status.Store(StatusDisconnected)
	c.backoff.Store(int64(time.Second))
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return c.status.Load().(ConnectionStatus)
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)
}

// IsHealthy returns true if the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// recordFailure counts a failed attempt and opens the circuit after
// circuitThreshold failures in a row. Each round doubles the backoff.
func (c *Client) recordFailure() {
	c.failures.Add(1)
	if c.circuitFailures.Add(1) < c.circuitThreshold {
		return
	}
	c.circuitFailures.Store(0)

	cur := time.Duration(c.backoff.Load())
	next := min(cur*2, c.maxBackoff)
	c.backoff.Store(int64(next))

	prev := c.Status()
	if prev == StatusCircuitOpen || !c.status.CompareAndSwap(prev, StatusCircuitOpen) {
		c.logger.Warn("Circuit breaker still open", "backoff", next)
		return
	}
	c.logger.Warn("Circuit breaker opened", "failures", c.failures.Load(), "backoff", cur)
	c.health.UpdateUnhealthy("nats", "circuit breaker open")
	time.AfterFunc(cur, c.halfOpen)
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(int64(time.Second))
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpen lets the next Connect through after the backoff
func (c *Client) halfOpen() {
	c.status.CompareAndSwap(StatusCircuitOpen, StatusDisconnected)
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect dials the server and sets up JetStream
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
		go func() {
			if late := <-done; late.conn != nil {
				late.conn.Close()
			}
		}()
	}
	if res.err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return ErrCircuitOpen
		}
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		c.recordFailure()
		c.setStatus(StatusDisconnected)
		return errors.WrapTransient(err, "Client", "Connect", "init jetstream")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.js = js
	c.mu.Unlock()

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.health.UpdateHealthy("nats", "connected to "+c.url)
	c.logger.Info("Connected to NATS", "url", c.url)
	return nil
}

// Close drains and closes the connection. Safe to call more than once.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	c.setStatus(StatusDisconnected)
	c.health.Remove("nats")
	if conn == nil {
		return nil
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()
	var err error
	select {
	case err = <-drained:
		if err != nil {
			err = errors.Wrap(err, "Client", "Close", "drain connection")
		}
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "Client", "Close", "drain connection")
	}
	conn.Close()
	return err
}

// JetStream returns the JetStream context of the live connection
func (c *Client) JetStream() (jetstream.JetStream, error) {
	if c.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil || !c.IsHealthy() {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// CreateKeyValueBucket returns the bucket named in cfg, creating it when it
// does not exist yet.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	if bucket, err := js.KeyValue(ctx, cfg.Bucket); err == nil {
		return bucket, nil
	}
	bucket, err := js.CreateKeyValue(ctx, cfg)
	if err != nil && isAlreadyExistsError(err) {
		// lost a creation race
		bucket, err = js.KeyValue(ctx, cfg.Bucket)
	}
	if err != nil {
		c.recordFailure()
		return nil, errors.Wrap(err, "Client", "CreateKeyValueBucket", "create bucket "+cfg.Bucket)
	}
	c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
	return bucket, nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("NATS disconnected", "error", err)
	c.health.UpdateDegraded("nats", "reconnecting")
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("NATS reconnected", "url", c.url)
	c.health.UpdateHealthy("nats", "connected to "+c.url)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "already exists")
}
