// Package websocket serves the dispatcher over websocket connections. Each
// connection becomes one dispatcher session; requests are answered with
// reply envelopes and pushes are forwarded as they are flushed.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/labctrl/auth"
	"github.com/c360/labctrl/dispatcher"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/gateway"
	"github.com/c360/labctrl/metric"
)

const (
	// DefaultPath is the endpoint path when none is configured
	DefaultPath = "/ws"
	// DefaultPingInterval is how often idle clients are pinged
	DefaultPingInterval = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// Config configures the websocket endpoint
type Config struct {
	Path           string
	AllowedOrigins []string // empty allows every origin
	PingInterval   time.Duration
	MaxMessageSize int64
	CookieName     string // cookie consulted for the session token

	// RequestRate caps requests per second on one connection; zero means
	// unlimited. Requests over the limit are delayed, not dropped.
	RequestRate  float64
	RequestBurst int

	Dispatcher      *dispatcher.Dispatcher
	MetricsRegistry *metric.MetricsRegistry // can be nil
	Logger          *slog.Logger
}

// Server accepts websocket clients and attaches them to the dispatcher.
type Server struct {
	path           string
	pingInterval   time.Duration
	maxMessageSize int64
	cookieName     string
	requestRate    rate.Limit
	requestBurst   int
	dispatcher     *dispatcher.Dispatcher
	upgrader       websocket.Upgrader
	metrics        *Metrics
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	clients   map[*client]struct{}
	clientsMu sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

var _ gateway.HTTPHandler = (*Server)(nil)

// NewServer creates the endpoint. The dispatcher is required.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "dispatcher check")
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = gateway.MaxMessageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequestRate > 0 && cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 1
	}

	metrics, err := newMetrics(cfg.MetricsRegistry)
	if err != nil {
		return nil, errors.Wrap(err, "Server", "New", "register metrics")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		path:           cfg.Path,
		pingInterval:   cfg.PingInterval,
		maxMessageSize: cfg.MaxMessageSize,
		cookieName:     cfg.CookieName,
		requestRate:    rate.Limit(cfg.RequestRate),
		requestBurst:   cfg.RequestBurst,
		dispatcher:     cfg.Dispatcher,
		metrics:        metrics,
		logger:         cfg.Logger.With("component", "websocket"),
		ctx:            ctx,
		cancel:         cancel,
		clients:        make(map[*client]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return s, nil
}

// originChecker accepts requests without an Origin header (non-browser
// clients) and browser requests from the listed origins.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Path returns the configured endpoint path
func (s *Server) Path() string {
	return s.path
}

// Handler returns the upgrade handler
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWebSocket)
}

// RegisterHTTPHandlers implements gateway.HTTPHandler. An empty prefix
// mounts the endpoint at its configured path.
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	if prefix == "" {
		prefix = s.path
	}
	mux.HandleFunc(prefix, s.handleWebSocket)
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and waits up to timeout for their
// goroutines to exit.
func (s *Server) Close(timeout time.Duration) error {
	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	s.cancel()
	for _, c := range clients {
		s.removeClient(c, "shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		s.logger.Warn("Websocket goroutines did not exit within timeout", "timeout", timeout)
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Server", "Close", "wait for clients")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	closed := s.closed
	s.clientsMu.RUnlock()
	if closed {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.failed("connection_upgrade")
		s.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(s.maxMessageSize)

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
		req: auth.Request{
			Token:  auth.TokenFromHTTP(r, s.cookieName),
			Remote: r.RemoteAddr,
		},
		connectedAt: time.Now(),
	}
	c.req.ConnID = c.id
	c.ctx, c.cancel = context.WithCancel(s.ctx)
	if s.requestRate > 0 {
		c.limiter = rate.NewLimiter(s.requestRate, s.requestBurst)
	}

	c.session = s.dispatcher.Connect(c)

	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		c.cancel()
		c.session.Close()
		_ = conn.Close()
		return
	}
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.wg.Add(2)
	s.clientsMu.Unlock()

	s.metrics.connected(count)
	s.logger.Info("Client connected", "conn", c.id, "remote", r.RemoteAddr)

	go s.readLoop(c)
	go s.pingLoop(c)
}

// readLoop handles the requests of one client until it disconnects.
// Requests run concurrently; a long call does not hold up later ones.
func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c, "normal")

	pongWait := 2 * s.pingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("Websocket read failed", "conn", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		env, err := gateway.DecodeEnvelope(data)
		if err != nil {
			s.metrics.failed("decode")
			s.logger.Debug("Ignoring malformed message", "conn", c.id, "error", err)
			continue
		}
		s.metrics.received(env.Type)
		if !gateway.IsRequest(env.Type) {
			s.logger.Debug("Ignoring message", "conn", c.id, "type", env.Type)
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.failed("rate_limited")
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleRequest(c, env)
		}()
	}
}

func (s *Server) handleRequest(c *client, env gateway.Envelope) {
	res, err := c.session.Dispatch(c.ctx, env.Type, env.Payload)
	if err != nil {
		s.metrics.failed("request")
		s.logger.Warn("Request failed", "conn", c.id, "type", env.Type, "error", err)
		res = nil
	}
	if c.session.Detached() && res == nil {
		// Rejected sessions get no further traffic, replies included.
		s.removeClient(c, "unauthorized")
		return
	}

	reply, err := gateway.NewEnvelope(gateway.TypeReply, env.ID, res)
	if err != nil {
		s.metrics.failed("json_marshal")
		s.logger.Warn("Failed to encode reply", "conn", c.id, "type", env.Type, "error", err)
		reply, _ = gateway.NewEnvelope(gateway.TypeReply, env.ID, nil)
	}
	if err := c.write(reply); err != nil {
		s.logger.Debug("Failed to send reply", "conn", c.id, "error", err)
	}
}

func (s *Server) pingLoop(c *client) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				s.metrics.failed("ping")
				s.removeClient(c, "ping_failed")
				return
			}
		}
	}
}

// removeClient disconnects c once and detaches its session
func (s *Server) removeClient(c *client, reason string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		s.clientsMu.Lock()
		delete(s.clients, c)
		count := len(s.clients)
		s.clientsMu.Unlock()

		c.session.Close()
		_ = c.conn.Close()

		s.metrics.disconnected(reason, count)
		s.logger.Info("Client disconnected", "conn", c.id, "reason", reason,
			"duration", time.Since(c.connectedAt).Round(time.Millisecond))
	})
}

// client is one websocket connection. It is the dispatcher's view of the
// connection.
type client struct {
	id          string
	conn        *websocket.Conn
	server      *Server
	session     *dispatcher.Session
	req         auth.Request
	connectedAt time.Time
	limiter     *rate.Limiter // nil when unlimited

	ctx       context.Context
	cancel    context.CancelFunc
	writeMu   sync.Mutex // gorilla/websocket allows one concurrent writer
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ dispatcher.Conn = (*client)(nil)

// ID implements dispatcher.Conn
func (c *client) ID() string {
	return c.id
}

// AuthRequest implements dispatcher.Conn
func (c *client) AuthRequest() auth.Request {
	return c.req
}

// Send implements dispatcher.Conn
func (c *client) Send(event string, payload any) error {
	env, err := gateway.NewEnvelope(event, "", payload)
	if err != nil {
		c.server.metrics.failed("json_marshal")
		return err
	}
	return c.write(env)
}

func (c *client) write(env gateway.Envelope) error {
	if c.closed.Load() {
		return errors.WrapTransient(errors.ErrSocketClosed, "client", "write", fmt.Sprintf("send %s", env.Type))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.server.metrics.failed("write")
		return errors.WrapTransient(err, "client", "write", fmt.Sprintf("send %s", env.Type))
	}
	c.server.metrics.sent(env.Type, len(data))
	return nil
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}
