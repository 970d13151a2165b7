package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/c360/labctrl/auth"
	"github.com/c360/labctrl/errors"
	"github.com/c360/labctrl/metric"
	"github.com/c360/labctrl/source"
	"github.com/c360/labctrl/tree"
)

// Push event names
const (
	EventUpdate = "update"
	EventSignal = "signal"
)

// DefaultFlushInterval is the debounce delay between the first pending
// update and its delivery.
const DefaultFlushInterval = 30 * time.Millisecond

// Conn is the transport side of a client connection.
type Conn interface {
	ID() string
	Send(event string, payload any) error
	AuthRequest() auth.Request
}

// Config configures a Dispatcher
type Config struct {
	FlushInterval time.Duration
	Authorizer    auth.Authorizer
	Metrics       *metric.Metrics
	Logger        *slog.Logger
}

// Dispatcher owns the running sources and the client sessions. It routes
// requests, batches updates on one shared timer and authorizes every
// delivery.
type Dispatcher struct {
	sources  *xsync.MapOf[string, source.Source]
	sessions *xsync.MapOf[source.SubscriberID, *Session]
	nextID   atomic.Uint64

	authorizer    auth.Authorizer
	flushInterval time.Duration
	metrics       *metric.Metrics
	logger        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	timerMu sync.Mutex
	armed   bool
	timer   *time.Timer
	closed  bool
}

var _ source.Owner = (*Dispatcher)(nil)

// New creates a Dispatcher
func New(cfg Config) *Dispatcher {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = auth.AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sources:       xsync.NewMapOf[string, source.Source](),
		sessions:      xsync.NewMapOf[source.SubscriberID, *Session](),
		authorizer:    cfg.Authorizer,
		flushInterval: cfg.FlushInterval,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With("component", "dispatcher"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// AddSource starts routing to src. Ids must be unique.
func (d *Dispatcher) AddSource(src source.Source) error {
	if _, loaded := d.sources.LoadOrStore(src.ID(), src); loaded {
		return errors.WrapInvalid(errors.ErrSourceExists, "Dispatcher", "AddSource", fmt.Sprintf("add %q", src.ID()))
	}
	src.State().SetOwner(d)
	d.metrics.SetSources(d.sources.Size())
	d.logger.Info("Source added", "source", src.ID())
	return nil
}

// RemoveSource stops routing to id and returns the source. The caller
// decides whether to close it.
func (d *Dispatcher) RemoveSource(id string) (source.Source, bool) {
	src, ok := d.sources.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	src.State().SetOwner(nil)
	d.metrics.SetSources(d.sources.Size())
	d.logger.Info("Source removed", "source", id)
	return src, true
}

// Source looks up a running source
func (d *Dispatcher) Source(id string) (source.Source, bool) {
	return d.sources.Load(id)
}

// SourceIDs returns the sorted ids of all running sources
func (d *Dispatcher) SourceIDs() []string {
	ids := make([]string, 0, d.sources.Size())
	d.sources.Range(func(id string, _ source.Source) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// Connect registers a client connection
func (d *Dispatcher) Connect(conn Conn) *Session {
	s := &Session{
		id:   source.SubscriberID(d.nextID.Add(1)),
		conn: conn,
		d:    d,
	}
	d.sessions.Store(s.id, s)
	d.metrics.SetSessions(d.sessions.Size())
	d.logger.Debug("Session connected", "conn", conn.ID(), "subscriber", s.id)
	return s
}

// CallMethod invokes a method directly, without authorization.
func (d *Dispatcher) CallMethod(ctx context.Context, id, name string, params json.RawMessage) (any, error) {
	src, ok := d.sources.Load(id)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrSourceNotFound, "Dispatcher", "CallMethod", fmt.Sprintf("call %q", id))
	}
	return src.CallMethod(ctx, name, params)
}

// GetValues reads a source directly, without authorization.
func (d *Dispatcher) GetValues(id string, req source.GetRequest) (source.GetResult, bool, error) {
	src, ok := d.sources.Load(id)
	if !ok {
		return source.GetResult{}, false,
			errors.WrapInvalid(errors.ErrSourceNotFound, "Dispatcher", "GetValues", fmt.Sprintf("get %q", id))
	}
	res, changed := src.State().GetValues(req)
	return res, changed, nil
}

// SetValues writes a source directly, without authorization.
func (d *Dispatcher) SetValues(ctx context.Context, id string, params tree.Node) (any, bool, error) {
	src, ok := d.sources.Load(id)
	if !ok {
		return nil, false,
			errors.WrapInvalid(errors.ErrSourceNotFound, "Dispatcher", "SetValues", fmt.Sprintf("set %q", id))
	}
	res, ok := src.SetValues(ctx, params)
	return res, ok, nil
}

// UpdatesPending arms the flush timer if it is not already running.
func (d *Dispatcher) UpdatesPending(string) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()

	if d.armed || d.closed {
		return
	}
	d.armed = true
	if d.timer == nil {
		d.timer = time.AfterFunc(d.flushInterval, d.flush)
	} else {
		d.timer.Reset(d.flushInterval)
	}
}

// Flush delivers pending updates now. The timer calls it; tests and
// shutdown may call it directly.
func (d *Dispatcher) Flush() {
	d.flush()
}

func (d *Dispatcher) flush() {
	d.timerMu.Lock()
	d.armed = false
	d.timerMu.Unlock()

	batches := make(map[source.SubscriberID]map[string]Update)
	d.sources.Range(func(id string, src source.Source) bool {
		pending, age := src.State().TakePending()
		for sub, values := range pending {
			batch, ok := batches[sub]
			if !ok {
				batch = make(map[string]Update)
				batches[sub] = batch
			}
			batch[id] = Update{Age: age, Values: values}
		}
		return true
	})

	sent := 0
	for sub, batch := range batches {
		s, ok := d.sessions.Load(sub)
		if !ok {
			d.detachAll(sub)
			continue
		}
		if !d.authorize(s) {
			continue
		}
		if err := s.conn.Send(EventUpdate, batch); err != nil {
			d.logger.Warn("Failed to send update", "conn", s.conn.ID(), "error", err)
			continue
		}
		sent++
	}
	d.metrics.RecordFlush(sent)
}

// DeliverSignal authorizes sub and pushes the signal to it.
func (d *Dispatcher) DeliverSignal(sub source.SubscriberID, sourceID, name string, params any) {
	s, ok := d.sessions.Load(sub)
	if !ok || s.detached.Load() {
		return
	}
	if !d.authorize(s) {
		return
	}
	if err := s.conn.Send(EventSignal, Signal{ID: sourceID, Name: name, Params: params}); err != nil {
		d.logger.Warn("Failed to send signal", "conn", s.conn.ID(), "signal", name, "error", err)
		return
	}
	d.metrics.RecordSignal()
}

// authorize checks s and detaches it on failure.
func (d *Dispatcher) authorize(s *Session) bool {
	if d.authorizer.Authorize(d.ctx, s.conn.AuthRequest()) {
		return true
	}
	d.logger.Info("Session rejected", "conn", s.conn.ID())
	d.metrics.RecordAuthRejection()
	s.Close()
	return false
}

func (d *Dispatcher) detachAll(sub source.SubscriberID) {
	d.sources.Range(func(_ string, src source.Source) bool {
		src.State().Detach(sub)
		return true
	})
}

// Close stops the timer, detaches every session and closes every source.
func (d *Dispatcher) Close() error {
	d.timerMu.Lock()
	if d.closed {
		d.timerMu.Unlock()
		return nil
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timerMu.Unlock()
	d.cancel()

	d.sessions.Range(func(_ source.SubscriberID, s *Session) bool {
		s.Close()
		return true
	})

	var firstErr error
	for _, id := range d.SourceIDs() {
		src, ok := d.RemoveSource(id)
		if !ok {
			continue
		}
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "Dispatcher", "Close", fmt.Sprintf("close source %q", id))
		}
	}
	return firstErr
}

// safely runs fn for one source, turning a panic into a logged error.
func (d *Dispatcher) safely(event, id string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Source panicked", "event", event, "source", id,
				"panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic in %s on %s: %v", event, id, r)
		}
	}()
	if err = fn(); err != nil {
		d.logger.Warn("Request failed", "event", event, "source", id, "error", err)
	}
	return err
}
