package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/labctrl/metric"
)

// Pool processes work items of type T on a fixed number of goroutines.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T) error
	onError   func(T, error)

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	busy      atomic.Int64

	metricsRegistry *metric.MetricsRegistry
}

const poolService = "worker_pool"

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	submitted      prometheus.Counter
	dropped        prometheus.Counter
	processingTime *prometheus.HistogramVec
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers the pool's metrics under the given pool name.
// Each pool needs a distinct name.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.name = name
	}
}

// WithErrorHandler installs a callback for processor failures.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) {
		p.onError = fn
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 1 worker and a
// queue of 256.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metricsRegistry != nil && p.name != "" {
		p.initializeMetrics()
	}
	return p
}

func (p *Pool[T]) initializeMetrics() {
	labels := prometheus.Labels{"pool": p.name}
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "labctrl",
			Subsystem:   "worker",
			Name:        "queue_depth",
			Help:        "Items waiting in the pool queue",
			ConstLabels: labels,
		}),
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "labctrl",
			Subsystem:   "worker",
			Name:        "submitted_total",
			Help:        "Items accepted by the pool",
			ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "labctrl",
			Subsystem:   "worker",
			Name:        "dropped_total",
			Help:        "Items dropped because the queue was full",
			ConstLabels: labels,
		}),
		processingTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "labctrl",
			Subsystem:   "worker",
			Name:        "processing_duration_seconds",
			Help:        "Time spent processing items",
			Buckets:     []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			ConstLabels: labels,
		}, []string{"status"}),
	}

	regs := []struct {
		suffix string
		fn     func() error
	}{
		{".queue_depth", func() error {
			return p.metricsRegistry.RegisterGauge(poolService, p.name+".queue_depth", m.queueDepth)
		}},
		{".submitted", func() error {
			return p.metricsRegistry.RegisterCounter(poolService, p.name+".submitted", m.submitted)
		}},
		{".dropped", func() error {
			return p.metricsRegistry.RegisterCounter(poolService, p.name+".dropped", m.dropped)
		}},
		{".duration", func() error {
			return p.metricsRegistry.RegisterHistogramVec(poolService, p.name+".duration", m.processingTime)
		}},
	}

	// Registration fails only on a duplicate name. The pool still runs with
	// its atomic stats, the collectors are just not exported.
	for i, r := range regs {
		if err := r.fn(); err != nil {
			for _, done := range regs[:i] {
				p.metricsRegistry.Unregister(poolService, p.name+done.suffix)
			}
			return
		}
	}
	p.metrics = m
}

func (p *Pool[T]) unregisterMetrics() {
	for _, suffix := range []string{".queue_depth", ".submitted", ".dropped", ".duration"} {
		p.metricsRegistry.Unregister(poolService, p.name+suffix)
	}
}

// Submit enqueues work without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.submitted.Inc()
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.metrics != nil {
			p.metrics.dropped.Inc()
		}
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop
// drains the queue.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued items to finish.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}
	p.stopped = true
	close(p.workChan)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		if p.metricsRegistry != nil && p.metrics != nil {
			p.unregisterMetrics()
		}
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	Busy       int64 `json:"busy"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		Busy:       p.busy.Load(),
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.process(ctx, work)
		}
	}
}

func (p *Pool[T]) process(ctx context.Context, work T) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	start := time.Now()
	err := p.processor(ctx, work)

	p.processed.Add(1)
	status := "success"
	if err != nil {
		status = "error"
		p.failed.Add(1)
		if p.onError != nil {
			p.onError(work, err)
		}
	}

	if p.metrics != nil {
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
		p.metrics.processingTime.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}
}
