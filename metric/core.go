package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "labctrl"

// Metrics contains the platform-level metrics shared by the dispatcher,
// the gateway and the device drivers. All Record methods are safe on a nil
// *Metrics so packages can run without a registry.
type Metrics struct {
	// Dispatcher metrics
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	FlushesTotal      prometheus.Counter
	UpdatesSent       prometheus.Counter
	SignalsSent       prometheus.Counter
	AuthRejections    prometheus.Counter
	SourcesActive     prometheus.Gauge
	SessionsConnected prometheus.Gauge

	// Device metrics
	DeviceConnected   *prometheus.GaugeVec
	DeviceHeartbeats  *prometheus.CounterVec
	DeviceReconnects  *prometheus.CounterVec
	DeviceResyncs     *prometheus.CounterVec
	DeviceWriteErrors *prometheus.CounterVec
	PendingQueries    *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "requests_total",
				Help:      "Client requests by event and outcome",
			},
			[]string{"event", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "request_duration_seconds",
				Help:      "Client request handling time",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event"},
		),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "flushes_total",
			Help:      "Debounced update flushes",
		}),
		UpdatesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "updates_sent_total",
			Help:      "Update messages delivered to subscribers",
		}),
		SignalsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "signals_sent_total",
			Help:      "Signals delivered to listeners",
		}),
		AuthRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "auth_rejections_total",
			Help:      "Connections detached after failing authorization",
		}),
		SourcesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "sources",
			Help:      "Number of running sources",
		}),
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "sessions",
			Help:      "Number of attached client sessions",
		}),

		DeviceConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "connected",
				Help:      "Device liveness (0=unresponsive, 1=connected)",
			},
			[]string{"source"},
		),
		DeviceHeartbeats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "heartbeats_total",
				Help:      "Heartbeat round trips by outcome",
			},
			[]string{"source", "status"},
		),
		DeviceReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "reconnects_total",
				Help:      "Socket reopens after a heartbeat timeout",
			},
			[]string{"source"},
		),
		DeviceResyncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "resyncs_total",
				Help:      "Full channel state resynchronizations",
			},
			[]string{"source"},
		),
		DeviceWriteErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "device",
				Name:      "write_errors_total",
				Help:      "Failed fire-and-forget device writes",
			},
			[]string{"source", "command"},
		),
		PendingQueries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "pending_queries",
				Help:      "Requests awaiting a device reply",
			},
			[]string{"endpoint"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.RequestsTotal,
		c.RequestDuration,
		c.FlushesTotal,
		c.UpdatesSent,
		c.SignalsSent,
		c.AuthRejections,
		c.SourcesActive,
		c.SessionsConnected,
		c.DeviceConnected,
		c.DeviceHeartbeats,
		c.DeviceReconnects,
		c.DeviceResyncs,
		c.DeviceWriteErrors,
		c.PendingQueries,
	}
}

// RecordRequest counts a handled client request
func (c *Metrics) RecordRequest(event, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.RequestsTotal.WithLabelValues(event, status).Inc()
	c.RequestDuration.WithLabelValues(event).Observe(duration.Seconds())
}

// RecordFlush counts one flush and the update messages it produced
func (c *Metrics) RecordFlush(messages int) {
	if c == nil {
		return
	}
	c.FlushesTotal.Inc()
	c.UpdatesSent.Add(float64(messages))
}

// RecordSignal counts a delivered signal
func (c *Metrics) RecordSignal() {
	if c == nil {
		return
	}
	c.SignalsSent.Inc()
}

// RecordAuthRejection counts a detached session
func (c *Metrics) RecordAuthRejection() {
	if c == nil {
		return
	}
	c.AuthRejections.Inc()
}

// SetSources updates the running source gauge
func (c *Metrics) SetSources(n int) {
	if c == nil {
		return
	}
	c.SourcesActive.Set(float64(n))
}

// SetSessions updates the attached session gauge
func (c *Metrics) SetSessions(n int) {
	if c == nil {
		return
	}
	c.SessionsConnected.Set(float64(n))
}

// RecordDeviceStatus updates device liveness
func (c *Metrics) RecordDeviceStatus(source string, connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.DeviceConnected.WithLabelValues(source).Set(value)
}

// RecordHeartbeat counts a heartbeat outcome ("ok" or "error")
func (c *Metrics) RecordHeartbeat(source, status string) {
	if c == nil {
		return
	}
	c.DeviceHeartbeats.WithLabelValues(source, status).Inc()
}

// RecordReconnect counts a forced socket reopen
func (c *Metrics) RecordReconnect(source string) {
	if c == nil {
		return
	}
	c.DeviceReconnects.WithLabelValues(source).Inc()
}

// RecordResync counts a channel state resynchronization
func (c *Metrics) RecordResync(source string) {
	if c == nil {
		return
	}
	c.DeviceResyncs.WithLabelValues(source).Inc()
}

// RecordWriteError counts a failed device write
func (c *Metrics) RecordWriteError(source, command string) {
	if c == nil {
		return
	}
	c.DeviceWriteErrors.WithLabelValues(source, command).Inc()
}

// SetPendingQueries updates the waiter count of a transport endpoint
func (c *Metrics) SetPendingQueries(endpoint string, n int) {
	if c == nil {
		return
	}
	c.PendingQueries.WithLabelValues(endpoint).Set(float64(n))
}
