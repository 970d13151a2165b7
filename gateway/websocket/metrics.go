package websocket

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/labctrl/metric"
)

const metricsService = "websocket"

// Metrics holds Prometheus metrics for the websocket endpoint
type Metrics struct {
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	messageSizeBytes   *prometheus.HistogramVec
	errorsTotal        *prometheus.CounterVec
}

// newMetrics creates and registers the endpoint metrics. A nil registry
// disables metrics.
func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labctrl",
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Total messages received from clients",
		}, []string{"type"}),

		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labctrl",
			Subsystem: "websocket",
			Name:      "messages_sent_total",
			Help:      "Total messages sent to clients",
		}, []string{"type"}),

		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "labctrl",
			Subsystem: "websocket",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),

		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "labctrl",
			Subsystem: "websocket",
			Name:      "client_connections_total",
			Help:      "Total client connections (including disconnected)",
		}),

		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labctrl",
			Subsystem: "websocket",
			Name:      "client_disconnections_total",
			Help:      "Total client disconnections",
		}, []string{"disconnect_reason"}),

		messageSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labctrl",
			Subsystem: "websocket",
			Name:      "message_size_bytes",
			Help:      "Size distribution of outgoing messages",
			Buckets:   []float64{100, 500, 1000, 2000, 5000, 10000, 25000, 100000},
		}, []string{"type"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labctrl",
			Subsystem: "websocket",
			Name:      "errors_total",
			Help:      "Websocket endpoint errors",
		}, []string{"error_type"}),
	}

	regs := []func() error{
		func() error { return registry.RegisterCounterVec(metricsService, "messages_received", m.messagesReceived) },
		func() error { return registry.RegisterCounterVec(metricsService, "messages_sent", m.messagesSent) },
		func() error { return registry.RegisterGauge(metricsService, "clients_connected", m.clientsConnected) },
		func() error { return registry.RegisterCounter(metricsService, "client_connections", m.connectionTotal) },
		func() error {
			return registry.RegisterCounterVec(metricsService, "client_disconnections", m.disconnectionTotal)
		},
		func() error { return registry.RegisterHistogramVec(metricsService, "message_size", m.messageSizeBytes) },
		func() error { return registry.RegisterCounterVec(metricsService, "errors", m.errorsTotal) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) received(typ string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(typ).Inc()
}

func (m *Metrics) sent(typ string, size int) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(typ).Inc()
	m.messageSizeBytes.WithLabelValues(typ).Observe(float64(size))
}

func (m *Metrics) connected(clients int) {
	if m == nil {
		return
	}
	m.connectionTotal.Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *Metrics) disconnected(reason string, clients int) {
	if m == nil {
		return
	}
	m.disconnectionTotal.WithLabelValues(reason).Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *Metrics) failed(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}
