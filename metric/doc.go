// Package metric provides Prometheus-based metrics collection and the HTTP
// server exposing them.
//
// NewMetricsRegistry registers the core labctrl metrics (dispatcher requests
// and flushes, device liveness, transport queue depth) together with the Go
// and process collectors. Packages that need their own collectors register
// them through the MetricsRegistrar methods, keyed by service and metric name.
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(":9090", "/metrics", registry, monitor)
//	if err := server.Start(); err != nil {
//	    return err
//	}
//	registry.CoreMetrics().RecordHeartbeat("zynq0", "ok")
//
// The server also answers /health with the aggregate of a health.Monitor.
package metric
