// Package health tracks the liveness of sources and their device links.
//
// Device drivers report into a shared Monitor as their heartbeats succeed or
// time out; the metrics server exposes the aggregate on /health, answering
// 503 while any component is unhealthy.
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("zynq0", "heartbeat ok")
//	monitor.Update("zynq0", health.FromError("zynq0", err))
//	overall := monitor.AggregateHealth("labctrl")
package health
