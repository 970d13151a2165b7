package health

import (
	"regexp"
	"time"
)

// Level is the coarse health classification of a component.
type Level string

// Health levels
const (
	LevelHealthy   Level = "healthy"
	LevelDegraded  Level = "degraded"
	LevelUnhealthy Level = "unhealthy"
)

var (
	endpointRegex   = regexp.MustCompile(`(?i)\b(?:https?|wss?|nats|tcp|ipc)://[^\s"]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(?::\d{1,5})?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|key)\s*[:=]\s*[^,\s}]+`)
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      Level     `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries liveness counters for a device link.
type Metrics struct {
	Uptime       time.Duration `json:"uptime"`
	ErrorCount   int           `json:"error_count"`
	Reconnects   int           `json:"reconnects,omitempty"`
	LastActivity time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == LevelHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == LevelDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == LevelUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// FromError builds an unhealthy status from err, or a healthy one when err
// is nil. Endpoints, addresses and credentials are masked in the message so
// the /health endpoint does not leak device topology.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, sanitize(err.Error()))
}

func sanitize(msg string) string {
	msg = endpointRegex.ReplaceAllString(msg, "[ENDPOINT]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	return credentialRegex.ReplaceAllString(msg, "$1=[REDACTED]")
}
