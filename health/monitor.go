package health

import (
	"sort"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Monitor tracks the health of sources and device links. Safe for
// concurrent use.
type Monitor struct {
	statuses *xsync.MapOf[string, Status]
}

// NewMonitor creates a new health monitor
func NewMonitor() *Monitor {
	return &Monitor{statuses: xsync.NewMapOf[string, Status]()}
}

// Update stores the status for name, stamping the name and time.
func (m *Monitor) Update(name string, status Status) {
	if m == nil {
		return
	}
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses.Store(name, status)
}

// UpdateHealthy marks name healthy
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy marks name unhealthy
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded marks name degraded
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the health status for a named component
func (m *Monitor) Get(name string) (Status, bool) {
	return m.statuses.Load(name)
}

// GetAll returns a copy of all current health statuses
func (m *Monitor) GetAll() map[string]Status {
	result := make(map[string]Status, m.statuses.Size())
	m.statuses.Range(func(name string, status Status) bool {
		result[name] = status
		return true
	})
	return result
}

// Remove stops tracking name
func (m *Monitor) Remove(name string) {
	if m == nil {
		return
	}
	m.statuses.Delete(name)
}

// AggregateHealth returns an aggregated health status for the entire system
func (m *Monitor) AggregateHealth(systemName string) Status {
	subStatuses := make([]Status, 0, m.statuses.Size())
	m.statuses.Range(func(_ string, status Status) bool {
		subStatuses = append(subStatuses, status)
		return true
	})
	return Aggregate(systemName, subStatuses)
}

// ListComponents returns the sorted names of all tracked components
func (m *Monitor) ListComponents() []string {
	names := make([]string, 0, m.statuses.Size())
	m.statuses.Range(func(name string, _ Status) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names
}

// Count returns the number of components being monitored
func (m *Monitor) Count() int {
	return m.statuses.Size()
}
