package health

import (
	"sort"
	"time"
)

func newStatus(component string, level Level, message string) Status {
	return Status{
		Component: component,
		Healthy:   level == LevelHealthy,
		Status:    level,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, LevelHealthy, message)
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, LevelUnhealthy, message)
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, LevelDegraded, message)
}

// Aggregate rolls sub-statuses up into one: unhealthy if any is unhealthy,
// degraded if any is degraded, healthy otherwise. Sub-statuses are sorted by
// component name.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "no components registered")
	}

	level := LevelHealthy
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			level = LevelUnhealthy
		case sub.IsDegraded() && level == LevelHealthy:
			level = LevelDegraded
		}
	}

	var message string
	switch level {
	case LevelUnhealthy:
		message = "one or more components are unhealthy"
	case LevelDegraded:
		message = "one or more components are degraded"
	default:
		message = "all components are healthy"
	}

	status := newStatus(component, level, message)
	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	sort.Slice(status.SubStatuses, func(i, j int) bool {
		return status.SubStatuses[i].Component < status.SubStatuses[j].Component
	})
	return status
}
