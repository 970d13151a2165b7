package health

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_Levels(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{"healthy", NewHealthy("a", "ok"), true, false, false},
		{"degraded", NewDegraded("a", "slow"), false, true, false},
		{"unhealthy", NewUnhealthy("a", "down"), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.healthy, tt.status.Healthy)
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
			assert.False(t, tt.status.Timestamp.IsZero())
		})
	}
}

func TestFromError(t *testing.T) {
	s := FromError("zynq0", nil)
	assert.True(t, s.IsHealthy())

	err := fmt.Errorf("query tcp://10.0.0.5:6666 failed: token=abc123")
	s = FromError("zynq0", err)
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "10.0.0.5")
	assert.NotContains(t, s.Message, "abc123")
	assert.Contains(t, s.Message, "[ENDPOINT]")
	assert.Contains(t, s.Message, "token=[REDACTED]")
}

func TestSanitize_BareAddress(t *testing.T) {
	assert.Equal(t, "dial [IP] refused", sanitize("dial 192.168.1.20:4222 refused"))
}

func TestAggregate(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.True(t, Aggregate("sys", nil).IsHealthy())
	})

	t.Run("degraded wins over healthy", func(t *testing.T) {
		s := Aggregate("sys", []Status{NewHealthy("b", ""), NewDegraded("a", "")})
		assert.True(t, s.IsDegraded())
		assert.Equal(t, "a", s.SubStatuses[0].Component)
	})

	t.Run("unhealthy wins over degraded", func(t *testing.T) {
		s := Aggregate("sys", []Status{NewUnhealthy("a", ""), NewDegraded("b", "")})
		assert.True(t, s.IsUnhealthy())
		assert.Len(t, s.SubStatuses, 2)
	})
}
