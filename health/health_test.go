package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		subs     []Status
		expected string
	}{
		{"empty", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("gateway", tt.subs)
			assert.Equal(t, tt.expected, got.Status)
			assert.Equal(t, tt.expected == StatusHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestSanitize(t *testing.T) {
	msg := Sanitize(`dial tcp 10.0.0.5:8086: connection refused; url http://influx:8086/api/v2/write token=abc123`)

	assert.NotContains(t, msg, "10.0.0.5")
	assert.NotContains(t, msg, "http://influx")
	assert.NotContains(t, msg, "abc123")
	assert.Contains(t, msg, "connection refused")
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("influx", nil, "connected").IsHealthy())

	st := FromError("influx", errors.New("write failed: password=hunter2"), "connected")
	assert.True(t, st.IsUnhealthy())
	assert.NotContains(t, st.Message, "hunter2")
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()

	m.UpdateHealthy("sink:influx", "connected")
	m.UpdateUnhealthy("sink:mqtt", "disconnected")
	m.UpdateDegraded("source:udp", "slow")

	st, ok := m.Get("sink:mqtt")
	require.True(t, ok)
	assert.Equal(t, "sink:mqtt", st.Component)
	assert.False(t, st.Timestamp.IsZero())

	agg := m.AggregateHealth("ruuvigw")
	assert.True(t, agg.IsUnhealthy())
	require.Len(t, agg.SubStatuses, 3)
	assert.Equal(t, "sink:influx", agg.SubStatuses[0].Component)

	m.Remove("sink:mqtt")
	assert.True(t, m.AggregateHealth("ruuvigw").IsDegraded())
}
