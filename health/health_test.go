package health

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want State
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewUnhealthy("a", ""), NewDegraded("b", "")}, StateUnhealthy},
		{"degraded after unhealthy", []Status{NewDegraded("a", ""), NewUnhealthy("b", ""), NewDegraded("c", "")}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("relay", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestStateLevel(t *testing.T) {
	assert.Equal(t, 2, StateHealthy.Level())
	assert.Equal(t, 1, StateDegraded.Level())
	assert.Equal(t, 0, StateUnhealthy.Level())
}

func TestFromError_Sanitizes(t *testing.T) {
	assert.True(t, FromError("kv", nil).IsHealthy())

	s := FromError("kv", fmt.Errorf("dial nats://user:pw@10.0.0.5:4222 failed, boatSecret=abc123"))
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "10.0.0.5")
	assert.NotContains(t, s.Message, "abc123")
	assert.Contains(t, s.Message, "[URL]")
}

func TestMonitor_Report(t *testing.T) {
	m := NewMonitor()
	m.Update("storage", NewHealthy("", "memory"))
	m.Update("nats", NewHealthy("", "stale"))
	m.Register("nats", func(context.Context) Status { return NewDegraded("", "reconnecting") })

	report := m.Report(context.Background(), "anchorwatch-relay")
	assert.Equal(t, StateDegraded, report.Status)
	require.Len(t, report.SubStatuses, 2)
	assert.Equal(t, "nats", report.SubStatuses[0].Component)
	assert.Equal(t, "reconnecting", report.SubStatuses[0].Message)
	assert.Equal(t, "storage", report.SubStatuses[1].Component)

	got, ok := m.Get("storage")
	require.True(t, ok)
	assert.Equal(t, "storage", got.Component)

	m.Remove("nats")
	assert.True(t, m.Report(context.Background(), "x").IsHealthy())
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("c%d", i%5)
			m.Update(name, NewHealthy(name, "ok"))
			_ = m.Report(context.Background(), "sys")
		}(i)
	}
	wg.Wait()
	assert.Len(t, m.Report(context.Background(), "sys").SubStatuses, 5)
}
