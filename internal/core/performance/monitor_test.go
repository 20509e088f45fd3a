package performance

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clms-ops/clms-backend-go/internal/core/alerting"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestMonitor_MetricAveragesAndReset(t *testing.T) {
	m := NewMonitor(&Config{Thresholds: map[string]float64{}}, testLogger())

	m.RecordValue("database", "query_time", 100)
	m.RecordValue("database", "query_time", 300)
	m.RecordValue("cache", "operation_time", 12)

	averages := m.MetricAverages()
	assert.Equal(t, 200.0, averages["database.query_time"])
	assert.Equal(t, 12.0, averages["cache.operation_time"])

	// Aggregation resets between scans
	assert.Empty(t, m.MetricAverages())
}

func TestMonitor_RecordDurationUsesMilliseconds(t *testing.T) {
	m := NewMonitor(&Config{Thresholds: map[string]float64{}}, testLogger())

	m.RecordDuration("api", "response_time", 1500*time.Millisecond)

	averages := m.MetricAverages()
	assert.InDelta(t, 1500.0, averages["api.response_time"], 0.001)
}

func TestMonitor_GaugesReportMostRecentValue(t *testing.T) {
	m := NewMonitor(&Config{Thresholds: map[string]float64{}}, testLogger())

	m.setGauge("memory", "usage", 42)
	m.setGauge("memory", "usage", 63)

	averages := m.MetricAverages()
	assert.Equal(t, 63.0, averages["memory.usage"])

	// Gauges survive the reset, samples do not
	averages = m.MetricAverages()
	assert.Equal(t, 63.0, averages["memory.usage"])
}

func TestMonitor_PushesThresholdCrossings(t *testing.T) {
	m := NewMonitor(&Config{
		Thresholds: map[string]float64{"database.query_time": 1000},
	}, testLogger())

	var received []*alerting.PerformanceAlert
	m.SubscribeAlerts(func(alert *alerting.PerformanceAlert) {
		received = append(received, alert)
	})

	m.RecordValue("database", "query_time", 500)
	assert.Empty(t, received)

	m.RecordValue("database", "query_time", 1500)
	require.Len(t, received, 1)
	alert := received[0]
	assert.Equal(t, "database", alert.Category)
	assert.Equal(t, "query_time", alert.Metric)
	assert.Equal(t, 1500.0, alert.Value)
	assert.Equal(t, 1000.0, alert.Threshold)
	assert.NotEmpty(t, alert.ID)

	// Metrics without a configured bound never push
	m.RecordValue("cache", "operation_time", 999999)
	assert.Len(t, received, 1)
}

func TestMonitor_MarkResolved(t *testing.T) {
	m := NewMonitor(&Config{
		Thresholds: map[string]float64{"memory.usage": 90},
	}, testLogger())

	var pushed *alerting.PerformanceAlert
	m.SubscribeAlerts(func(alert *alerting.PerformanceAlert) {
		pushed = alert
	})

	m.RecordValue("memory", "usage", 95)
	require.NotNil(t, pushed)

	m.MarkResolved(pushed.ID)
	assert.True(t, pushed.Resolved)

	m.mu.Lock()
	_, tracked := m.emitted[pushed.ID]
	m.mu.Unlock()
	assert.False(t, tracked)

	// Unknown ids are ignored
	m.MarkResolved("missing")
}

func TestMonitor_EngineResolutionClearsTracking(t *testing.T) {
	m := NewMonitor(&Config{
		Thresholds: map[string]float64{"memory.usage": 90},
	}, testLogger())

	e := alerting.NewEngine(&alerting.Config{DataPath: t.TempDir()}, m, nil, nil, testLogger())

	// Crosses both the monitor threshold and the seeded high-memory rule
	m.RecordValue("memory", "usage", 95)

	actives := e.GetActiveAlerts()
	require.Len(t, actives, 1)

	m.mu.Lock()
	tracked := len(m.emitted)
	m.mu.Unlock()
	assert.Equal(t, 1, tracked)

	require.True(t, e.ResolveAlert(actives[0].Alert.ID))

	m.mu.Lock()
	tracked = len(m.emitted)
	m.mu.Unlock()
	assert.Zero(t, tracked)
}

func TestMonitor_StartStop(t *testing.T) {
	m := NewMonitor(&Config{
		SystemSampleInterval: 10 * time.Millisecond,
		Thresholds:           map[string]float64{},
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	m.Start(ctx) // second start is a no-op

	time.Sleep(50 * time.Millisecond)
	m.Stop()
	m.Stop() // second stop is a no-op
}
