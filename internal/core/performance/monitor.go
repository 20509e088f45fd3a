package performance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/clms-ops/clms-backend-go/internal/core/alerting"
)

// Config contains performance monitor configuration
type Config struct {
	// SystemSampleInterval controls how often the memory/CPU gauges are read
	SystemSampleInterval time.Duration `mapstructure:"system_sample_interval"`

	// Thresholds maps "category.metric" keys to values whose crossing makes
	// the monitor push an alert immediately, ahead of the next engine scan
	Thresholds map[string]float64 `mapstructure:"thresholds"`
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		SystemSampleInterval: 15 * time.Second,
		Thresholds: map[string]float64{
			"memory.usage": 95,
			"cpu.usage":    95,
		},
	}
}

// Monitor collects operation duration samples and system resource gauges,
// exposes per-scan averages to the alerting engine and pushes
// threshold-crossing events to its subscribers. It implements
// alerting.MetricsSource.
type Monitor struct {
	config *Config
	logger *logrus.Logger

	mu          sync.Mutex
	sums        map[string]float64
	counts      map[string]int
	gauges      map[string]float64
	subscribers []func(*alerting.PerformanceAlert)
	emitted     map[string]*alerting.PerformanceAlert

	running  bool
	stopChan chan struct{}
}

// NewMonitor creates a performance monitor
func NewMonitor(config *Config, logger *logrus.Logger) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SystemSampleInterval <= 0 {
		config.SystemSampleInterval = 15 * time.Second
	}
	return &Monitor{
		config:  config,
		logger:  logger,
		sums:    make(map[string]float64),
		counts:  make(map[string]int),
		gauges:  make(map[string]float64),
		emitted: make(map[string]*alerting.PerformanceAlert),
	}
}

// Start launches the system gauge sampler
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopChan = make(chan struct{})
	stopChan := m.stopChan
	m.mu.Unlock()

	go m.sampleLoop(ctx, stopChan)
}

// Stop cancels the gauge sampler
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
}

// RecordDuration records one timed operation as a millisecond sample
func (m *Monitor) RecordDuration(category, metric string, d time.Duration) {
	m.RecordValue(category, metric, float64(d.Nanoseconds())/float64(time.Millisecond))
}

// RecordValue records one sample for a category.metric key and pushes an
// alert if the sample crosses the monitor's own threshold for that key
func (m *Monitor) RecordValue(category, metric string, value float64) {
	key := alerting.MetricKey(category, metric)

	m.mu.Lock()
	m.sums[key] += value
	m.counts[key]++
	m.mu.Unlock()

	m.checkThreshold(category, metric, value)
}

// MetricAverages returns the mean of the samples recorded since the previous
// call, keyed by "category.metric", and resets the aggregation. System
// gauges report their most recent reading instead of a mean.
func (m *Monitor) MetricAverages() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	averages := make(map[string]float64, len(m.counts)+len(m.gauges))
	for key, count := range m.counts {
		if count > 0 {
			averages[key] = m.sums[key] / float64(count)
		}
	}
	m.sums = make(map[string]float64)
	m.counts = make(map[string]int)

	for key, value := range m.gauges {
		averages[key] = value
	}
	return averages
}

// SubscribeAlerts registers a handler for pushed threshold-crossing events
func (m *Monitor) SubscribeAlerts(handler func(*alerting.PerformanceAlert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, handler)
}

// MarkResolved records that the engine resolved an alert this monitor pushed
func (m *Monitor) MarkResolved(alertID string) {
	m.mu.Lock()
	alert, known := m.emitted[alertID]
	if known {
		alert.Resolved = true
		delete(m.emitted, alertID)
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"alert_id": alertID,
		"known":    known,
	}).Debug("Alert marked resolved by engine")
}

// checkThreshold pushes an event when a sample crosses its configured bound
func (m *Monitor) checkThreshold(category, metric string, value float64) {
	key := alerting.MetricKey(category, metric)

	m.mu.Lock()
	threshold, bounded := m.config.Thresholds[key]
	if !bounded || value <= threshold {
		m.mu.Unlock()
		return
	}

	alert := &alerting.PerformanceAlert{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Severity:  alerting.SeverityHigh,
		Category:  category,
		Metric:    metric,
		Message:   fmt.Sprintf("%s at %.2f crossed collector threshold %.2f", key, value, threshold),
		Value:     value,
		Threshold: threshold,
	}
	m.emitted[alert.ID] = alert
	subscribers := append([]func(*alerting.PerformanceAlert){}, m.subscribers...)
	m.mu.Unlock()

	for _, handler := range subscribers {
		handler(alert)
	}
}

// sampleLoop refreshes the system resource gauges until cancellation
func (m *Monitor) sampleLoop(ctx context.Context, stopChan <-chan struct{}) {
	ticker := time.NewTicker(m.config.SystemSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-ticker.C:
			m.sampleSystem(ctx)
		}
	}
}

// sampleSystem reads the memory and CPU usage gauges
func (m *Monitor) sampleSystem(ctx context.Context) {
	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read memory stats")
	} else {
		m.setGauge("memory", "usage", vmem.UsedPercent)
	}

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read CPU stats")
	} else if len(percents) > 0 {
		m.setGauge("cpu", "usage", percents[0])
	}
}

func (m *Monitor) setGauge(category, metric string, value float64) {
	key := alerting.MetricKey(category, metric)
	m.mu.Lock()
	m.gauges[key] = value
	m.mu.Unlock()

	m.checkThreshold(category, metric, value)
}
