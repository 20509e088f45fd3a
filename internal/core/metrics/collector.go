package metrics

// Collector defines the instrumentation points of the alerting engine
type Collector interface {
	RecordAlertTriggered(severity, category string)
	RecordAlertResolved(category string)
	RecordEscalation(policyID, severity string)
	RecordNotification(channel string, sent bool)
	SetActiveAlerts(count int)
}

// Config contains configuration for metrics collection
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	Address string `mapstructure:"address"`
}

// NoopCollector discards all measurements; used when metrics are disabled and
// as the default in tests
type NoopCollector struct{}

func (NoopCollector) RecordAlertTriggered(severity, category string) {}
func (NoopCollector) RecordAlertResolved(category string)            {}
func (NoopCollector) RecordEscalation(policyID, severity string)     {}
func (NoopCollector) RecordNotification(channel string, sent bool)   {}
func (NoopCollector) SetActiveAlerts(count int)                      {}
