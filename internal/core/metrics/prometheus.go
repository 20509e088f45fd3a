package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	config *Config

	alertsTriggered    *prometheus.CounterVec
	alertsResolved     *prometheus.CounterVec
	escalationsTotal   *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	activeAlerts       prometheus.Gauge
}

// NewPrometheusCollector creates a Prometheus-backed collector registered on
// the default registry
func NewPrometheusCollector(config *Config) *PrometheusCollector {
	if config == nil {
		config = &Config{Enabled: true, Prefix: "clms"}
	}
	prefix := config.Prefix
	if prefix == "" {
		prefix = "clms"
	}

	return &PrometheusCollector{
		config: config,
		alertsTriggered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_alerts_triggered_total",
				Help: "Total number of performance alerts triggered",
			},
			[]string{"severity", "category"},
		),
		alertsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_alerts_resolved_total",
				Help: "Total number of performance alerts resolved",
			},
			[]string{"category"},
		),
		escalationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_alert_escalations_total",
				Help: "Total number of escalation steps triggered",
			},
			[]string{"policy", "severity"},
		),
		notificationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_alert_notifications_total",
				Help: "Total number of alert notifications by channel and outcome",
			},
			[]string{"channel", "sent"},
		),
		activeAlerts: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: prefix + "_active_alerts",
				Help: "Number of currently active alerts",
			},
		),
	}
}

func (c *PrometheusCollector) RecordAlertTriggered(severity, category string) {
	c.alertsTriggered.WithLabelValues(severity, category).Inc()
}

func (c *PrometheusCollector) RecordAlertResolved(category string) {
	c.alertsResolved.WithLabelValues(category).Inc()
}

func (c *PrometheusCollector) RecordEscalation(policyID, severity string) {
	c.escalationsTotal.WithLabelValues(policyID, severity).Inc()
}

func (c *PrometheusCollector) RecordNotification(channel string, sent bool) {
	c.notificationsTotal.WithLabelValues(channel, strconv.FormatBool(sent)).Inc()
}

func (c *PrometheusCollector) SetActiveAlerts(count int) {
	c.activeAlerts.Set(float64(count))
}
