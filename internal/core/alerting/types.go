package alerting

import (
	"time"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// Condition is a comparison operator applied to a metric value
type Condition string

const (
	ConditionGreaterThan    Condition = "gt"
	ConditionLessThan       Condition = "lt"
	ConditionEqual          Condition = "eq"
	ConditionGreaterOrEqual Condition = "gte"
	ConditionLessOrEqual    Condition = "lte"
	ConditionNotEqual       Condition = "ne"
)

// Channel identifies a notification transport
type Channel string

const (
	ChannelLog     Channel = "log"
	ChannelEmail   Channel = "email"
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// NotificationChannels selects which transports a rule or escalation step uses
type NotificationChannels struct {
	Email   bool `json:"email"`
	Slack   bool `json:"slack"`
	Webhook bool `json:"webhook"`
	Log     bool `json:"log"`
}

// Enabled returns the channels that are switched on, log channel first
func (nc NotificationChannels) Enabled() []Channel {
	var channels []Channel
	if nc.Log {
		channels = append(channels, ChannelLog)
	}
	if nc.Email {
		channels = append(channels, ChannelEmail)
	}
	if nc.Slack {
		channels = append(channels, ChannelSlack)
	}
	if nc.Webhook {
		channels = append(channels, ChannelWebhook)
	}
	return channels
}

// AlertRule defines a condition over one category.metric that raises alerts
type AlertRule struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Description   string               `json:"description"`
	Category      string               `json:"category"`
	Metric        string               `json:"metric"`
	Condition     Condition            `json:"condition"`
	Threshold     float64              `json:"threshold"`
	Severity      AlertSeverity        `json:"severity"`
	Enabled       bool                 `json:"enabled"`
	Duration      int                  `json:"duration"` // seconds the condition must hold before firing
	Cooldown      int                  `json:"cooldown"` // seconds suppressing re-firing, 0 = no suppression
	Notifications NotificationChannels `json:"notifications"`
	Metadata      map[string]string    `json:"metadata,omitempty"`
}

// AlertRuleUpdate carries the fields of a partial rule update; nil means unchanged
type AlertRuleUpdate struct {
	Name          *string               `json:"name,omitempty"`
	Description   *string               `json:"description,omitempty"`
	Category      *string               `json:"category,omitempty"`
	Metric        *string               `json:"metric,omitempty"`
	Condition     *Condition            `json:"condition,omitempty"`
	Threshold     *float64              `json:"threshold,omitempty"`
	Severity      *AlertSeverity        `json:"severity,omitempty"`
	Enabled       *bool                 `json:"enabled,omitempty"`
	Duration      *int                  `json:"duration,omitempty"`
	Cooldown      *int                  `json:"cooldown,omitempty"`
	Notifications *NotificationChannels `json:"notifications,omitempty"`
	Metadata      map[string]string     `json:"metadata,omitempty"`
}

// EscalationStep is one time-delayed notification stage of a policy
type EscalationStep struct {
	Delay         int                  `json:"delay"` // seconds after alert start
	Severity      AlertSeverity        `json:"severity"`
	Notifications NotificationChannels `json:"notifications"`
}

// EscalationPolicy applies time-staged notifications to alerts that stay active
type EscalationPolicy struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Enabled     bool             `json:"enabled"`
	Steps       []EscalationStep `json:"steps"`
}

// EscalationPolicyUpdate carries the fields of a partial policy update
type EscalationPolicyUpdate struct {
	Name        *string          `json:"name,omitempty"`
	Description *string          `json:"description,omitempty"`
	Enabled     *bool            `json:"enabled,omitempty"`
	Steps       []EscalationStep `json:"steps,omitempty"`
}

// PerformanceAlert is the alert payload, either pushed by the metrics
// collector or synthesized by the violation scanner
type PerformanceAlert struct {
	ID         string        `json:"id"`
	Timestamp  time.Time     `json:"timestamp"`
	Severity   AlertSeverity `json:"severity"`
	Category   string        `json:"category"`
	Message    string        `json:"message"`
	Metric     string        `json:"metric"`
	Value      float64       `json:"value"`
	Threshold  float64       `json:"threshold"`
	Resolved   bool          `json:"resolved"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// ActiveAlert tracks an unresolved alert in the registry together with the
// rule that raised it. SourceID is the id of the collector event the alert
// was cloned from on the push path; empty for scan and manual alerts.
type ActiveAlert struct {
	Alert     *PerformanceAlert `json:"alert"`
	RuleID    string            `json:"rule_id"`
	SourceID  string            `json:"source_id,omitempty"`
	StartTime time.Time         `json:"start_time"`
}

// AlertNotification records one delivery attempt on one channel
type AlertNotification struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	RuleID    string    `json:"rule_id"`
	Timestamp time.Time `json:"timestamp"`
	Sent      bool      `json:"sent"`
	Channel   Channel   `json:"channel"`
	Recipient string    `json:"recipient,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// MetricsSource is the engine's view of the external metrics collector. The
// engine subscribes to pushed threshold alerts once at construction, polls
// MetricAverages on every violation scan, and reports resolutions back.
type MetricsSource interface {
	// MetricAverages returns the mean of the samples collected since the
	// previous call, keyed by "category.metric". Gauge-style metrics may
	// report their most recent value instead.
	MetricAverages() map[string]float64

	// SubscribeAlerts registers a handler for threshold-crossing events
	// pushed by the collector.
	SubscribeAlerts(handler func(*PerformanceAlert))

	// MarkResolved tells the collector that an alert id has been resolved.
	MarkResolved(alertID string)
}

// Sender delivers a notification over one external transport. Implementations
// for email, slack and webhook live outside this package.
type Sender interface {
	Send(alert *PerformanceAlert, notification *AlertNotification) error
}

// MetricKey builds the "category.metric" key used by the collector snapshot
func MetricKey(category, metric string) string {
	return category + "." + metric
}
