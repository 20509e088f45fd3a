package alerting

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clms-ops/clms-backend-go/internal/core/metrics"
)

const (
	// historyLimit caps the in-memory notification history
	historyLimit = 10000

	// historyRetention bounds notification age; older entries are pruned
	// by the hourly janitor
	historyRetention = 7 * 24 * time.Hour
)

// Dispatcher delivers notifications per channel and keeps the bounded
// append-only notification history. Delivery failures are captured on the
// notification record and never propagated to the caller.
type Dispatcher struct {
	logger  *logrus.Logger
	metrics metrics.Collector
	senders map[Channel]Sender

	mu      sync.Mutex
	history []*AlertNotification
	onSent  []func(*AlertNotification)
}

// NewDispatcher creates a dispatcher. Senders for email, slack and webhook
// are optional collaborators; a channel without a sender is treated as a
// stubbed successful delivery.
func NewDispatcher(logger *logrus.Logger, collector metrics.Collector, senders map[Channel]Sender) *Dispatcher {
	if collector == nil {
		collector = metrics.NoopCollector{}
	}
	return &Dispatcher{
		logger:  logger,
		metrics: collector,
		senders: senders,
	}
}

// OnNotificationSent registers a callback fired after every delivery attempt
func (d *Dispatcher) OnNotificationSent(callback func(*AlertNotification)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSent = append(d.onSent, callback)
}

// Dispatch performs one delivery attempt and records its outcome
func (d *Dispatcher) Dispatch(alert *PerformanceAlert, ruleID string, channel Channel, message string) *AlertNotification {
	notification := &AlertNotification{
		ID:        uuid.New().String(),
		AlertID:   alert.ID,
		RuleID:    ruleID,
		Timestamp: time.Now(),
		Channel:   channel,
		Message:   message,
	}

	switch channel {
	case ChannelLog:
		d.logger.WithFields(logrus.Fields{
			"alert_id": alert.ID,
			"rule_id":  ruleID,
			"severity": alert.Severity,
			"metric":   MetricKey(alert.Category, alert.Metric),
			"value":    alert.Value,
		}).Warn(message)
		notification.Sent = true

	default:
		sender, configured := d.senders[channel]
		if !configured || sender == nil {
			// No transport wired up; treat as delivered so that a bare
			// deployment still exercises the full notification path.
			d.logger.WithFields(logrus.Fields{
				"channel":  channel,
				"alert_id": alert.ID,
			}).Debug("No sender configured for channel, stubbing delivery")
			notification.Sent = true
			break
		}
		if err := sender.Send(alert, notification); err != nil {
			notification.Sent = false
			notification.Error = err.Error()
			d.logger.WithError(err).WithFields(logrus.Fields{
				"channel":  channel,
				"alert_id": alert.ID,
			}).Error("Notification delivery failed")
		} else {
			notification.Sent = true
		}
	}

	d.metrics.RecordNotification(string(channel), notification.Sent)
	d.append(notification)
	return notification
}

// Notifications returns the most recent entries in chronological order.
// A limit <= 0 returns the whole history.
func (d *Dispatcher) Notifications(limit int) []*AlertNotification {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := 0
	if limit > 0 && len(d.history) > limit {
		start = len(d.history) - limit
	}
	out := make([]*AlertNotification, len(d.history)-start)
	copy(out, d.history[start:])
	return out
}

// PruneOlderThan drops history entries older than the cutoff and returns the
// number removed
func (d *Dispatcher) PruneOlderThan(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	// History is appended in timestamp order, so find the first entry to keep
	keep := len(d.history)
	for i, n := range d.history {
		if !n.Timestamp.Before(cutoff) {
			keep = i
			break
		}
	}
	if keep == 0 {
		return 0
	}

	removed := keep
	d.history = append([]*AlertNotification(nil), d.history[keep:]...)
	if removed > 0 {
		d.logger.WithField("removed_count", removed).Info("Pruned old notifications")
	}
	return removed
}

func (d *Dispatcher) append(notification *AlertNotification) {
	d.mu.Lock()
	if len(d.history) >= historyLimit {
		overflow := len(d.history) - historyLimit + 1
		d.history = append([]*AlertNotification(nil), d.history[overflow:]...)
	}
	d.history = append(d.history, notification)
	callbacks := append([]func(*AlertNotification){}, d.onSent...)
	d.mu.Unlock()

	for _, callback := range callbacks {
		go callback(notification)
	}
}
