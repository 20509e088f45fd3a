package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// runViolationScan pulls the metric aggregates collected since the previous
// scan and evaluates every enabled rule against them. A rule whose metric has
// no samples is skipped. Rules carrying a duration only fire once the
// violation has been sustained across scans for at least that long.
func (e *Engine) runViolationScan() {
	if e.source == nil {
		return
	}

	averages := e.source.MetricAverages()
	if len(averages) == 0 {
		return
	}
	now := time.Now()

	for _, rule := range e.rules.List() {
		if !rule.Enabled {
			continue
		}

		value, sampled := averages[MetricKey(rule.Category, rule.Metric)]
		if !sampled {
			continue
		}

		key := cooldownKey(rule.ID, rule.Category, rule.Metric)

		if !EvaluateCondition(value, rule.Condition, rule.Threshold) {
			e.mu.Lock()
			delete(e.pending, key)
			e.mu.Unlock()
			continue
		}

		if rule.Duration > 0 {
			e.mu.Lock()
			firstSeen, seen := e.pending[key]
			if !seen {
				e.pending[key] = now
				e.mu.Unlock()
				continue
			}
			if now.Sub(firstSeen) < time.Duration(rule.Duration)*time.Second {
				e.mu.Unlock()
				continue
			}
			delete(e.pending, key)
			e.mu.Unlock()
		}

		alert := &PerformanceAlert{
			ID:        uuid.New().String(),
			Timestamp: now,
			Severity:  rule.Severity,
			Category:  rule.Category,
			Message:   violationMessage(rule, value),
			Metric:    rule.Metric,
			Value:     value,
			Threshold: rule.Threshold,
		}
		e.raiseForRule(rule, alert, "", true)
	}
}

// runEscalationScan walks the active alerts and triggers every escalation
// step whose delay has elapsed, rate-limited per alert, policy and step
// severity. Alerts whose originating rule has been deleted are skipped.
func (e *Engine) runEscalationScan() {
	now := time.Now()

	e.mu.RLock()
	actives := make([]*ActiveAlert, 0, len(e.activeAlerts))
	for _, active := range e.activeAlerts {
		actives = append(actives, active)
	}
	e.mu.RUnlock()

	if len(actives) == 0 {
		return
	}

	policies := e.policies.List()

	for _, active := range actives {
		rule := e.rules.Get(active.RuleID)
		if rule == nil {
			continue
		}

		age := now.Sub(active.StartTime)

		for _, policy := range policies {
			if !policy.Enabled {
				continue
			}

			steps := append([]EscalationStep(nil), policy.Steps...)
			sort.SliceStable(steps, func(i, j int) bool {
				return steps[i].Delay < steps[j].Delay
			})

			for _, step := range steps {
				if age < time.Duration(step.Delay)*time.Second {
					continue
				}

				key := suppressionKey(active.Alert.ID, policy.ID, step.Severity)
				e.mu.Lock()
				if last, sent := e.suppressions[key]; sent && now.Sub(last) < escalationMinInterval {
					e.mu.Unlock()
					continue
				}
				e.suppressions[key] = now
				callbacks := append([]func(*ActiveAlert, *EscalationPolicy, EscalationStep){}, e.onAlertEscalated...)
				e.mu.Unlock()

				e.metrics.RecordEscalation(policy.ID, string(step.Severity))
				e.logger.WithField("alert_id", active.Alert.ID).
					WithField("policy_id", policy.ID).
					WithField("step_severity", step.Severity).
					Warn("Alert escalated")

				for _, callback := range callbacks {
					go callback(active, policy, step)
				}

				message := fmt.Sprintf("[ESCALATED %s] %s (active for %s)",
					strings.ToUpper(string(step.Severity)), active.Alert.Message, age.Round(time.Second))
				e.dispatchChannels(active.Alert, active.RuleID, step.Notifications, message)
			}
		}
	}
}
