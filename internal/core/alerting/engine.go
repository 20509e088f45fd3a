package alerting

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/clms-ops/clms-backend-go/internal/core/metrics"
)

// escalationMinInterval rate-limits one escalation step to a single
// notification per window, regardless of the scan interval
const escalationMinInterval = 60 * time.Second

// Config contains alerting engine configuration
type Config struct {
	DataPath           string        `mapstructure:"data_path"`
	ScanInterval       time.Duration `mapstructure:"scan_interval"`
	EscalationInterval time.Duration `mapstructure:"escalation_interval"`
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		DataPath:           "./data/alerting",
		ScanInterval:       30 * time.Second,
		EscalationInterval: 60 * time.Second,
	}
}

// Engine owns the alerting state bundle and is the single mutator of it: the
// rule and policy stores, the active-alert registry, cooldown and escalation
// suppression tracking, and the notification dispatcher.
type Engine struct {
	config     *Config
	logger     *logrus.Logger
	metrics    metrics.Collector
	source     MetricsSource
	rules      *RuleStore
	policies   *EscalationStore
	dispatcher *Dispatcher

	mu           sync.RWMutex
	activeAlerts map[string]*ActiveAlert
	cooldowns    map[string]time.Time // ruleId|category|metric -> last firing
	suppressions map[string]time.Time // alertId|policyId|stepSeverity -> last escalation
	pending      map[string]time.Time // ruleId|category|metric -> first violating scan
	running      bool
	stopChan     chan struct{}
	janitor      *cron.Cron

	onStarted        []func()
	onStopped        []func()
	onRuleAdded      []func(*AlertRule)
	onRuleUpdated    []func(string)
	onRuleDeleted    []func(string)
	onPolicyAdded    []func(*EscalationPolicy)
	onAlertTriggered []func(*ActiveAlert)
	onAlertEscalated []func(*ActiveAlert, *EscalationPolicy, EscalationStep)
	onAlertResolved  []func(*PerformanceAlert)
}

// NewEngine creates the alerting engine, loads persisted rules and policies,
// and subscribes to the collector's push stream. A nil source disables the
// pull scanner and resolution callbacks but leaves the rest functional.
func NewEngine(config *Config, source MetricsSource, collector metrics.Collector, senders map[Channel]Sender, logger *logrus.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ScanInterval <= 0 {
		config.ScanInterval = 30 * time.Second
	}
	if config.EscalationInterval <= 0 {
		config.EscalationInterval = 60 * time.Second
	}
	if collector == nil {
		collector = metrics.NoopCollector{}
	}

	engine := &Engine{
		config:       config,
		logger:       logger,
		metrics:      collector,
		source:       source,
		rules:        NewRuleStore(filepath.Join(config.DataPath, "alert_rules.json"), logger),
		policies:     NewEscalationStore(filepath.Join(config.DataPath, "escalation_policies.json"), logger),
		dispatcher:   NewDispatcher(logger, collector, senders),
		activeAlerts: make(map[string]*ActiveAlert),
		cooldowns:    make(map[string]time.Time),
		suppressions: make(map[string]time.Time),
		pending:      make(map[string]time.Time),
	}

	if err := engine.rules.Load(); err != nil {
		logger.WithError(err).Warn("Failed to load alert rules, starting with empty set")
	}
	if err := engine.policies.Load(); err != nil {
		logger.WithError(err).Warn("Failed to load escalation policies, starting with empty set")
	}

	if source != nil {
		source.SubscribeAlerts(engine.HandleAlert)
	}

	return engine
}

// Start launches the violation scanner, the escalation scanner and the hourly
// notification janitor
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		e.logger.Warn("Alerting engine already running")
		return nil
	}
	e.running = true
	e.stopChan = make(chan struct{})
	stopChan := e.stopChan
	e.mu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"scan_interval":       e.config.ScanInterval,
		"escalation_interval": e.config.EscalationInterval,
	}).Info("Starting alerting engine")

	go e.scanLoop(ctx, stopChan, e.config.ScanInterval, "violation", e.runViolationScan)
	go e.scanLoop(ctx, stopChan, e.config.EscalationInterval, "escalation", e.runEscalationScan)

	e.janitor = cron.New()
	if _, err := e.janitor.AddFunc("@hourly", func() {
		e.safeScan("janitor", e.pruneNotifications)
	}); err != nil {
		return fmt.Errorf("failed to schedule notification janitor: %w", err)
	}
	e.janitor.Start()

	for _, callback := range e.callbacksStarted() {
		go callback()
	}
	return nil
}

// Stop cancels all periodic tasks. Calling it while already stopped is a
// logged no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		e.logger.Warn("Alerting engine already stopped")
		return
	}
	e.running = false
	close(e.stopChan)
	janitor := e.janitor
	e.janitor = nil
	e.mu.Unlock()

	if janitor != nil {
		janitor.Stop()
	}

	e.logger.Info("Alerting engine stopped")
	for _, callback := range e.callbacksStopped() {
		go callback()
	}
}

// scanLoop drives one periodic task until cancellation
func (e *Engine) scanLoop(ctx context.Context, stopChan <-chan struct{}, interval time.Duration, name string, scan func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case <-ticker.C:
			e.safeScan(name, scan)
		}
	}
}

// safeScan isolates one scan cycle so a failure cannot halt the loop
func (e *Engine) safeScan(name string, scan func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithFields(logrus.Fields{
				"scan":  name,
				"panic": r,
			}).Error("Scan cycle failed")
		}
	}()
	scan()
}

// HandleAlert is the push-path entry: the collector delivers a
// threshold-crossing event which is matched against every enabled rule
// sharing its category and metric. Each matching rule registers its own
// active alert under its own cooldown.
func (e *Engine) HandleAlert(alert *PerformanceAlert) {
	if alert == nil {
		return
	}

	for _, rule := range e.rules.List() {
		if !rule.Enabled || rule.Category != alert.Category || rule.Metric != alert.Metric {
			continue
		}
		if !EvaluateCondition(alert.Value, rule.Condition, rule.Threshold) {
			continue
		}

		matched := *alert
		matched.ID = uuid.New().String()
		if matched.Timestamp.IsZero() {
			matched.Timestamp = time.Now()
		}
		if matched.Severity == "" {
			matched.Severity = rule.Severity
		}
		if matched.Message == "" {
			matched.Message = violationMessage(rule, alert.Value)
		}
		e.raiseForRule(rule, &matched, alert.ID, true)
	}
}

// TriggerAlert fires an alert for a rule on operator demand, bypassing the
// cooldown check. Returns false if the rule id is unknown.
func (e *Engine) TriggerAlert(ruleID, message string) bool {
	rule := e.rules.Get(ruleID)
	if rule == nil {
		return false
	}

	if message == "" {
		message = fmt.Sprintf("Manually triggered: %s", rule.Name)
	}

	alert := &PerformanceAlert{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Severity:  rule.Severity,
		Category:  rule.Category,
		Message:   message,
		Metric:    rule.Metric,
		Value:     rule.Threshold,
		Threshold: rule.Threshold,
	}

	e.raiseForRule(rule, alert, "", false)
	return true
}

// ResolveAlert marks an active alert resolved, removes it from the registry,
// notifies the collector and emits a log-channel resolution notification.
// Returns false if the id is not active.
func (e *Engine) ResolveAlert(alertID string) bool {
	e.mu.Lock()
	active, exists := e.activeAlerts[alertID]
	if !exists {
		e.mu.Unlock()
		return false
	}

	now := time.Now()
	active.Alert.Resolved = true
	active.Alert.ResolvedAt = &now
	delete(e.activeAlerts, alertID)

	// Drop the escalation suppression state for this alert
	for key := range e.suppressions {
		if strings.HasPrefix(key, alertID+"|") {
			delete(e.suppressions, key)
		}
	}

	activeCount := len(e.activeAlerts)
	callbacks := append([]func(*PerformanceAlert){}, e.onAlertResolved...)
	e.mu.Unlock()

	// Report the collector's own event id back to it, not the registry id
	// the engine minted when fanning the event out across rules
	if e.source != nil {
		sourceID := active.SourceID
		if sourceID == "" {
			sourceID = alertID
		}
		e.source.MarkResolved(sourceID)
	}

	e.metrics.RecordAlertResolved(active.Alert.Category)
	e.metrics.SetActiveAlerts(activeCount)

	e.dispatcher.Dispatch(active.Alert, active.RuleID, ChannelLog,
		fmt.Sprintf("Alert resolved: %s", active.Alert.Message))

	e.logger.WithFields(logrus.Fields{
		"alert_id": alertID,
		"rule_id":  active.RuleID,
		"duration": now.Sub(active.StartTime),
	}).Info("Alert resolved")

	for _, callback := range callbacks {
		go callback(active.Alert)
	}
	return true
}

// GetActiveAlerts returns the current contents of the active-alert registry
func (e *Engine) GetActiveAlerts() []*ActiveAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	alerts := make([]*ActiveAlert, 0, len(e.activeAlerts))
	for _, active := range e.activeAlerts {
		alerts = append(alerts, active)
	}
	return alerts
}

// GetNotifications returns up to limit most recent notification records
func (e *Engine) GetNotifications(limit int) []*AlertNotification {
	return e.dispatcher.Notifications(limit)
}

// AddRule creates a rule and persists the rule set
func (e *Engine) AddRule(rule *AlertRule) error {
	if err := e.rules.Add(rule); err != nil {
		return err
	}
	for _, callback := range e.callbacksRuleAdded() {
		go callback(rule)
	}
	return nil
}

// UpdateRule applies a partial rule update; false if the id is unknown
func (e *Engine) UpdateRule(id string, update AlertRuleUpdate) bool {
	if !e.rules.Update(id, update) {
		return false
	}
	for _, callback := range e.callbacksRuleUpdated() {
		go callback(id)
	}
	return true
}

// DeleteRule removes a rule; false if the id is unknown. Active alerts raised
// by the rule stay in the registry until resolved; the escalation scanner
// skips them once the rule is gone.
func (e *Engine) DeleteRule(id string) bool {
	if !e.rules.Remove(id) {
		return false
	}
	for _, callback := range e.callbacksRuleDeleted() {
		go callback(id)
	}
	return true
}

// GetRule returns a rule by id, or nil
func (e *Engine) GetRule(id string) *AlertRule {
	return e.rules.Get(id)
}

// GetRules returns all rules
func (e *Engine) GetRules() []*AlertRule {
	return e.rules.List()
}

// AddEscalationPolicy creates a policy and persists the policy set
func (e *Engine) AddEscalationPolicy(policy *EscalationPolicy) error {
	if err := e.policies.Add(policy); err != nil {
		return err
	}
	for _, callback := range e.callbacksPolicyAdded() {
		go callback(policy)
	}
	return nil
}

// UpdateEscalationPolicy applies a partial policy update; false if unknown
func (e *Engine) UpdateEscalationPolicy(id string, update EscalationPolicyUpdate) bool {
	return e.policies.Update(id, update)
}

// DeleteEscalationPolicy removes a policy; false if the id is unknown
func (e *Engine) DeleteEscalationPolicy(id string) bool {
	return e.policies.Remove(id)
}

// GetEscalationPolicy returns a policy by id, or nil
func (e *Engine) GetEscalationPolicy(id string) *EscalationPolicy {
	return e.policies.Get(id)
}

// GetEscalationPolicies returns all policies
func (e *Engine) GetEscalationPolicies() []*EscalationPolicy {
	return e.policies.List()
}

// raiseForRule applies cooldown suppression, registers the active alert,
// stamps the cooldown key and dispatches the rule's channels. This is the
// single convergence point of the scan, push and manual-trigger paths; the
// push path passes the id of the collector event it fanned out from.
func (e *Engine) raiseForRule(rule *AlertRule, alert *PerformanceAlert, sourceID string, checkCooldown bool) bool {
	key := cooldownKey(rule.ID, rule.Category, rule.Metric)

	e.mu.Lock()
	if checkCooldown && rule.Cooldown > 0 {
		if last, ok := e.cooldowns[key]; ok && time.Since(last) < time.Duration(rule.Cooldown)*time.Second {
			e.mu.Unlock()
			e.logger.WithFields(logrus.Fields{
				"rule_id": rule.ID,
				"metric":  MetricKey(rule.Category, rule.Metric),
			}).Debug("Alert suppressed by cooldown")
			return false
		}
	}

	active := &ActiveAlert{
		Alert:     alert,
		RuleID:    rule.ID,
		SourceID:  sourceID,
		StartTime: time.Now(),
	}
	e.activeAlerts[alert.ID] = active
	e.cooldowns[key] = time.Now()
	activeCount := len(e.activeAlerts)
	callbacks := append([]func(*ActiveAlert){}, e.onAlertTriggered...)
	e.mu.Unlock()

	e.metrics.RecordAlertTriggered(string(alert.Severity), alert.Category)
	e.metrics.SetActiveAlerts(activeCount)

	e.logger.WithFields(logrus.Fields{
		"alert_id": alert.ID,
		"rule_id":  rule.ID,
		"severity": alert.Severity,
		"value":    alert.Value,
	}).Info("Alert triggered")

	for _, callback := range callbacks {
		go callback(active)
	}

	e.dispatchChannels(alert, rule.ID, rule.Notifications, alert.Message)
	return true
}

// dispatchChannels delivers one message on every enabled channel. Channels
// run concurrently and are joined before returning so a slow transport cannot
// stall the next rule, while failures stay isolated per channel.
func (e *Engine) dispatchChannels(alert *PerformanceAlert, ruleID string, channels NotificationChannels, message string) {
	var wg sync.WaitGroup
	for _, channel := range channels.Enabled() {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			e.dispatcher.Dispatch(alert, ruleID, ch, message)
		}(channel)
	}
	wg.Wait()
}

// pruneNotifications drops notification history past the retention window
func (e *Engine) pruneNotifications() {
	e.dispatcher.PruneOlderThan(time.Now().Add(-historyRetention))
}

// Callback registration. Callbacks run on their own goroutines.

func (e *Engine) OnStarted(callback func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStarted = append(e.onStarted, callback)
}

func (e *Engine) OnStopped(callback func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onStopped = append(e.onStopped, callback)
}

func (e *Engine) OnRuleAdded(callback func(*AlertRule)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRuleAdded = append(e.onRuleAdded, callback)
}

func (e *Engine) OnRuleUpdated(callback func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRuleUpdated = append(e.onRuleUpdated, callback)
}

func (e *Engine) OnRuleDeleted(callback func(string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onRuleDeleted = append(e.onRuleDeleted, callback)
}

func (e *Engine) OnEscalationPolicyAdded(callback func(*EscalationPolicy)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPolicyAdded = append(e.onPolicyAdded, callback)
}

func (e *Engine) OnAlertTriggered(callback func(*ActiveAlert)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAlertTriggered = append(e.onAlertTriggered, callback)
}

func (e *Engine) OnAlertEscalated(callback func(*ActiveAlert, *EscalationPolicy, EscalationStep)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAlertEscalated = append(e.onAlertEscalated, callback)
}

func (e *Engine) OnAlertResolved(callback func(*PerformanceAlert)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAlertResolved = append(e.onAlertResolved, callback)
}

func (e *Engine) OnNotificationSent(callback func(*AlertNotification)) {
	e.dispatcher.OnNotificationSent(callback)
}

func (e *Engine) callbacksStarted() []func() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]func(){}, e.onStarted...)
}

func (e *Engine) callbacksStopped() []func() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]func(){}, e.onStopped...)
}

func (e *Engine) callbacksRuleAdded() []func(*AlertRule) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]func(*AlertRule){}, e.onRuleAdded...)
}

func (e *Engine) callbacksRuleUpdated() []func(string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]func(string){}, e.onRuleUpdated...)
}

func (e *Engine) callbacksRuleDeleted() []func(string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]func(string){}, e.onRuleDeleted...)
}

func (e *Engine) callbacksPolicyAdded() []func(*EscalationPolicy) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]func(*EscalationPolicy){}, e.onPolicyAdded...)
}

func cooldownKey(ruleID, category, metric string) string {
	return ruleID + "|" + category + "|" + metric
}

func suppressionKey(alertID, policyID string, severity AlertSeverity) string {
	return alertID + "|" + policyID + "|" + string(severity)
}

func violationMessage(rule *AlertRule, value float64) string {
	return fmt.Sprintf("%s: %s is %.2f (threshold %s %.2f)",
		rule.Name, MetricKey(rule.Category, rule.Metric), value, rule.Condition, rule.Threshold)
}
