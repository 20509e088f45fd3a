package alerting

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	averages map[string]float64
	resolved []string
	handlers []func(*PerformanceAlert)
}

func (f *fakeSource) MetricAverages() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]float64, len(f.averages))
	for k, v := range f.averages {
		out[k] = v
	}
	return out
}

func (f *fakeSource) SubscribeAlerts(handler func(*PerformanceAlert)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

func (f *fakeSource) MarkResolved(alertID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, alertID)
}

func (f *fakeSource) setAverages(averages map[string]float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.averages = averages
}

func (f *fakeSource) push(alert *PerformanceAlert) {
	f.mu.Lock()
	handlers := append([]func(*PerformanceAlert){}, f.handlers...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(alert)
	}
}

func (f *fakeSource) resolvedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resolved...)
}

// newTestEngine builds an engine on a fresh temp directory with the seeded
// defaults removed, so each test controls its own rule set
func newTestEngine(t *testing.T, source MetricsSource) *Engine {
	t.Helper()
	engine := NewEngine(&Config{DataPath: t.TempDir()}, source, nil, nil, testLogger())
	for _, rule := range engine.GetRules() {
		require.True(t, engine.DeleteRule(rule.ID))
	}
	return engine
}

func memoryRule() *AlertRule {
	return &AlertRule{
		ID:            "r1",
		Name:          "High Memory Usage",
		Category:      "memory",
		Metric:        "usage",
		Condition:     ConditionGreaterThan,
		Threshold:     85,
		Severity:      SeverityCritical,
		Enabled:       true,
		Cooldown:      600,
		Notifications: NotificationChannels{Log: true},
	}
}

func escalatedNotifications(e *Engine) []*AlertNotification {
	var out []*AlertNotification
	for _, n := range e.GetNotifications(0) {
		if strings.HasPrefix(n.Message, "[ESCALATED") {
			out = append(out, n)
		}
	}
	return out
}

func TestEngine_PushPathCooldownScenario(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)
	require.NoError(t, e.AddRule(memoryRule()))

	push := func() {
		source.push(&PerformanceAlert{
			Category: "memory",
			Metric:   "usage",
			Value:    90,
			Message:  "memory usage high",
		})
	}

	push()
	actives := e.GetActiveAlerts()
	require.Len(t, actives, 1)
	assert.Equal(t, "r1", actives[0].RuleID)
	assert.Equal(t, 90.0, actives[0].Alert.Value)
	firstID := actives[0].Alert.ID

	// Second identical push within the cooldown window is suppressed
	push()
	assert.Len(t, e.GetActiveAlerts(), 1)

	// After the cooldown has elapsed a fresh alert with a new id is raised
	e.mu.Lock()
	e.cooldowns[cooldownKey("r1", "memory", "usage")] = time.Now().Add(-700 * time.Second)
	e.mu.Unlock()

	push()
	actives = e.GetActiveAlerts()
	require.Len(t, actives, 2)
	ids := map[string]bool{}
	for _, active := range actives {
		require.NotEmpty(t, active.Alert.ID)
		ids[active.Alert.ID] = true
	}
	assert.Len(t, ids, 2)
	assert.True(t, ids[firstID])
}

func TestEngine_PushPathIgnoresNonMatchingRules(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)

	rule := memoryRule()
	require.NoError(t, e.AddRule(rule))

	disabled := memoryRule()
	disabled.ID = "r2"
	disabled.Enabled = false
	require.NoError(t, e.AddRule(disabled))

	other := memoryRule()
	other.ID = "r3"
	other.Category = "cpu"
	require.NoError(t, e.AddRule(other))

	source.push(&PerformanceAlert{Category: "memory", Metric: "usage", Value: 90})

	actives := e.GetActiveAlerts()
	require.Len(t, actives, 1)
	assert.Equal(t, "r1", actives[0].RuleID)
}

func TestEngine_PushPathValueBelowThreshold(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)
	require.NoError(t, e.AddRule(memoryRule()))

	source.push(&PerformanceAlert{Category: "memory", Metric: "usage", Value: 50})
	assert.Empty(t, e.GetActiveAlerts())
}

func TestEngine_PushPathFansOutToMultipleRules(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)

	first := memoryRule()
	require.NoError(t, e.AddRule(first))

	second := memoryRule()
	second.ID = "r2"
	second.Threshold = 70
	require.NoError(t, e.AddRule(second))

	source.push(&PerformanceAlert{Category: "memory", Metric: "usage", Value: 90})

	actives := e.GetActiveAlerts()
	require.Len(t, actives, 2)
	ruleIDs := map[string]bool{}
	for _, active := range actives {
		ruleIDs[active.RuleID] = true
	}
	assert.True(t, ruleIDs["r1"])
	assert.True(t, ruleIDs["r2"])
}

func TestEngine_TriggerAlertUnknownRule(t *testing.T) {
	e := newTestEngine(t, nil)

	assert.False(t, e.TriggerAlert("nonexistent-rule", ""))
	assert.Empty(t, e.GetActiveAlerts())
	assert.Empty(t, e.GetNotifications(0))
}

func TestEngine_TriggerAlertBypassesCooldown(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.AddRule(memoryRule()))

	assert.True(t, e.TriggerAlert("r1", "operator test"))
	assert.True(t, e.TriggerAlert("r1", "operator test again"))

	actives := e.GetActiveAlerts()
	require.Len(t, actives, 2)
	for _, active := range actives {
		assert.Equal(t, 85.0, active.Alert.Value)
		assert.Equal(t, 85.0, active.Alert.Threshold)
		assert.Equal(t, SeverityCritical, active.Alert.Severity)
	}
}

func TestEngine_TriggerAlertWorksForDisabledRule(t *testing.T) {
	e := newTestEngine(t, nil)
	rule := memoryRule()
	rule.Enabled = false
	require.NoError(t, e.AddRule(rule))

	assert.True(t, e.TriggerAlert("r1", ""))
	assert.Len(t, e.GetActiveAlerts(), 1)
}

func TestEngine_ResolveAlert(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)
	require.NoError(t, e.AddRule(memoryRule()))

	require.True(t, e.TriggerAlert("r1", "to be resolved"))
	actives := e.GetActiveAlerts()
	require.Len(t, actives, 1)
	alertID := actives[0].Alert.ID

	before := len(e.GetNotifications(0))

	assert.True(t, e.ResolveAlert(alertID))
	assert.Empty(t, e.GetActiveAlerts())
	assert.Equal(t, []string{alertID}, source.resolvedIDs())

	notifications := e.GetNotifications(0)
	require.Len(t, notifications, before+1)
	last := notifications[len(notifications)-1]
	assert.Equal(t, ChannelLog, last.Channel)
	assert.True(t, strings.HasPrefix(last.Message, "Alert resolved"))

	// Second resolution of the same id fails
	assert.False(t, e.ResolveAlert(alertID))
	assert.Len(t, e.GetNotifications(0), before+1)
}

func TestEngine_ResolvePushAlertReportsCollectorID(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)
	require.NoError(t, e.AddRule(memoryRule()))

	source.push(&PerformanceAlert{
		ID:       "collector-event-1",
		Category: "memory",
		Metric:   "usage",
		Value:    90,
	})

	actives := e.GetActiveAlerts()
	require.Len(t, actives, 1)
	// The registry entry carries its own id but remembers the pushed event
	assert.NotEqual(t, "collector-event-1", actives[0].Alert.ID)
	assert.Equal(t, "collector-event-1", actives[0].SourceID)

	require.True(t, e.ResolveAlert(actives[0].Alert.ID))
	assert.Equal(t, []string{"collector-event-1"}, source.resolvedIDs())
}

func TestEngine_ViolationScan(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)

	rule := &AlertRule{
		ID:            "slow-db",
		Name:          "Slow Database Queries",
		Category:      "database",
		Metric:        "query_time",
		Condition:     ConditionGreaterThan,
		Threshold:     1000,
		Severity:      SeverityMedium,
		Enabled:       true,
		Cooldown:      600,
		Notifications: NotificationChannels{Log: true},
	}
	require.NoError(t, e.AddRule(rule))

	// No samples for the rule's metric: skipped
	source.setAverages(map[string]float64{"api.response_time": 5000})
	e.runViolationScan()
	assert.Empty(t, e.GetActiveAlerts())

	// Mean below threshold: no alert
	source.setAverages(map[string]float64{"database.query_time": 800})
	e.runViolationScan()
	assert.Empty(t, e.GetActiveAlerts())

	// Mean above threshold: one alert, one log notification
	source.setAverages(map[string]float64{"database.query_time": 1500})
	e.runViolationScan()
	actives := e.GetActiveAlerts()
	require.Len(t, actives, 1)
	assert.Equal(t, "slow-db", actives[0].RuleID)
	assert.Equal(t, 1500.0, actives[0].Alert.Value)
	assert.Len(t, e.GetNotifications(0), 1)

	// Next scan still violating but inside the cooldown window
	e.runViolationScan()
	assert.Len(t, e.GetActiveAlerts(), 1)
}

func TestEngine_ViolationScanSkipsDisabledRules(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)

	rule := memoryRule()
	rule.Enabled = false
	require.NoError(t, e.AddRule(rule))

	source.setAverages(map[string]float64{"memory.usage": 99})
	e.runViolationScan()
	assert.Empty(t, e.GetActiveAlerts())
}

func TestEngine_ViolationScanHonorsDuration(t *testing.T) {
	source := &fakeSource{}
	e := newTestEngine(t, source)

	rule := memoryRule()
	rule.Duration = 60
	require.NoError(t, e.AddRule(rule))

	source.setAverages(map[string]float64{"memory.usage": 95})

	// First violating scan opens the sustained window without firing
	e.runViolationScan()
	assert.Empty(t, e.GetActiveAlerts())

	// Still inside the window
	source.setAverages(map[string]float64{"memory.usage": 95})
	e.runViolationScan()
	assert.Empty(t, e.GetActiveAlerts())

	// A clean scan resets the window
	source.setAverages(map[string]float64{"memory.usage": 50})
	e.runViolationScan()
	e.mu.RLock()
	_, pending := e.pending[cooldownKey("r1", "memory", "usage")]
	e.mu.RUnlock()
	assert.False(t, pending)

	// Violation sustained past the duration fires
	source.setAverages(map[string]float64{"memory.usage": 95})
	e.runViolationScan()
	e.mu.Lock()
	e.pending[cooldownKey("r1", "memory", "usage")] = time.Now().Add(-61 * time.Second)
	e.mu.Unlock()
	source.setAverages(map[string]float64{"memory.usage": 95})
	e.runViolationScan()
	assert.Len(t, e.GetActiveAlerts(), 1)
}

func TestEngine_EscalationSingleStep(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.AddRule(memoryRule()))

	policy := &EscalationPolicy{
		ID:      "p1",
		Name:    "On-call",
		Enabled: true,
		Steps: []EscalationStep{
			{Delay: 10, Severity: SeverityHigh, Notifications: NotificationChannels{Log: true}},
		},
	}
	require.NoError(t, e.AddEscalationPolicy(policy))

	require.True(t, e.TriggerAlert("r1", "stuck alert"))
	actives := e.GetActiveAlerts()
	require.Len(t, actives, 1)
	alertID := actives[0].Alert.ID

	// Alert not old enough yet
	e.runEscalationScan()
	assert.Empty(t, escalatedNotifications(e))

	// Active for 15s: the step fires exactly once
	actives[0].StartTime = time.Now().Add(-15 * time.Second)
	e.runEscalationScan()
	escalated := escalatedNotifications(e)
	require.Len(t, escalated, 1)
	assert.Contains(t, escalated[0].Message, "ESCALATED HIGH")

	// Re-scan inside the suppression window: no duplicate
	e.runEscalationScan()
	assert.Len(t, escalatedNotifications(e), 1)

	// Past the suppression window the step is re-sent
	e.mu.Lock()
	e.suppressions[suppressionKey(alertID, "p1", SeverityHigh)] = time.Now().Add(-61 * time.Second)
	e.mu.Unlock()
	e.runEscalationScan()
	assert.Len(t, escalatedNotifications(e), 2)
}

func TestEngine_EscalationMultiStepOrdering(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.AddRule(memoryRule()))

	policy := &EscalationPolicy{
		ID:      "p1",
		Name:    "Staged",
		Enabled: true,
		Steps: []EscalationStep{
			{Delay: 600, Severity: SeverityCritical, Notifications: NotificationChannels{Log: true}},
			{Delay: 10, Severity: SeverityHigh, Notifications: NotificationChannels{Log: true}},
		},
	}
	require.NoError(t, e.AddEscalationPolicy(policy))

	require.True(t, e.TriggerAlert("r1", "stuck alert"))
	actives := e.GetActiveAlerts()
	require.Len(t, actives, 1)

	// Only the 10s step has elapsed
	actives[0].StartTime = time.Now().Add(-30 * time.Second)
	e.runEscalationScan()
	escalated := escalatedNotifications(e)
	require.Len(t, escalated, 1)
	assert.Contains(t, escalated[0].Message, "ESCALATED HIGH")

	// Both steps elapsed: the later step fires too, in delay order
	actives[0].StartTime = time.Now().Add(-700 * time.Second)
	e.runEscalationScan()
	escalated = escalatedNotifications(e)
	require.Len(t, escalated, 2)
	assert.Contains(t, escalated[1].Message, "ESCALATED CRITICAL")
}

func TestEngine_EscalationSkipsDeletedRuleAndDisabledPolicy(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.AddRule(memoryRule()))

	policy := &EscalationPolicy{
		ID:      "p1",
		Enabled: false,
		Steps: []EscalationStep{
			{Delay: 0, Severity: SeverityHigh, Notifications: NotificationChannels{Log: true}},
		},
	}
	require.NoError(t, e.AddEscalationPolicy(policy))

	require.True(t, e.TriggerAlert("r1", "stuck alert"))
	e.GetActiveAlerts()[0].StartTime = time.Now().Add(-time.Hour)

	// Disabled policy never fires
	e.runEscalationScan()
	assert.Empty(t, escalatedNotifications(e))

	// Enabled policy but deleted rule: alert is skipped silently
	enabled := true
	assert.True(t, e.UpdateEscalationPolicy("p1", EscalationPolicyUpdate{Enabled: &enabled}))
	require.True(t, e.DeleteRule("r1"))
	e.runEscalationScan()
	assert.Empty(t, escalatedNotifications(e))
}

func TestEngine_ResolvedAlertStopsEscalating(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.AddRule(memoryRule()))

	policy := &EscalationPolicy{
		ID:      "p1",
		Enabled: true,
		Steps: []EscalationStep{
			{Delay: 0, Severity: SeverityHigh, Notifications: NotificationChannels{Log: true}},
		},
	}
	require.NoError(t, e.AddEscalationPolicy(policy))

	require.True(t, e.TriggerAlert("r1", "short lived"))
	alertID := e.GetActiveAlerts()[0].Alert.ID
	require.True(t, e.ResolveAlert(alertID))

	e.runEscalationScan()
	assert.Empty(t, escalatedNotifications(e))
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	e := newTestEngine(t, &fakeSource{})

	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	e.OnStarted(func() { started <- struct{}{} })
	e.OnStopped(func() { stopped <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("started callback not invoked")
	}

	// Starting twice is a logged no-op
	require.NoError(t, e.Start(ctx))

	e.Stop()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("stopped callback not invoked")
	}

	// Stopping twice is a logged no-op
	e.Stop()
}

func TestEngine_AlertCallbacks(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.AddRule(memoryRule()))

	triggered := make(chan *ActiveAlert, 1)
	resolved := make(chan *PerformanceAlert, 1)
	e.OnAlertTriggered(func(a *ActiveAlert) { triggered <- a })
	e.OnAlertResolved(func(a *PerformanceAlert) { resolved <- a })

	require.True(t, e.TriggerAlert("r1", "callback test"))

	var alertID string
	select {
	case active := <-triggered:
		assert.Equal(t, "r1", active.RuleID)
		alertID = active.Alert.ID
	case <-time.After(2 * time.Second):
		t.Fatal("triggered callback not invoked")
	}

	require.True(t, e.ResolveAlert(alertID))
	select {
	case alert := <-resolved:
		assert.True(t, alert.Resolved)
		assert.NotNil(t, alert.ResolvedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("resolved callback not invoked")
	}
}
