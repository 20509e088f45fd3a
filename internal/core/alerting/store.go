package alerting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// filePair is one [id, record] element of a persisted store file
type filePair struct {
	ID     string
	Record json.RawMessage
}

func (p filePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.ID, p.Record})
}

func (p *filePair) UnmarshalJSON(data []byte) error {
	var arr [2]json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if err := json.Unmarshal(arr[0], &p.ID); err != nil {
		return err
	}
	p.Record = arr[1]
	return nil
}

// savePairs rewrites the whole store file in one synchronous write
func savePairs(path string, pairs []filePair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	data, err := json.MarshalIndent(pairs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}

// loadPairs reads a store file. The second return reports whether the file
// exists at all, which doubles as the first-run marker for seeding.
func loadPairs(path string) ([]filePair, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, fmt.Errorf("failed to read store file: %w", err)
	}
	if len(data) == 0 {
		return nil, true, nil
	}
	var pairs []filePair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, true, fmt.Errorf("failed to parse store file: %w", err)
	}
	return pairs, true, nil
}

// RuleStore holds the alert rule set and persists it to a flat JSON file.
// Every mutation rewrites the file synchronously before returning; a persist
// failure is logged and the in-memory mutation kept, so the running process
// always sees its latest configuration.
type RuleStore struct {
	path   string
	logger *logrus.Logger
	mu     sync.RWMutex
	rules  map[string]*AlertRule
}

// NewRuleStore creates a rule store persisting to the given file path
func NewRuleStore(path string, logger *logrus.Logger) *RuleStore {
	return &RuleStore{
		path:   path,
		logger: logger,
		rules:  make(map[string]*AlertRule),
	}
}

// Load reads the persisted rule set. The baseline rules are seeded only when
// the file does not exist yet: an existing file holding an empty array means
// every rule was deliberately deleted, and stays empty across restarts.
func (s *RuleStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairs, exists, err := loadPairs(s.path)
	if err != nil {
		return err
	}

	if !exists {
		for _, rule := range defaultRules() {
			s.rules[rule.ID] = rule
		}
		s.logger.WithField("count", len(s.rules)).Info("Seeded default alert rules")
		s.persistLocked()
		return nil
	}

	for _, pair := range pairs {
		var rule AlertRule
		if err := json.Unmarshal(pair.Record, &rule); err != nil {
			s.logger.WithError(err).WithField("rule_id", pair.ID).Warn("Skipping unreadable alert rule")
			continue
		}
		rule.ID = pair.ID
		s.rules[rule.ID] = &rule
	}

	s.logger.WithField("count", len(s.rules)).Info("Loaded alert rules")
	return nil
}

// Add stores a rule, assigning an id when none is set
func (s *RuleStore) Add(rule *AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}

	stored := *rule
	s.rules[stored.ID] = &stored
	s.persistLocked()

	s.logger.WithFields(logrus.Fields{
		"rule_id": stored.ID,
		"name":    stored.Name,
		"metric":  MetricKey(stored.Category, stored.Metric),
	}).Info("Alert rule added")
	return nil
}

// Update applies a partial update and returns false if the id is unknown
func (s *RuleStore) Update(id string, update AlertRuleUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.rules[id]
	if !exists {
		return false
	}

	if update.Name != nil {
		rule.Name = *update.Name
	}
	if update.Description != nil {
		rule.Description = *update.Description
	}
	if update.Category != nil {
		rule.Category = *update.Category
	}
	if update.Metric != nil {
		rule.Metric = *update.Metric
	}
	if update.Condition != nil {
		rule.Condition = *update.Condition
	}
	if update.Threshold != nil {
		rule.Threshold = *update.Threshold
	}
	if update.Severity != nil {
		rule.Severity = *update.Severity
	}
	if update.Enabled != nil {
		rule.Enabled = *update.Enabled
	}
	if update.Duration != nil {
		rule.Duration = *update.Duration
	}
	if update.Cooldown != nil {
		rule.Cooldown = *update.Cooldown
	}
	if update.Notifications != nil {
		rule.Notifications = *update.Notifications
	}
	if update.Metadata != nil {
		rule.Metadata = update.Metadata
	}

	s.persistLocked()
	s.logger.WithField("rule_id", id).Info("Alert rule updated")
	return true
}

// Remove deletes a rule and returns false if the id is unknown
func (s *RuleStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return false
	}
	delete(s.rules, id)
	s.persistLocked()

	s.logger.WithField("rule_id", id).Info("Alert rule removed")
	return true
}

// Get returns a copy of the rule, or nil if the id is unknown
func (s *RuleStore) Get(id string) *AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil
	}
	copied := *rule
	return &copied
}

// List returns copies of all rules
func (s *RuleStore) List() []*AlertRule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rules := make([]*AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		copied := *rule
		rules = append(rules, &copied)
	}
	return rules
}

func (s *RuleStore) persistLocked() {
	pairs := make([]filePair, 0, len(s.rules))
	for id, rule := range s.rules {
		record, err := json.Marshal(rule)
		if err != nil {
			s.logger.WithError(err).WithField("rule_id", id).Error("Failed to serialize alert rule")
			continue
		}
		pairs = append(pairs, filePair{ID: id, Record: record})
	}

	if err := savePairs(s.path, pairs); err != nil {
		s.logger.WithError(err).Error("Failed to persist alert rules")
	}
}

// defaultRules returns the baseline rule set installed on first startup
func defaultRules() []*AlertRule {
	return []*AlertRule{
		{
			ID:          "default-slow-query",
			Name:        "Slow Database Queries",
			Description: "Database queries are taking longer than one second on average",
			Category:    "database",
			Metric:      "query_time",
			Condition:   ConditionGreaterThan,
			Threshold:   1000,
			Severity:    SeverityMedium,
			Enabled:     true,
			Cooldown:    600,
			Notifications: NotificationChannels{
				Log: true,
			},
		},
		{
			ID:          "default-slow-api",
			Name:        "Slow API Responses",
			Description: "API endpoints are responding slower than two seconds on average",
			Category:    "api",
			Metric:      "response_time",
			Condition:   ConditionGreaterThan,
			Threshold:   2000,
			Severity:    SeverityHigh,
			Enabled:     true,
			Cooldown:    300,
			Notifications: NotificationChannels{
				Log:   true,
				Slack: true,
			},
		},
		{
			ID:          "default-high-memory",
			Name:        "High Memory Usage",
			Description: "System memory usage is above 85 percent",
			Category:    "memory",
			Metric:      "usage",
			Condition:   ConditionGreaterThan,
			Threshold:   85,
			Severity:    SeverityCritical,
			Enabled:     true,
			Duration:    120,
			Cooldown:    600,
			Notifications: NotificationChannels{
				Log:   true,
				Slack: true,
				Email: true,
			},
		},
		{
			ID:          "default-slow-cache",
			Name:        "Slow Cache Operations",
			Description: "Cache operations are taking longer than 100 milliseconds on average",
			Category:    "cache",
			Metric:      "operation_time",
			Condition:   ConditionGreaterThan,
			Threshold:   100,
			Severity:    SeverityLow,
			Enabled:     true,
			Cooldown:    900,
			Notifications: NotificationChannels{
				Log: true,
			},
		},
	}
}

// EscalationStore holds the escalation policy set with the same persistence
// contract as RuleStore, minus the seeding.
type EscalationStore struct {
	path     string
	logger   *logrus.Logger
	mu       sync.RWMutex
	policies map[string]*EscalationPolicy
}

// NewEscalationStore creates a policy store persisting to the given file path
func NewEscalationStore(path string, logger *logrus.Logger) *EscalationStore {
	return &EscalationStore{
		path:     path,
		logger:   logger,
		policies: make(map[string]*EscalationPolicy),
	}
}

// Load reads the persisted policy set if the file exists
func (s *EscalationStore) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pairs, exists, err := loadPairs(s.path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	for _, pair := range pairs {
		var policy EscalationPolicy
		if err := json.Unmarshal(pair.Record, &policy); err != nil {
			s.logger.WithError(err).WithField("policy_id", pair.ID).Warn("Skipping unreadable escalation policy")
			continue
		}
		policy.ID = pair.ID
		s.policies[policy.ID] = &policy
	}

	s.logger.WithField("count", len(s.policies)).Info("Loaded escalation policies")
	return nil
}

// Add stores a policy, assigning an id when none is set
func (s *EscalationStore) Add(policy *EscalationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}

	stored := *policy
	stored.Steps = append([]EscalationStep(nil), policy.Steps...)
	s.policies[stored.ID] = &stored
	s.persistLocked()

	s.logger.WithFields(logrus.Fields{
		"policy_id": stored.ID,
		"name":      stored.Name,
		"steps":     len(stored.Steps),
	}).Info("Escalation policy added")
	return nil
}

// Update applies a partial update and returns false if the id is unknown
func (s *EscalationStore) Update(id string, update EscalationPolicyUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	policy, exists := s.policies[id]
	if !exists {
		return false
	}

	if update.Name != nil {
		policy.Name = *update.Name
	}
	if update.Description != nil {
		policy.Description = *update.Description
	}
	if update.Enabled != nil {
		policy.Enabled = *update.Enabled
	}
	if update.Steps != nil {
		policy.Steps = append([]EscalationStep(nil), update.Steps...)
	}

	s.persistLocked()
	s.logger.WithField("policy_id", id).Info("Escalation policy updated")
	return true
}

// Remove deletes a policy and returns false if the id is unknown
func (s *EscalationStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.policies[id]; !exists {
		return false
	}
	delete(s.policies, id)
	s.persistLocked()

	s.logger.WithField("policy_id", id).Info("Escalation policy removed")
	return true
}

// Get returns a copy of the policy, or nil if the id is unknown
func (s *EscalationStore) Get(id string) *EscalationPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policy, exists := s.policies[id]
	if !exists {
		return nil
	}
	copied := *policy
	copied.Steps = append([]EscalationStep(nil), policy.Steps...)
	return &copied
}

// List returns copies of all policies
func (s *EscalationStore) List() []*EscalationPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	policies := make([]*EscalationPolicy, 0, len(s.policies))
	for _, policy := range s.policies {
		copied := *policy
		copied.Steps = append([]EscalationStep(nil), policy.Steps...)
		policies = append(policies, &copied)
	}
	return policies
}

func (s *EscalationStore) persistLocked() {
	pairs := make([]filePair, 0, len(s.policies))
	for id, policy := range s.policies {
		record, err := json.Marshal(policy)
		if err != nil {
			s.logger.WithError(err).WithField("policy_id", id).Error("Failed to serialize escalation policy")
			continue
		}
		pairs = append(pairs, filePair{ID: id, Record: record})
	}

	if err := savePairs(s.path, pairs); err != nil {
		s.logger.WithError(err).Error("Failed to persist escalation policies")
	}
}
