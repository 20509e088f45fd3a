package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		name      string
		value     float64
		condition Condition
		threshold float64
		expected  bool
	}{
		{"gt above", 90, ConditionGreaterThan, 85, true},
		{"gt equal", 85, ConditionGreaterThan, 85, false},
		{"gt below", 80, ConditionGreaterThan, 85, false},
		{"lt below", 10, ConditionLessThan, 20, true},
		{"lt equal", 20, ConditionLessThan, 20, false},
		{"lt above", 30, ConditionLessThan, 20, false},
		{"eq equal", 42, ConditionEqual, 42, true},
		{"eq different", 41, ConditionEqual, 42, false},
		{"gte above", 86, ConditionGreaterOrEqual, 85, true},
		{"gte equal", 85, ConditionGreaterOrEqual, 85, true},
		{"gte below", 84, ConditionGreaterOrEqual, 85, false},
		{"lte below", 84, ConditionLessOrEqual, 85, true},
		{"lte equal", 85, ConditionLessOrEqual, 85, true},
		{"lte above", 86, ConditionLessOrEqual, 85, false},
		{"ne different", 1, ConditionNotEqual, 2, true},
		{"ne equal", 2, ConditionNotEqual, 2, false},
		{"unknown condition fails closed", 100, Condition("contains"), 1, false},
		{"empty condition fails closed", 100, Condition(""), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EvaluateCondition(tt.value, tt.condition, tt.threshold))
		})
	}
}
