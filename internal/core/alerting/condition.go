package alerting

// EvaluateCondition checks a metric value against a threshold. An
// unrecognized condition evaluates to false so that malformed rule
// configuration can never raise an alert.
func EvaluateCondition(value float64, condition Condition, threshold float64) bool {
	switch condition {
	case ConditionGreaterThan:
		return value > threshold
	case ConditionLessThan:
		return value < threshold
	case ConditionEqual:
		return value == threshold
	case ConditionGreaterOrEqual:
		return value >= threshold
	case ConditionLessOrEqual:
		return value <= threshold
	case ConditionNotEqual:
		return value != threshold
	default:
		return false
	}
}
