package security

import "time"

// Limits bound plugin execution.
type Limits struct {
	// CallTimeout caps a single call into plugin code. Zero disables it.
	CallTimeout time.Duration
}

// StrictLimits apply to plugins without elevated trust.
func StrictLimits() Limits {
	return Limits{CallTimeout: 2 * time.Second}
}

// RelaxedLimits apply to elevated plugins.
func RelaxedLimits() Limits {
	return Limits{CallTimeout: 30 * time.Second}
}

// For returns the limits matching a trust level.
func For(elevated bool) Limits {
	if elevated {
		return RelaxedLimits()
	}
	return StrictLimits()
}
