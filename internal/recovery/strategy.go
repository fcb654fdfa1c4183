// internal/recovery/strategy.go
//
// Error taxonomy and per-category recovery policy. The engine only
// advises: RETRY means the caller should retry the operation itself,
// FALLBACK means a registered degraded path was run, ESCALATE means
// automatic recovery is exhausted and an operator has to look.

package recovery

import "time"

// Category classifies a failure for policy selection.
type Category string

const (
	CategoryNetwork        Category = "network"
	CategoryAuthentication Category = "authentication"
	CategoryFileSystem     Category = "file_system"
	CategoryAPI            Category = "api"
	CategoryDependency     Category = "dependency"
	CategoryUnknown        Category = "unknown"
)

// Severity grades a failure.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Action is the engine's advice for one recovery attempt.
type Action string

const (
	ActionRetry    Action = "retry"
	ActionFallback Action = "fallback"
	ActionEscalate Action = "escalate"
)

// Strategy is the per-category recovery policy. One strategy is active
// per category at a time; RegisterStrategy overrides the default.
type Strategy struct {
	Category            Category
	MaxRetries          int
	RetryDelay          time.Duration
	EscalationThreshold int
}

// defaultStrategies returns the built-in policy table. Authentication
// is deliberately low: repeated bad credentials should not be hammered.
// A missing dependency is unlikely to self-heal quickly, so it gets a
// single slow retry.
func defaultStrategies() map[Category]Strategy {
	return map[Category]Strategy{
		CategoryNetwork:        {Category: CategoryNetwork, MaxRetries: 5, RetryDelay: 10 * time.Second, EscalationThreshold: 5},
		CategoryAuthentication: {Category: CategoryAuthentication, MaxRetries: 2, RetryDelay: 30 * time.Second, EscalationThreshold: 2},
		CategoryFileSystem:     {Category: CategoryFileSystem, MaxRetries: 3, RetryDelay: 5 * time.Second, EscalationThreshold: 3},
		CategoryAPI:            {Category: CategoryAPI, MaxRetries: 3, RetryDelay: 5 * time.Second, EscalationThreshold: 4},
		CategoryDependency:     {Category: CategoryDependency, MaxRetries: 1, RetryDelay: 60 * time.Second, EscalationThreshold: 1},
		CategoryUnknown:        {Category: CategoryUnknown, MaxRetries: 2, RetryDelay: 10 * time.Second, EscalationThreshold: 3},
	}
}
