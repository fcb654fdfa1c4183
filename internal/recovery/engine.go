// internal/recovery/engine.go
//
// The error recovery engine. Failures are recorded before any decision
// is made, so every retry/fallback/escalate choice is reconstructable
// from the logs alone: error_log.jsonl carries record states ("what
// failed"), recovery_log.jsonl carries decisions ("what we did about
// it"). Records are never deleted, only marked resolved, so they form
// a permanent incident history.

package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the subset of the logbook the engine reports through.
type Logger interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// ErrorRecord tracks one failure and the recovery applied to it.
type ErrorRecord struct {
	ErrorID          string    `json:"error_id"`
	Category         Category  `json:"category"`
	Severity         Severity  `json:"severity"`
	Message          string    `json:"message"`
	Component        string    `json:"component"`
	Trace            string    `json:"trace,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	Resolved         bool      `json:"resolved"`
	RecoveryAttempts int       `json:"recovery_attempts"`
	RecoveryAction   Action    `json:"recovery_action,omitempty"`
}

// Decision is the engine's advice for the reported failure.
type Decision struct {
	Record ErrorRecord
	Action Action
	// Delay is the strategy's inter-retry delay; meaningful when
	// Action is retry.
	Delay time.Duration
}

// recoveryEntry is one line in the recovery-action log.
type recoveryEntry struct {
	ErrorID   string    `json:"error_id"`
	Action    Action    `json:"action"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Fallback is a degraded-path handler for one category.
type Fallback func(ErrorRecord) error

// Engine classifies failures and applies per-category recovery policy.
type Engine struct {
	dir        string
	log        Logger
	mu         sync.Mutex
	records    map[string]*ErrorRecord
	order      []string
	strategies map[Category]Strategy
	fallbacks  map[Category]Fallback
}

// New creates an engine persisting under dir (the vault's Audit
// directory) and reloads any existing incident history so recovery
// attempt counts survive a crash.
func New(dir string, log Logger) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recovery: ensure audit dir: %w", err)
	}
	engine := &Engine{
		dir:        dir,
		log:        log,
		records:    map[string]*ErrorRecord{},
		strategies: defaultStrategies(),
		fallbacks:  map[Category]Fallback{},
	}
	if err := engine.loadRecords(); err != nil {
		return nil, err
	}
	return engine, nil
}

// ErrorLogPath returns the error record log file.
func (e *Engine) ErrorLogPath() string { return filepath.Join(e.dir, "error_log.jsonl") }

// RecoveryLogPath returns the recovery decision log file.
func (e *Engine) RecoveryLogPath() string { return filepath.Join(e.dir, "recovery_log.jsonl") }

// RegisterStrategy overrides the policy for a category.
func (e *Engine) RegisterStrategy(strategy Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[strategy.Category] = strategy
}

// RegisterFallback installs a degraded-path handler for a category.
func (e *Engine) RegisterFallback(category Category, fallback Fallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbacks[category] = fallback
}

// Report records a failure and decides the recovery action. Repeated
// reports of the same unresolved failure (same category, component,
// and message) drive the same record forward, so its attempt counter
// climbs toward the escalation ceiling. Every call appends exactly one
// line to the error log and one to the recovery log.
func (e *Engine) Report(category Category, severity Severity, message, component, trace string) (Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	record := e.findUnresolved(category, component, message)
	if record == nil {
		record = &ErrorRecord{
			ErrorID:   "ERR-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]),
			Category:  category,
			Severity:  severity,
			Message:   message,
			Component: component,
			Trace:     trace,
			Timestamp: time.Now().UTC(),
		}
		e.records[record.ErrorID] = record
		e.order = append(e.order, record.ErrorID)
	}

	strategy, ok := e.strategies[category]
	if !ok {
		strategy = e.strategies[CategoryUnknown]
	}

	record.RecoveryAttempts++
	var action Action
	switch {
	case record.RecoveryAttempts <= strategy.MaxRetries:
		action = ActionRetry
		e.log.Info("[%s] retry %d/%d", record.ErrorID, record.RecoveryAttempts, strategy.MaxRetries)
	case record.RecoveryAttempts <= strategy.EscalationThreshold:
		if _, hasFallback := e.fallbacks[category]; hasFallback {
			action = ActionFallback
		} else {
			action = ActionEscalate
		}
		e.log.Warn("[%s] recovery action: %s", record.ErrorID, action)
	default:
		action = ActionEscalate
		e.log.Error("[%s] recovery ceiling reached, escalating", record.ErrorID)
	}
	record.RecoveryAction = action

	if action == ActionFallback {
		if err := e.fallbacks[category](*record); err != nil {
			// Fallback failures are logged, never recursed into the engine.
			e.log.Error("[%s] fallback failed: %v", record.ErrorID, err)
		} else {
			record.Resolved = true
		}
	}

	if err := appendJSONL(e.ErrorLogPath(), record); err != nil {
		return Decision{}, err
	}
	entry := recoveryEntry{
		ErrorID:   record.ErrorID,
		Action:    action,
		Attempt:   record.RecoveryAttempts,
		Timestamp: time.Now().UTC(),
	}
	if err := appendJSONL(e.RecoveryLogPath(), entry); err != nil {
		return Decision{}, err
	}

	return Decision{Record: *record, Action: action, Delay: strategy.RetryDelay}, nil
}

// Resolve marks an error as resolved and persists the new state.
func (e *Engine) Resolve(errorID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	record, ok := e.records[errorID]
	if !ok {
		return fmt.Errorf("recovery: unknown error id %s", errorID)
	}
	if record.Resolved {
		return nil
	}
	record.Resolved = true
	e.log.Info("[%s] marked resolved", errorID)
	return appendJSONL(e.ErrorLogPath(), record)
}

// ActiveErrors returns unresolved records, oldest first.
func (e *Engine) ActiveErrors() []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var active []ErrorRecord
	for _, id := range e.order {
		if record := e.records[id]; !record.Resolved {
			active = append(active, *record)
		}
	}
	return active
}

// ErrorsByCategory returns every record in a category, oldest first.
func (e *Engine) ErrorsByCategory(category Category) []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	var matched []ErrorRecord
	for _, id := range e.order {
		if record := e.records[id]; record.Category == category {
			matched = append(matched, *record)
		}
	}
	return matched
}

func (e *Engine) findUnresolved(category Category, component, message string) *ErrorRecord {
	// Scan newest first so the record currently being driven wins.
	for i := len(e.order) - 1; i >= 0; i-- {
		record := e.records[e.order[i]]
		if !record.Resolved && record.Category == category &&
			record.Component == component && record.Message == message {
			return record
		}
	}
	return nil
}

// loadRecords replays the error log; the last state per id wins.
func (e *Engine) loadRecords() error {
	data, err := os.ReadFile(e.ErrorLogPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recovery: read error log: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var record ErrorRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		if _, seen := e.records[record.ErrorID]; !seen {
			e.order = append(e.order, record.ErrorID)
		}
		copied := record
		e.records[record.ErrorID] = &copied
	}
	return nil
}

func appendJSONL(path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("recovery: encode log entry: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("recovery: open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("recovery: append %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Summary aggregates incident history over a window.
type Summary struct {
	Window         time.Duration
	TotalErrors    int
	Unresolved     int
	ByCategory     map[Category]int
	BySeverity     map[Severity]int
	ByComponent    map[string]int
	ResolutionRate float64
}

// Summarize computes the sliding-window summary. Read-only.
func (e *Engine) Summarize(window time.Duration) Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().UTC().Add(-window)
	summary := Summary{
		Window:      window,
		ByCategory:  map[Category]int{},
		BySeverity:  map[Severity]int{},
		ByComponent: map[string]int{},
	}
	for _, id := range e.order {
		record := e.records[id]
		if record.Timestamp.Before(cutoff) {
			continue
		}
		summary.TotalErrors++
		if !record.Resolved {
			summary.Unresolved++
		}
		summary.ByCategory[record.Category]++
		summary.BySeverity[record.Severity]++
		summary.ByComponent[record.Component]++
	}
	if summary.TotalErrors > 0 {
		summary.ResolutionRate = float64(summary.TotalErrors-summary.Unresolved) / float64(summary.TotalErrors)
	}
	return summary
}

// WriteReport renders a markdown incident report into the engine's
// directory and returns its path.
func (e *Engine) WriteReport(window time.Duration) (string, error) {
	summary := e.Summarize(window)
	active := e.ActiveErrors()

	var sb strings.Builder
	now := time.Now().UTC()
	fmt.Fprintf(&sb, "# Error Recovery Report\n\n")
	fmt.Fprintf(&sb, "**Generated:** %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Period:** last %s\n\n", window)
	fmt.Fprintf(&sb, "## Summary\n\n")
	fmt.Fprintf(&sb, "| Metric | Count |\n|--------|-------|\n")
	fmt.Fprintf(&sb, "| Total errors | %d |\n", summary.TotalErrors)
	fmt.Fprintf(&sb, "| Unresolved | %d |\n", summary.Unresolved)
	fmt.Fprintf(&sb, "| Resolution rate | %.1f%% |\n\n", summary.ResolutionRate*100)

	fmt.Fprintf(&sb, "## Errors by Category\n\n")
	for _, category := range sortedKeys(summary.ByCategory) {
		fmt.Fprintf(&sb, "- **%s**: %d\n", category, summary.ByCategory[category])
	}
	fmt.Fprintf(&sb, "\n## Errors by Severity\n\n")
	for _, severity := range sortedKeys(summary.BySeverity) {
		fmt.Fprintf(&sb, "- **%s**: %d\n", severity, summary.BySeverity[severity])
	}
	fmt.Fprintf(&sb, "\n## Errors by Component\n\n")
	components := make([]string, 0, len(summary.ByComponent))
	for component := range summary.ByComponent {
		components = append(components, component)
	}
	sort.Strings(components)
	for _, component := range components {
		fmt.Fprintf(&sb, "- **%s**: %d\n", component, summary.ByComponent[component])
	}

	fmt.Fprintf(&sb, "\n## Active Errors\n\n")
	if len(active) == 0 {
		sb.WriteString("No active errors.\n")
	}
	limit := len(active)
	if limit > 10 {
		limit = 10
	}
	for _, record := range active[:limit] {
		fmt.Fprintf(&sb, "### %s - %s\n\n", record.ErrorID, strings.ToUpper(string(record.Severity)))
		fmt.Fprintf(&sb, "- **Category:** %s\n", record.Category)
		fmt.Fprintf(&sb, "- **Component:** %s\n", record.Component)
		fmt.Fprintf(&sb, "- **Message:** %s\n", record.Message)
		fmt.Fprintf(&sb, "- **Attempts:** %d\n", record.RecoveryAttempts)
		fmt.Fprintf(&sb, "- **Action:** %s\n\n", record.RecoveryAction)
	}

	path := filepath.Join(e.dir, fmt.Sprintf("Error_Report_%s.md", now.Format("20060102_150405")))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("recovery: write report: %w", err)
	}
	return path, nil
}

func sortedKeys[K ~string](counts map[K]int) []K {
	keys := make([]K, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
