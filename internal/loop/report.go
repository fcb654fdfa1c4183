// internal/loop/report.go
//
// Markdown reporting over persisted loop state. Derived from the state
// documents only; nothing here mutates a loop.

package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// WriteLoopReport renders one loop's timeline into the vault's Logs
// directory and returns the report path.
func (m *Manager) WriteLoopReport(id string) (string, error) {
	state, err := m.Load(id)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Loop Report: %s\n\n", state.ID)
	fmt.Fprintf(&sb, "**Status:** %s\n", state.Status)
	fmt.Fprintf(&sb, "**Strategy:** %s\n", state.Strategy)
	fmt.Fprintf(&sb, "**Iterations:** %d / %d\n", state.Iteration, state.MaxIterations)
	fmt.Fprintf(&sb, "**Started:** %s\n", state.StartedAt.Format(time.RFC3339))
	if state.CompletedAt != nil {
		fmt.Fprintf(&sb, "**Completed:** %s\n", state.CompletedAt.Format(time.RFC3339))
	}
	if state.Reason != "" {
		fmt.Fprintf(&sb, "**Reason:** %s\n", state.Reason)
	}
	if state.Item != "" {
		fmt.Fprintf(&sb, "**Bound item:** %s\n", state.Item)
	}

	fmt.Fprintf(&sb, "\n## Task\n\n%s\n", state.Prompt)
	fmt.Fprintf(&sb, "\n## Timeline\n\n")
	if len(state.History) == 0 {
		sb.WriteString("No iterations recorded.\n")
	}
	for _, event := range state.History {
		fmt.Fprintf(&sb, "- `%s` iteration %d: %s\n",
			event.Timestamp.Format(time.RFC3339), event.Iteration, event.Note)
	}

	path := filepath.Join(m.layout.Logs(), fmt.Sprintf("Loop_Report_%s.md", state.ID))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("loop: write report: %w", err)
	}
	return path, nil
}

// WriteSummaryReport renders an aggregate across all persisted loops.
func (m *Manager) WriteSummaryReport() (string, error) {
	states, err := m.List()
	if err != nil {
		return "", err
	}

	byStatus := map[Status]int{}
	totalIterations := 0
	for _, state := range states {
		byStatus[state.Status]++
		totalIterations += state.Iteration
	}

	var sb strings.Builder
	now := time.Now().UTC()
	fmt.Fprintf(&sb, "# Loop Summary\n\n")
	fmt.Fprintf(&sb, "**Generated:** %s\n\n", now.Format(time.RFC3339))
	fmt.Fprintf(&sb, "| Metric | Count |\n|--------|-------|\n")
	fmt.Fprintf(&sb, "| Total loops | %d |\n", len(states))
	fmt.Fprintf(&sb, "| Total iterations | %d |\n", totalIterations)
	for _, status := range []Status{StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusMaxIterations} {
		if count := byStatus[status]; count > 0 {
			fmt.Fprintf(&sb, "| %s | %d |\n", status, count)
		}
	}

	fmt.Fprintf(&sb, "\n## Loops\n\n")
	for _, state := range states {
		reason := state.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(&sb, "- **%s**: %s, %d/%d iterations (%s)\n",
			state.ID, state.Status, state.Iteration, state.MaxIterations, reason)
	}

	path := filepath.Join(m.layout.Logs(), fmt.Sprintf("Loop_Summary_%s.md", now.Format("20060102_150405")))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("loop: write summary: %w", err)
	}
	return path, nil
}
