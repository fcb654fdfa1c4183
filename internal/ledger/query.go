// internal/ledger/query.go
//
// Read side of the ledger: filtered queries, the markdown audit report,
// and the compliance summary. Everything here is derived from the log
// files and has no side effects on ledger state.

package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Component string
	Action    Action
	Status    string
	Since     time.Time
}

// Query returns main-ledger records matching the filter, oldest first.
func (l *Ledger) Query(filter Filter) ([]Record, error) {
	records, err := readLines(l.MainLogPath())
	if err != nil {
		return nil, err
	}
	var matched []Record
	for _, record := range records {
		if !filter.Since.IsZero() && record.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.Component != "" && record.Component != filter.Component {
			continue
		}
		if filter.Action != "" && record.Action != filter.Action {
			continue
		}
		if filter.Status != "" && record.Status != filter.Status {
			continue
		}
		matched = append(matched, record)
	}
	return matched, nil
}

// SensitiveRecords returns the full contents of the isolated ledger.
func (l *Ledger) SensitiveRecords() ([]Record, error) {
	return readLines(l.SensitiveLogPath())
}

// RecommendationTier grades the recent failure rate.
type RecommendationTier string

const (
	TierHealthy  RecommendationTier = "healthy"
	TierModerate RecommendationTier = "moderate"
	TierHigh     RecommendationTier = "high"
)

// reportTailLimit bounds the recent-activity section of a report.
const reportTailLimit = 50

// Summary aggregates ledger activity over a window.
type Summary struct {
	Window       time.Duration
	TotalActions int
	ByComponent  map[string]int
	ByAction     map[Action]int
	ByStatus     map[string]int
	Failed       int
	Tier         RecommendationTier
}

// Summarize computes aggregate counts over the given window.
func (l *Ledger) Summarize(window time.Duration) (Summary, error) {
	records, err := l.Query(Filter{Since: time.Now().UTC().Add(-window)})
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{
		Window:      window,
		ByComponent: map[string]int{},
		ByAction:    map[Action]int{},
		ByStatus:    map[string]int{},
	}
	for _, record := range records {
		summary.TotalActions++
		summary.ByComponent[record.Component]++
		summary.ByAction[record.Action]++
		summary.ByStatus[record.Status]++
		if record.Status == StatusFailed {
			summary.Failed++
		}
	}
	rate := 0.0
	if summary.TotalActions > 0 {
		rate = float64(summary.Failed) / float64(summary.TotalActions)
	}
	switch {
	case rate > 0.10:
		summary.Tier = TierHigh
	case rate > 0.05:
		summary.Tier = TierModerate
	default:
		summary.Tier = TierHealthy
	}
	return summary, nil
}

// WriteReport renders a markdown audit report into the ledger directory
// and returns its path.
func (l *Ledger) WriteReport(window time.Duration) (string, error) {
	summary, err := l.Summarize(window)
	if err != nil {
		return "", err
	}
	records, err := l.Query(Filter{Since: time.Now().UTC().Add(-window)})
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	now := time.Now().UTC()
	fmt.Fprintf(&sb, "# Audit Report\n\n")
	fmt.Fprintf(&sb, "**Generated:** %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Period:** last %s\n\n", window)
	fmt.Fprintf(&sb, "## Summary\n\n")
	fmt.Fprintf(&sb, "| Metric | Count |\n|--------|-------|\n")
	fmt.Fprintf(&sb, "| Total actions | %d |\n", summary.TotalActions)
	fmt.Fprintf(&sb, "| Failed actions | %d |\n", summary.Failed)
	fmt.Fprintf(&sb, "| Components | %d |\n\n", len(summary.ByComponent))

	writeCounts := func(title string, counts map[string]int) {
		fmt.Fprintf(&sb, "## %s\n\n", title)
		keys := make([]string, 0, len(counts))
		for key := range counts {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			if counts[keys[i]] != counts[keys[j]] {
				return counts[keys[i]] > counts[keys[j]]
			}
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			fmt.Fprintf(&sb, "- **%s**: %d\n", key, counts[key])
		}
		sb.WriteString("\n")
	}
	writeCounts("Actions by Component", summary.ByComponent)
	actionCounts := make(map[string]int, len(summary.ByAction))
	for action, count := range summary.ByAction {
		actionCounts[string(action)] = count
	}
	writeCounts("Actions by Type", actionCounts)
	writeCounts("Actions by Status", summary.ByStatus)

	fmt.Fprintf(&sb, "## Recent Activity\n\n")
	tail := records
	if len(tail) > reportTailLimit {
		tail = tail[len(tail)-reportTailLimit:]
	}
	for _, record := range tail {
		fmt.Fprintf(&sb, "- `%s` **%s**: %s (%s)\n",
			record.Timestamp.Format(time.RFC3339), record.Component, record.Action, record.Status)
	}
	sb.WriteString("\n## Recommendation\n\n")
	switch summary.Tier {
	case TierHigh:
		sb.WriteString("- High failure rate detected - review error patterns\n")
	case TierModerate:
		sb.WriteString("- Moderate failure rate - monitor closely\n")
	default:
		sb.WriteString("- Failure rate within acceptable limits\n")
	}

	path := filepath.Join(l.dir, fmt.Sprintf("Audit_Report_%s.md", now.Format("20060102_150405")))
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return "", fmt.Errorf("ledger: write report: %w", err)
	}
	return path, nil
}

// ComplianceSummary aggregates compliance-relevant counters over the
// last 30 days.
type ComplianceSummary struct {
	PeriodDays             int `json:"period_days"`
	TotalActions           int `json:"total_actions"`
	SensitiveActions       int `json:"sensitive_actions"`
	ApprovalRequests       int `json:"approval_requests"`
	ExternalCommunications int `json:"external_communications"`
	DataAccesses           int `json:"data_accesses"`
	FailedActions          int `json:"failed_actions"`
}

// Compliance computes the 30-day compliance summary.
func (l *Ledger) Compliance() (ComplianceSummary, error) {
	const periodDays = 30
	records, err := l.Query(Filter{Since: time.Now().UTC().AddDate(0, 0, -periodDays)})
	if err != nil {
		return ComplianceSummary{}, err
	}
	summary := ComplianceSummary{PeriodDays: periodDays, TotalActions: len(records)}
	for _, record := range records {
		switch record.Action {
		case ActionEmailSend, ActionSocialPost:
			summary.ExternalCommunications++
		case ActionApprovalRequest:
			summary.ApprovalRequests++
		case ActionFileRead, ActionFileWrite:
			summary.DataAccesses++
		}
		if record.Status == StatusFailed {
			summary.FailedActions++
		}
	}
	sensitive, err := l.SensitiveRecords()
	if err != nil {
		return ComplianceSummary{}, err
	}
	summary.SensitiveActions = len(sensitive)
	return summary, nil
}
