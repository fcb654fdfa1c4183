package recovery

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func newTestEngine(t *testing.T) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	engine, err := New(dir, nopLogger{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, dir
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

func TestAuthenticationEscalatesAfterTwoRetries(t *testing.T) {
	engine, _ := newTestEngine(t)

	want := []Action{ActionRetry, ActionRetry, ActionEscalate, ActionEscalate}
	for i, wantAction := range want {
		decision, err := engine.Report(CategoryAuthentication, SeverityError,
			"token refresh rejected", "GmailWatcher", "")
		if err != nil {
			t.Fatalf("report %d: %v", i+1, err)
		}
		if decision.Action != wantAction {
			t.Fatalf("report %d action = %s, want %s", i+1, decision.Action, wantAction)
		}
		if decision.Record.RecoveryAttempts != i+1 {
			t.Fatalf("report %d attempts = %d, want %d", i+1, decision.Record.RecoveryAttempts, i+1)
		}
	}
}

func TestEveryReportAppendsOneLineToEachLog(t *testing.T) {
	engine, _ := newTestEngine(t)

	for i := 1; i <= 3; i++ {
		if _, err := engine.Report(CategoryNetwork, SeverityWarning, "pull timed out", "VaultSync", ""); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
		if got := countLines(t, engine.ErrorLogPath()); got != i {
			t.Fatalf("error log lines = %d, want %d", got, i)
		}
		if got := countLines(t, engine.RecoveryLogPath()); got != i {
			t.Fatalf("recovery log lines = %d, want %d", got, i)
		}
	}
}

func TestRepeatedReportsDriveOneRecord(t *testing.T) {
	engine, _ := newTestEngine(t)

	first, err := engine.Report(CategoryAPI, SeverityError, "rate limited", "Executor", "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	second, err := engine.Report(CategoryAPI, SeverityError, "rate limited", "Executor", "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if first.Record.ErrorID != second.Record.ErrorID {
		t.Fatalf("ids differ: %s vs %s", first.Record.ErrorID, second.Record.ErrorID)
	}
	// A different message is a different incident.
	other, err := engine.Report(CategoryAPI, SeverityError, "bad gateway", "Executor", "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if other.Record.ErrorID == first.Record.ErrorID {
		t.Fatal("distinct failure reused the same record")
	}
}

func TestFallbackRunsAndResolves(t *testing.T) {
	engine, _ := newTestEngine(t)

	ran := 0
	engine.RegisterFallback(CategoryAPI, func(record ErrorRecord) error {
		ran++
		return nil
	})

	// API policy: retries 1-3, fallback window up to threshold 4.
	var decision Decision
	var err error
	for i := 0; i < 4; i++ {
		decision, err = engine.Report(CategoryAPI, SeverityError, "upstream 500", "Executor", "")
		if err != nil {
			t.Fatalf("report %d: %v", i+1, err)
		}
	}
	if decision.Action != ActionFallback {
		t.Fatalf("4th action = %s, want fallback", decision.Action)
	}
	if ran != 1 {
		t.Fatalf("fallback ran %d times, want 1", ran)
	}
	if !decision.Record.Resolved {
		t.Fatal("successful fallback should resolve the record")
	}
}

func TestFallbackFailureDoesNotResolve(t *testing.T) {
	engine, _ := newTestEngine(t)

	engine.RegisterFallback(CategoryAuthentication, func(ErrorRecord) error {
		return errors.New("cached credentials also expired")
	})
	var decision Decision
	var err error
	for i := 0; i < 3; i++ {
		decision, err = engine.Report(CategoryAuthentication, SeverityError, "login failed", "Watcher", "")
		if err != nil {
			t.Fatalf("report %d: %v", i+1, err)
		}
	}
	// Authentication threshold is 2, so attempt 3 escalates even with a
	// fallback registered.
	if decision.Action != ActionEscalate {
		t.Fatalf("3rd action = %s, want escalate", decision.Action)
	}
	if decision.Record.Resolved {
		t.Fatal("record must stay unresolved")
	}
}

func TestAttemptsSurviveReload(t *testing.T) {
	engine, dir := newTestEngine(t)

	if _, err := engine.Report(CategoryFileSystem, SeverityError, "permission denied", "Claims", ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := engine.Report(CategoryFileSystem, SeverityError, "permission denied", "Claims", ""); err != nil {
		t.Fatalf("report: %v", err)
	}

	reloaded, err := New(dir, nopLogger{})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	decision, err := reloaded.Report(CategoryFileSystem, SeverityError, "permission denied", "Claims", "")
	if err != nil {
		t.Fatalf("report after reload: %v", err)
	}
	if decision.Record.RecoveryAttempts != 3 {
		t.Fatalf("attempts after reload = %d, want 3", decision.Record.RecoveryAttempts)
	}
}

func TestResolveRemovesFromActive(t *testing.T) {
	engine, _ := newTestEngine(t)

	decision, err := engine.Report(CategoryUnknown, SeverityWarning, "odd state", "Loop", "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if got := len(engine.ActiveErrors()); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}
	if err := engine.Resolve(decision.Record.ErrorID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := len(engine.ActiveErrors()); got != 0 {
		t.Fatalf("active after resolve = %d, want 0", got)
	}
	if err := engine.Resolve("ERR-NOPE"); err == nil {
		t.Fatal("resolving unknown id should error")
	}
}

func TestSummaryAndReport(t *testing.T) {
	engine, _ := newTestEngine(t)

	d1, err := engine.Report(CategoryNetwork, SeverityWarning, "pull timed out", "VaultSync", "")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := engine.Report(CategoryAPI, SeverityError, "upstream 500", "Executor", ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	if err := engine.Resolve(d1.Record.ErrorID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	summary := engine.Summarize(time.Hour)
	if summary.TotalErrors != 2 || summary.Unresolved != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary.ResolutionRate != 0.5 {
		t.Fatalf("resolution rate = %v, want 0.5", summary.ResolutionRate)
	}

	path, err := engine.WriteReport(time.Hour)
	if err != nil {
		t.Fatalf("write report: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	report := string(data)
	if !strings.Contains(report, "| Total errors | 2 |") {
		t.Fatalf("report missing totals:\n%s", report)
	}
	if !strings.Contains(report, "upstream 500") {
		t.Fatalf("report missing active error:\n%s", report)
	}
}
