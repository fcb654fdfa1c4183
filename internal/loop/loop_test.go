package loop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tessrk/covault/internal/recovery"
	"github.com/tessrk/covault/internal/vault"
)

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func newTestManager(t *testing.T) (*Manager, *vault.Layout) {
	t.Helper()
	layout := vault.NewLayout(t.TempDir())
	if err := layout.Init(); err != nil {
		t.Fatalf("init vault: %v", err)
	}
	manager, err := NewManager(layout, nopLogger{}, nil, 5)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager, layout
}

func TestMaxIterationsCapTakesPrecedence(t *testing.T) {
	manager, _ := newTestManager(t)
	state, err := manager.Start("write the report", WithMaxIterations(2))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	state.Iteration = 2

	// The cap wins even when the output carries a valid promise.
	cont, err := manager.Advance(state, "<promise>TASK_COMPLETE</promise>")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cont {
		t.Fatal("advance continued past the cap")
	}
	if state.Status != StatusMaxIterations || state.Reason != ReasonMaxIterations {
		t.Fatalf("state = %s/%s", state.Status, state.Reason)
	}
}

func TestPromiseCompletesLoop(t *testing.T) {
	manager, _ := newTestManager(t)
	state, err := manager.Start("draft the post")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	cont, err := manager.Advance(state, "first pass output")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !cont || state.Iteration != 1 {
		t.Fatalf("cont = %v, iteration = %d", cont, state.Iteration)
	}

	cont, err = manager.Advance(state, "all finished <promise>plan_complete</promise>")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cont {
		t.Fatal("promise should terminate the loop")
	}
	if state.Status != StatusCompleted || state.Reason != ReasonPromise {
		t.Fatalf("state = %s/%s", state.Status, state.Reason)
	}
}

func TestMalformedPromiseContinues(t *testing.T) {
	manager, _ := newTestManager(t)
	state, err := manager.Start("draft the post")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cont, err := manager.Advance(state, "output with <promise>TASK_COMPLETE and no end tag")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !cont {
		t.Fatal("unterminated marker must not complete the loop")
	}
}

func TestFileMovementRequiresBothConditions(t *testing.T) {
	manager, layout := newTestManager(t)
	origin := filepath.Join(layout.Pending(), "TASK_20240101_x.md")
	if err := os.WriteFile(origin, []byte("body"), 0o644); err != nil {
		t.Fatalf("write item: %v", err)
	}

	state, err := manager.Start("process the item", WithItem("TASK_20240101_x.md", origin))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Still at origin: loop continues.
	cont, err := manager.Advance(state, "")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !cont {
		t.Fatal("item still at origin, loop should continue")
	}

	// Absent at origin but not in Done: still ambiguous, continue.
	if err := os.Remove(origin); err != nil {
		t.Fatalf("remove: %v", err)
	}
	cont, err = manager.Advance(state, "")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !cont {
		t.Fatal("absence alone must not complete the loop")
	}

	// Present in Done: complete.
	if err := os.WriteFile(filepath.Join(layout.Done(), "TASK_20240101_x.md"), []byte("body"), 0o644); err != nil {
		t.Fatalf("write done: %v", err)
	}
	cont, err = manager.Advance(state, "")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cont {
		t.Fatal("moved item should complete the loop")
	}
	if state.Reason != ReasonFileMoved {
		t.Fatalf("reason = %q", state.Reason)
	}
}

func TestCheckpointsCompleteOnlyWhenAllChecked(t *testing.T) {
	manager, layout := newTestManager(t)
	plan := filepath.Join(layout.Logs(), "plan.md")
	if err := os.WriteFile(plan, []byte("- [x] step one\n- [ ] step two\n"), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	state, err := manager.Start("work the plan", WithCheckpoints(plan))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cont, err := manager.Advance(state, "")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !cont {
		t.Fatal("unchecked entries remain, loop should continue")
	}

	if err := os.WriteFile(plan, []byte("- [x] step one\n- [x] step two\n"), 0o644); err != nil {
		t.Fatalf("rewrite plan: %v", err)
	}
	cont, err = manager.Advance(state, "")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if cont {
		t.Fatal("all boxes checked, loop should complete")
	}
	if state.Reason != ReasonCheckpoints {
		t.Fatalf("reason = %q", state.Reason)
	}
}

func TestStopRecordsAbortVersusExplicitCompletion(t *testing.T) {
	manager, _ := newTestManager(t)

	aborted, err := manager.Start("promise task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	state, err := manager.Stop(aborted.ID, "operator abort")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if state.Status != StatusFailed || state.Reason != "operator abort" {
		t.Fatalf("aborted loop = %s/%s, want failed/operator abort", state.Status, state.Reason)
	}

	external, err := manager.Start("monitor task", WithStrategy(StrategyExplicit))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	state, err = manager.Stop(external.ID, "shift over")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("explicit loop = %s, want completed", state.Status)
	}

	// Stopping a terminal loop is a no-op.
	again, err := manager.Stop(aborted.ID, "second stop")
	if err != nil {
		t.Fatalf("stop again: %v", err)
	}
	if again.Reason != "operator abort" {
		t.Fatalf("terminal loop mutated: %s", again.Reason)
	}
}

func TestStatePersistsAcrossReload(t *testing.T) {
	manager, _ := newTestManager(t)
	state, err := manager.Start("long task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := manager.Advance(state, "keep going"); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	reloaded, err := manager.Load(state.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Iteration != 3 || reloaded.Status != StatusRunning {
		t.Fatalf("reloaded = %d/%s, want 3/running", reloaded.Iteration, reloaded.Status)
	}
	if len(reloaded.History) != 3 {
		t.Fatalf("history entries = %d, want 3", len(reloaded.History))
	}
}

type scriptedExecutor struct {
	outputs []string
	errs    []error
	calls   int
}

func (s *scriptedExecutor) Execute(ctx context.Context, prompt string) (string, error) {
	i := s.calls
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	out := ""
	if i < len(s.outputs) {
		out = s.outputs[i]
	}
	return out, err
}

func TestRunStopsOnPromise(t *testing.T) {
	manager, _ := newTestManager(t)
	state, err := manager.Start("draft the post")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := &scriptedExecutor{outputs: []string{"working", "done <promise>DONE</promise>"}}

	if err := manager.Run(context.Background(), state, exec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.calls != 2 {
		t.Fatalf("executor calls = %d, want 2", exec.calls)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("status = %s", state.Status)
	}
}

func TestRunRoutesExecutorErrorsThroughRecovery(t *testing.T) {
	layout := vault.NewLayout(t.TempDir())
	if err := layout.Init(); err != nil {
		t.Fatalf("init vault: %v", err)
	}
	engine, err := recovery.New(layout.Audit(), nopLogger{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	engine.RegisterStrategy(recovery.Strategy{
		Category:            recovery.CategoryAPI,
		MaxRetries:          1,
		RetryDelay:          0,
		EscalationThreshold: 1,
	})
	manager, err := NewManager(layout, nopLogger{}, engine, 5)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	state, err := manager.Start("flaky task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	exec := &scriptedExecutor{
		outputs: []string{"", "<promise>DONE</promise>"},
		errs:    []error{errors.New("upstream 500"), nil},
	}
	if err := manager.Run(context.Background(), state, exec); err != nil {
		t.Fatalf("run: %v", err)
	}
	if exec.calls != 2 {
		t.Fatalf("executor calls = %d, want 2 (one retry)", exec.calls)
	}
	if state.Status != StatusCompleted {
		t.Fatalf("status = %s", state.Status)
	}
}

func TestRunFailsWithoutRecoveryEngine(t *testing.T) {
	manager, _ := newTestManager(t)
	state, err := manager.Start("flaky task")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec := &scriptedExecutor{errs: []error{errors.New("boom")}}

	if err := manager.Run(context.Background(), state, exec); err == nil {
		t.Fatal("run should surface the executor error")
	}
	if state.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", state.Status)
	}
}

func TestReports(t *testing.T) {
	manager, _ := newTestManager(t)
	state, err := manager.Start("draft the post")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := manager.Advance(state, "working"); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := manager.Advance(state, "<promise>DONE</promise>"); err != nil {
		t.Fatalf("advance: %v", err)
	}

	path, err := manager.WriteLoopReport(state.ID)
	if err != nil {
		t.Fatalf("loop report: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), ReasonPromise) {
		t.Fatalf("report missing reason:\n%s", data)
	}

	summaryPath, err := manager.WriteSummaryReport()
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	data, err = os.ReadFile(summaryPath)
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.Contains(string(data), "| Total loops | 1 |") {
		t.Fatalf("summary missing totals:\n%s", data)
	}
}
