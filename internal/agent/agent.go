// internal/agent/agent.go
//
// The poll-loop runtime for one covault agent. Each tick pulls the
// replicated vault, retries any items it already owns, claims eligible
// pending items, executes them through registered handlers, releases
// finished items to Done, and pushes. The two agents never share memory;
// everything they know about each other arrives through the vault tree.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tessrk/covault/internal/config"
	"github.com/tessrk/covault/internal/gitstore"
	"github.com/tessrk/covault/internal/ledger"
	"github.com/tessrk/covault/internal/logbook"
	"github.com/tessrk/covault/internal/loop"
	"github.com/tessrk/covault/internal/recovery"
	"github.com/tessrk/covault/internal/vault"
)

// Handler processes one claimed work item and returns a short result
// note for the update feed.
type Handler interface {
	Handle(ctx context.Context, item vault.WorkItem) (string, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item vault.WorkItem) (string, error)

// Handle calls the wrapped function.
func (f HandlerFunc) Handle(ctx context.Context, item vault.WorkItem) (string, error) {
	return f(ctx, item)
}

// Syncer replicates the vault tree. *gitstore.Store satisfies it.
type Syncer interface {
	Pull(ctx context.Context, remote, branch string) bool
	Push(ctx context.Context, remote, branch, message string) bool
	CheckConflicts() ([]string, error)
	ResolveConflict(ctx context.Context, path string, policy gitstore.ConflictPolicy) error
}

// Agent is one half of the two-agent system: it claims and executes the
// work items its role keywords cover.
type Agent struct {
	cfg      config.Config
	layout   *vault.Layout
	coord    *vault.Coordinator
	sync     Syncer
	ledger   *ledger.Ledger
	recover  *recovery.Engine
	loops    *loop.Manager
	log      *logbook.Logbook
	handlers map[string]Handler
	fallback Handler
	started  time.Time
	lastPush time.Time
}

// New assembles an agent from its collaborators. The coordinator is
// built here from the config's role keywords so eligibility and identity
// always agree.
func New(cfg config.Config, layout *vault.Layout, sync Syncer, led *ledger.Ledger,
	eng *recovery.Engine, loops *loop.Manager, log *logbook.Logbook) (*Agent, error) {

	coord, err := vault.NewCoordinator(layout, cfg.AgentID, vault.KeywordEligibility(cfg.RoleKeywords()))
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:      cfg,
		layout:   layout,
		coord:    coord,
		sync:     sync,
		ledger:   led,
		recover:  eng,
		loops:    loops,
		log:      log,
		handlers: map[string]Handler{},
		started:  time.Now().UTC(),
	}, nil
}

// RegisterHandler installs the handler for one work item type.
func (a *Agent) RegisterHandler(itemType string, handler Handler) {
	a.handlers[itemType] = handler
}

// RegisterFallback installs the handler for item types with no
// dedicated handler. Without one, unhandled items go back to Pending.
func (a *Agent) RegisterFallback(handler Handler) {
	a.fallback = handler
}

// RegisterLoopHandler installs a handler that drives the item through
// the iteration loop controller, for multi-step item types where a
// single executor pass is not enough.
func (a *Agent) RegisterLoopHandler(itemType string, executor loop.Executor) {
	a.handlers[itemType] = HandlerFunc(func(ctx context.Context, item vault.WorkItem) (string, error) {
		state, err := a.loops.Start(item.Body, loop.WithMaxIterations(a.cfg.Loop.MaxIterations))
		if err != nil {
			return "", err
		}
		if err := a.loops.Run(ctx, state, executor); err != nil {
			return "", err
		}
		if state.Status != loop.StatusCompleted {
			return "", fmt.Errorf("agent: loop %s ended %s (%s)", state.ID, state.Status, state.Reason)
		}
		return fmt.Sprintf("loop %s completed after %d iterations (%s)", state.ID, state.Iteration, state.Reason), nil
	})
}

// Run drives the poll loop until the context is cancelled. The in-flight
// cycle always finishes before Run returns, so an item is never left
// half-processed by a clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent %s starting (poll %s)", a.cfg.AgentID, a.cfg.Sync.Interval.Std())
	a.writeHealthSignal()

	poll := time.NewTicker(a.cfg.Sync.Interval.Std())
	defer poll.Stop()
	health := time.NewTicker(a.cfg.Health.Interval.Std())
	defer health.Stop()

	a.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			a.log.Info("agent %s shutting down", a.cfg.AgentID)
			a.writeHealthSignal()
			return nil
		case <-poll.C:
			a.RunCycle(ctx)
		case <-health.C:
			a.writeHealthSignal()
		}
	}
}

// RunCycle performs one full poll cycle: pull, sweep, retry owned items,
// claim and execute pending items, push. A failed sync skips replication
// for this cycle only; claim and execute logic still runs against the
// local tree.
func (a *Agent) RunCycle(ctx context.Context) {
	a.pullAndResolve(ctx)
	a.sweepStale()

	processed := a.processOwned(ctx)
	processed += a.claimPending(ctx)

	if processed > 0 || time.Since(a.lastPush) >= a.cfg.Sync.PushInterval.Std() {
		message := fmt.Sprintf("%s: sync %s", a.cfg.AgentID, time.Now().UTC().Format(time.RFC3339))
		if a.sync.Push(ctx, a.cfg.Sync.Remote, a.cfg.Sync.Branch, message) {
			a.lastPush = time.Now().UTC()
		} else {
			a.reportFailure("push rejected", "Agent.sync", recovery.CategoryNetwork)
		}
	}
	a.writeHealthSignal()
}

// pullAndResolve pulls the remote and repairs any conflict markers a
// merge left behind, using the configured policy.
func (a *Agent) pullAndResolve(ctx context.Context) {
	if !a.sync.Pull(ctx, a.cfg.Sync.Remote, a.cfg.Sync.Branch) {
		a.reportFailure("pull failed", "Agent.sync", recovery.CategoryNetwork)
	}
	conflicted, err := a.sync.CheckConflicts()
	if err != nil {
		a.log.Warn("conflict scan failed: %v", err)
		return
	}
	policy := gitstore.ConflictPolicy(a.cfg.Sync.ConflictPolicy)
	for _, path := range conflicted {
		if err := a.sync.ResolveConflict(ctx, path, policy); err != nil {
			a.reportFailure(fmt.Sprintf("resolve %s: %v", path, err), "Agent.sync", recovery.CategoryFileSystem)
			continue
		}
		a.log.Warn("resolved merge conflict in %s (%s)", path, policy)
		_, _ = a.ledger.Log(ledger.ActionRecovery, "Agent.sync",
			ledger.WithUser(a.cfg.AgentID),
			ledger.WithDetails(map[string]string{"file": path, "policy": string(policy)}))
	}
}

// sweepStale returns over-age peer claims to Pending. Disabled when the
// reclaim window is zero.
func (a *Agent) sweepStale() {
	reclaimed, err := a.coord.SweepStale(a.cfg.Claims.ReclaimAfter.Std(), time.Now().UTC())
	if err != nil {
		a.log.Warn("stale claim sweep failed: %v", err)
		return
	}
	for _, name := range reclaimed {
		a.log.Warn("reclaimed stale item %s", name)
		_, _ = a.ledger.Log(ledger.ActionRecovery, "Agent.claims",
			ledger.WithUser(a.cfg.AgentID), ledger.WithRelatedFiles(name))
	}
}

// claimPending attempts to claim every eligible pending item and
// executes the ones won. Losing a claim race is silent.
func (a *Agent) claimPending(ctx context.Context) int {
	names, err := a.coord.PendingItems()
	if err != nil {
		a.reportFailure(err.Error(), "Agent.claims", recovery.CategoryFileSystem)
		return 0
	}
	processed := 0
	for _, name := range names {
		claimed, err := a.coord.AttemptClaim(name)
		if err != nil {
			a.reportFailure(err.Error(), "Agent.claims", recovery.CategoryFileSystem)
			continue
		}
		if !claimed {
			continue
		}
		a.log.Info("claimed %s", name)
		if a.executeItem(ctx, name) {
			processed++
		}
	}
	return processed
}

// processOwned retries items claimed in an earlier cycle that did not
// finish, typically after a handler error or a crash.
func (a *Agent) processOwned(ctx context.Context) int {
	names, err := a.coord.OwnedItems()
	if err != nil {
		a.reportFailure(err.Error(), "Agent.claims", recovery.CategoryFileSystem)
		return 0
	}
	processed := 0
	for _, name := range names {
		if a.executeItem(ctx, name) {
			processed++
		}
	}
	return processed
}

// executeItem runs the handler for one owned item and releases it to
// Done on success. On failure the item stays owned so the next cycle
// retries it; the recovery engine decides how loudly to complain. An
// item reaches Done only after its audit record is written.
func (a *Agent) executeItem(ctx context.Context, name string) bool {
	act := a.ledger.Begin(ledger.ActionPlanExecute, "Agent",
		ledger.WithUser(a.cfg.AgentID), ledger.WithRelatedFiles(name))

	path := filepath.Join(a.layout.Owned(a.cfg.AgentID), name)
	content, err := os.ReadFile(path)
	if err != nil {
		a.reportFailure(err.Error(), "Agent.execute", recovery.CategoryFileSystem)
		a.closeAudit(act, err)
		return false
	}
	item, err := vault.ParseWorkItem(name, content)
	if err != nil {
		a.log.Error("unparseable item %s: %v", name, err)
		a.closeAudit(act, err)
		// A malformed item will never parse; hand it back for a human.
		if releaseErr := a.coord.Release(name, vault.RejectedDir); releaseErr != nil {
			a.log.Error("release %s: %v", name, releaseErr)
		}
		return false
	}

	handler := a.handlers[item.Header.Type]
	if handler == nil {
		handler = a.fallback
	}
	if handler == nil {
		a.log.Warn("no handler for item type %q, returning %s to Pending", item.Header.Type, name)
		a.closeAudit(act, fmt.Errorf("no handler for type %q", item.Header.Type))
		if err := a.coord.Release(name, vault.PendingDir); err != nil {
			a.log.Error("release %s: %v", name, err)
		}
		return false
	}

	note, err := handler.Handle(ctx, item)
	if err != nil {
		a.reportFailure(err.Error(), "Agent.execute", categorize(err))
		a.closeAudit(act, err)
		return false
	}

	if err := act.Close(nil); err != nil {
		// The completion has no trail yet; keep the item owned so the
		// next cycle retries once the ledger is writable again.
		a.reportFailure(err.Error(), "Agent.audit", recovery.CategoryFileSystem)
		return false
	}
	if err := a.coord.Release(name, vault.DoneDir); err != nil {
		a.reportFailure(err.Error(), "Agent.execute", recovery.CategoryFileSystem)
		return false
	}
	a.log.Info("completed %s", name)
	a.log.Activity(fmt.Sprintf("Completed %s: %s", name, note))
	a.writeUpdateNote(name, note)
	return true
}

// closeAudit finalizes a scoped audit record and surfaces a ledger
// write failure instead of dropping it.
func (a *Agent) closeAudit(act *ledger.Active, actionErr error) {
	if err := act.Close(actionErr); err != nil {
		a.reportFailure(err.Error(), "Agent.audit", recovery.CategoryFileSystem)
	}
}

// HealthSignal is the agent's periodic liveness report, written where
// the peer can read it after the next sync.
type HealthSignal struct {
	AgentID       string    `json:"agent_id"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	PendingCount  int       `json:"pending_count"`
	OwnedCount    int       `json:"owned_count"`
	Status        string    `json:"status"`
}

func (a *Agent) writeHealthSignal() {
	pending, _ := a.coord.PendingItems()
	owned, _ := a.coord.OwnedItems()
	signal := HealthSignal{
		AgentID:       a.cfg.AgentID,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		PendingCount:  len(pending),
		OwnedCount:    len(owned),
		Status:        "healthy",
	}
	data, err := json.MarshalIndent(signal, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(a.layout.Signals(), a.cfg.AgentID+"_health.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		a.log.Warn("write health signal: %v", err)
	}
}

// UpdateNote is a completion notice for the peer agent and operators.
type UpdateNote struct {
	AgentID   string    `json:"agent_id"`
	Task      string    `json:"task"`
	Note      string    `json:"note"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *Agent) writeUpdateNote(task, note string) {
	update := UpdateNote{
		AgentID:   a.cfg.AgentID,
		Task:      task,
		Note:      note,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(update, "", "  ")
	if err != nil {
		return
	}
	name := fmt.Sprintf("%s_%s.json", a.cfg.AgentID, update.Timestamp.Format("20060102150405"))
	if err := os.WriteFile(filepath.Join(a.layout.Updates(), name), append(data, '\n'), 0o644); err != nil {
		a.log.Warn("write update note: %v", err)
	}
}

// reportFailure feeds a failure into the recovery engine. The engine's
// decision is advisory here: the poll loop always moves on and retries
// naturally on the next cycle.
func (a *Agent) reportFailure(message, component string, category recovery.Category) {
	a.log.Error("%s: %s", component, message)
	if a.recover == nil {
		return
	}
	if _, err := a.recover.Report(category, recovery.SeverityError, message, component, ""); err != nil {
		a.log.Error("recovery report failed: %v", err)
	}
}

// categorize maps a handler error onto a recovery category by message
// inspection. Handlers that care should wrap their errors with clearer
// signals; this is the coarse default.
func categorize(err error) recovery.Category {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return recovery.CategoryNetwork
	case strings.Contains(msg, "auth"), strings.Contains(msg, "credential"), strings.Contains(msg, "token"):
		return recovery.CategoryAuthentication
	case strings.Contains(msg, "permission"), strings.Contains(msg, "no such file"), strings.Contains(msg, "file"):
		return recovery.CategoryFileSystem
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "api"), strings.Contains(msg, "http"):
		return recovery.CategoryAPI
	default:
		return recovery.CategoryUnknown
	}
}
