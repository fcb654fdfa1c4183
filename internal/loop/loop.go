// internal/loop/loop.go
//
// Bounded iteration loop controller. A loop drives an external executor
// against one task prompt until a completion signal is observed or the
// iteration cap is hit. State is one JSON document per loop id under
// the vault's Loops directory, rewritten whole on every mutation, so a
// crash between iterations loses no progress.

package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tessrk/covault/internal/recovery"
	"github.com/tessrk/covault/internal/vault"
)

// Strategy selects the completion rule for a loop.
type Strategy string

const (
	StrategyPromise      Strategy = "promise"
	StrategyFileMovement Strategy = "file_movement"
	StrategyCheckpoint   Strategy = "checkpoint"
	StrategyExplicit     Strategy = "explicit"
)

// Status is the loop lifecycle state. Paused is reachable only through
// manual intervention and is never set by Advance.
type Status string

const (
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusPaused        Status = "paused"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusMaxIterations Status = "max_iterations"
)

// Completion reasons recorded on terminal states.
const (
	ReasonMaxIterations = "max_iterations_reached"
	ReasonPromise       = "promise_detected"
	ReasonFileMoved     = "item_moved_to_done"
	ReasonCheckpoints   = "all_checkpoints_complete"
)

// Event is one entry in a loop's iteration history.
type Event struct {
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`
	Note      string    `json:"note"`
}

// State is the persisted record of one loop.
type State struct {
	ID             string     `json:"id"`
	Prompt         string     `json:"prompt"`
	Item           string     `json:"item,omitempty"`
	OriginPath     string     `json:"origin_path,omitempty"`
	CheckpointFile string     `json:"checkpoint_file,omitempty"`
	Strategy       Strategy   `json:"strategy"`
	Iteration      int        `json:"iteration"`
	MaxIterations  int        `json:"max_iterations"`
	Status         Status     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	History        []Event    `json:"history,omitempty"`
}

// Terminal reports whether the loop can no longer advance.
func (s *State) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusMaxIterations:
		return true
	}
	return false
}

// Logger is the subset of the logbook the controller reports through.
type Logger interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Executor performs one unit of work for a prompt and returns its
// output text. The controller scans that output for completion markers.
type Executor interface {
	Execute(ctx context.Context, prompt string) (string, error)
}

// Manager starts, advances, and persists loops inside one vault.
type Manager struct {
	layout  *vault.Layout
	log     Logger
	recover *recovery.Engine
	maxIter int
}

// NewManager creates a controller persisting under the vault's Loops
// directory. The recovery engine is optional; without one, executor
// errors fail the loop immediately.
func NewManager(layout *vault.Layout, log Logger, engine *recovery.Engine, defaultMaxIterations int) (*Manager, error) {
	if defaultMaxIterations <= 0 {
		return nil, fmt.Errorf("loop: default max iterations must be positive, got %d", defaultMaxIterations)
	}
	if err := os.MkdirAll(layout.Loops(), 0o755); err != nil {
		return nil, fmt.Errorf("loop: ensure loops dir: %w", err)
	}
	return &Manager{layout: layout, log: log, recover: engine, maxIter: defaultMaxIterations}, nil
}

// Option customizes a loop at start time.
type Option func(*State)

// WithItem binds the loop to a work item currently at originPath. The
// file-movement strategy completes when the item has left that path and
// arrived in Done.
func WithItem(name, originPath string) Option {
	return func(s *State) {
		s.Item = name
		s.OriginPath = originPath
		s.Strategy = StrategyFileMovement
	}
}

// WithCheckpoints points the loop at a markdown checklist file.
func WithCheckpoints(path string) Option {
	return func(s *State) {
		s.CheckpointFile = path
		s.Strategy = StrategyCheckpoint
	}
}

// WithStrategy overrides the completion strategy.
func WithStrategy(strategy Strategy) Option {
	return func(s *State) { s.Strategy = strategy }
}

// WithMaxIterations overrides the iteration cap.
func WithMaxIterations(n int) Option {
	return func(s *State) { s.MaxIterations = n }
}

// Start creates and persists a new loop for the prompt.
func (m *Manager) Start(prompt string, opts ...Option) (*State, error) {
	now := time.Now().UTC()
	state := &State{
		ID:            fmt.Sprintf("LOOP-%s-%s", now.Format("20060102150405"), uuid.NewString()[:8]),
		Prompt:        prompt,
		Strategy:      StrategyPromise,
		MaxIterations: m.maxIter,
		Status:        StatusStarting,
		StartedAt:     now,
	}
	for _, opt := range opts {
		opt(state)
	}
	if state.MaxIterations <= 0 {
		return nil, fmt.Errorf("loop: max iterations must be positive, got %d", state.MaxIterations)
	}
	if err := m.save(state); err != nil {
		return nil, err
	}
	m.log.Info("loop %s started (strategy %s, cap %d)", state.ID, state.Strategy, state.MaxIterations)
	return state, nil
}

// Advance decides whether the loop should run another iteration, in
// fixed priority order: iteration cap, promise marker in the previous
// output, file movement, checkpoint completion, then continue. Every
// branch persists the state before returning.
func (m *Manager) Advance(state *State, previousOutput string) (bool, error) {
	if state.Iteration >= state.MaxIterations {
		m.finish(state, StatusMaxIterations, ReasonMaxIterations)
		return false, m.save(state)
	}

	if token, ok := DetectPromise(previousOutput); ok {
		m.finish(state, StatusCompleted, ReasonPromise)
		state.History = append(state.History, Event{
			Iteration: state.Iteration,
			Timestamp: time.Now().UTC(),
			Note:      "promise token " + token,
		})
		return false, m.save(state)
	}

	if state.Strategy == StrategyFileMovement && state.Item != "" {
		moved, err := m.itemMoved(state)
		if err != nil {
			return false, err
		}
		if moved {
			m.finish(state, StatusCompleted, ReasonFileMoved)
			return false, m.save(state)
		}
	}

	if state.CheckpointFile != "" {
		data, err := os.ReadFile(state.CheckpointFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return false, fmt.Errorf("loop: read checkpoint file: %w", err)
		}
		if err == nil {
			checked, total := CheckpointCounts(string(data))
			if total > 0 && checked == total {
				m.finish(state, StatusCompleted, ReasonCheckpoints)
				return false, m.save(state)
			}
		}
	}

	state.Iteration++
	state.Status = StatusRunning
	state.History = append(state.History, Event{
		Iteration: state.Iteration,
		Timestamp: time.Now().UTC(),
		Note:      "iteration started",
	})
	return true, m.save(state)
}

// itemMoved checks that the bound item has left its origin and arrived
// in Done. Absence alone is ambiguous: a sync may have the item in
// flight, so both conditions are required.
func (m *Manager) itemMoved(state *State) (bool, error) {
	if _, err := os.Stat(state.OriginPath); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("loop: stat origin: %w", err)
	}
	if _, err := os.Stat(filepath.Join(m.layout.Done(), state.Item)); err == nil {
		return true, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("loop: stat done: %w", err)
	}
	return false, nil
}

func (m *Manager) finish(state *State, status Status, reason string) {
	state.Status = status
	state.Reason = reason
	now := time.Now().UTC()
	state.CompletedAt = &now
	m.log.Info("loop %s finished: %s (%s)", state.ID, status, reason)
}

// IterationPrompt composes the executor prompt for the next iteration:
// the original task, iteration context, and the strategy's completion
// instruction.
func (m *Manager) IterationPrompt(state *State) string {
	iteration := state.Iteration
	if iteration == 0 {
		iteration = 1
	}
	var sb strings.Builder
	sb.WriteString(state.Prompt)
	fmt.Fprintf(&sb, "\n\nIteration %d of %d.\n", iteration, state.MaxIterations)
	switch state.Strategy {
	case StrategyPromise:
		sb.WriteString("When the task is fully complete, output <promise>TASK_COMPLETE</promise>.\n")
	case StrategyFileMovement:
		fmt.Fprintf(&sb, "When the task is fully complete, move %s into the Done directory.\n", state.Item)
	case StrategyCheckpoint:
		fmt.Fprintf(&sb, "Work through the checklist in %s and check off each completed entry.\n", state.CheckpointFile)
	case StrategyExplicit:
		sb.WriteString("The loop is stopped externally; work until interrupted.\n")
	}
	return sb.String()
}

// Run drives the executor until Advance terminates the loop or the
// context is cancelled. Executor errors are routed through the recovery
// engine; a retry decision waits out the strategy delay and repeats the
// same iteration, anything else fails the loop.
func (m *Manager) Run(ctx context.Context, state *State, executor Executor) error {
	output := ""
	for {
		cont, err := m.Advance(state, output)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
		prompt := m.IterationPrompt(state)
		for {
			output, err = executor.Execute(ctx, prompt)
			if err == nil {
				break
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			delay, recoverable := m.reportExecutorError(state, err)
			if !recoverable {
				m.finish(state, StatusFailed, err.Error())
				if saveErr := m.save(state); saveErr != nil {
					return saveErr
				}
				return err
			}
			// Same iteration is retried after the policy delay.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
}

// reportExecutorError feeds the failure to the recovery engine and
// translates its decision: retry is recoverable, everything else ends
// the loop.
func (m *Manager) reportExecutorError(state *State, execErr error) (time.Duration, bool) {
	if m.recover == nil {
		return 0, false
	}
	decision, err := m.recover.Report(recovery.CategoryAPI, recovery.SeverityError,
		execErr.Error(), "loop:"+state.ID, "")
	if err != nil {
		m.log.Error("loop %s: recovery report failed: %v", state.ID, err)
		return 0, false
	}
	return decision.Delay, decision.Action == recovery.ActionRetry
}

// Load reloads a persisted loop by id.
func (m *Manager) Load(id string) (*State, error) {
	data, err := os.ReadFile(m.statePath(id))
	if err != nil {
		return nil, fmt.Errorf("loop: load %s: %w", id, err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("loop: decode %s: %w", id, err)
	}
	return &state, nil
}

// List returns every persisted loop, oldest first by id.
func (m *Manager) List() ([]*State, error) {
	entries, err := os.ReadDir(m.layout.Loops())
	if err != nil {
		return nil, fmt.Errorf("loop: list: %w", err)
	}
	var states []*State
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		state, err := m.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			m.log.Warn("loop: skipping unreadable state %s: %v", entry.Name(), err)
			continue
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states, nil
}

// Stop terminates a loop manually with the given reason. An external
// stop is the designed completion for explicit-strategy loops; for any
// other strategy it is an abort and is recorded as a failure so reports
// do not count it as finished work.
func (m *Manager) Stop(id, reason string) (*State, error) {
	state, err := m.Load(id)
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		return state, nil
	}
	status := StatusFailed
	if state.Strategy == StrategyExplicit {
		status = StatusCompleted
	}
	m.finish(state, status, reason)
	return state, m.save(state)
}

// Pause suspends a loop for manual intervention.
func (m *Manager) Pause(id string) (*State, error) {
	state, err := m.Load(id)
	if err != nil {
		return nil, err
	}
	if state.Terminal() {
		return nil, fmt.Errorf("loop: %s already terminal (%s)", id, state.Status)
	}
	state.Status = StatusPaused
	return state, m.save(state)
}

func (m *Manager) statePath(id string) string {
	return filepath.Join(m.layout.Loops(), id+".json")
}

// save rewrites the whole state document.
func (m *Manager) save(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("loop: encode state: %w", err)
	}
	if err := os.WriteFile(m.statePath(state.ID), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("loop: persist state: %w", err)
	}
	return nil
}
