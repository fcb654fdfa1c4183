// internal/gitstore/gitstore.go
//
// Wraps the replicated store backing the vault: a git repository with a
// shared remote. Both agents pull before a cycle and push after it, so
// replication is asynchronous and the peer may be up to one sync
// interval behind. Pull and push are best effort: failures are logged
// and reported as false, and the caller's periodic loop owns the retry
// cadence.

package gitstore

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Timeouts for the underlying git commands.
const (
	pullTimeout  = 60 * time.Second
	pushTimeout  = 120 * time.Second
	localTimeout = 30 * time.Second
)

// Conflict markers git leaves in files after a failed merge.
const (
	conflictMarkerBegin = "<<<<<<<"
	conflictMarkerEnd   = ">>>>>>>"
)

// ConflictPolicy selects which side wins when resolving a conflict.
type ConflictPolicy string

const (
	// PolicyTheirs keeps the remote version. This is the default: the
	// peer's pushed state is treated as authoritative.
	PolicyTheirs ConflictPolicy = "theirs"
	// PolicyOurs keeps the local version.
	PolicyOurs ConflictPolicy = "ours"
)

// Logger is the subset of the logbook the store reports through.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Status summarizes the repository state for reports.
type Status struct {
	Branch         string `json:"branch"`
	PendingChanges int    `json:"pending_changes"`
	RepoExists     bool   `json:"repo_exists"`
}

// Store is a git-backed replicated store rooted at a vault directory.
type Store struct {
	root string
	log  Logger
}

// New creates a store over the vault rooted at root.
func New(root string, log Logger) *Store {
	return &Store{root: filepath.Clean(root), log: log}
}

// Root returns the repository directory.
func (s *Store) Root() string { return s.root }

// Init initializes the repository if needed, writes the security
// ignore rules, and wires the remote when a URL is given.
func (s *Store) Init(ctx context.Context, remoteURL string) error {
	if _, err := os.Stat(filepath.Join(s.root, ".git")); err == nil {
		s.log.Info("git repository already exists")
		return s.writeIgnoreRules()
	}
	if _, err := s.run(ctx, localTimeout, "init"); err != nil {
		return fmt.Errorf("gitstore: init: %w", err)
	}
	if err := s.writeIgnoreRules(); err != nil {
		return err
	}
	if remoteURL != "" {
		if _, err := s.run(ctx, localTimeout, "remote", "add", "origin", remoteURL); err != nil {
			return fmt.Errorf("gitstore: add remote: %w", err)
		}
	}
	s.log.Info("git repository initialized")
	return nil
}

// Pull fetches and merges the peer's state. Returns false on any
// failure; the next cycle retries.
func (s *Store) Pull(ctx context.Context, remote, branch string) bool {
	s.log.Debug("pulling from %s/%s", remote, branch)
	out, err := s.run(ctx, pullTimeout, "pull", remote, branch)
	if err != nil {
		s.log.Warn("pull failed: %s", firstLine(out, err))
		return false
	}
	s.log.Debug("pull successful")
	return true
}

// Push stages everything, commits with the given message, and pushes.
// Each step is attempted in sequence; "nothing to commit" is success.
// Returns false on failure rather than an error: callers retry on
// their own schedule.
func (s *Store) Push(ctx context.Context, remote, branch, message string) bool {
	if out, err := s.run(ctx, localTimeout, "add", "-A"); err != nil {
		s.log.Warn("stage failed: %s", firstLine(out, err))
		return false
	}
	out, err := s.run(ctx, localTimeout, "commit", "-m", message)
	if err != nil && !strings.Contains(string(out), "nothing to commit") {
		s.log.Warn("commit failed: %s", firstLine(out, err))
		return false
	}
	out, err = s.run(ctx, pushTimeout, "push", remote, branch)
	if err != nil {
		s.log.Warn("push failed: %s", firstLine(out, err))
		return false
	}
	s.log.Debug("push successful")
	return true
}

// CheckConflicts scans vault text files for merge conflict markers and
// returns the paths (relative to the vault root) that contain them.
func (s *Store) CheckConflicts() ([]string, error) {
	var conflicted []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		switch filepath.Ext(path) {
		case ".md", ".json", ".jsonl", ".yaml", ".yml", ".txt":
		default:
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if bytes.Contains(content, []byte(conflictMarkerBegin)) &&
			bytes.Contains(content, []byte(conflictMarkerEnd)) {
			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return err
			}
			conflicted = append(conflicted, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("gitstore: scan conflicts: %w", err)
	}
	sort.Strings(conflicted)
	return conflicted, nil
}

// ResolveConflict keeps one side of a conflicted file and stages it.
func (s *Store) ResolveConflict(ctx context.Context, path string, policy ConflictPolicy) error {
	var side string
	switch policy {
	case PolicyOurs:
		side = "--ours"
	case PolicyTheirs:
		side = "--theirs"
	default:
		return fmt.Errorf("gitstore: conflict policy %q not supported", policy)
	}
	if out, err := s.run(ctx, localTimeout, "checkout", side, path); err != nil {
		return fmt.Errorf("gitstore: checkout %s %s: %s", side, path, firstLine(out, err))
	}
	if out, err := s.run(ctx, localTimeout, "add", path); err != nil {
		return fmt.Errorf("gitstore: stage resolved %s: %s", path, firstLine(out, err))
	}
	s.log.Info("resolved conflict in %s using %s", path, policy)
	return nil
}

// Status reports branch and pending-change information.
func (s *Store) Status(ctx context.Context) Status {
	status := Status{}
	if _, err := os.Stat(filepath.Join(s.root, ".git")); err == nil {
		status.RepoExists = true
	}
	if out, err := s.run(ctx, localTimeout, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		status.Branch = strings.TrimSpace(string(out))
	}
	if out, err := s.run(ctx, localTimeout, "status", "--porcelain"); err == nil {
		for _, line := range strings.Split(string(out), "\n") {
			if strings.TrimSpace(line) != "" {
				status.PendingChanges++
			}
		}
	}
	return status
}

func (s *Store) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = s.root
	return cmd.CombinedOutput()
}

func firstLine(out []byte, err error) string {
	text := strings.TrimSpace(string(out))
	if text == "" {
		return err.Error()
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx]
	}
	return text
}
