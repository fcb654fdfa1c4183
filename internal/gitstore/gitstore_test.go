package gitstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func TestCheckConflictsFindsMarkedFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "Pending"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	clean := "no conflicts here\n"
	conflicted := "line\n<<<<<<< HEAD\nours\n=======\ntheirs\n>>>>>>> origin/main\n"
	if err := os.WriteFile(filepath.Join(root, "Pending", "clean.md"), []byte(clean), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "Pending", "fight.md"), []byte(conflicted), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Marker inside a non-text file is ignored.
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), []byte(conflicted), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A lone start marker without its closing half is not a conflict.
	if err := os.WriteFile(filepath.Join(root, "Pending", "half.md"), []byte("<<<<<<< HEAD\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := New(root, nopLogger{})
	conflicts, err := store.CheckConflicts()
	if err != nil {
		t.Fatalf("check conflicts: %v", err)
	}
	want := filepath.Join("Pending", "fight.md")
	if len(conflicts) != 1 || conflicts[0] != want {
		t.Fatalf("conflicts = %v, want [%s]", conflicts, want)
	}
}

func TestCheckConflictsSkipsGitDir(t *testing.T) {
	root := t.TempDir()
	gitDir := filepath.Join(root, ".git")
	if err := os.MkdirAll(gitDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	marker := "<<<<<<< HEAD\n>>>>>>> other\n"
	if err := os.WriteFile(filepath.Join(gitDir, "MERGE_MSG.txt"), []byte(marker), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := New(root, nopLogger{})
	conflicts, err := store.CheckConflicts()
	if err != nil {
		t.Fatalf("check conflicts: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %v, want none", conflicts)
	}
}

func TestResolveConflictRejectsUnknownPolicy(t *testing.T) {
	store := New(t.TempDir(), nopLogger{})
	if err := store.ResolveConflict(context.Background(), "a.md", ConflictPolicy("merge")); err == nil {
		t.Fatal("expected error for unsupported policy")
	}
}
