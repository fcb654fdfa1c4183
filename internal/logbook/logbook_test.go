package logbook

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestTailReturnsRecentLinesAndTotal(t *testing.T) {
	dir := t.TempDir()
	book, err := New(dir, "local_agent")
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines, total := book.Tail(3)
	if total != 5 {
		t.Fatalf("total lines = %d, want 5", total)
	}
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestActivityAppendsDatedSection(t *testing.T) {
	dir := t.TempDir()
	book, err := New(dir, "cloud_agent")
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Activity("claimed FILE_20240101_x.md")

	path := filepath.Join(dir, "Activity_"+time.Now().UTC().Format("2006-01-02")+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read activity file: %v", err)
	}
	if !strings.Contains(string(data), "claimed FILE_20240101_x.md") {
		t.Fatalf("activity file missing entry:\n%s", data)
	}
}
