package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AgentID != "local_agent" {
		t.Fatalf("agent_id = %q, want local_agent", cfg.AgentID)
	}
	if cfg.Sync.ConflictPolicy != "theirs" {
		t.Fatalf("conflict_policy = %q, want theirs", cfg.Sync.ConflictPolicy)
	}
	if cfg.Sync.Interval.Std() != 60*time.Second {
		t.Fatalf("sync interval = %v, want 60s", cfg.Sync.Interval.Std())
	}
	if cfg.Loop.MaxIterations != 20 {
		t.Fatalf("max_iterations = %d, want 20", cfg.Loop.MaxIterations)
	}
}

func TestLoadOverridesFromFileAndEnv(t *testing.T) {
	root := t.TempDir()
	content := "version: 1\nagent_id: cloud_agent\nsync:\n  remote: origin\n  branch: main\n  interval: 30s\n  conflict_policy: ours\nloop:\n  max_iterations: 5\n"
	if err := os.MkdirAll(filepath.Join(root, ConfigDir), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(Path(root), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(root)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AgentID != "cloud_agent" {
		t.Fatalf("agent_id = %q, want cloud_agent", cfg.AgentID)
	}
	if cfg.Sync.Interval.Std() != 30*time.Second || cfg.Sync.ConflictPolicy != "ours" {
		t.Fatalf("sync = %+v", cfg.Sync)
	}
	if cfg.Loop.MaxIterations != 5 {
		t.Fatalf("max_iterations = %d, want 5", cfg.Loop.MaxIterations)
	}

	t.Setenv("COVAULT_AGENT_ID", "local_agent")
	cfg, err = Load(root)
	if err != nil {
		t.Fatalf("load with env: %v", err)
	}
	if cfg.AgentID != "local_agent" {
		t.Fatalf("env override ignored, agent_id = %q", cfg.AgentID)
	}
}

func TestLoadRejectsUnknownConflictPolicy(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ConfigDir), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "agent_id: local_agent\nsync:\n  conflict_policy: merge\n"
	if err := os.WriteFile(Path(root), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(root); err == nil {
		t.Fatal("expected error for unsupported conflict policy")
	}
}

func TestRoleKeywords(t *testing.T) {
	cfg := Default()
	cfg.AgentID = "cloud_agent"
	keywords := cfg.RoleKeywords()
	if len(keywords) == 0 {
		t.Fatal("cloud_agent keywords empty")
	}
	cfg.AgentID = "nobody"
	if kw := cfg.RoleKeywords(); kw != nil {
		t.Fatalf("unknown agent keywords = %v, want nil", kw)
	}
}
