// internal/config/config.go
//
// Runtime configuration for a covault agent. Each vault carries a
// .covault/config.yaml; both agents read the same file after sync, so
// per-agent values (identity, role keywords) are selected by agent id.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigDir is the name of the directory holding covault's own files
// inside the vault. It is excluded from sync.
const ConfigDir = ".covault"

const defaultConfigYAML = `# covault agent configuration
version: 1

# Identity of the agent process reading this file. Override per machine
# with COVAULT_AGENT_ID.
agent_id: local_agent

# Role keywords: an agent only claims pending items whose content
# matches one of its keywords.
roles:
  cloud_agent:
    keywords: [email, gmail, facebook, instagram, twitter, social, linkedin, content, calendar]
  local_agent:
    keywords: [approval, whatsapp, payment, bank, send, post, execute]

sync:
  remote: origin
  branch: main
  interval: 60s
  push_interval: 120s
  # Conflict resolution when a merge leaves markers behind: theirs
  # (remote wins) or ours (local wins).
  conflict_policy: theirs

claims:
  # Peer claims older than this are swept back to Pending. Zero
  # disables the sweep.
  reclaim_after: 0s

loop:
  max_iterations: 20
  completion_strategy: promise
  checkpoint_file: ""

audit:
  # Minimum level written to the ledger: essential, standard, verbose.
  min_level: standard

health:
  interval: 300s
`

// Duration wraps time.Duration so YAML values can use "60s" syntax.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("config: parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RoleConfig defines which pending items one agent role may claim.
type RoleConfig struct {
	Keywords []string `yaml:"keywords"`
}

// SyncConfig captures replication cadence and conflict policy.
type SyncConfig struct {
	Remote         string   `yaml:"remote"`
	Branch         string   `yaml:"branch"`
	Interval       Duration `yaml:"interval"`
	PushInterval   Duration `yaml:"push_interval"`
	ConflictPolicy string   `yaml:"conflict_policy"`
}

// ClaimConfig captures claim reclamation policy.
type ClaimConfig struct {
	ReclaimAfter Duration `yaml:"reclaim_after"`
}

// LoopConfig captures iteration loop defaults.
type LoopConfig struct {
	MaxIterations      int    `yaml:"max_iterations"`
	CompletionStrategy string `yaml:"completion_strategy"`
	CheckpointFile     string `yaml:"checkpoint_file"`
}

// AuditConfig captures ledger verbosity.
type AuditConfig struct {
	MinLevel string `yaml:"min_level"`
}

// HealthConfig captures the health signal cadence.
type HealthConfig struct {
	Interval Duration `yaml:"interval"`
}

// Config models .covault/config.yaml.
type Config struct {
	Version int                   `yaml:"version"`
	AgentID string                `yaml:"agent_id"`
	Roles   map[string]RoleConfig `yaml:"roles"`
	Sync    SyncConfig            `yaml:"sync"`
	Claims  ClaimConfig           `yaml:"claims"`
	Loop    LoopConfig            `yaml:"loop"`
	Audit   AuditConfig           `yaml:"audit"`
	Health  HealthConfig          `yaml:"health"`

	// VaultRoot is where the config was loaded from. Not serialized.
	VaultRoot string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultConfigYAML), &cfg); err != nil {
		// The default document is a compile-time constant; failing to
		// parse it is a programming error.
		panic(fmt.Sprintf("config: parse default config: %v", err))
	}
	return cfg
}

// Path returns the config file location for a vault root.
func Path(vaultRoot string) string {
	return filepath.Join(vaultRoot, ConfigDir, "config.yaml")
}

// Ensure writes the default config file if none exists yet.
func Ensure(vaultRoot string) error {
	path := Path(vaultRoot)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
		return fmt.Errorf("config: write default config: %w", err)
	}
	return nil
}

// Load reads the vault's config, filling defaults for absent fields.
// A missing file yields the defaults. COVAULT_AGENT_ID overrides the
// configured agent identity so both machines can share one file.
func Load(vaultRoot string) (Config, error) {
	cfg := Default()
	cfg.VaultRoot = filepath.Clean(vaultRoot)

	data, err := os.ReadFile(Path(vaultRoot))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse config: %w", err)
		}
		cfg.VaultRoot = filepath.Clean(vaultRoot)
	}

	if env := strings.TrimSpace(os.Getenv("COVAULT_AGENT_ID")); env != "" {
		cfg.AgentID = env
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save persists the config back to its vault.
func (c Config) Save() error {
	if c.VaultRoot == "" {
		return errors.New("config: vault root not set")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encode config: %w", err)
	}
	path := Path(c.VaultRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write config: %w", err)
	}
	return nil
}

// RoleKeywords returns the claim keywords for the configured agent.
// Unknown agents get no keywords and therefore claim nothing.
func (c Config) RoleKeywords() []string {
	role, ok := c.Roles[c.AgentID]
	if !ok {
		return nil
	}
	return role.Keywords
}

func (c Config) validate() error {
	if strings.TrimSpace(c.AgentID) == "" {
		return errors.New("config: agent_id is required")
	}
	switch c.Sync.ConflictPolicy {
	case "ours", "theirs":
	default:
		return fmt.Errorf("config: conflict_policy %q not supported (ours or theirs)", c.Sync.ConflictPolicy)
	}
	if c.Loop.MaxIterations <= 0 {
		return errors.New("config: loop.max_iterations must be positive")
	}
	return nil
}
