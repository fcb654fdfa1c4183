// internal/vault/vault.go
//
// Defines the vault directory structure shared by the cloud and local
// agents. The vault is the system of record: every work item, claim,
// log, and report lives somewhere in this tree so the peer agent can
// observe it after the next sync.

package vault

import (
	"os"
	"path/filepath"
)

// Well-known directories inside the vault.
const (
	PendingDir  = "Pending"
	OwnedDir    = "Owned"
	ApprovedDir = "Approved"
	RejectedDir = "Rejected"
	DoneDir     = "Done"
	AuditDir    = "Audit"
	LoopsDir    = "Loops"
	LogsDir     = "Logs"
	SignalsDir  = "Signals"
	UpdatesDir  = "Updates"
)

// Audit file names inside <vault>/Audit/.
const (
	FileAuditLog     = "audit_log.jsonl"
	FileSensitiveLog = "sensitive_log.jsonl"
	FileErrorLog     = "error_log.jsonl"
	FileRecoveryLog  = "recovery_log.jsonl"
)

// Layout resolves paths inside a vault rooted at a single directory.
type Layout struct {
	root string
}

// NewLayout creates a layout for the vault rooted at root.
func NewLayout(root string) *Layout {
	return &Layout{root: filepath.Clean(root)}
}

// Root returns the vault root directory.
func (l *Layout) Root() string { return l.root }

// Pending returns the shared drop directory for unclaimed work items.
func (l *Layout) Pending() string { return filepath.Join(l.root, PendingDir) }

// Owned returns the ownership directory for the given agent.
func (l *Layout) Owned(agentID string) string {
	return filepath.Join(l.root, OwnedDir, agentID)
}

// OwnedRoot returns the parent directory holding every agent's claims.
func (l *Layout) OwnedRoot() string { return filepath.Join(l.root, OwnedDir) }

// Approved returns the directory for items an operator approved.
func (l *Layout) Approved() string { return filepath.Join(l.root, ApprovedDir) }

// Rejected returns the directory for items an operator rejected.
func (l *Layout) Rejected() string { return filepath.Join(l.root, RejectedDir) }

// Done returns the terminal directory for completed items.
func (l *Layout) Done() string { return filepath.Join(l.root, DoneDir) }

// Audit returns the directory holding ledgers and generated reports.
func (l *Layout) Audit() string { return filepath.Join(l.root, AuditDir) }

// Loops returns the directory holding persisted loop state documents.
func (l *Layout) Loops() string { return filepath.Join(l.root, LoopsDir) }

// Logs returns the directory for process logbooks and activity files.
func (l *Layout) Logs() string { return filepath.Join(l.root, LogsDir) }

// Signals returns the directory agents use for health signals.
func (l *Layout) Signals() string { return filepath.Join(l.root, SignalsDir) }

// Updates returns the directory agents use for peer-visible update notes.
func (l *Layout) Updates() string { return filepath.Join(l.root, UpdatesDir) }

// StateDirs returns every directory a work item may legally occupy,
// including each agent's ownership directory currently on disk.
func (l *Layout) StateDirs() []string {
	dirs := []string{l.Pending(), l.Approved(), l.Rejected(), l.Done()}
	entries, err := os.ReadDir(l.OwnedRoot())
	if err != nil {
		return dirs
	}
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, filepath.Join(l.OwnedRoot(), entry.Name()))
		}
	}
	return dirs
}

// Init creates the vault directory structure. Safe to call repeatedly.
//
// Structure created:
//
//	<vault>/
//	├── Pending/    <- producers drop work items here
//	├── Owned/      <- per-agent claim directories
//	├── Approved/   <- operator approved items
//	├── Rejected/   <- operator rejected items
//	├── Done/       <- completed items
//	├── Audit/      <- ledgers, error/recovery logs, reports
//	├── Loops/      <- persisted iteration loop state
//	├── Logs/       <- process logbooks
//	├── Signals/    <- agent health signals
//	└── Updates/    <- cross-agent update notes
func (l *Layout) Init() error {
	dirs := []string{
		l.Pending(),
		l.OwnedRoot(),
		l.Approved(),
		l.Rejected(),
		l.Done(),
		l.Audit(),
		l.Loops(),
		l.Logs(),
		l.Signals(),
		l.Updates(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
