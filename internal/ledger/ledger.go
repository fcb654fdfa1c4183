// internal/ledger/ledger.go
//
// Append-only audit ledger with two tiers. Standard records go to
// audit_log.jsonl; sensitive records are written in full to an isolated
// sensitive_log.jsonl while the main ledger keeps a redacted copy, so
// the action still appears in the primary timeline without disclosing
// its detail. One JSON object per line; readers tolerate torn lines.

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action enumerates the audited action taxonomy.
type Action string

const (
	ActionFileRead        Action = "file_read"
	ActionFileWrite       Action = "file_write"
	ActionFileDelete      Action = "file_delete"
	ActionEmailSend       Action = "email_send"
	ActionEmailDraft      Action = "email_draft"
	ActionSocialPost      Action = "social_post"
	ActionSocialDraft     Action = "social_draft"
	ActionWatcherStart    Action = "watcher_start"
	ActionWatcherStop     Action = "watcher_stop"
	ActionWatcherError    Action = "watcher_error"
	ActionApprovalRequest Action = "approval_request"
	ActionApprovalGranted Action = "approval_granted"
	ActionApprovalDenied  Action = "approval_denied"
	ActionPlanCreate      Action = "plan_create"
	ActionPlanExecute     Action = "plan_execute"
	ActionError           Action = "error"
	ActionRecovery        Action = "recovery"
	ActionCustom          Action = "custom"
)

// Level is the sensitivity/verbosity class of a record.
type Level string

const (
	LevelEssential Level = "essential"
	LevelStandard  Level = "standard"
	LevelVerbose   Level = "verbose"
	LevelSensitive Level = "sensitive"
)

// RedactionPlaceholder replaces detail in the main ledger's copy of a
// sensitive record.
const RedactionPlaceholder = "[REDACTED - see sensitive log]"

// Record statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusLogged    = "logged"
)

// DefaultUser attributes records with no explicit actor.
const DefaultUser = "agent"

// Record is one immutable audit entry. Details is a string map on the
// way in; on the main-ledger copy of a sensitive record it is the
// redaction placeholder string, which is why the field is typed open.
type Record struct {
	RecordID     string    `json:"record_id"`
	Action       Action    `json:"action"`
	Level        Level     `json:"level"`
	Component    string    `json:"component"`
	Details      any       `json:"details,omitempty"`
	User         string    `json:"user"`
	Status       string    `json:"status"`
	RelatedFiles []string  `json:"related_files,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// verbosity ranks the filterable levels. Sensitive is a handling class,
// not a verbosity, and always passes the filter.
func verbosity(level Level) (int, bool) {
	switch level {
	case LevelEssential:
		return 0, true
	case LevelStandard:
		return 1, true
	case LevelVerbose:
		return 2, true
	default:
		return 0, false
	}
}

// Ledger writes and queries the audit logs inside one directory.
type Ledger struct {
	dir      string
	minLevel Level
	mu       sync.Mutex
}

// New creates a ledger writing under dir with the given minimum
// verbosity. Records more verbose than minLevel are dropped entirely.
func New(dir string, minLevel Level) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: ensure audit dir: %w", err)
	}
	if _, ok := verbosity(minLevel); !ok {
		return nil, fmt.Errorf("ledger: min level %q not filterable", minLevel)
	}
	return &Ledger{dir: dir, minLevel: minLevel}, nil
}

// MainLogPath returns the primary ledger file.
func (l *Ledger) MainLogPath() string { return filepath.Join(l.dir, "audit_log.jsonl") }

// SensitiveLogPath returns the isolated sensitive ledger file.
func (l *Ledger) SensitiveLogPath() string { return filepath.Join(l.dir, "sensitive_log.jsonl") }

func (l *Ledger) shouldWrite(level Level) bool {
	rank, ok := verbosity(level)
	if !ok {
		return true // sensitive always recorded
	}
	min, _ := verbosity(l.minLevel)
	return rank <= min
}

func (l *Ledger) newRecord(action Action, component string, opts []Option) Record {
	record := Record{
		RecordID:  fmt.Sprintf("AUD-%s-%s", time.Now().UTC().Format("20060102150405"), uuid.NewString()[:8]),
		Action:    action,
		Level:     LevelStandard,
		Component: component,
		User:      DefaultUser,
		Status:    StatusStarted,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&record)
	}
	return record
}

// Option customizes a record at creation time.
type Option func(*Record)

// WithLevel sets the record level.
func WithLevel(level Level) Option {
	return func(r *Record) { r.Level = level }
}

// WithDetails attaches structured detail.
func WithDetails(details map[string]string) Option {
	return func(r *Record) {
		if len(details) > 0 {
			r.Details = details
		}
	}
}

// WithUser overrides the acting user.
func WithUser(user string) Option {
	return func(r *Record) { r.User = user }
}

// WithRelatedFiles attaches file paths touched by the action.
func WithRelatedFiles(files ...string) Option {
	return func(r *Record) { r.RelatedFiles = files }
}

// Active is a record in progress, produced by Begin. A nil Active is
// valid and does nothing: it is returned when the level filter drops
// the record.
type Active struct {
	ledger *Ledger
	record Record
	closed bool
}

// Begin opens a scoped record for a named action. The caller must
// Close it exactly once; Close finalizes the record on both the
// success and failure paths.
func (l *Ledger) Begin(action Action, component string, opts ...Option) *Active {
	record := l.newRecord(action, component, opts)
	if !l.shouldWrite(record.Level) {
		return nil
	}
	return &Active{ledger: l, record: record}
}

// Record returns a copy of the in-progress record.
func (a *Active) Record() Record {
	if a == nil {
		return Record{}
	}
	return a.record
}

// Close finalizes the record: completed when err is nil, failed with
// the error's message otherwise. The first call writes the record and
// returns any ledger write failure; later calls are no-ops. A write
// failure must propagate: losing the audit trail silently is worse
// than failing the action.
func (a *Active) Close(actionErr error) error {
	if a == nil || a.closed {
		return nil
	}
	a.closed = true
	a.record.DurationMS = time.Since(a.record.Timestamp).Milliseconds()
	if actionErr != nil {
		a.record.Status = StatusFailed
		a.record.ErrorMessage = actionErr.Error()
	} else {
		a.record.Status = StatusCompleted
	}
	return a.ledger.write(a.record)
}

// Log records a fire-and-forget action in one call.
func (l *Ledger) Log(action Action, component string, opts ...Option) (Record, error) {
	record := l.newRecord(action, component, opts)
	record.Status = StatusLogged
	if !l.shouldWrite(record.Level) {
		return Record{}, nil
	}
	if err := l.write(record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// write appends the record to the appropriate ledgers.
func (l *Ledger) write(record Record) error {
	if record.Level == LevelSensitive {
		if err := l.appendLine(l.SensitiveLogPath(), record); err != nil {
			return err
		}
		redacted := record
		redacted.Details = RedactionPlaceholder
		return l.appendLine(l.MainLogPath(), redacted)
	}
	return l.appendLine(l.MainLogPath(), record)
}

func (l *Ledger) appendLine(path string, record Record) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("ledger: encode record: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ledger: open %s: %w", filepath.Base(path), err)
	}
	defer file.Close()
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("ledger: append %s: %w", filepath.Base(path), err)
	}
	return nil
}

// readLines decodes every well-formed record in a JSONL file, skipping
// malformed or torn lines.
func readLines(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", filepath.Base(path), err)
	}
	var records []Record
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
