// internal/vault/claim.go
//
// Claim-by-move: the first agent to rename an item out of Pending/ into
// its own Owned/<agent>/ directory owns it. The rename is the lock:
// the filesystem guarantees exactly one winner when two processes race
// the same source path, so no separate lock object exists. Losing the
// race is an expected outcome, not an error.

package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ClaimRecordSuffix is appended to an owned item's name to form its
// companion claim record.
const ClaimRecordSuffix = ".claim.json"

// ClaimRecord is provenance written alongside a freshly claimed item.
// It exists only while the item is owned.
type ClaimRecord struct {
	Task             string    `json:"task"`
	ClaimedBy        string    `json:"claimed_by"`
	ClaimedAt        time.Time `json:"claimed_at"`
	OriginalLocation string    `json:"original_location"`
}

// Eligibility decides whether an agent's role covers a work item.
// Ineligible items are left untouched so the peer may claim them.
type Eligibility func(WorkItem) bool

// KeywordEligibility builds the standard keyword-match predicate.
func KeywordEligibility(keywords []string) Eligibility {
	return func(item WorkItem) bool { return item.Matches(keywords) }
}

// Coordinator claims and releases work items for one agent.
type Coordinator struct {
	layout   *Layout
	agentID  string
	eligible Eligibility
}

// NewCoordinator creates a coordinator for the given agent. The
// eligibility predicate may be nil, in which case every item is
// eligible.
func NewCoordinator(layout *Layout, agentID string, eligible Eligibility) (*Coordinator, error) {
	if agentID == "" {
		return nil, errors.New("vault: agent id is required")
	}
	if err := os.MkdirAll(layout.Owned(agentID), 0o755); err != nil {
		return nil, fmt.Errorf("vault: ensure owned dir: %w", err)
	}
	return &Coordinator{layout: layout, agentID: agentID, eligible: eligible}, nil
}

// AgentID returns the owning agent's identifier.
func (c *Coordinator) AgentID() string { return c.agentID }

// AttemptClaim tries to take exclusive ownership of the named pending
// item. It returns (false, nil) when the item is ineligible or another
// process renamed it first; both are normal concurrent outcomes. A
// successful claim writes a companion ClaimRecord for provenance.
func (c *Coordinator) AttemptClaim(name string) (bool, error) {
	source := filepath.Join(c.layout.Pending(), name)

	content, err := os.ReadFile(source)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vault: read pending item: %w", err)
	}
	item, err := ParseWorkItem(name, content)
	if err != nil {
		return false, err
	}
	if c.eligible != nil && !c.eligible(item) {
		return false, nil
	}

	destination := filepath.Join(c.layout.Owned(c.agentID), name)
	if err := os.Rename(source, destination); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Lost the race: the peer renamed it away first.
			return false, nil
		}
		return false, fmt.Errorf("vault: claim rename: %w", err)
	}

	if err := c.writeClaimRecord(name); err != nil {
		return true, err
	}
	return true, nil
}

func (c *Coordinator) writeClaimRecord(name string) error {
	record := ClaimRecord{
		Task:             name,
		ClaimedBy:        c.agentID,
		ClaimedAt:        time.Now().UTC(),
		OriginalLocation: "/" + PendingDir + "/" + name,
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode claim record: %w", err)
	}
	path := filepath.Join(c.layout.Owned(c.agentID), name+ClaimRecordSuffix)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("vault: write claim record: %w", err)
	}
	return nil
}

// Release moves an owned item into the destination directory (Done, or
// back to Pending for reassignment) and removes its claim record. This
// is the only way ownership ends.
func (c *Coordinator) Release(name, destinationDir string) error {
	source := filepath.Join(c.layout.Owned(c.agentID), name)
	destination := filepath.Join(c.layout.Root(), destinationDir)
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return fmt.Errorf("vault: ensure destination: %w", err)
	}
	if err := os.Rename(source, filepath.Join(destination, name)); err != nil {
		return fmt.Errorf("vault: release rename: %w", err)
	}
	recordPath := source + ClaimRecordSuffix
	if err := os.Remove(recordPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("vault: remove claim record: %w", err)
	}
	return nil
}

// PendingItems lists unclaimed markdown items, sorted by name.
func (c *Coordinator) PendingItems() ([]string, error) {
	return listItems(c.layout.Pending())
}

// OwnedItems lists items currently claimed by this agent.
func (c *Coordinator) OwnedItems() ([]string, error) {
	return listItems(c.layout.Owned(c.agentID))
}

// Claims reports every agent's current claims, keyed by agent id.
func (c *Coordinator) Claims() (map[string][]string, error) {
	claims := map[string][]string{}
	entries, err := os.ReadDir(c.layout.OwnedRoot())
	if errors.Is(err, fs.ErrNotExist) {
		return claims, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read owned root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		items, err := listItems(filepath.Join(c.layout.OwnedRoot(), entry.Name()))
		if err != nil {
			return nil, err
		}
		claims[entry.Name()] = items
	}
	return claims, nil
}

// ReadClaimRecord loads the companion record for one of the given
// agent's owned items.
func (c *Coordinator) ReadClaimRecord(agentID, name string) (ClaimRecord, error) {
	path := filepath.Join(c.layout.Owned(agentID), name+ClaimRecordSuffix)
	data, err := os.ReadFile(path)
	if err != nil {
		return ClaimRecord{}, fmt.Errorf("vault: read claim record: %w", err)
	}
	var record ClaimRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return ClaimRecord{}, fmt.Errorf("vault: decode claim record: %w", err)
	}
	return record, nil
}

// SweepStale returns peer-owned items whose claims are older than
// maxAge to Pending so a live agent can pick them up again. Items owned
// by this agent and claims younger than maxAge are left alone. It
// returns the names of the items it reassigned.
func (c *Coordinator) SweepStale(maxAge time.Duration, now time.Time) ([]string, error) {
	if maxAge <= 0 {
		return nil, nil
	}
	claims, err := c.Claims()
	if err != nil {
		return nil, err
	}
	var reassigned []string
	for agentID, items := range claims {
		if agentID == c.agentID {
			continue
		}
		for _, name := range items {
			record, err := c.ReadClaimRecord(agentID, name)
			if err != nil {
				// No readable record: age is unknown, leave it be.
				continue
			}
			if now.Sub(record.ClaimedAt) <= maxAge {
				continue
			}
			source := filepath.Join(c.layout.Owned(agentID), name)
			if err := os.Rename(source, filepath.Join(c.layout.Pending(), name)); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return reassigned, fmt.Errorf("vault: sweep rename: %w", err)
			}
			_ = os.Remove(source + ClaimRecordSuffix)
			reassigned = append(reassigned, name)
		}
	}
	sort.Strings(reassigned)
	return reassigned, nil
}

func listItems(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", dir, err)
	}
	var items []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		items = append(items, entry.Name())
	}
	sort.Strings(items)
	return items, nil
}
