// internal/gitstore/ignore.go
//
// Security exclusions for the replicated store. Credentials, sessions,
// tokens, and keys must never enter the shared history, so they are
// excluded structurally through the ignore mechanism rather than
// filtered per sync call.

package gitstore

import (
	"fmt"
	"os"
	"path/filepath"
)

const ignoreRules = `# Security - never replicate these
.env
*.env
.env.local
.env.production

# Messaging sessions
*.session
*.session-journal

# Credentials and tokens
*credentials*
*secrets*
*tokens*

# Private keys
*.pem
*.key
id_*

# Agent-local state
.covault/
*.local

# Process logs stay local; only summaries are replicated
Logs/*.log
`

// writeIgnoreRules installs the deny-list into the repository.
func (s *Store) writeIgnoreRules() error {
	path := filepath.Join(s.root, ".gitignore")
	if err := os.WriteFile(path, []byte(ignoreRules), 0o644); err != nil {
		return fmt.Errorf("gitstore: write ignore rules: %w", err)
	}
	s.log.Info("security ignore rules written")
	return nil
}
