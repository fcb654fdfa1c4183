// internal/loop/marker.go
//
// Text scanning for completion signals: the promise marker embedded in
// executor output and the checkbox checklist in a checkpoint file. Kept
// apart from the state machine so the grammar can be tested on its own.

package loop

import "strings"

const (
	promiseOpen  = "<promise>"
	promiseClose = "</promise>"
)

// completionTokens are the payloads accepted inside a promise marker.
// Matching is case-insensitive.
var completionTokens = map[string]struct{}{
	"TASK_COMPLETE": {},
	"PLAN_COMPLETE": {},
	"ALL_COMPLETE":  {},
	"DONE":          {},
	"FINISHED":      {},
	"COMPLETE":      {},
}

// DetectPromise scans output for a <promise>TOKEN</promise> marker and
// returns the normalized token. An opening tag with no closing tag
// never matches; anything else in the output is ignored.
//
// All indexing happens on the lowered copy: Unicode case mapping can
// change byte lengths, so offsets into the lowered string must never be
// applied to the original. The accepted tokens are ASCII, so lowering
// and re-uppering the payload loses nothing.
func DetectPromise(output string) (string, bool) {
	lower := strings.ToLower(output)
	start := 0
	for {
		open := strings.Index(lower[start:], promiseOpen)
		if open < 0 {
			return "", false
		}
		open += start + len(promiseOpen)
		end := strings.Index(lower[open:], promiseClose)
		if end < 0 {
			return "", false
		}
		token := strings.ToUpper(strings.TrimSpace(lower[open : open+end]))
		if _, ok := completionTokens[token]; ok {
			return token, true
		}
		start = open + end + len(promiseClose)
	}
}

// CheckpointCounts counts markdown checkbox entries in content. A line
// whose trimmed form starts with "- [ ]" is unchecked; "- [x]" (either
// case) is checked. Everything else is not a checkpoint.
func CheckpointCounts(content string) (checked, total int) {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "- [ ]"):
			total++
		case strings.HasPrefix(trimmed, "- [x]"), strings.HasPrefix(trimmed, "- [X]"):
			total++
			checked++
		}
	}
	return checked, total
}
