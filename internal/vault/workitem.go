// internal/vault/workitem.go
//
// The work item file codec. A work item is a markdown file with an
// optional header block of `key: value` lines delimited by `---`
// sentinel lines, followed by free-form body text. The grammar is a
// bare string scan: keys are case-sensitive, values are trimmed, no
// nesting or escaping. Unknown keys survive a parse/encode round trip
// so a peer agent's fields are never dropped.

package vault

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel delimiting the header block at top and bottom.
const headerSentinel = "---"

// Header keys the core reads as typed fields.
const (
	KeyType      = "type"
	KeyPriority  = "priority"
	KeyStatus    = "status"
	KeyCreatedBy = "created_by"
	KeyCreatedAt = "created_at"
)

// ErrUnterminatedHeader indicates an opening sentinel with no closing one.
var ErrUnterminatedHeader = errors.New("vault: unterminated work item header")

const headerTimeLayout = time.RFC3339

// Header carries the typed metadata of a work item plus any unknown
// keys, preserved in input order for forward compatibility.
type Header struct {
	Type      string
	Priority  string
	Status    string
	CreatedBy string
	CreatedAt time.Time

	// Extra holds unrecognized keys exactly as read.
	Extra map[string]string

	extraOrder []string
}

// Set records an unrecognized key, keeping first-seen order.
func (h *Header) Set(key, value string) {
	if h.Extra == nil {
		h.Extra = map[string]string{}
	}
	if _, seen := h.Extra[key]; !seen {
		h.extraOrder = append(h.extraOrder, key)
	}
	h.Extra[key] = value
}

// IsZero reports whether the header carries no fields at all.
func (h Header) IsZero() bool {
	return h.Type == "" && h.Priority == "" && h.Status == "" &&
		h.CreatedBy == "" && h.CreatedAt.IsZero() && len(h.Extra) == 0
}

// WorkItem is one unit of work: a named header+body file.
type WorkItem struct {
	Name   string
	Header Header
	Body   string
}

// ParseWorkItem decodes a work item file. Content without a leading
// sentinel is treated as an all-body item with an empty header.
func ParseWorkItem(name string, content []byte) (WorkItem, error) {
	item := WorkItem{Name: name}
	text := string(normalizeNewlines(content))

	if !strings.HasPrefix(text, headerSentinel+"\n") {
		item.Body = text
		return item, nil
	}
	rest := text[len(headerSentinel)+1:]
	end := strings.Index(rest, "\n"+headerSentinel+"\n")
	switch {
	case end >= 0:
		item.Body = rest[end+len(headerSentinel)+2:]
	case strings.HasSuffix(rest, "\n"+headerSentinel):
		end = len(rest) - len(headerSentinel) - 1
		item.Body = ""
	default:
		return WorkItem{}, fmt.Errorf("%w: %s", ErrUnterminatedHeader, name)
	}

	for _, line := range strings.Split(rest[:end], "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			// Not key: value shaped. A bare scan tolerates and drops it.
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case KeyType:
			item.Header.Type = value
		case KeyPriority:
			item.Header.Priority = value
		case KeyStatus:
			item.Header.Status = value
		case KeyCreatedBy:
			item.Header.CreatedBy = value
		case KeyCreatedAt:
			if t, err := time.Parse(headerTimeLayout, value); err == nil {
				item.Header.CreatedAt = t.UTC()
			} else {
				item.Header.Set(key, value)
			}
		default:
			item.Header.Set(key, value)
		}
	}
	return item, nil
}

// Encode renders the work item back to its file form. Items with an
// empty header are written as bare body text.
func (w WorkItem) Encode() []byte {
	if w.Header.IsZero() {
		return []byte(w.Body)
	}
	var buf bytes.Buffer
	buf.WriteString(headerSentinel + "\n")
	writeField := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s: %s\n", key, value)
		}
	}
	writeField(KeyType, w.Header.Type)
	writeField(KeyPriority, w.Header.Priority)
	writeField(KeyStatus, w.Header.Status)
	writeField(KeyCreatedBy, w.Header.CreatedBy)
	if !w.Header.CreatedAt.IsZero() {
		writeField(KeyCreatedAt, w.Header.CreatedAt.UTC().Format(headerTimeLayout))
	}
	for _, key := range w.Header.extraOrder {
		writeField(key, w.Header.Extra[key])
	}
	buf.WriteString(headerSentinel + "\n")
	buf.WriteString(w.Body)
	return buf.Bytes()
}

// Matches reports whether any keyword occurs in the item's header or
// body, compared case-insensitively. This is the eligibility predicate
// the claim coordinator evaluates before touching an item.
func (w WorkItem) Matches(keywords []string) bool {
	var sb strings.Builder
	sb.WriteString(w.Header.Type)
	sb.WriteString(" ")
	sb.WriteString(w.Header.Status)
	for _, key := range w.Header.extraOrder {
		sb.WriteString(" ")
		sb.WriteString(w.Header.Extra[key])
	}
	sb.WriteString(" ")
	sb.WriteString(w.Body)
	haystack := strings.ToLower(sb.String())
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func normalizeNewlines(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}
