package vault

import (
	"strings"
	"testing"
	"time"
)

func TestParseWorkItemTypedAndExtraKeys(t *testing.T) {
	content := "---\r\ntype: email_draft\npriority: high\nstatus: pending_approval\ncreated_by: cloud_agent\ncreated_at: 2024-01-01T10:00:00Z\nthread: T-42\nchannel: gmail\n---\nDraft the reply.\n"
	item, err := ParseWorkItem("FILE_20240101_x.md", []byte(content))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if item.Header.Type != "email_draft" {
		t.Fatalf("type = %q, want email_draft", item.Header.Type)
	}
	if item.Header.Priority != "high" || item.Header.Status != "pending_approval" {
		t.Fatalf("priority/status = %q/%q", item.Header.Priority, item.Header.Status)
	}
	want := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !item.Header.CreatedAt.Equal(want) {
		t.Fatalf("created_at = %v, want %v", item.Header.CreatedAt, want)
	}
	if item.Header.Extra["thread"] != "T-42" || item.Header.Extra["channel"] != "gmail" {
		t.Fatalf("extra = %v", item.Header.Extra)
	}
	if item.Body != "Draft the reply.\n" {
		t.Fatalf("body = %q", item.Body)
	}
}

func TestParseWorkItemWithoutHeaderIsAllBody(t *testing.T) {
	item, err := ParseWorkItem("note.md", []byte("just a note\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !item.Header.IsZero() {
		t.Fatalf("header = %+v, want zero", item.Header)
	}
	if item.Body != "just a note\n" {
		t.Fatalf("body = %q", item.Body)
	}
}

func TestParseWorkItemUnterminatedHeader(t *testing.T) {
	_, err := ParseWorkItem("bad.md", []byte("---\ntype: email\nno closing fence\n"))
	if err == nil {
		t.Fatal("expected error for unterminated header")
	}
}

func TestEncodeRoundTripPreservesUnknownKeys(t *testing.T) {
	original := "---\ntype: invoice\naccount: ACC-100\nregion: eu-west\n---\nPay it.\n"
	item, err := ParseWorkItem("inv.md", []byte(original))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	again, err := ParseWorkItem("inv.md", item.Encode())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Header.Type != "invoice" {
		t.Fatalf("type lost: %q", again.Header.Type)
	}
	if again.Header.Extra["account"] != "ACC-100" || again.Header.Extra["region"] != "eu-west" {
		t.Fatalf("extra keys lost: %v", again.Header.Extra)
	}
	if again.Body != "Pay it.\n" {
		t.Fatalf("body = %q", again.Body)
	}
	// Unknown keys keep their input order on re-encode.
	encoded := string(item.Encode())
	if strings.Index(encoded, "account:") > strings.Index(encoded, "region:") {
		t.Fatalf("extra key order not preserved:\n%s", encoded)
	}
}

func TestMatchesIsCaseInsensitive(t *testing.T) {
	item := WorkItem{Body: "Please reply to the Email from the client."}
	if !item.Matches([]string{"email"}) {
		t.Fatal("expected keyword match on body")
	}
	item = WorkItem{Header: Header{Type: "SOCIAL_post"}}
	if !item.Matches([]string{"social"}) {
		t.Fatal("expected keyword match on header type")
	}
	if item.Matches([]string{"payment", "bank"}) {
		t.Fatal("unexpected match")
	}
}
