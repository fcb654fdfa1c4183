package loop

import "testing"

func TestDetectPromise(t *testing.T) {
	cases := []struct {
		name   string
		output string
		token  string
		want   bool
	}{
		{"plain token", "work done <promise>TASK_COMPLETE</promise>", "TASK_COMPLETE", true},
		{"lowercase token", "<promise>task_complete</promise>", "TASK_COMPLETE", true},
		{"mixed case tags", "<PROMISE>Done</PROMISE>", "DONE", true},
		{"padded payload", "<promise>  finished  </promise>", "FINISHED", true},
		{"embedded mid-sentence", "step ok. <promise>ALL_COMPLETE</promise> bye", "ALL_COMPLETE", true},
		{"unknown token", "<promise>MAYBE_DONE</promise>", "", false},
		{"multibyte case-fold before marker", "Ⱥ note <promise>TASK_COMPLETE</promise>", "TASK_COMPLETE", true},
		{"long multibyte prefix", "ȺȺȺȺȺȺȺȺȺȺȺ<promise>TASK_COMPLETE</promise>", "TASK_COMPLETE", true},
		{"unterminated tag", "<promise>TASK_COMPLETE", "", false},
		{"no marker", "still working on it", "", false},
		{"bad first marker, good second", "<promise>nope</promise> <promise>COMPLETE</promise>", "COMPLETE", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			token, ok := DetectPromise(tc.output)
			if ok != tc.want || token != tc.token {
				t.Fatalf("DetectPromise(%q) = %q, %v; want %q, %v", tc.output, token, ok, tc.token, tc.want)
			}
		})
	}
}

func TestCheckpointCounts(t *testing.T) {
	content := `# Plan

- [x] draft the email
- [ ] get approval
  - [X] nested done item
not a checkbox
- [] malformed box
`
	checked, total := CheckpointCounts(content)
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if checked != 2 {
		t.Fatalf("checked = %d, want 2", checked)
	}
}
