package agent

import "testing"

func TestParseTaskSummary(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{
			name: "enclosed summary",
			text: "done\n<task_summary>\nBuilt a landing page.\n</task_summary>",
			want: "Built a landing page.",
			ok:   true,
		},
		{
			name: "missing close tag captures rest",
			text: "<task_summary>Built a page",
			want: "Built a page",
			ok:   true,
		},
		{
			name: "no sentinel",
			text: "still installing dependencies",
			ok:   false,
		},
		{
			name: "empty sentinel",
			text: "<task_summary>  </task_summary>",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTaskSummary(tt.text)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseTaskSummary(%q) = %q, %v; want %q, %v", tt.text, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestMergeFilesLastWriteWins(t *testing.T) {
	state := NewRunState()

	state.MergeFiles(map[string]string{"app/page.tsx": "v1", "lib/utils.ts": "util"})
	state.MergeFiles(map[string]string{"app/page.tsx": "v2"})

	if state.Files["app/page.tsx"] != "v2" {
		t.Errorf("expected last write to win, got %q", state.Files["app/page.tsx"])
	}
	if state.Files["lib/utils.ts"] != "util" {
		t.Errorf("untouched path was modified: %q", state.Files["lib/utils.ts"])
	}

	// Replaying the same update is a no-op.
	state.MergeFiles(map[string]string{"app/page.tsx": "v2"})
	if len(state.Files) != 2 {
		t.Errorf("expected 2 files, got %d", len(state.Files))
	}
}

func TestRoute(t *testing.T) {
	state := NewRunState()
	if Route(state) != Continue {
		t.Error("expected Continue for empty summary")
	}

	state.Files["app/page.tsx"] = "content"
	if Route(state) != Continue {
		t.Error("files alone must not stop the loop")
	}

	state.Summary = "done"
	if Route(state) != Stop {
		t.Error("expected Stop once summary is set")
	}
}
