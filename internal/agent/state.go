// Package agent implements the code-agent workflow: an LLM-driven coding
// loop run against an ephemeral sandbox, producing a fragment of generated
// files plus a preview URL.
package agent

import "strings"

const (
	taskSummaryOpenTag  = "<task_summary>"
	taskSummaryCloseTag = "</task_summary>"
)

// RunState is the mutable shared state of one agent run. It is exclusively
// owned by the job instance executing the run; tool handlers receive it
// explicitly and the loop merges their updates back.
type RunState struct {
	Summary string
	Files   map[string]string
}

// NewRunState returns an empty run state.
func NewRunState() *RunState {
	return &RunState{Files: make(map[string]string)}
}

// MergeFiles applies updates with last-write-wins semantics per path.
// Existing paths are untouched unless included in updates, and applying the
// same update twice is a no-op.
func (s *RunState) MergeFiles(updates map[string]string) {
	for path, content := range updates {
		s.Files[path] = content
	}
}

// ParseTaskSummary scans assistant output for the sentinel marker and
// returns the enclosed summary text. The sentinel is the loop's only stop
// signal; an agent that never emits it runs until the iteration cap.
func ParseTaskSummary(text string) (string, bool) {
	start := strings.Index(text, taskSummaryOpenTag)
	if start < 0 {
		return "", false
	}
	rest := text[start+len(taskSummaryOpenTag):]
	if end := strings.Index(rest, taskSummaryCloseTag); end >= 0 {
		rest = rest[:end]
	}
	summary := strings.TrimSpace(rest)
	if summary == "" {
		return "", false
	}
	return summary, true
}
