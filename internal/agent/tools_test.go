package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vibelabs/vibe-server/internal/llm"
	"github.com/vibelabs/vibe-server/internal/sandbox"
)

// fakeSandbox is an in-memory Manager for agent tests.
type fakeSandbox struct {
	mu      sync.Mutex
	files   map[string]string
	execs   []string
	execFn  func(command string) (sandbox.ExecResult, error)
	writeFn func(path string) error
	stopped []string
	preview string
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{
		files:   make(map[string]string),
		preview: "http://localhost:49160",
	}
}

func (f *fakeSandbox) Create(context.Context) (string, error) { return "sbx-test", nil }

func (f *fakeSandbox) Exec(_ context.Context, _ string, command string) (sandbox.ExecResult, error) {
	f.mu.Lock()
	f.execs = append(f.execs, command)
	fn := f.execFn
	f.mu.Unlock()
	if fn != nil {
		return fn(command)
	}
	return sandbox.ExecResult{Stdout: "ok"}, nil
}

func (f *fakeSandbox) WriteFile(_ context.Context, _ string, path, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeFn != nil {
		if err := f.writeFn(path); err != nil {
			return err
		}
	}
	f.files[path] = content
	return nil
}

func (f *fakeSandbox) ReadFile(_ context.Context, _ string, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[path]
	if !ok {
		return "", fmt.Errorf("no such file %s", path)
	}
	return content, nil
}

func (f *fakeSandbox) PreviewURL(context.Context, string) (string, error) {
	return f.preview, nil
}

func (f *fakeSandbox) Stop(_ context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, sandboxID)
	return nil
}

func (f *fakeSandbox) ReapExpired(context.Context, time.Duration) (int, error) { return 0, nil }

func (f *fakeSandbox) fileContent(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path]
}

func (f *fakeSandbox) stoppedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stopped)
}

func (f *fakeSandbox) EnsureNetwork(context.Context) (string, error) { return "net-test", nil }

func toolCall(t *testing.T, name string, args any) llm.ToolCall {
	t.Helper()
	raw, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	return llm.ToolCall{
		ID:   "call-1",
		Type: "function",
		Function: llm.ToolCallFunction{
			Name:      name,
			Arguments: string(raw),
		},
	}
}

func TestTerminalReturnsFailureAsText(t *testing.T) {
	sbx := newFakeSandbox()
	sbx.execFn = func(string) (sandbox.ExecResult, error) {
		return sandbox.ExecResult{Stdout: "partial output", Stderr: "npm ERR! not found", ExitCode: 1}, nil
	}
	toolbox := NewToolbox(sbx, "sbx-test")
	state := NewRunState()

	result := toolbox.Execute(context.Background(),
		toolCall(t, "terminal", terminalArgs{Command: "npm install missing"}), state)

	if !strings.Contains(result, "Error:") {
		t.Errorf("expected error text, got %q", result)
	}
	if !strings.Contains(result, "partial output") || !strings.Contains(result, "npm ERR! not found") {
		t.Errorf("captured output missing from result: %q", result)
	}
}

func TestTerminalSuccess(t *testing.T) {
	sbx := newFakeSandbox()
	toolbox := NewToolbox(sbx, "sbx-test")

	result := toolbox.Execute(context.Background(),
		toolCall(t, "terminal", terminalArgs{Command: "ls"}), NewRunState())

	if result != "ok" {
		t.Errorf("expected stdout, got %q", result)
	}
	if len(sbx.execs) != 1 || sbx.execs[0] != "ls" {
		t.Errorf("unexpected exec log %v", sbx.execs)
	}
}

func TestCreateOrUpdateFilesMergesOnlyOnFullSuccess(t *testing.T) {
	sbx := newFakeSandbox()
	sbx.writeFn = func(path string) error {
		if path == "bad.ts" {
			return errors.New("disk full")
		}
		return nil
	}
	toolbox := NewToolbox(sbx, "sbx-test")
	state := NewRunState()

	result := toolbox.Execute(context.Background(),
		toolCall(t, "create_or_update_files", createFilesArgs{Files: []FileInput{
			{Path: "app/page.tsx", Content: "page"},
			{Path: "bad.ts", Content: "x"},
		}}), state)

	if !strings.Contains(result, "Error:") {
		t.Errorf("expected error text, got %q", result)
	}
	if len(state.Files) != 0 {
		t.Errorf("partial failure must not mutate state, got %v", state.Files)
	}

	sbx.writeFn = nil
	result = toolbox.Execute(context.Background(),
		toolCall(t, "create_or_update_files", createFilesArgs{Files: []FileInput{
			{Path: "app/page.tsx", Content: "page"},
		}}), state)

	if strings.Contains(result, "Error:") {
		t.Fatalf("unexpected error: %q", result)
	}
	if state.Files["app/page.tsx"] != "page" {
		t.Errorf("expected file merged into state, got %v", state.Files)
	}
}

func TestReadFilesSerializesContents(t *testing.T) {
	sbx := newFakeSandbox()
	sbx.files["lib/utils.ts"] = "export const noop = () => {}"
	toolbox := NewToolbox(sbx, "sbx-test")

	result := toolbox.Execute(context.Background(),
		toolCall(t, "read_files", readFilesArgs{Paths: []string{"lib/utils.ts"}}), NewRunState())

	var decoded []FileInput
	if err := json.Unmarshal([]byte(result), &decoded); err != nil {
		t.Fatalf("result is not JSON: %v (%q)", err, result)
	}
	if len(decoded) != 1 || decoded[0].Path != "lib/utils.ts" || decoded[0].Content == "" {
		t.Errorf("unexpected contents %+v", decoded)
	}

	result = toolbox.Execute(context.Background(),
		toolCall(t, "read_files", readFilesArgs{Paths: []string{"missing.ts"}}), NewRunState())
	if !strings.Contains(result, "Error:") {
		t.Errorf("expected error text for missing file, got %q", result)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	toolbox := NewToolbox(newFakeSandbox(), "sbx-test")
	result := toolbox.Execute(context.Background(),
		toolCall(t, "delete_everything", map[string]string{}), NewRunState())
	if !strings.Contains(result, "Error:") {
		t.Errorf("expected error text, got %q", result)
	}
}
