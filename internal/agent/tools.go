package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vibelabs/vibe-server/internal/llm"
	"github.com/vibelabs/vibe-server/internal/sandbox"
)

// ToolError is a failed tool invocation plus whatever output was captured
// before the failure. Tool failures are data the model reasons about, never
// workflow failures: they are formatted into the tool result text and the
// loop keeps going.
type ToolError struct {
	Msg    string
	Stdout string
	Stderr string
}

func (e *ToolError) Error() string { return e.Msg }

// Text renders the error for the model, including captured output so the
// model can see what the command printed before failing.
func (e *ToolError) Text() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.Msg)
	if e.Stdout != "" {
		b.WriteString("\nstdout: ")
		b.WriteString(e.Stdout)
	}
	if e.Stderr != "" {
		b.WriteString("\nstderr: ")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

// Toolbox executes the agent's tools against one sandbox. Handlers never
// touch shared run state; file updates are returned to the loop, which owns
// the merge.
type Toolbox struct {
	sandbox   sandbox.Manager
	sandboxID string
}

// NewToolbox binds the tool handlers to a provisioned sandbox.
func NewToolbox(mgr sandbox.Manager, sandboxID string) *Toolbox {
	return &Toolbox{sandbox: mgr, sandboxID: sandboxID}
}

// FileInput is one file in a create_or_update_files call.
type FileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type terminalArgs struct {
	Command string `json:"command"`
}

type createFilesArgs struct {
	Files []FileInput `json:"files"`
}

type readFilesArgs struct {
	Paths []string `json:"paths"`
}

// ToolDefs returns the function tool definitions advertised to the model.
func ToolDefs() []llm.Tool {
	return []llm.Tool{
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        "terminal",
				Description: "Run a shell command inside the sandbox and return its output.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"command": {"type": "string", "description": "The shell command to run."}
					},
					"required": ["command"]
				}`),
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        "create_or_update_files",
				Description: "Create or overwrite files in the sandbox. Each entry carries the full file content.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"files": {
							"type": "array",
							"items": {
								"type": "object",
								"properties": {
									"path": {"type": "string", "description": "Path relative to the project root."},
									"content": {"type": "string", "description": "Full file content."}
								},
								"required": ["path", "content"]
							}
						}
					},
					"required": ["files"]
				}`),
			},
		},
		{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        "read_files",
				Description: "Read files from the sandbox and return their contents.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"paths": {
							"type": "array",
							"items": {"type": "string"},
							"description": "Paths relative to the project root."
						}
					},
					"required": ["paths"]
				}`),
			},
		},
	}
}

// Execute dispatches one tool call and returns the result text for the
// model. File updates from a fully successful create_or_update_files call
// are merged into state; a partial failure mutates nothing.
func (t *Toolbox) Execute(ctx context.Context, call llm.ToolCall, state *RunState) string {
	switch call.Function.Name {
	case "terminal":
		var args terminalArgs
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "Error: invalid terminal arguments: " + err.Error()
		}
		out, toolErr := t.Terminal(ctx, args.Command)
		if toolErr != nil {
			return toolErr.Text()
		}
		return out

	case "create_or_update_files":
		var args createFilesArgs
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "Error: invalid create_or_update_files arguments: " + err.Error()
		}
		updates, toolErr := t.CreateOrUpdateFiles(ctx, args.Files)
		if toolErr != nil {
			return toolErr.Text()
		}
		state.MergeFiles(updates)
		paths := make([]string, 0, len(args.Files))
		for _, f := range args.Files {
			paths = append(paths, f.Path)
		}
		return "Files created or updated: " + strings.Join(paths, ", ")

	case "read_files":
		var args readFilesArgs
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "Error: invalid read_files arguments: " + err.Error()
		}
		out, toolErr := t.ReadFiles(ctx, args.Paths)
		if toolErr != nil {
			return toolErr.Text()
		}
		return out

	default:
		return fmt.Sprintf("Error: unknown tool %q", call.Function.Name)
	}
}

// Terminal runs a shell command in the sandbox. A non-zero exit code is a
// ToolError carrying the captured output.
func (t *Toolbox) Terminal(ctx context.Context, command string) (string, *ToolError) {
	if strings.TrimSpace(command) == "" {
		return "", &ToolError{Msg: "empty command"}
	}
	res, err := t.sandbox.Exec(ctx, t.sandboxID, command)
	if err != nil {
		return "", &ToolError{Msg: "command failed: " + err.Error(), Stdout: res.Stdout, Stderr: res.Stderr}
	}
	if res.ExitCode != 0 {
		return "", &ToolError{
			Msg:    fmt.Sprintf("command exited with code %d", res.ExitCode),
			Stdout: res.Stdout,
			Stderr: res.Stderr,
		}
	}
	if res.Stdout == "" && res.Stderr != "" {
		return res.Stderr, nil
	}
	return res.Stdout, nil
}

// CreateOrUpdateFiles writes each file into the sandbox. On any failure it
// returns an error and no updates, so shared state only ever reflects fully
// applied calls.
func (t *Toolbox) CreateOrUpdateFiles(ctx context.Context, files []FileInput) (map[string]string, *ToolError) {
	if len(files) == 0 {
		return nil, &ToolError{Msg: "no files provided"}
	}
	updates := make(map[string]string, len(files))
	for _, f := range files {
		if err := t.sandbox.WriteFile(ctx, t.sandboxID, f.Path, f.Content); err != nil {
			return nil, &ToolError{Msg: fmt.Sprintf("write %s: %s", f.Path, err)}
		}
		updates[f.Path] = f.Content
	}
	return updates, nil
}

// ReadFiles reads each path and returns a JSON array of path/content pairs.
func (t *Toolbox) ReadFiles(ctx context.Context, paths []string) (string, *ToolError) {
	if len(paths) == 0 {
		return "", &ToolError{Msg: "no paths provided"}
	}
	contents := make([]FileInput, 0, len(paths))
	for _, p := range paths {
		content, err := t.sandbox.ReadFile(ctx, t.sandboxID, p)
		if err != nil {
			return "", &ToolError{Msg: fmt.Sprintf("read %s: %s", p, err)}
		}
		contents = append(contents, FileInput{Path: p, Content: content})
	}
	out, err := json.Marshal(contents)
	if err != nil {
		return "", &ToolError{Msg: "encode file contents: " + err.Error()}
	}
	return string(out), nil
}
