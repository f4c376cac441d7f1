package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vibelabs/vibe-server/internal/config"
	"github.com/vibelabs/vibe-server/internal/domain"
	"github.com/vibelabs/vibe-server/internal/jobs"
	"github.com/vibelabs/vibe-server/internal/llm"
	"github.com/vibelabs/vibe-server/internal/sandbox"
	"github.com/vibelabs/vibe-server/internal/store"
)

// EventRun is the job event name the workflow handles.
const EventRun = "code-agent/run"

// historyLimit bounds how many prior messages are replayed into the agent's
// context, newest first.
const historyLimit = 10

// RunPayload is the enqueued job payload for one agent run.
type RunPayload struct {
	Value     string `json:"value"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
}

// RunResult is the outcome persisted by the final step.
type RunResult struct {
	MessageID  string `json:"message_id"`
	Errored    bool   `json:"errored"`
	SandboxURL string `json:"sandbox_url,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Workflow runs the coding agent for one prompt: provision a sandbox, loop
// the model over the sandbox tools until it declares completion, then
// persist the terminal message and fragment.
type Workflow struct {
	repo    store.Repository
	sandbox sandbox.Manager
	llm     llm.Client
	cfg     config.AgentConfig
	locks   jobs.KeyedMutex
}

// NewWorkflow wires the agent workflow to its collaborators.
func NewWorkflow(repo store.Repository, mgr sandbox.Manager, client llm.Client, cfg config.AgentConfig) *Workflow {
	return &Workflow{repo: repo, sandbox: mgr, llm: client, cfg: cfg}
}

// Register binds the workflow to the job runner.
func (w *Workflow) Register(r *jobs.Runner) {
	r.Register(EventRun, w.Handle)
}

// Handle executes one agent run. Runs against the same project are
// serialized so concurrent prompts cannot interleave their writes.
func (w *Workflow) Handle(ctx context.Context, run *jobs.Run) error {
	var p RunPayload
	if err := run.Bind(&p); err != nil {
		return err
	}

	unlock := w.locks.Lock(p.ProjectID)
	defer unlock()

	sandboxID, err := jobs.Step(ctx, run, "create-sandbox", func(ctx context.Context) (string, error) {
		return w.sandbox.Create(ctx)
	})
	if err != nil {
		return err
	}

	history, err := jobs.Step(ctx, run, "load-history", func(ctx context.Context) ([]llm.ChatMessage, error) {
		return w.loadHistory(ctx, p.ProjectID)
	})
	if err != nil {
		return err
	}

	// The agent loop is an iterative sub-workflow, not a cached step: its
	// result depends on live sandbox state, so a retried job runs it again.
	state, loopErr := w.runLoop(ctx, sandboxID, history, p.Value)
	if loopErr != nil {
		return loopErr
	}

	// A run errored when the agent never declared completion or produced no
	// files. Decided once, here; every later step branches on it.
	errored := state.Summary == "" || len(state.Files) == 0

	title, err := jobs.Step(ctx, run, "generate-title", func(ctx context.Context) (string, error) {
		if errored {
			return "Fragment", nil
		}
		return w.generateTitle(ctx, state.Summary)
	})
	if err != nil {
		return err
	}

	responseText, err := jobs.Step(ctx, run, "generate-response", func(ctx context.Context) (string, error) {
		if errored {
			return errorMessageContent, nil
		}
		return w.generateResponse(ctx, state.Summary)
	})
	if err != nil {
		return err
	}

	previewURL, err := jobs.Step(ctx, run, "resolve-preview-url", func(ctx context.Context) (string, error) {
		if errored {
			return "", nil
		}
		return w.sandbox.PreviewURL(ctx, sandboxID)
	})
	if err != nil {
		return err
	}

	result, err := jobs.Step(ctx, run, "save-result", func(ctx context.Context) (RunResult, error) {
		return w.saveResult(ctx, p.ProjectID, state, errored, title, responseText, previewURL)
	})
	if err != nil {
		return err
	}

	if errored {
		// Nothing to preview; release the sandbox instead of waiting for
		// the TTL sweep.
		if stopErr := w.sandbox.Stop(ctx, sandboxID); stopErr != nil {
			slog.Warn("Failed to stop sandbox after errored run", "sandbox_id", sandboxID, "error", stopErr)
		}
	}

	slog.Info("Agent run finished",
		"job_id", run.JobID,
		"project_id", p.ProjectID,
		"message_id", result.MessageID,
		"errored", result.Errored,
		"files", len(state.Files),
	)
	return nil
}

// loadHistory replays up to historyLimit prior messages, newest first, into
// the model's conversation buffer.
func (w *Workflow) loadHistory(ctx context.Context, projectID string) ([]llm.ChatMessage, error) {
	prior, err := w.repo.RecentMessages(ctx, projectID, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("load prior messages: %w", err)
	}
	buffer := make([]llm.ChatMessage, 0, len(prior))
	for _, msg := range prior {
		role := "user"
		if msg.Role == domain.RoleAssistant {
			role = "assistant"
		}
		buffer = append(buffer, llm.ChatMessage{Role: role, Content: msg.Content})
	}
	return buffer, nil
}

func (w *Workflow) runLoop(ctx context.Context, sandboxID string, history []llm.ChatMessage, prompt string) (*RunState, error) {
	state := NewRunState()
	toolbox := NewToolbox(w.sandbox, sandboxID)
	defs := ToolDefs()

	messages := make([]llm.ChatMessage, 0, len(history)+2)
	messages = append(messages, llm.ChatMessage{Role: "system", Content: systemPrompt})
	messages = append(messages, history...)
	messages = append(messages, llm.ChatMessage{Role: "user", Content: prompt})

	for iteration := 0; iteration < w.cfg.MaxIterations; iteration++ {
		if Route(state) == Stop {
			break
		}

		resp, err := w.llm.ChatWithTools(ctx, messages, defs)
		if err != nil {
			// Provider failures are workflow failures; the job runner
			// retries the whole handler.
			return nil, fmt.Errorf("agent iteration %d: %w", iteration, err)
		}

		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if summary, ok := ParseTaskSummary(resp.Content); ok {
			state.Summary = summary
		}

		for _, call := range resp.ToolCalls {
			result := toolbox.Execute(ctx, call, state)
			messages = append(messages, llm.ChatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	return state, nil
}

func (w *Workflow) generateTitle(ctx context.Context, summary string) (string, error) {
	out, err := w.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: summary},
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(out), `"`))
	if title == "" {
		title = "Fragment"
	}
	return title, nil
}

func (w *Workflow) generateResponse(ctx context.Context, summary string) (string, error) {
	out, err := w.llm.Chat(ctx, []llm.Message{
		{Role: "system", Content: responsePrompt},
		{Role: "user", Content: summary},
	})
	if err != nil {
		return "", fmt.Errorf("generate response: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// saveResult writes the run's terminal assistant message: an ERROR message
// with no fragment for a failed run, or a RESULT message with the fragment
// in one transaction otherwise.
func (w *Workflow) saveResult(ctx context.Context, projectID string, state *RunState, errored bool, title, responseText, previewURL string) (RunResult, error) {
	now := time.Now()
	msg := &domain.Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Role:      domain.RoleAssistant,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if errored {
		msg.Content = errorMessageContent
		msg.Type = domain.TypeError
		if err := w.repo.SaveResult(ctx, msg, nil); err != nil {
			return RunResult{}, fmt.Errorf("save error message: %w", err)
		}
		return RunResult{MessageID: msg.ID, Errored: true}, nil
	}

	msg.Content = responseText
	msg.Type = domain.TypeResult
	fragment := &domain.Fragment{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		SandboxURL: previewURL,
		Title:      title,
		Files:      state.Files,
	}
	if err := w.repo.SaveResult(ctx, msg, fragment); err != nil {
		return RunResult{}, fmt.Errorf("save result message: %w", err)
	}
	return RunResult{MessageID: msg.ID, SandboxURL: previewURL, Title: title}, nil
}
