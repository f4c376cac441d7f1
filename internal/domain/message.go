package domain

import (
	"time"
	"unicode/utf8"
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	// RoleUser marks a message typed by the user.
	RoleUser MessageRole = "USER"
	// RoleAssistant marks a message produced by the coding agent.
	RoleAssistant MessageRole = "ASSISTANT"
)

// MessageType classifies the outcome a message carries.
type MessageType string

const (
	// TypeResult marks a normal message.
	TypeResult MessageType = "RESULT"
	// TypeError marks a failed agent run. Error messages never carry a fragment.
	TypeError MessageType = "ERROR"
)

// Message is one entry in a project's append-only conversation log.
type Message struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Content   string      `json:"content"`
	Role      MessageRole `json:"role"`
	Type      MessageType `json:"type"`
	Fragment  *Fragment   `json:"fragment,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Fragment is a persisted snapshot of generated files plus a preview URL,
// attached to exactly one assistant message. Files map relative paths to
// full file contents, not diffs.
type Fragment struct {
	ID         string            `json:"id"`
	MessageID  string            `json:"message_id"`
	SandboxURL string            `json:"sandbox_url"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
}

// MaxPromptLength bounds user prompt size, in characters, at the mutation
// boundary.
const MaxPromptLength = 10000

// ValidatePrompt checks the length bounds for a user prompt. Length is
// counted in runes so multibyte prompts are not penalized.
func ValidatePrompt(value string) error {
	if value == "" {
		return ErrEmptyPrompt
	}
	if utf8.RuneCountInString(value) > MaxPromptLength {
		return ErrPromptTooLong
	}
	return nil
}
