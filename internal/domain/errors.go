package domain

import "errors"

var (
	// ErrEmptyPrompt is returned when a prompt is empty.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrPromptTooLong is returned when a prompt exceeds MaxPromptLength.
	ErrPromptTooLong = errors.New("prompt exceeds maximum length")
	// ErrProjectNotFound is returned when a project does not exist or is not
	// owned by the caller.
	ErrProjectNotFound = errors.New("project not found")
	// ErrNoCredits is returned when the caller's credit balance is exhausted.
	ErrNoCredits = errors.New("credit balance exhausted")
)
