package llm

import "errors"

var (
	// ErrUnauthorized indicates a rejected API key.
	ErrUnauthorized = errors.New("llm: unauthorized")
	// ErrRateLimited indicates the provider asked us to slow down.
	ErrRateLimited = errors.New("llm: rate limited")
	// ErrUnavailable indicates a provider-side failure (5xx).
	ErrUnavailable = errors.New("llm: provider unavailable")
)
