package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vibelabs/vibe-server/internal/config"
)

const (
	maxErrorBodyBytes = 2048

	rateLimitRetryMaxAttempts = 3
	rateLimitBaseDelay        = 2 * time.Second
)

// Client is the provider interface consumed by the agent workflow. It is
// satisfied by HTTPClient and by scripted fakes in tests.
type Client interface {
	// ChatWithTools requests a completion that may contain tool calls.
	ChatWithTools(ctx context.Context, messages []ChatMessage, tools []Tool) (ChatResponse, error)

	// Chat requests a plain text completion.
	Chat(ctx context.Context, messages []Message) (string, error)
}

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPClient creates a client for the configured provider.
func NewHTTPClient(cfg config.LLMConfig) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client: &http.Client{
			Timeout: 600 * time.Second,
		},
	}
}

type chatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Tools    []Tool        `json:"tools,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// ChatWithTools requests a completion that may contain tool calls. Rate-limit
// responses are retried with exponential backoff before surfacing.
func (c *HTTPClient) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []Tool) (ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= rateLimitRetryMaxAttempts; attempt++ {
		resp, err := c.chatOnce(ctx, messages, tools)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrRateLimited) || attempt == rateLimitRetryMaxAttempts {
			return ChatResponse{}, err
		}
		delay := rateLimitBaseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	return ChatResponse{}, lastErr
}

// Chat requests a plain text completion without tools.
func (c *HTTPClient) Chat(ctx context.Context, messages []Message) (string, error) {
	chatMessages := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		chatMessages = append(chatMessages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := c.ChatWithTools(ctx, chatMessages, nil)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("llm: empty response")
	}
	return resp.Content, nil
}

func (c *HTTPClient) chatOnce(ctx context.Context, messages []ChatMessage, tools []Tool) (ChatResponse, error) {
	payload := chatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ChatResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return ChatResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return ChatResponse{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ChatResponse{}, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return ChatResponse{}, ErrRateLimited
	case resp.StatusCode >= 500:
		return ChatResponse{}, ErrUnavailable
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return ChatResponse{}, c.requestError(resp)
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChatResponse{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return ChatResponse{}, errors.New("llm: no choices in response")
	}

	choice := decoded.Choices[0]
	return ChatResponse{
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
	}, nil
}

func (c *HTTPClient) requestError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return fmt.Errorf("llm: request failed: %s", resp.Status)
	}
	return fmt.Errorf("llm: request failed: %s: %s", resp.Status, msg)
}
