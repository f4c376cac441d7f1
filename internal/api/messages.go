package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vibelabs/vibe-server/internal/agent"
	"github.com/vibelabs/vibe-server/internal/domain"
	"github.com/vibelabs/vibe-server/internal/identity"
)

// MessageHandler handles the conversation log and the prompt mutation.
type MessageHandler struct {
	*Handler
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(base *Handler) *MessageHandler {
	return &MessageHandler{Handler: base}
}

// RegisterRoutes registers message routes.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/projects/{projectID}/messages", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
	})
}

type createMessageRequest struct {
	Value string `json:"value"`
}

// createMessageResponse carries the job id so the client can correlate the
// mutation with its run's events on the job stream.
type createMessageResponse struct {
	*domain.Message
	JobID string `json:"job_id"`
}

// List returns a project's messages in display order with fragments embedded.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	project, err := h.repo.GetProject(r.Context(), userID, projectID)
	if err != nil {
		slog.Error("Failed to check project ownership", "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if project == nil {
		Error(w, http.StatusNotFound, "project not found")
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), projectID)
	if err != nil {
		slog.Error("Failed to list messages", "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, messages)
}

// Create is the prompt mutation: it validates the prompt, checks ownership
// and credits, appends the user message, and enqueues the agent run. The
// checks run in that order so a bad prompt never costs a credit.
func (h *MessageHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := domain.ValidatePrompt(req.Value); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	project, err := h.repo.GetProject(r.Context(), userID, projectID)
	if err != nil {
		slog.Error("Failed to check project ownership", "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create message")
		return
	}
	if project == nil {
		Error(w, http.StatusNotFound, "project not found")
		return
	}

	if err := h.repo.ConsumeCredit(r.Context(), userID, h.cfg.Credits.Allowance, h.cfg.Credits.Window); err != nil {
		if errors.Is(err, domain.ErrNoCredits) {
			Error(w, http.StatusTooManyRequests, "you have run out of credits")
			return
		}
		slog.Error("Failed to consume credit", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	now := time.Now()
	msg := &domain.Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Content:   req.Value,
		Role:      domain.RoleUser,
		Type:      domain.TypeResult,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateMessage(r.Context(), msg); err != nil {
		slog.Error("Failed to create message", "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create message")
		return
	}

	jobID, err := h.runner.Enqueue(r.Context(), agent.EventRun, agent.RunPayload{
		Value:     req.Value,
		ProjectID: projectID,
		UserID:    userID,
	})
	if err != nil {
		slog.Error("Failed to enqueue agent run", "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to start agent")
		return
	}

	JSON(w, http.StatusCreated, createMessageResponse{Message: msg, JobID: jobID})
}
