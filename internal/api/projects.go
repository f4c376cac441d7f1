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

// ProjectHandler handles project CRUD and the first-prompt creation path.
type ProjectHandler struct {
	*Handler
}

// NewProjectHandler creates a new project handler.
func NewProjectHandler(base *Handler) *ProjectHandler {
	return &ProjectHandler{Handler: base}
}

// RegisterRoutes registers project routes.
func (h *ProjectHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/projects", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{projectID}", h.Get)
		r.Delete("/{projectID}", h.Delete)
	})
}

type createProjectRequest struct {
	Value string `json:"value"`
}

// createProjectResponse carries the job id so the client can correlate the
// mutation with its run's events on the job stream.
type createProjectResponse struct {
	*domain.Project
	JobID string `json:"job_id"`
}

// Create starts a new project from its first prompt: the project row, the
// initial user message, and the agent job are all created here.
func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := domain.ValidatePrompt(req.Value); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.ConsumeCredit(r.Context(), userID, h.cfg.Credits.Allowance, h.cfg.Credits.Window); err != nil {
		if errors.Is(err, domain.ErrNoCredits) {
			Error(w, http.StatusTooManyRequests, "you have run out of credits")
			return
		}
		slog.Error("Failed to consume credit", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	now := time.Now()
	project := &domain.Project{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      domain.NewProjectName(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateProject(r.Context(), project); err != nil {
		slog.Error("Failed to create project", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		ProjectID: project.ID,
		Content:   req.Value,
		Role:      domain.RoleUser,
		Type:      domain.TypeResult,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateMessage(r.Context(), msg); err != nil {
		slog.Error("Failed to create first message", "project_id", project.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	jobID, err := h.runner.Enqueue(r.Context(), agent.EventRun, agent.RunPayload{
		Value:     req.Value,
		ProjectID: project.ID,
		UserID:    userID,
	})
	if err != nil {
		slog.Error("Failed to enqueue agent run", "project_id", project.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to start agent")
		return
	}

	slog.Info("Project created", "project_id", project.ID, "user_id", userID, "job_id", jobID)
	JSON(w, http.StatusCreated, createProjectResponse{Project: project, JobID: jobID})
}

// List returns the user's projects, most recently active first.
func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	projects, err := h.repo.ListProjects(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to list projects", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	JSON(w, http.StatusOK, projects)
}

// Get returns a single project owned by the user.
func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	project, err := h.repo.GetProject(r.Context(), userID, projectID)
	if err != nil {
		slog.Error("Failed to get project", "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get project")
		return
	}
	if project == nil {
		Error(w, http.StatusNotFound, "project not found")
		return
	}
	JSON(w, http.StatusOK, project)
}

// Delete removes a project and all of its messages and fragments.
func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	if err := h.repo.DeleteProject(r.Context(), userID, projectID); err != nil {
		if errors.Is(err, domain.ErrProjectNotFound) {
			Error(w, http.StatusNotFound, "project not found")
			return
		}
		slog.Error("Failed to delete project", "project_id", projectID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete project")
		return
	}

	slog.Info("Project deleted", "project_id", projectID, "user_id", userID)
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
