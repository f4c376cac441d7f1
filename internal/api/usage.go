package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/vibelabs/vibe-server/internal/identity"
)

// UsageHandler reports the user's remaining credits.
type UsageHandler struct {
	*Handler
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(base *Handler) *UsageHandler {
	return &UsageHandler{Handler: base}
}

// RegisterRoutes registers usage routes.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/usage", h.Get)
}

type usageResponse struct {
	Remaining int        `json:"remaining"`
	Allowance int        `json:"allowance"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`
}

// Get returns remaining credits in the rolling window and when the oldest
// counted use expires. ResetsAt is omitted when no credits have been spent.
func (h *UsageHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	remaining, resetsAt, err := h.repo.RemainingCredits(r.Context(), userID, h.cfg.Credits.Allowance, h.cfg.Credits.Window)
	if err != nil {
		slog.Error("Failed to compute remaining credits", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to get usage")
		return
	}

	resp := usageResponse{Remaining: remaining, Allowance: h.cfg.Credits.Allowance}
	if !resetsAt.IsZero() {
		resp.ResetsAt = &resetsAt
	}
	JSON(w, http.StatusOK, resp)
}
