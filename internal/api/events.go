package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/vibelabs/vibe-server/internal/identity"
	"github.com/vibelabs/vibe-server/internal/jobs"
)

const eventBufferSize = 16

// EventHub fans job lifecycle events out to connected WebSocket clients so
// the UI can follow a run without polling.
type EventHub struct {
	mu          sync.Mutex
	subscribers map[chan jobs.Event]struct{}
}

// NewEventHub creates an empty hub. Wire it to the runner with OnEvent.
func NewEventHub() *EventHub {
	return &EventHub{subscribers: make(map[chan jobs.Event]struct{})}
}

// Publish delivers an event to every subscriber. Slow subscribers drop
// events rather than blocking the job runner.
func (h *EventHub) Publish(e jobs.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *EventHub) subscribe() chan jobs.Event {
	ch := make(chan jobs.Event, eventBufferSize)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) unsubscribe(ch chan jobs.Event) {
	h.mu.Lock()
	delete(h.subscribers, ch)
	h.mu.Unlock()
}

// EventsHandler serves the WebSocket job event stream.
type EventsHandler struct {
	hub *EventHub
}

// NewEventsHandler creates the WebSocket handler for the hub.
func NewEventsHandler(hub *EventHub) *EventsHandler {
	return &EventsHandler{hub: hub}
}

// ServeHTTP upgrades the connection and streams the caller's job events
// until the client disconnects. Events are scoped to the authenticated
// user; an optional project_id query parameter narrows the stream to one
// project.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "missing identity", http.StatusUnauthorized)
		return
	}
	projectID := r.URL.Query().Get("project_id")

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "stream ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads are discarded; the read loop only notices disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	ch := h.hub.subscribe()
	defer h.hub.unsubscribe(ch)

	slog.Info("Job event stream opened", "user_id", userID, "project_id", projectID)
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			if !eventVisible(e, userID, projectID) {
				continue
			}
			if err := wsjson.Write(ctx, ws, e); err != nil {
				slog.Debug("Failed to write job event", "error", err, "user_id", userID)
				return
			}
		}
	}
}

// eventVisible reports whether an event belongs to the subscriber. Events
// are never delivered across users; unscoped events are dropped outright.
func eventVisible(e jobs.Event, userID, projectID string) bool {
	if e.UserID == "" || e.UserID != userID {
		return false
	}
	return projectID == "" || e.ProjectID == projectID
}
