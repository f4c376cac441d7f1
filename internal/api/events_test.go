package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/vibelabs/vibe-server/internal/identity"
	"github.com/vibelabs/vibe-server/internal/jobs"
)

func TestEventVisible(t *testing.T) {
	tests := []struct {
		name      string
		event     jobs.Event
		userID    string
		projectID string
		want      bool
	}{
		{
			name:   "own event, no project filter",
			event:  jobs.Event{UserID: "anon_u1", ProjectID: "p1"},
			userID: "anon_u1",
			want:   true,
		},
		{
			name:      "own event, matching project",
			event:     jobs.Event{UserID: "anon_u1", ProjectID: "p1"},
			userID:    "anon_u1",
			projectID: "p1",
			want:      true,
		},
		{
			name:      "own event, other project",
			event:     jobs.Event{UserID: "anon_u1", ProjectID: "p2"},
			userID:    "anon_u1",
			projectID: "p1",
			want:      false,
		},
		{
			name:   "another user's event",
			event:  jobs.Event{UserID: "anon_u2", ProjectID: "p1"},
			userID: "anon_u1",
			want:   false,
		},
		{
			name:   "unscoped event",
			event:  jobs.Event{},
			userID: "anon_u1",
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := eventVisible(tt.event, tt.userID, tt.projectID); got != tt.want {
				t.Errorf("eventVisible(%+v, %q, %q) = %v, want %v",
					tt.event, tt.userID, tt.projectID, got, tt.want)
			}
		})
	}
}

func waitForSubscriber(t *testing.T, hub *EventHub) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.subscribers)
		hub.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no subscriber registered within deadline")
}

func TestEventStreamScopedToOwner(t *testing.T) {
	hub := NewEventHub()
	handler := NewEventsHandler(hub)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(identity.WithUserID(r.Context(), "anon_user1"))
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs?project_id=project-a"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	waitForSubscriber(t, hub)

	// None of these belong to the subscriber's view and must not arrive.
	hub.Publish(jobs.Event{JobID: "other-users-job", Type: jobs.EventFailed,
		ProjectID: "project-a", UserID: "anon_user2", Error: "secret failure detail"})
	hub.Publish(jobs.Event{JobID: "own-other-project", Type: jobs.EventStarted,
		ProjectID: "project-b", UserID: "anon_user1"})
	hub.Publish(jobs.Event{JobID: "unscoped-job", Type: jobs.EventQueued})

	// This one does.
	hub.Publish(jobs.Event{JobID: "own-job", Type: jobs.EventSucceeded,
		ProjectID: "project-a", UserID: "anon_user1"})

	var got jobs.Event
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	if got.JobID != "own-job" {
		t.Fatalf("expected own-job as first delivered event, got %+v", got)
	}
	if got.Error != "" {
		t.Errorf("unexpected error detail leaked: %q", got.Error)
	}
}
