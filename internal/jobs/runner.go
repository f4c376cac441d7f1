// Package jobs provides a durable background job runner. Jobs are persisted
// rows claimed by worker goroutines; handlers are written as named steps
// whose results are cached, so a retried job replays completed steps instead
// of re-executing them.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vibelabs/vibe-server/internal/config"
	"github.com/vibelabs/vibe-server/internal/shared"
	"github.com/vibelabs/vibe-server/internal/store"
)

const pollInterval = time.Second

// Handler executes one claimed job. Returning an error requeues the job for
// retry until the attempt budget is exhausted.
type Handler func(ctx context.Context, run *Run) error

// EventType categorizes job lifecycle notifications.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventStarted   EventType = "started"
	EventStep      EventType = "step"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
)

// Event is a job lifecycle notification, broadcast to interested observers
// (the WebSocket job stream). ProjectID and UserID scope the event to its
// owner; observers must not deliver an event across that boundary.
type Event struct {
	JobID     string    `json:"job_id"`
	Name      string    `json:"event"`
	Type      EventType `json:"type"`
	ProjectID string    `json:"project_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Step      string    `json:"step,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// eventScope is the ownership envelope every job payload carries.
type eventScope struct {
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
}

func scopeOf(payload []byte) eventScope {
	var scope eventScope
	// Payloads without scope fields produce unscoped events, which
	// observers drop rather than broadcast.
	_ = json.Unmarshal(payload, &scope)
	return scope
}

// Runner claims persisted jobs and dispatches them to registered handlers.
type Runner struct {
	repo        store.Repository
	workers     int
	maxAttempts int
	backoffBase time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler
	notify   func(Event)

	wake chan struct{}
}

// NewRunner creates a job runner backed by the repository's job tables.
func NewRunner(repo store.Repository, cfg config.JobsConfig) *Runner {
	return &Runner{
		repo:        repo,
		workers:     cfg.Workers,
		maxAttempts: cfg.MaxAttempts,
		backoffBase: 5 * time.Second,
		handlers:    make(map[string]Handler),
		wake:        make(chan struct{}, 1),
	}
}

// Register binds a handler to an event name. Must be called before Start.
func (r *Runner) Register(event string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = h
}

// OnEvent sets the lifecycle notification callback.
func (r *Runner) OnEvent(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notify = fn
}

// Enqueue persists a new job and signals the workers. The job runs
// asynchronously; the returned id can be used to correlate events.
func (r *Runner) Enqueue(ctx context.Context, event string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	now := time.Now()
	job := &store.Job{
		ID:        uuid.NewString(),
		Event:     event,
		Payload:   data,
		Status:    store.JobQueued,
		RunAfter:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.repo.EnqueueJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	scope := scopeOf(data)
	r.emit(Event{JobID: job.ID, Name: event, Type: EventQueued,
		ProjectID: scope.ProjectID, UserID: scope.UserID})

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return job.ID, nil
}

// Start launches the worker goroutines. They run until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		go r.workerLoop(ctx, i)
	}
	slog.Info("Job runner started", "workers", r.workers, "max_attempts", r.maxAttempts)
}

func (r *Runner) workerLoop(ctx context.Context, id int) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := r.repo.ClaimJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if shared.IsSQLiteConflictError(err) {
				// Busy database; back off until the next tick.
				slog.Debug("Job claim hit a busy database", "worker", id)
			} else {
				slog.Error("Failed to claim job", "worker", id, "error", err)
			}
		}
		if job != nil {
			r.runJob(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-r.wake:
		case <-ticker.C:
		}
	}
}

func (r *Runner) runJob(ctx context.Context, job *store.Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Event]
	r.mu.RUnlock()

	if !ok {
		slog.Error("No handler registered for job event", "event", job.Event, "job_id", job.ID)
		r.finish(ctx, job, store.JobFailed, "no handler for event "+job.Event)
		return
	}

	scope := scopeOf(job.Payload)

	slog.Info("Job started", "job_id", job.ID, "event", job.Event, "attempt", job.Attempts)
	r.emit(Event{JobID: job.ID, Name: job.Event, Type: EventStarted,
		ProjectID: scope.ProjectID, UserID: scope.UserID})

	run := &Run{
		JobID:   job.ID,
		Event:   job.Event,
		Payload: job.Payload,
		runner:  r,
	}

	err := handler(ctx, run)
	if err == nil {
		slog.Info("Job succeeded", "job_id", job.ID, "event", job.Event)
		r.finish(ctx, job, store.JobSucceeded, "")
		return
	}

	if job.Attempts >= r.maxAttempts {
		slog.Error("Job failed permanently", "job_id", job.ID, "event", job.Event,
			"attempts", job.Attempts, "error", err)
		r.finish(ctx, job, store.JobFailed, err.Error())
		return
	}

	delay := r.backoffBase * time.Duration(1<<(job.Attempts-1))
	slog.Warn("Job attempt failed, requeueing", "job_id", job.ID, "event", job.Event,
		"attempt", job.Attempts, "retry_in", delay, "error", err)
	if reqErr := r.repo.RequeueJob(ctx, job.ID, time.Now().Add(delay), err.Error()); reqErr != nil {
		slog.Error("Failed to requeue job", "job_id", job.ID, "error", reqErr)
	}
}

func (r *Runner) finish(ctx context.Context, job *store.Job, status store.JobStatus, errMsg string) {
	if err := r.repo.FinishJob(ctx, job.ID, status, errMsg); err != nil {
		slog.Error("Failed to record job status", "job_id", job.ID, "status", status, "error", err)
	}
	eventType := EventSucceeded
	if status == store.JobFailed {
		eventType = EventFailed
	}
	scope := scopeOf(job.Payload)
	r.emit(Event{JobID: job.ID, Name: job.Event, Type: eventType, Error: errMsg,
		ProjectID: scope.ProjectID, UserID: scope.UserID})
}

func (r *Runner) emit(e Event) {
	r.mu.RLock()
	notify := r.notify
	r.mu.RUnlock()
	if notify != nil {
		notify(e)
	}
}

// Run is the per-invocation context handed to a handler. It carries the
// payload and the step-cache primitive.
type Run struct {
	JobID   string
	Event   string
	Payload []byte
	runner  *Runner
}

// Bind unmarshals the job payload into v.
func (run *Run) Bind(v interface{}) error {
	if err := json.Unmarshal(run.Payload, v); err != nil {
		return fmt.Errorf("unmarshal job payload: %w", err)
	}
	return nil
}

// Step runs fn under the given name exactly once per job. The first
// successful result is persisted; on handler retry the cached result is
// returned without re-executing fn. Step boundaries are the unit of retry
// and of crash recovery.
func Step[T any](ctx context.Context, run *Run, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	cached, ok, err := run.runner.repo.GetStepResult(ctx, run.JobID, name)
	if err != nil {
		return zero, fmt.Errorf("load step %s: %w", name, err)
	}
	if ok {
		var v T
		if err := json.Unmarshal(cached, &v); err != nil {
			return zero, fmt.Errorf("decode cached step %s: %w", name, err)
		}
		slog.Debug("Replaying cached step", "job_id", run.JobID, "step", name)
		return v, nil
	}

	v, err := fn(ctx)
	if err != nil {
		return zero, fmt.Errorf("step %s: %w", name, err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("encode step %s: %w", name, err)
	}
	if err := run.runner.repo.PutStepResult(ctx, run.JobID, name, data); err != nil {
		return zero, fmt.Errorf("persist step %s: %w", name, err)
	}

	scope := scopeOf(run.Payload)
	run.runner.emit(Event{JobID: run.JobID, Name: run.Event, Type: EventStep, Step: name,
		ProjectID: scope.ProjectID, UserID: scope.UserID})
	return v, nil
}
