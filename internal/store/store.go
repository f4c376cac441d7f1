// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/vibelabs/vibe-server/internal/domain"
)

// Job is a persisted background job row. Jobs survive process restarts;
// the runner claims queued rows and replays cached step results on retry.
type Job struct {
	ID        string
	Event     string
	Payload   []byte
	Status    JobStatus
	Attempts  int
	RunAfter  time.Time
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStatus tracks a job through its lifecycle.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Repository defines the interface for persisting users, projects,
// conversation messages, credits, and background jobs.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// CreateProject persists a new project.
	CreateProject(ctx context.Context, project *domain.Project) error

	// GetProject retrieves a project owned by the given user.
	// Returns nil if the project does not exist or belongs to someone else.
	GetProject(ctx context.Context, userID, projectID string) (*domain.Project, error)

	// ListProjects retrieves all projects owned by the user, most recently
	// active first.
	ListProjects(ctx context.Context, userID string) ([]*domain.Project, error)

	// DeleteProject removes a project and cascades to its messages and
	// fragments. Returns domain.ErrProjectNotFound when nothing matched.
	DeleteProject(ctx context.Context, userID, projectID string) error

	// CreateMessage appends a message to a project's conversation log and
	// bumps the project's updated_at.
	CreateMessage(ctx context.Context, msg *domain.Message) error

	// SaveResult writes the terminal assistant message of an agent run and,
	// when fragment is non-nil, its fragment, in a single transaction.
	SaveResult(ctx context.Context, msg *domain.Message, fragment *domain.Fragment) error

	// ListMessages retrieves a project's messages ordered by updated_at
	// ascending, with fragments embedded.
	ListMessages(ctx context.Context, projectID string) ([]*domain.Message, error)

	// RecentMessages retrieves up to limit messages ordered by created_at
	// descending, for replay into the agent's prior-message context.
	RecentMessages(ctx context.Context, projectID string, limit int) ([]*domain.Message, error)

	// ConsumeCredit records one credit use for the user if any remain within
	// the rolling window. Returns domain.ErrNoCredits when exhausted.
	ConsumeCredit(ctx context.Context, userID string, allowance int, window time.Duration) error

	// RemainingCredits reports how many credits remain in the rolling window
	// and when the oldest counted use expires.
	RemainingCredits(ctx context.Context, userID string, allowance int, window time.Duration) (int, time.Time, error)

	// EnqueueJob persists a new queued job.
	EnqueueJob(ctx context.Context, job *Job) error

	// ClaimJob atomically claims the oldest runnable queued job, marking it
	// running. Returns nil when no job is due.
	ClaimJob(ctx context.Context) (*Job, error)

	// FinishJob records a job's terminal status.
	FinishJob(ctx context.Context, jobID string, status JobStatus, errMsg string) error

	// RequeueJob returns a failed attempt to the queue for a later retry.
	RequeueJob(ctx context.Context, jobID string, runAfter time.Time, errMsg string) error

	// GetStepResult retrieves a cached step result for a job.
	GetStepResult(ctx context.Context, jobID, step string) ([]byte, bool, error)

	// PutStepResult caches a completed step's result for replay on retry.
	PutStepResult(ctx context.Context, jobID, step string, result []byte) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
