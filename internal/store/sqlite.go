package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vibelabs/vibe-server/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB

	// Serializes credit checks and job claims so two writers cannot both
	// pass the same check, and to avoid SQLITE_BUSY under contention.
	creditMu sync.Mutex
	claimMu  sync.Mutex
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_user ON projects(user_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		content TEXT NOT NULL,
		role TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, updated_at);

	CREATE TABLE IF NOT EXISTS fragments (
		id TEXT PRIMARY KEY,
		message_id TEXT NOT NULL UNIQUE,
		sandbox_url TEXT NOT NULL,
		title TEXT NOT NULL,
		files_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		used_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_credit_events_user ON credit_events(user_id, used_at);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		event TEXT NOT NULL,
		payload BLOB NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		run_after INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_runnable ON jobs(status, run_after);

	CREATE TABLE IF NOT EXISTS job_steps (
		job_id TEXT NOT NULL,
		step TEXT NOT NULL,
		result BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (job_id, step)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.UnixMilli(lastSeen)
	user.CreatedAt = time.UnixMilli(createdAt)
	user.UpdatedAt = time.UnixMilli(updatedAt)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.UnixMilli(), user.CreatedAt.UnixMilli(), user.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// CreateProject persists a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *domain.Project) error {
	query := `
	INSERT INTO projects (id, user_id, name, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		project.ID, project.UserID, project.Name,
		project.CreatedAt.UnixMilli(), project.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject retrieves a project owned by the given user.
func (s *SQLiteStore) GetProject(ctx context.Context, userID, projectID string) (*domain.Project, error) {
	query := `
		SELECT id, user_id, name, created_at, updated_at
		FROM projects WHERE id = ? AND user_id = ?`

	row := s.db.QueryRowContext(ctx, query, projectID, userID)

	var p domain.Project
	var createdAt, updatedAt int64

	err := row.Scan(&p.ID, &p.UserID, &p.Name, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project row: %w", err)
	}

	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return &p, nil
}

// ListProjects retrieves all projects owned by the user, most recently
// active first. A project's updated_at reflects its latest message activity.
func (s *SQLiteStore) ListProjects(ctx context.Context, userID string) ([]*domain.Project, error) {
	query := `
		SELECT id, user_id, name, created_at, updated_at
		FROM projects WHERE user_id = ? ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer closeRows(rows, "projects")

	var projects []*domain.Project
	for rows.Next() {
		var p domain.Project
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		p.CreatedAt = time.UnixMilli(createdAt)
		p.UpdatedAt = time.UnixMilli(updatedAt)
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// DeleteProject removes a project and cascades to its messages and fragments.
func (s *SQLiteStore) DeleteProject(ctx context.Context, userID, projectID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete project: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ? AND user_id = ?`, projectID, userID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	rowsDeleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete project rows affected: %w", err)
	}
	if rowsDeleted == 0 {
		return domain.ErrProjectNotFound
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM fragments WHERE message_id IN (SELECT id FROM messages WHERE project_id = ?)`,
		projectID,
	); err != nil {
		return fmt.Errorf("delete project fragments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE project_id = ?`, projectID); err != nil {
		return fmt.Errorf("delete project messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete project: %w", err)
	}
	return nil
}

// CreateMessage appends a message to a project's conversation log and bumps
// the project's updated_at so project lists sort by latest activity.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create message: %w", err)
	}
	defer rollback(tx)

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create message: %w", err)
	}
	return nil
}

// SaveResult writes the terminal assistant message of an agent run and,
// when fragment is non-nil, its fragment, atomically.
func (s *SQLiteStore) SaveResult(ctx context.Context, msg *domain.Message, fragment *domain.Fragment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save result: %w", err)
	}
	defer rollback(tx)

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}

	if fragment != nil {
		filesJSON, err := json.Marshal(fragment.Files)
		if err != nil {
			return fmt.Errorf("marshal fragment files: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fragments (id, message_id, sandbox_url, title, files_json) VALUES (?, ?, ?, ?, ?)`,
			fragment.ID, fragment.MessageID, fragment.SandboxURL, fragment.Title, string(filesJSON),
		); err != nil {
			return fmt.Errorf("insert fragment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save result: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *domain.Message) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, project_id, content, role, type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ProjectID, msg.Content, string(msg.Role), string(msg.Type),
		msg.CreatedAt.UnixMilli(), msg.UpdatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE projects SET updated_at = ? WHERE id = ?`,
		msg.UpdatedAt.UnixMilli(), msg.ProjectID,
	); err != nil {
		return fmt.Errorf("touch project: %w", err)
	}
	return nil
}

// ListMessages retrieves a project's messages ordered by updated_at
// ascending, with fragments embedded.
func (s *SQLiteStore) ListMessages(ctx context.Context, projectID string) ([]*domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT m.id, m.project_id, m.content, m.role, m.type, m.created_at, m.updated_at,
		        f.id, f.sandbox_url, f.title, f.files_json
		 FROM messages m
		 LEFT JOIN fragments f ON f.message_id = m.id
		 WHERE m.project_id = ?
		 ORDER BY m.updated_at ASC, m.created_at ASC`,
		projectID,
	)
}

// RecentMessages retrieves up to limit messages ordered by created_at
// descending, for replay into the agent's prior-message context.
func (s *SQLiteStore) RecentMessages(ctx context.Context, projectID string, limit int) ([]*domain.Message, error) {
	return s.queryMessages(ctx,
		`SELECT m.id, m.project_id, m.content, m.role, m.type, m.created_at, m.updated_at,
		        f.id, f.sandbox_url, f.title, f.files_json
		 FROM messages m
		 LEFT JOIN fragments f ON f.message_id = m.id
		 WHERE m.project_id = ?
		 ORDER BY m.created_at DESC
		 LIMIT ?`,
		projectID, limit,
	)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		var m domain.Message
		var role, msgType string
		var createdAt, updatedAt int64
		var fragID, fragURL, fragTitle, fragFiles sql.NullString

		if err := rows.Scan(
			&m.ID, &m.ProjectID, &m.Content, &role, &msgType, &createdAt, &updatedAt,
			&fragID, &fragURL, &fragTitle, &fragFiles,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		m.Role = domain.MessageRole(role)
		m.Type = domain.MessageType(msgType)
		m.CreatedAt = time.UnixMilli(createdAt)
		m.UpdatedAt = time.UnixMilli(updatedAt)

		if fragID.Valid {
			frag := &domain.Fragment{
				ID:         fragID.String,
				MessageID:  m.ID,
				SandboxURL: fragURL.String,
				Title:      fragTitle.String,
			}
			if err := json.Unmarshal([]byte(fragFiles.String), &frag.Files); err != nil {
				return nil, fmt.Errorf("unmarshal fragment files: %w", err)
			}
			m.Fragment = frag
		}

		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// ConsumeCredit records one credit use if any remain within the rolling window.
func (s *SQLiteStore) ConsumeCredit(ctx context.Context, userID string, allowance int, window time.Duration) error {
	s.creditMu.Lock()
	defer s.creditMu.Unlock()

	threshold := time.Now().Add(-window).UnixMilli()

	var used int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credit_events WHERE user_id = ? AND used_at >= ?`,
		userID, threshold,
	).Scan(&used)
	if err != nil {
		return fmt.Errorf("count credit events: %w", err)
	}

	if used >= allowance {
		return domain.ErrNoCredits
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO credit_events (user_id, used_at) VALUES (?, ?)`,
		userID, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert credit event: %w", err)
	}
	return nil
}

// RemainingCredits reports how many credits remain in the rolling window and
// when the oldest counted use drops out of it.
func (s *SQLiteStore) RemainingCredits(ctx context.Context, userID string, allowance int, window time.Duration) (int, time.Time, error) {
	threshold := time.Now().Add(-window).UnixMilli()

	var used int
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(used_at) FROM credit_events WHERE user_id = ? AND used_at >= ?`,
		userID, threshold,
	).Scan(&used, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count credit events: %w", err)
	}

	remaining := allowance - used
	if remaining < 0 {
		remaining = 0
	}

	var resetAt time.Time
	if oldest.Valid {
		resetAt = time.UnixMilli(oldest.Int64).Add(window)
	}
	return remaining, resetAt, nil
}

// EnqueueJob persists a new queued job.
func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *Job) error {
	query := `
	INSERT INTO jobs (id, event, payload, status, attempts, run_after, error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		job.ID, job.Event, job.Payload, string(job.Status), job.Attempts,
		job.RunAfter.UnixMilli(), job.Error,
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimJob atomically claims the oldest runnable queued job.
func (s *SQLiteStore) ClaimJob(ctx context.Context) (*Job, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	now := time.Now().UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event, payload, status, attempts, run_after, error, created_at, updated_at
		 FROM jobs WHERE status = ? AND run_after <= ?
		 ORDER BY created_at ASC LIMIT 1`,
		string(JobQueued), now,
	)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ? WHERE id = ? AND status = ?`,
		string(JobRunning), now, job.ID, string(JobQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim job rows affected: %w", err)
	}
	if rows == 0 {
		// Lost the race to another claimer.
		return nil, nil
	}

	job.Status = JobRunning
	job.Attempts++
	return job, nil
}

// FinishJob records a job's terminal status.
func (s *SQLiteStore) FinishJob(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UnixMilli(), jobID,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

// RequeueJob returns a failed attempt to the queue for a later retry.
func (s *SQLiteStore) RequeueJob(ctx context.Context, jobID string, runAfter time.Time, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, run_after = ?, error = ?, updated_at = ? WHERE id = ?`,
		string(JobQueued), runAfter.UnixMilli(), errMsg, time.Now().UnixMilli(), jobID,
	)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// GetStepResult retrieves a cached step result for a job.
func (s *SQLiteStore) GetStepResult(ctx context.Context, jobID, step string) ([]byte, bool, error) {
	var result []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT result FROM job_steps WHERE job_id = ? AND step = ?`,
		jobID, step,
	).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan step result: %w", err)
	}
	return result, true, nil
}

// PutStepResult caches a completed step's result for replay on retry.
func (s *SQLiteStore) PutStepResult(ctx context.Context, jobID, step string, result []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_steps (job_id, step, result, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(job_id, step) DO UPDATE SET result = excluded.result`,
		jobID, step, result, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert step result: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var status string
	var runAfter, createdAt, updatedAt int64

	if err := row.Scan(
		&job.ID, &job.Event, &job.Payload, &status, &job.Attempts,
		&runAfter, &job.Error, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	job.Status = JobStatus(status)
	job.RunAfter = time.UnixMilli(runAfter)
	job.CreatedAt = time.UnixMilli(createdAt)
	job.UpdatedAt = time.UnixMilli(updatedAt)
	return &job, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("failed to rollback transaction", "error", err)
	}
}
