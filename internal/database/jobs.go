package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Scrape job states. Transitions only move forward: pending to running,
// running to completed or failed.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Scrape flows.
const (
	FlowDefault     = "default"
	FlowRecentLikes = "recent_likes"
)

// Job is one scrape request and its lifecycle state.
type Job struct {
	ID                  string
	ProfileURL          string
	Flow                string
	Status              string
	ErrorMessage        *string
	PostsScraped        int
	InteractionsScraped int
	Metadata            json.RawMessage
	CreatedAt           time.Time
	StartedAt           *time.Time
	CompletedAt         *time.Time
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// CreateJob records a new pending job and returns it.
func (db *DB) CreateJob(ctx context.Context, profileURL, flow string, metadata json.RawMessage) (*Job, error) {
	if flow == "" {
		flow = FlowDefault
	}
	id := uuid.New().String()
	_, err := db.Exec(ctx, `
		INSERT INTO scrape_jobs (id, profile_url, flow, status, metadata)
		VALUES ($1, $2, $3, $4, $5)`,
		id, profileURL, flow, JobStatusPending, metadata,
	)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return db.GetJob(ctx, id)
}

// GetJob returns the job, or nil when unknown.
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	return db.scanJob(db.QueryRow(ctx, `
		SELECT id, profile_url, flow, status, error_message,
		       posts_scraped, interactions_scraped, metadata,
		       created_at, started_at, completed_at
		FROM scrape_jobs
		WHERE id = $1`,
		id,
	))
}

// ClaimNextPendingJob atomically picks the oldest pending job, marks it
// running and returns it. Returns nil when the queue is empty. SKIP
// LOCKED keeps concurrent workers from claiming the same row.
func (db *DB) ClaimNextPendingJob(ctx context.Context) (*Job, error) {
	var id string
	err := db.Transaction(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			SELECT id FROM scrape_jobs
			WHERE status = $1
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
			JobStatusPending,
		).Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			id = ""
			return nil
		}
		if err != nil {
			return fmt.Errorf("pick pending job: %w", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE scrape_jobs
			SET status = $2, started_at = NOW()
			WHERE id = $1`,
			id, JobStatusRunning,
		)
		if err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		return nil
	})
	if err != nil || id == "" {
		return nil, err
	}
	return db.GetJob(ctx, id)
}

// MarkJobRunning transitions a pending job to running. Returns false
// when the job was not pending, so callers never restart a job that
// already ran.
func (db *DB) MarkJobRunning(ctx context.Context, id string) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $2, started_at = NOW()
		WHERE id = $1 AND status = $3`,
		id, JobStatusRunning, JobStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkJobCompleted finalizes a running job with its counters and the
// result document.
func (db *DB) MarkJobCompleted(ctx context.Context, id string, posts, interactions int, metadata json.RawMessage) error {
	_, err := db.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $2, posts_scraped = $3, interactions_scraped = $4,
		    metadata = COALESCE($5, metadata), completed_at = NOW()
		WHERE id = $1 AND status = $6`,
		id, JobStatusCompleted, posts, interactions, metadata, JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark job completed: %w", err)
	}
	return nil
}

// MarkJobFailed finalizes a running job with a non-empty error message.
// Pending and terminal jobs are left untouched; a job must be claimed
// before it can fail.
func (db *DB) MarkJobFailed(ctx context.Context, id, message string) error {
	if message == "" {
		message = "unknown error"
	}
	_, err := db.Exec(ctx, `
		UPDATE scrape_jobs
		SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, JobStatusFailed, message, JobStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("mark job failed: %w", err)
	}
	return nil
}

func (db *DB) scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	err := row.Scan(
		&j.ID, &j.ProfileURL, &j.Flow, &j.Status, &j.ErrorMessage,
		&j.PostsScraped, &j.InteractionsScraped, &j.Metadata,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	return j, nil
}
