package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/backsyncd/backsync/internal/jobs"
)

// SaveJob upserts the full job snapshot. Called by the orchestrator after
// every mutation, never batched, so a crash cannot lose progress.
func (db *DB) SaveJob(ctx context.Context, job *jobs.Job) error {
	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps for job %s: %w", job.ID, err)
	}

	query := `
	INSERT INTO jobs (id, domain, label, status, steps, error, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		steps = excluded.steps,
		error = excluded.error,
		updated_at = excluded.updated_at,
		completed_at = excluded.completed_at
	`

	var jobErr sql.NullString
	if job.Error != "" {
		jobErr = sql.NullString{String: job.Error, Valid: true}
	}

	_, err = db.conn.ExecContext(ctx, query,
		job.ID,
		job.Domain,
		job.Label,
		string(job.Status),
		string(steps),
		jobErr,
		job.CreatedAt.Format(time.RFC3339Nano),
		job.UpdatedAt.Format(time.RFC3339Nano),
		timeToNullString(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}

	return nil
}

// GetJob returns the stored job, or (nil, nil) if unknown.
func (db *DB) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	query := `
	SELECT id, domain, label, status, steps, error, created_at, updated_at, completed_at
	FROM jobs WHERE id = ?
	`

	job, err := scanJob(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns stored jobs, newest first, optionally filtered by status.
func (db *DB) ListJobs(ctx context.Context, statuses ...jobs.Status) ([]*jobs.Job, error) {
	query := `
	SELECT id, domain, label, status, steps, error, created_at, updated_at, completed_at
	FROM jobs
	`
	var args []any

	if len(statuses) > 0 {
		placeholders := strings.Repeat("?,", len(statuses))
		query += " WHERE status IN (" + placeholders[:len(placeholders)-1] + ")"
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}

	query += " ORDER BY created_at DESC"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var result []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return result, nil
}

// FailRunning marks every running job as errored with the given message.
// Called once at startup; a job left running by a crashed process cannot be
// resumed mid-page.
func (db *DB) FailRunning(ctx context.Context, message string) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	result, err := db.conn.ExecContext(ctx, `
	UPDATE jobs
	SET status = ?, error = ?, updated_at = ?, completed_at = ?
	WHERE status = ?`,
		string(jobs.StatusError), message, now, now, string(jobs.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to fail running jobs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count failed jobs: %w", err)
	}
	return int(affected), nil
}

func scanJob(scanner rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	var status, steps, createdAt, updatedAt string
	var jobErr, completedAt sql.NullString

	err := scanner.Scan(
		&job.ID,
		&job.Domain,
		&job.Label,
		&status,
		&steps,
		&jobErr,
		&createdAt,
		&updatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = jobs.Status(status)
	if err := json.Unmarshal([]byte(steps), &job.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps for job %s: %w", job.ID, err)
	}
	if jobErr.Valid {
		job.Error = jobErr.String
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		job.UpdatedAt = t
	}
	job.CompletedAt = nullStringToTime(completedAt)

	return &job, nil
}
