package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const jobsSchema = `
CREATE SCHEMA IF NOT EXISTS jobqueue;

CREATE TABLE IF NOT EXISTS jobqueue.scheduled_jobs (
	id              UUID PRIMARY KEY,
	job_type        TEXT NOT NULL,
	payload         JSONB NOT NULL,
	scheduled_for   TIMESTAMPTZ NOT NULL,
	status          TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	attempts        INT NOT NULL DEFAULT 0,
	last_attempt_at TIMESTAMPTZ,
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS scheduled_jobs_due_idx
	ON jobqueue.scheduled_jobs (status, scheduled_for);

CREATE TABLE IF NOT EXISTS jobqueue.dead_letter_jobs (
	job_id         UUID PRIMARY KEY,
	job_type       TEXT NOT NULL,
	payload        JSONB NOT NULL,
	failure_reason TEXT NOT NULL,
	attempts       INT NOT NULL,
	failed_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// PostgresQueue is the production queue. Leasing uses FOR UPDATE SKIP
// LOCKED so concurrent workers never block on each other.
type PostgresQueue struct {
	db     *sql.DB
	policy RetryPolicy
}

func NewPostgresQueue(db *sql.DB, policy RetryPolicy) *PostgresQueue {
	return &PostgresQueue{db: db, policy: policy}
}

// Init applies the isolated jobqueue schema.
func (q *PostgresQueue) Init(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, jobsSchema)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, scheduledFor time.Time) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	jobID := uuid.New().String()
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO jobqueue.scheduled_jobs (id, job_type, payload, scheduled_for)
		VALUES ($1, $2, $3, $4)`,
		jobID, jobType, raw, scheduledFor.UTC(),
	)
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (q *PostgresQueue) AcquireNext(ctx context.Context) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobqueue.scheduled_jobs
		WHERE status = 'pending' AND scheduled_for <= now()
		ORDER BY scheduled_for ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE jobqueue.scheduled_jobs
		SET status = 'processing', attempts = attempts + 1, last_attempt_at = now()
		WHERE id = $1
		RETURNING id, job_type, payload, scheduled_for, status, attempts, last_attempt_at, last_error, created_at`,
		id)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanJob(row *sql.Row) (Job, error) {
	var job Job
	var payload []byte
	var lastAttempt sql.NullTime
	var lastError sql.NullString
	err := row.Scan(&job.ID, &job.JobType, &payload, &job.ScheduledFor,
		&job.Status, &job.Attempts, &lastAttempt, &lastError, &job.CreatedAt)
	if err != nil {
		return Job{}, err
	}
	job.Payload = payload
	if lastAttempt.Valid {
		t := lastAttempt.Time
		job.LastAttemptAt = &t
	}
	job.LastError = lastError.String
	return job, nil
}

func (q *PostgresQueue) Complete(ctx context.Context, jobID string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobqueue.scheduled_jobs SET status = 'completed' WHERE id = $1`, jobID)
	return err
}

func (q *PostgresQueue) Fail(ctx context.Context, jobID, reason string) (bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var jobType string
	var payload []byte
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT job_type, payload, attempts FROM jobqueue.scheduled_jobs
		WHERE id = $1 FOR UPDATE`, jobID).Scan(&jobType, &payload, &attempts)
	if err != nil {
		return false, err
	}

	if attempts >= q.policy.MaxAttempts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO jobqueue.dead_letter_jobs (job_id, job_type, payload, failure_reason, attempts)
			VALUES ($1, $2, $3, $4, $5)`,
			jobID, jobType, payload, reason, attempts); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobqueue.scheduled_jobs SET status = 'failed', last_error = $2 WHERE id = $1`,
			jobID, reason); err != nil {
			return false, err
		}
		return false, tx.Commit()
	}

	next := time.Now().UTC().Add(q.policy.Delay(jobID, attempts+1))
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobqueue.scheduled_jobs
		SET status = 'pending', scheduled_for = $2, last_error = $3
		WHERE id = $1`,
		jobID, next, reason); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (q *PostgresQueue) DeadLetters(ctx context.Context) ([]DeadLetterJob, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT job_id, job_type, payload, failure_reason, attempts, failed_at
		FROM jobqueue.dead_letter_jobs ORDER BY failed_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DeadLetterJob
	for rows.Next() {
		var d DeadLetterJob
		var payload []byte
		if err := rows.Scan(&d.JobID, &d.JobType, &payload, &d.FailureReason, &d.Attempts, &d.FailedAt); err != nil {
			return nil, err
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, rows.Err()
}
