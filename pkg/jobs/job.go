// Package jobs is the durable job queue: single-database, at-least-once
// delivery, SKIP LOCKED leasing, exponential retry with deterministic
// jitter and a dead-letter queue. Handlers own their idempotency; the
// queue only guarantees a failed job is retried and a poisoned one
// ends up in the DLQ.
package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Scheduled job types the orchestrators rely on.
const (
	TypeReferralTimeout      = "referral_timeout"
	TypeDeliberationTimeout  = "deliberation_timeout"
	TypeEscalationCheck      = "escalation_check"
	TypeAdjournReconcile     = "adjourn_reconciliation"
	TypeRateCounterTTL       = "rate_counter_ttl"
	TypeEpochBuild           = "epoch_build"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is one scheduled unit of work.
type Job struct {
	ID            string          `json:"id"`
	JobType       string          `json:"job_type"`
	Payload       json.RawMessage `json:"payload"`
	ScheduledFor  time.Time       `json:"scheduled_for"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// DeadLetterJob mirrors a job that exhausted its retries.
type DeadLetterJob struct {
	JobID         string          `json:"job_id"`
	JobType       string          `json:"job_type"`
	Payload       json.RawMessage `json:"payload"`
	FailureReason string          `json:"failure_reason"`
	Attempts      int             `json:"attempts"`
	FailedAt      time.Time       `json:"failed_at"`
}

// Handler processes one job. A returned error requeues the job (or
// dead-letters it once attempts are exhausted).
type Handler func(ctx context.Context, job Job) error

// Queue is the persistence seam for scheduled jobs. AcquireNext
// returns nil when nothing is due.
type Queue interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}, scheduledFor time.Time) (string, error)
	AcquireNext(ctx context.Context) (*Job, error)
	Complete(ctx context.Context, jobID string) error
	// Fail requeues with backoff, or dead-letters when attempts are
	// exhausted. Returns true when the job was requeued.
	Fail(ctx context.Context, jobID, reason string) (bool, error)
	DeadLetters(ctx context.Context) ([]DeadLetterJob, error)
}
