package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue mirrors the Postgres queue semantics in process memory
// for orchestrator tests. FIFO within due jobs by scheduled_for.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	dead   []DeadLetterJob
	policy RetryPolicy
	clock  func() time.Time
}

func NewMemoryQueue(policy RetryPolicy) *MemoryQueue {
	return &MemoryQueue{
		jobs:   make(map[string]*Job),
		policy: policy,
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the queue clock for deterministic testing.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, scheduledFor time.Time) (string, error) {
	_ = ctx
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	jobID := uuid.New().String()
	q.jobs[jobID] = &Job{
		ID:           jobID,
		JobType:      jobType,
		Payload:      raw,
		ScheduledFor: scheduledFor.UTC(),
		Status:       StatusPending,
		CreatedAt:    q.clock(),
	}
	return jobID, nil
}

func (q *MemoryQueue) AcquireNext(ctx context.Context) (*Job, error) {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock()
	var due []*Job
	for _, job := range q.jobs {
		if job.Status == StatusPending && !job.ScheduledFor.After(now) {
			due = append(due, job)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ScheduledFor.Before(due[j].ScheduledFor)
		}
		return due[i].ID < due[j].ID
	})

	job := due[0]
	job.Status = StatusProcessing
	job.Attempts++
	at := now
	job.LastAttemptAt = &at

	leased := *job
	return &leased, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, jobID string) error {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	job.Status = StatusCompleted
	return nil
}

func (q *MemoryQueue) Fail(ctx context.Context, jobID, reason string) (bool, error) {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return false, fmt.Errorf("unknown job %s", jobID)
	}

	if job.Attempts >= q.policy.MaxAttempts {
		job.Status = StatusFailed
		job.LastError = reason
		q.dead = append(q.dead, DeadLetterJob{
			JobID:         job.ID,
			JobType:       job.JobType,
			Payload:       job.Payload,
			FailureReason: reason,
			Attempts:      job.Attempts,
			FailedAt:      q.clock(),
		})
		return false, nil
	}

	job.Status = StatusPending
	job.LastError = reason
	job.ScheduledFor = q.clock().Add(q.policy.Delay(job.ID, job.Attempts+1))
	return true, nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]DeadLetterJob, error) {
	_ = ctx
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterJob, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Snapshot returns a copy of a job row (test observability).
func (q *MemoryQueue) Snapshot(jobID string) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

var _ Queue = (*MemoryQueue)(nil)
var _ Queue = (*PostgresQueue)(nil)
