package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		Max:         60 * time.Second,
		MaxJitter:   0, // deterministic schedules in assertions
		MaxAttempts: 3,
	}
}

func TestDefaultRetryPolicyAttempts(t *testing.T) {
	assert.Equal(t, 3, DefaultRetryPolicy().MaxAttempts)
}

func TestRetryPolicyDelayShape(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, time.Second, p.Delay("job", 1))
	assert.Equal(t, 2*time.Second, p.Delay("job", 2))
	assert.Equal(t, 4*time.Second, p.Delay("job", 3))
	assert.Equal(t, 60*time.Second, p.Delay("job", 10)) // capped

	// Jitter is deterministic per (job, attempt) and bounded.
	p.MaxJitter = time.Second
	first := p.Delay("job-a", 2)
	second := p.Delay("job-a", 2)
	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first, 2*time.Second)
	assert.Less(t, first, 3*time.Second)
}

func TestQueueFIFOWithinDue(t *testing.T) {
	now := time.Now().UTC()
	q := NewMemoryQueue(testPolicy()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, err := q.Enqueue(ctx, TypeEscalationCheck, map[string]string{"n": "late"}, now.Add(-time.Second))
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, TypeEscalationCheck, map[string]string{"n": "early"}, now.Add(-time.Minute))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, TypeEscalationCheck, map[string]string{"n": "future"}, now.Add(time.Hour))
	require.NoError(t, err)

	job, err := q.AcquireNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)

	// The future job is not due.
	second, err := q.AcquireNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	third, err := q.AcquireNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestFailRequeuesWithBackoffThenDeadLetters(t *testing.T) {
	now := time.Now().UTC()
	q := NewMemoryQueue(testPolicy()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, TypeDeliberationTimeout, map[string]string{"session": "s1"}, now)
	require.NoError(t, err)

	// Attempts 1 and 2 requeue with growing delay.
	for attempt := 1; attempt < 3; attempt++ {
		job, err := q.AcquireNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)

		requeued, err := q.Fail(ctx, job.ID, "handler error")
		require.NoError(t, err)
		assert.True(t, requeued)

		snap, ok := q.Snapshot(jobID)
		require.True(t, ok)
		assert.Equal(t, StatusPending, snap.Status)
		assert.True(t, snap.ScheduledFor.After(now))

		// Fast-forward past the backoff.
		now = snap.ScheduledFor.Add(time.Millisecond)
	}

	// Attempt 3 is the last: failure dead-letters.
	job, err := q.AcquireNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 3, job.Attempts)

	requeued, err := q.Fail(ctx, job.ID, "still broken")
	require.NoError(t, err)
	assert.False(t, requeued)

	snap, _ := q.Snapshot(jobID)
	assert.Equal(t, StatusFailed, snap.Status)

	dead, err := q.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, jobID, dead[0].JobID)
	assert.Equal(t, "still broken", dead[0].FailureReason)
	assert.Equal(t, 3, dead[0].Attempts)
}

func TestWorkerDispatchesByType(t *testing.T) {
	now := time.Now().UTC()
	q := NewMemoryQueue(testPolicy()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	var handled []string
	w := NewWorker(q)
	w.Register(TypeReferralTimeout, func(ctx context.Context, job Job) error {
		handled = append(handled, job.JobType)
		return nil
	})

	jobID, err := q.Enqueue(ctx, TypeReferralTimeout, map[string]string{"petition": "p1"}, now)
	require.NoError(t, err)

	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{TypeReferralTimeout}, handled)

	snap, _ := q.Snapshot(jobID)
	assert.Equal(t, StatusCompleted, snap.Status)
}

func TestWorkerFailsUnknownType(t *testing.T) {
	now := time.Now().UTC()
	q := NewMemoryQueue(testPolicy()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, "unregistered_type", nil, now)
	require.NoError(t, err)

	w := NewWorker(q)
	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	snap, _ := q.Snapshot(jobID)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Contains(t, snap.LastError, "no handler")
}

func TestWorkerHandlerErrorRequeues(t *testing.T) {
	now := time.Now().UTC()
	q := NewMemoryQueue(testPolicy()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	w := NewWorker(q)
	w.Register(TypeAdjournReconcile, func(ctx context.Context, job Job) error {
		return errors.New("reconciliation incomplete")
	})

	jobID, err := q.Enqueue(ctx, TypeAdjournReconcile, nil, now)
	require.NoError(t, err)

	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)

	snap, _ := q.Snapshot(jobID)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Contains(t, snap.LastError, "reconciliation incomplete")
}

type haltedGate struct{ halted bool }

func (g *haltedGate) IsHalted(ctx context.Context) (bool, error) { return g.halted, nil }

func TestWorkerPausesUnderHaltWithoutMutatingRows(t *testing.T) {
	now := time.Now().UTC()
	q := NewMemoryQueue(testPolicy()).WithClock(func() time.Time { return now })
	ctx := context.Background()

	gate := &haltedGate{halted: true}
	w := NewWorker(q, WithHaltGate(gate))
	w.Register(TypeEscalationCheck, func(ctx context.Context, job Job) error { return nil })

	jobID, err := q.Enqueue(ctx, TypeEscalationCheck, nil, now)
	require.NoError(t, err)

	ran, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ran)

	snap, _ := q.Snapshot(jobID)
	assert.Equal(t, StatusPending, snap.Status)
	assert.Equal(t, 0, snap.Attempts)

	// Clearing the halt resumes execution.
	gate.halted = false
	ran, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
}
