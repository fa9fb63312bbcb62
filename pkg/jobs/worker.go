package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/archonhq/archon72/pkg/ledger"
)

// Worker drains the queue. Polling is paced by a rate limiter rather
// than a fixed sleep so a busy queue drains at full speed and an idle
// one does not hammer the database. A halted system pauses execution
// without mutating job rows.
type Worker struct {
	queue    Queue
	halt     ledger.HaltGate
	limiter  *rate.Limiter
	log      *slog.Logger
	mu       sync.RWMutex
	handlers map[string]Handler
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithHaltGate pauses execution while the system is halted.
func WithHaltGate(g ledger.HaltGate) WorkerOption {
	return func(w *Worker) { w.halt = g }
}

// WithPollRate bounds polling frequency (polls per second).
func WithPollRate(perSecond float64) WorkerOption {
	return func(w *Worker) { w.limiter = rate.NewLimiter(rate.Limit(perSecond), 1) }
}

// WithWorkerLogger overrides the default logger.
func WithWorkerLogger(log *slog.Logger) WorkerOption {
	return func(w *Worker) { w.log = log }
}

func NewWorker(queue Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:    queue,
		limiter:  rate.NewLimiter(rate.Limit(10), 1),
		log:      slog.Default(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register installs the handler for a job type. Re-registration
// replaces the previous handler.
func (w *Worker) Register(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// Run polls until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.ErrorContext(ctx, "job poll failed", "error", err)
		}
	}
}

// RunOnce leases and executes at most one due job. Returns whether a
// job was executed.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	if w.halt != nil {
		halted, err := w.halt.IsHalted(ctx)
		if err != nil {
			return false, fmt.Errorf("halt gate: %w", err)
		}
		if halted {
			return false, nil
		}
	}

	job, err := w.queue.AcquireNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	handler, ok := w.handler(job.JobType)
	if !ok {
		_, err := w.queue.Fail(ctx, job.ID, fmt.Sprintf("no handler for job type %q", job.JobType))
		return true, err
	}

	if err := handler(ctx, *job); err != nil {
		requeued, failErr := w.queue.Fail(ctx, job.ID, err.Error())
		if failErr != nil {
			return true, failErr
		}
		w.log.WarnContext(ctx, "job failed",
			"job_id", job.ID, "job_type", job.JobType,
			"attempts", job.Attempts, "requeued", requeued, "error", err)
		return true, nil
	}

	if err := w.queue.Complete(ctx, job.ID); err != nil {
		return true, err
	}
	w.log.DebugContext(ctx, "job completed", "job_id", job.ID, "job_type", job.JobType)
	return true, nil
}
