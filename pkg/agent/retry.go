package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks an invocation error as not retryable.
func Permanent(err error) error { return backoff.Permanent(err) }

// RetryingInvoker wraps an Invoker with per-call timeouts and bounded
// exponential backoff (base 1s, cap 60s).
type RetryingInvoker struct {
	inner        Invoker
	callTimeout  time.Duration
	maxRetries   uint64
	baseInterval time.Duration
	log          *slog.Logger
}

// RetryOption configures a RetryingInvoker.
type RetryOption func(*RetryingInvoker)

// WithCallTimeout bounds each individual attempt.
func WithCallTimeout(d time.Duration) RetryOption {
	return func(r *RetryingInvoker) { r.callTimeout = d }
}

// WithMaxRetries bounds retry attempts after the first call.
func WithMaxRetries(n uint64) RetryOption {
	return func(r *RetryingInvoker) { r.maxRetries = n }
}

// WithBaseInterval overrides the first backoff interval (tests).
func WithBaseInterval(d time.Duration) RetryOption {
	return func(r *RetryingInvoker) { r.baseInterval = d }
}

// WithRetryLogger overrides the default logger.
func WithRetryLogger(log *slog.Logger) RetryOption {
	return func(r *RetryingInvoker) { r.log = log }
}

func NewRetryingInvoker(inner Invoker, opts ...RetryOption) *RetryingInvoker {
	r := &RetryingInvoker{
		inner:        inner,
		callTimeout:  30 * time.Second,
		maxRetries:   3,
		baseInterval: time.Second,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryingInvoker) Invoke(ctx context.Context, inv Invocation) (Response, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.baseInterval
	policy.MaxInterval = 60 * time.Second
	policy.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	var resp Response
	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()

		var err error
		resp, err = r.inner.Invoke(callCtx, inv)
		if err == nil {
			return nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = errors.Join(ErrInvocationTimeout, err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		r.log.WarnContext(ctx, "agent invocation failed",
			"archon_id", inv.ArchonID, "role", string(inv.Role), "attempt", attempt, "error", err)
		return err
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, r.maxRetries), ctx))
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}
