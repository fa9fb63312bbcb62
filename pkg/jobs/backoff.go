package jobs

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// RetryPolicy shapes the retry schedule. Jitter is deterministic: the
// same job and attempt always produce the same delay, so replayed
// failures reschedule identically across worker restarts.
type RetryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy matches the orchestrator contract: base 1s,
// cap 60s, three attempts before the dead-letter queue.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        time.Second,
		Max:         60 * time.Second,
		MaxJitter:   time.Second,
		MaxAttempts: 3,
	}
}

// Delay computes the backoff before the given attempt (1-based).
func (p RetryPolicy) Delay(jobID string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 1 {
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		factor = 1 << shift
	}
	delay := time.Duration(int64(p.Base) * factor)
	if delay > p.Max {
		delay = p.Max
	}
	return delay + p.jitter(jobID, attempt)
}

func (p RetryPolicy) jitter(jobID string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%d", jobID, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}
