package halt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/archonhq/archon72/pkg/ledger"
)

// defaultCacheTTL bounds how stale the in-process halt view may be.
// Every write boundary re-checks within this window, which keeps the
// trigger-to-rejection latency inside the 100ms design target without
// a database round trip per append.
const defaultCacheTTL = 50 * time.Millisecond

// Recorder is the slice of the ledger clerk the circuit publishes
// lifecycle events through.
type Recorder interface {
	Record(ctx context.Context, eventType, schemaVersion string, payload interface{}) (ledger.Event, error)
}

// Circuit is the halt authority. It owns the singleton state row,
// publishes halt lifecycle events and answers IsHalted for the
// ledger's write gate.
type Circuit struct {
	store      Store
	recorder   Recorder
	ceremonies *CeremonyValidator
	log        *slog.Logger
	cacheTTL   time.Duration

	mu       sync.Mutex
	cached   bool
	cachedAt time.Time
}

// CircuitOption configures a Circuit.
type CircuitOption func(*Circuit)

// WithRecorder installs the ledger clerk for lifecycle events.
func WithRecorder(r Recorder) CircuitOption {
	return func(c *Circuit) { c.recorder = r }
}

// WithCeremonyValidator installs restore-token validation. Without it,
// Restore refuses every request.
func WithCeremonyValidator(v *CeremonyValidator) CircuitOption {
	return func(c *Circuit) { c.ceremonies = v }
}

// WithCircuitLogger overrides the default logger.
func WithCircuitLogger(log *slog.Logger) CircuitOption {
	return func(c *Circuit) { c.log = log }
}

// WithCacheTTL overrides the IsHalted read-through cache window.
func WithCacheTTL(ttl time.Duration) CircuitOption {
	return func(c *Circuit) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

func NewCircuit(store Store, opts ...CircuitOption) *Circuit {
	c := &Circuit{store: store, log: slog.Default(), cacheTTL: defaultCacheTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TriggerResult reports a completed halt trigger.
type TriggerResult struct {
	HaltID       string    `json:"halt_id"`
	TriggeredAt  time.Time `json:"triggered_at"`
	CompletionMS int64     `json:"completion_ms"`
}

// TriggerHalt persists the halt and publishes system.halt.triggered.
// The state flip is the authoritative effect; event publication
// failure is logged, not unwound, because a halted system must stay
// halted.
func (c *Circuit) TriggerHalt(ctx context.Context, t Trigger) (TriggerResult, error) {
	started := time.Now()
	st, err := c.store.Trigger(ctx, t, started)
	if err != nil {
		return TriggerResult{}, err
	}
	c.invalidate()

	c.log.WarnContext(ctx, "system halted",
		"halt_id", st.HaltID, "reason", st.Reason, "severity", string(st.Severity))

	if c.recorder != nil {
		_, err := c.recorder.Record(ctx, "system.halt.triggered", "1.0.0", map[string]interface{}{
			"halt_id":         st.HaltID,
			"reason":          st.Reason,
			"operator_id":     st.OperatorID,
			"severity":        string(st.Severity),
			"crisis_event_id": st.CrisisEventID,
		})
		if err != nil {
			c.log.ErrorContext(ctx, "halt event not recorded", "halt_id", st.HaltID, "error", err)
		}
	}
	return TriggerResult{
		HaltID:       st.HaltID,
		TriggeredAt:  *st.HaltedAt,
		CompletionMS: time.Since(started).Milliseconds(),
	}, nil
}

// Status returns the current halt snapshot.
func (c *Circuit) Status(ctx context.Context) (State, error) {
	return c.store.Get(ctx)
}

// Restore validates the ceremony token and clears the halt, then
// publishes system.halt.cleared (whitelisted, so it can be appended
// while the halt is still visible to other writers).
func (c *Circuit) Restore(ctx context.Context, ceremonyToken, clearReason string) (State, error) {
	if c.ceremonies == nil {
		return State{}, ErrCeremonyInvalid
	}
	ceremony, err := c.ceremonies.Validate(ceremonyToken)
	if err != nil {
		return State{}, err
	}

	st, err := c.store.Clear(ctx, ceremony.CeremonyID, clearReason, time.Now())
	if err != nil {
		return State{}, err
	}
	c.invalidate()

	c.log.InfoContext(ctx, "halt cleared",
		"ceremony_id", ceremony.CeremonyID, "operator_id", ceremony.OperatorID)

	if c.recorder != nil {
		_, err := c.recorder.Record(ctx, "system.halt.cleared", "1.0.0", map[string]interface{}{
			"ceremony_id":  ceremony.CeremonyID,
			"operator_id":  ceremony.OperatorID,
			"clear_reason": clearReason,
		})
		if err != nil {
			c.log.ErrorContext(ctx, "halt clear event not recorded", "error", err)
		}
	}
	return st, nil
}

// IsHalted implements ledger.HaltGate with a short read-through cache.
func (c *Circuit) IsHalted(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if time.Since(c.cachedAt) < c.cacheTTL {
		halted := c.cached
		c.mu.Unlock()
		return halted, nil
	}
	c.mu.Unlock()

	st, err := c.store.Get(ctx)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	c.cached = st.IsHalted
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return st.IsHalted, nil
}

func (c *Circuit) invalidate() {
	c.mu.Lock()
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

var _ ledger.HaltGate = (*Circuit)(nil)
