package motion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archonhq/archon72/pkg/emission"
)

// SybilGuard throttles co-signing per signer so one identity cannot
// mass-endorse its way to escalation.
type SybilGuard interface {
	Allow(ctx context.Context, signerID string) (bool, error)
}

// RedisSybilGuard is a fixed-window counter in Redis: one key per
// signer per window, expired by Redis itself.
type RedisSybilGuard struct {
	client *redis.Client
	limit  int
	window time.Duration
}

func NewRedisSybilGuard(client *redis.Client, limit int, window time.Duration) *RedisSybilGuard {
	return &RedisSybilGuard{client: client, limit: limit, window: window}
}

func (g *RedisSybilGuard) Allow(ctx context.Context, signerID string) (bool, error) {
	bucket := time.Now().UTC().Truncate(g.window).Unix()
	key := fmt.Sprintf("cosign:%s:%d", signerID, bucket)

	pipe := g.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 2*g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("cosign sybil guard: %w", err)
	}
	return incr.Val() <= int64(g.limit), nil
}

// MemorySybilGuard mirrors the Redis guard for tests.
type MemorySybilGuard struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]int
	now    func() time.Time
}

func NewMemorySybilGuard(limit int, window time.Duration) *MemorySybilGuard {
	return &MemorySybilGuard{
		limit:  limit,
		window: window,
		counts: make(map[string]int),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the wall clock, for tests.
func (g *MemorySybilGuard) WithClock(now func() time.Time) *MemorySybilGuard {
	g.now = now
	return g
}

func (g *MemorySybilGuard) Allow(ctx context.Context, signerID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := fmt.Sprintf("%s:%d", signerID, g.now().Truncate(g.window).Unix())
	g.counts[key]++
	return g.counts[key] <= g.limit, nil
}

// EscalationThresholds maps petition types to the co-sign count that
// forces escalation. Default covers types without a per-type entry.
type EscalationThresholds struct {
	Default int
	PerType map[string]int
}

// For resolves the threshold for a petition type.
func (t EscalationThresholds) For(petitionType string) int {
	if n, ok := t.PerType[petitionType]; ok && n > 0 {
		return n
	}
	if t.Default > 0 {
		return t.Default
	}
	return 50
}

// CoSigner handles endorsements: sybil guard, unique signer per
// petition, counter increment and threshold escalation, all under the
// two-phase petition.cosign protocol.
type CoSigner struct {
	store      PetitionStore
	guard      SybilGuard
	emitter    *emission.Emitter
	thresholds EscalationThresholds
	log        *slog.Logger
	now        func() time.Time
}

// CoSignerOption configures a CoSigner.
type CoSignerOption func(*CoSigner)

func WithCoSignThreshold(n int) CoSignerOption {
	return func(c *CoSigner) { c.thresholds.Default = n }
}

// WithCoSignThresholds sets per-type overrides; cessation petitions,
// for example, escalate on fewer signers than general ones.
func WithCoSignThresholds(perType map[string]int) CoSignerOption {
	return func(c *CoSigner) { c.thresholds.PerType = perType }
}

func WithCoSignLogger(log *slog.Logger) CoSignerOption {
	return func(c *CoSigner) { c.log = log }
}

// WithCoSignClock overrides the wall clock, for tests.
func WithCoSignClock(now func() time.Time) CoSignerOption {
	return func(c *CoSigner) { c.now = now }
}

// NewCoSigner wires a co-signer. The default threshold of 50 distinct
// signers escalates the petition.
func NewCoSigner(store PetitionStore, guard SybilGuard, emitter *emission.Emitter, opts ...CoSignerOption) *CoSigner {
	c := &CoSigner{
		store:      store,
		guard:      guard,
		emitter:    emitter,
		thresholds: EscalationThresholds{Default: 50},
		log:        slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CoSign records one endorsement. Crossing the type's threshold
// escalates the petition under the two-phase petition.escalated
// protocol with the CO_SIGNER_THRESHOLD source.
func (c *CoSigner) CoSign(ctx context.Context, petitionID, signerID string) (int, error) {
	allowed, err := c.guard.Allow(ctx, signerID)
	if err != nil {
		return 0, err
	}
	if !allowed {
		return 0, fmt.Errorf("%w: signer %s", ErrRateLimited, signerID)
	}

	p, err := c.store.Get(ctx, petitionID)
	if err != nil {
		return 0, err
	}

	var count int
	_, err = c.emitter.Emit(ctx, "petition.cosign", "1.0.0", map[string]interface{}{
		"petition_id": petitionID,
		"signer_id":   signerID,
	}, func(ctx context.Context) error {
		count, err = c.store.CoSign(ctx, petitionID, signerID, c.now())
		return err
	})
	if err != nil {
		return count, err
	}

	if count >= c.thresholds.For(p.Type) && p.State != StateEscalated && p.State != StateAdopted {
		if err := c.escalate(ctx, petitionID, count); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (c *CoSigner) escalate(ctx context.Context, petitionID string, count int) error {
	_, err := c.emitter.Emit(ctx, "petition.escalated", "1.0.0", map[string]interface{}{
		"petition_id":       petitionID,
		"escalation_source": EscalationCoSignerThreshold,
		"cosigns":           count,
	}, func(ctx context.Context) error {
		return c.store.SetState(ctx, petitionID, StateEscalated, EscalationCoSignerThreshold)
	})
	if err != nil {
		return fmt.Errorf("escalate petition: %w", err)
	}
	c.log.InfoContext(ctx, "petition escalated by co-signers",
		"petition", petitionID, "cosigns", count)
	return nil
}
