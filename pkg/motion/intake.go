package motion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/archonhq/archon72/pkg/emission"
	"github.com/archonhq/archon72/pkg/ledger"
)

// petitionSchema is the intake contract. Submissions that do not parse
// against it are refused before any other gate runs.
const petitionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type", "text"],
	"properties": {
		"submitter_id": {"type": "string", "minLength": 1, "maxLength": 128},
		"type": {"type": "string", "enum": ["general", "cessation", "grievance", "collaboration", "meta"]},
		"text": {"type": "string", "minLength": 10, "maxLength": 10000},
		"realm": {"type": "string", "maxLength": 128}
	},
	"additionalProperties": false
}`

// anonymousSubmitter is the shared rate bucket for pleas submitted
// without an identity.
const anonymousSubmitter = "anonymous"

// Submission is the raw intake payload. SubmitterID may be empty:
// anonymous petitions are accepted and rate-limited as one pool.
type Submission struct {
	SubmitterID string `json:"submitter_id,omitempty"`
	Type        string `json:"type"`
	Realm       string `json:"realm,omitempty"`
	Text        string `json:"text"`
}

// IntakeConfig tunes the gate pipeline.
type IntakeConfig struct {
	// RateLimit is submissions per submitter per RateWindow.
	RateLimit  int
	RateWindow time.Duration
	// CapacityHigh closes intake when open petitions reach it;
	// CapacityLow reopens it. The gap is the hysteresis band that
	// stops the gate flapping at the boundary.
	CapacityHigh int
	CapacityLow  int
}

// DefaultIntakeConfig matches the constitutional defaults.
func DefaultIntakeConfig() IntakeConfig {
	return IntakeConfig{
		RateLimit:    10,
		RateWindow:   time.Hour,
		CapacityHigh: 1000,
		CapacityLow:  900,
	}
}

// Intake runs submissions through the gate pipeline: schema, halt,
// rate limit, capacity, dedup, then the two-phase persist.
type Intake struct {
	schema  *jsonschema.Schema
	halt    ledger.HaltGate
	rates   RateStore
	store   PetitionStore
	emitter *emission.Emitter
	cfg     IntakeConfig
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	closed bool // capacity gate latch
}

// IntakeOption configures an Intake.
type IntakeOption func(*Intake)

func WithIntakeConfig(cfg IntakeConfig) IntakeOption {
	return func(in *Intake) { in.cfg = cfg }
}

func WithIntakeLogger(log *slog.Logger) IntakeOption {
	return func(in *Intake) { in.log = log }
}

// WithIntakeClock overrides the wall clock, for tests.
func WithIntakeClock(now func() time.Time) IntakeOption {
	return func(in *Intake) { in.now = now }
}

func NewIntake(halt ledger.HaltGate, rates RateStore, store PetitionStore, emitter *emission.Emitter, opts ...IntakeOption) (*Intake, error) {
	schema, err := jsonschema.CompileString("petition.json", petitionSchema)
	if err != nil {
		return nil, fmt.Errorf("compile petition schema: %w", err)
	}
	in := &Intake{
		schema:  schema,
		halt:    halt,
		rates:   rates,
		store:   store,
		emitter: emitter,
		cfg:     DefaultIntakeConfig(),
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(in)
	}
	return in, nil
}

// Submit runs every gate in order and persists the petition under the
// two-phase petition.received protocol. The first failing gate wins;
// later gates never run.
func (in *Intake) Submit(ctx context.Context, sub Submission) (Petition, error) {
	if err := in.validate(sub); err != nil {
		return Petition{}, err
	}

	halted, err := in.halt.IsHalted(ctx)
	if err != nil {
		return Petition{}, err
	}
	if halted {
		return Petition{}, ledger.ErrHalted
	}

	now := in.now()
	rateKey := sub.SubmitterID
	if rateKey == "" {
		rateKey = anonymousSubmitter
	}
	if err := in.checkRate(ctx, rateKey, now); err != nil {
		return Petition{}, err
	}
	if err := in.checkCapacity(ctx); err != nil {
		return Petition{}, err
	}

	hash := ContentHash(sub.Text, sub.SubmitterID, sub.Type)
	if _, err := in.store.ByContentHash(ctx, hash); err == nil {
		return Petition{}, ErrDuplicatePetition
	} else if !errors.Is(err, ErrPetitionNotFound) {
		return Petition{}, err
	}

	p := Petition{
		PetitionID:  uuid.New().String(),
		SubmitterID: sub.SubmitterID,
		Type:        sub.Type,
		Realm:       sub.Realm,
		Text:        sub.Text,
		ContentHash: hash,
		State:       StateReceived,
		ReceivedAt:  now,
	}

	_, err = in.emitter.Emit(ctx, "petition.received", "1.0.0", map[string]interface{}{
		"petition_id":   p.PetitionID,
		"submitter_id":  p.SubmitterID,
		"petition_type": p.Type,
		"realm":         p.Realm,
		"content_hash":  p.ContentHash,
	}, func(ctx context.Context) error {
		if err := in.rates.Increment(ctx, rateKey, now); err != nil {
			return err
		}
		return in.store.Insert(ctx, p)
	})
	if err != nil {
		return Petition{}, err
	}

	in.log.InfoContext(ctx, "petition received",
		"petition", p.PetitionID, "submitter", p.SubmitterID, "type", p.Type)
	return p, nil
}

func (in *Intake) validate(sub Submission) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if err := in.schema.Validate(doc); err != nil {
		msg := strings.ReplaceAll(err.Error(), "\n", "; ")
		return fmt.Errorf("%w: %s", ErrSchemaViolation, msg)
	}
	return nil
}

func (in *Intake) checkRate(ctx context.Context, submitterID string, now time.Time) error {
	count, err := in.rates.CountWindow(ctx, submitterID, now.Add(-in.cfg.RateWindow), now)
	if err != nil {
		return err
	}
	if count >= in.cfg.RateLimit {
		return fmt.Errorf("%w: %d in the last %s", ErrRateLimited, count, in.cfg.RateWindow)
	}
	return nil
}

// checkCapacity latches closed at the high watermark and reopens at
// the low one.
func (in *Intake) checkCapacity(ctx context.Context) error {
	open, err := in.store.CountOpen(ctx)
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		if open <= in.cfg.CapacityLow {
			in.closed = false
		}
	} else if open >= in.cfg.CapacityHigh {
		in.closed = true
	}
	if in.closed {
		return fmt.Errorf("%w: %d open petitions", ErrAtCapacity, open)
	}
	return nil
}
