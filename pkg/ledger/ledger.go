package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/archonhq/archon72/pkg/canonicalize"
	"github.com/archonhq/archon72/pkg/crypto"
)

// Store is the persistence seam beneath the ledger. Append assigns the
// sequence and authority timestamp, enforces the chain link and the
// terminal rule atomically, and is the only write path.
type Store interface {
	Append(ctx context.Context, ev Event) (Event, error)
	ReadRange(ctx context.Context, startSeq, endSeq uint64) ([]Event, error)
	ByID(ctx context.Context, eventID string) (Event, error)
	BySequence(ctx context.Context, seq uint64) (Event, error)
	Head(ctx context.Context) (*Event, error)
	Count(ctx context.Context) (uint64, error)
	IsTerminated(ctx context.Context) (bool, error)
	RecordDrift(ctx context.Context, w DriftWarning) error
}

// HaltGate answers whether the system is halted. The ledger re-checks
// at every write boundary; the in-process representation is a
// read-through cache over the singleton halt row.
type HaltGate interface {
	IsHalted(ctx context.Context) (bool, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithDriftThreshold overrides the clock-drift warning threshold.
func WithDriftThreshold(d time.Duration) Option {
	return func(l *Ledger) { l.driftThreshold = d }
}

// WithSchemaRegistry installs payload layout validation.
func WithSchemaRegistry(r *SchemaRegistry) Option {
	return func(l *Ledger) { l.schemas = r }
}

// WithHaltGate installs the halt circuit check.
func WithHaltGate(g HaltGate) Option {
	return func(l *Ledger) { l.halt = g }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

// Ledger validates and admits events. Every admitted event is
// structurally valid, cryptographically verifiable, chronologically
// ordered and permanently unalterable.
type Ledger struct {
	store          Store
	keys           crypto.KeyRegistry
	schemas        *SchemaRegistry
	halt           HaltGate
	driftThreshold time.Duration
	log            *slog.Logger
}

// DefaultDriftThreshold is the clock-drift warning threshold.
const DefaultDriftThreshold = 5 * time.Second

// New creates a Ledger over a store and key registry.
func New(store Store, keys crypto.KeyRegistry, opts ...Option) *Ledger {
	l := &Ledger{
		store:          store,
		keys:           keys,
		driftThreshold: DefaultDriftThreshold,
		log:            slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append validates req and commits it as the next event in the chain.
// On return the event is durable, ordered and verifiable; failure
// modes leave no partial state.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (Event, error) {
	// Halt gate first: reads stay available under halt, writes refuse.
	if l.halt != nil && !HaltWhitelisted(req.EventType) {
		halted, err := l.halt.IsHalted(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("halt gate: %w", err)
		}
		if halted {
			return Event{}, fmt.Errorf("%w: event_type %s", ErrHalted, req.EventType)
		}
	}

	terminated, err := l.store.IsTerminated(ctx)
	if err != nil {
		return Event{}, err
	}
	if terminated {
		return Event{}, ErrTerminated
	}

	if err := ValidateEventType(req.EventType); err != nil {
		return Event{}, err
	}
	if err := ValidateSchemaVersion(req.SchemaVersion); err != nil {
		return Event{}, err
	}
	if err := ValidateWitnessID(req.WitnessID); err != nil {
		return Event{}, err
	}
	if req.EventID == "" || req.AgentID == "" {
		return Event{}, fmt.Errorf("%w: event_id and agent_id are required", ErrSchemaInvalid)
	}
	if l.schemas != nil {
		if err := l.schemas.Validate(req.EventType, req.SchemaVersion, req.Payload); err != nil {
			return Event{}, err
		}
	}

	hashAlg := canonicalize.HashAlg(req.HashAlgVersion)
	if hashAlg == 0 {
		hashAlg = canonicalize.HashAlgSHA256
	}
	canonical, err := canonicalize.CanonicalRaw(req.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	signable := canonicalize.SignableContent(req.EventType, canonical, req.PrevHash)
	contentHash := hashAlg.Sum(signable)

	now := time.Now().UTC()
	if err := l.verifySignatures(ctx, req, signable, now); err != nil {
		return Event{}, err
	}

	ev := Event{
		EventID:          req.EventID,
		EventType:        req.EventType,
		Branch:           BranchOf(req.EventType),
		SchemaVersion:    req.SchemaVersion,
		Payload:          req.Payload,
		PrevHash:         req.PrevHash,
		ContentHash:      contentHash,
		HashAlgVersion:   int(hashAlg),
		SigAlgVersion:    req.SigAlgVersion,
		AgentID:          req.AgentID,
		WitnessID:        req.WitnessID,
		Signature:        req.Signature,
		SigningKeyID:     req.SigningKeyID,
		WitnessSignature: req.WitnessSignature,
		LocalTimestamp:   req.LocalTimestamp,
		IsTerminal:       payloadIsTerminal(req.Payload),
	}
	if ev.SigAlgVersion == 0 {
		ev.SigAlgVersion = 1
	}

	committed, err := l.store.Append(ctx, ev)
	if err != nil {
		return Event{}, err
	}

	l.recordDrift(ctx, committed)

	l.log.InfoContext(ctx, "event appended",
		"sequence", committed.Sequence,
		"event_type", committed.EventType,
		"agent_id", committed.AgentID,
	)
	return committed, nil
}

func (l *Ledger) verifySignatures(ctx context.Context, req AppendRequest, signable []byte, at time.Time) error {
	if !crypto.ValidSignatureShape(req.Signature) {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	if req.SigningKeyID == "" {
		return fmt.Errorf("%w: signing_key_id required", ErrBadSignature)
	}
	if err := crypto.VerifyAt(ctx, l.keys, req.SigningKeyID, at, req.Signature, signable); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	if !crypto.ValidSignatureShape(req.WitnessSignature) {
		return fmt.Errorf("%w: malformed witness signature", ErrBadWitness)
	}
	// The witness attests with whichever of its registered keys is
	// active at commit time.
	witnessKeys, err := l.keys.KeysForAgent(ctx, req.WitnessID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadWitness, err)
	}
	for _, key := range witnessKeys {
		if !key.ActiveAt(at) {
			continue
		}
		ok, verr := crypto.Verify(key.PublicKey, req.WitnessSignature, signable)
		if verr == nil && ok {
			return nil
		}
	}
	return fmt.Errorf("%w: no active key of %s verifies the attestation", ErrBadWitness, req.WitnessID)
}

func (l *Ledger) recordDrift(ctx context.Context, ev Event) {
	drift := ev.AuthorityTimestamp.Sub(ev.LocalTimestamp)
	if drift < 0 {
		drift = -drift
	}
	if drift <= l.driftThreshold {
		return
	}
	warning := DriftWarning{
		EventID:            ev.EventID,
		Sequence:           ev.Sequence,
		LocalTimestamp:     ev.LocalTimestamp,
		AuthorityTimestamp: ev.AuthorityTimestamp,
		Drift:              drift,
	}
	if err := l.store.RecordDrift(ctx, warning); err != nil {
		l.log.WarnContext(ctx, "drift warning not recorded", "error", err)
	}
	l.log.WarnContext(ctx, "clock drift exceeds threshold",
		"sequence", ev.Sequence, "drift", drift.String())
}

// ReadRange returns the committed events in [startSeq, endSeq], ordered.
func (l *Ledger) ReadRange(ctx context.Context, startSeq, endSeq uint64) ([]Event, error) {
	return l.store.ReadRange(ctx, startSeq, endSeq)
}

// Head returns the current chain head, or nil for an empty ledger.
func (l *Ledger) Head(ctx context.Context) (*Event, error) {
	return l.store.Head(ctx)
}

// IsTerminated reports whether the terminal event has been recorded.
func (l *Ledger) IsTerminated(ctx context.Context) (bool, error) {
	return l.store.IsTerminated(ctx)
}

// VerifyChain validates every link in [startSeq, endSeq]. When
// startSeq > 1 the link from startSeq-1 is validated as well.
func (l *Ledger) VerifyChain(ctx context.Context, startSeq, endSeq uint64) (ChainReport, error) {
	return VerifyChain(ctx, l.store, startSeq, endSeq)
}
