package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon72/pkg/canonicalize"
	"github.com/archonhq/archon72/pkg/crypto"
)

// corruptHex flips the leading digit so the mutated hash never
// collides with the original.
func corruptHex(h string) string {
	repl := byte('0')
	if h[0] == '0' {
		repl = '1'
	}
	return string(repl) + h[1:]
}

type stubHaltGate struct{ halted bool }

func (g *stubHaltGate) IsHalted(ctx context.Context) (bool, error) { return g.halted, nil }

type harness struct {
	ledger  *Ledger
	store   *MemoryStore
	keys    *crypto.MemoryKeyRegistry
	halt    *stubHaltGate
	signer  *crypto.Ed25519Signer
	witness *crypto.Ed25519Signer
	keyID   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	store := NewMemoryStore()
	keys := crypto.NewMemoryKeyRegistry()
	halt := &stubHaltGate{}

	signer, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)
	keyID, err := keys.Register(ctx, "ARCHON:BAEL", signer.PublicKey())
	require.NoError(t, err)

	witness, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)
	_, err = keys.Register(ctx, "WITNESS:recorder", witness.PublicKey())
	require.NoError(t, err)

	schemas := NewSchemaRegistry()
	for _, et := range []string{
		"legislative.motion.proposed",
		"executive.task.accepted",
		"petition.received.committed",
		"system.halt.triggered",
		"system.heartbeat.emitted",
		"cessation.final.recorded",
	} {
		schemas.Register(et, "1.0.0", RequireObject)
	}

	l := New(store, keys,
		WithSchemaRegistry(schemas),
		WithHaltGate(halt),
		WithDriftThreshold(5*time.Second),
	)
	return &harness{ledger: l, store: store, keys: keys, halt: halt, signer: signer, witness: witness, keyID: keyID}
}

// buildRequest signs a payload against the current head.
func (h *harness) buildRequest(t *testing.T, eventType string, payload map[string]interface{}) AppendRequest {
	t.Helper()
	ctx := context.Background()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	canonical, err := canonicalize.CanonicalRaw(raw)
	require.NoError(t, err)

	prevHash := canonicalize.GenesisHash
	head, err := h.ledger.Head(ctx)
	require.NoError(t, err)
	if head != nil {
		prevHash = head.ContentHash
	}

	signable := canonicalize.SignableContent(eventType, canonical, prevHash)
	sig, err := h.signer.Sign(signable)
	require.NoError(t, err)
	witnessSig, err := h.witness.Sign(signable)
	require.NoError(t, err)

	return AppendRequest{
		EventID:          uuid.New().String(),
		EventType:        eventType,
		SchemaVersion:    "1.0.0",
		Payload:          raw,
		PrevHash:         prevHash,
		HashAlgVersion:   1,
		SigAlgVersion:    1,
		AgentID:          "ARCHON:BAEL",
		WitnessID:        "WITNESS:recorder",
		Signature:        sig,
		SigningKeyID:     h.keyID,
		WitnessSignature: witnessSig,
		LocalTimestamp:   time.Now().UTC(),
	}
}

func (h *harness) append(t *testing.T, eventType string, payload map[string]interface{}) Event {
	t.Helper()
	ev, err := h.ledger.Append(context.Background(), h.buildRequest(t, eventType, payload))
	require.NoError(t, err)
	return ev
}

func TestAppendAssignsDenseSequence(t *testing.T) {
	h := newHarness(t)
	for i := 1; i <= 5; i++ {
		ev := h.append(t, "executive.task.accepted", map[string]interface{}{"n": i})
		assert.Equal(t, uint64(i), ev.Sequence)
	}
}

func TestAppendChainsHashes(t *testing.T) {
	h := newHarness(t)
	first := h.append(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	second := h.append(t, "executive.task.accepted", map[string]interface{}{"n": 2})

	assert.Equal(t, canonicalize.GenesisHash, first.PrevHash)
	assert.Equal(t, first.ContentHash, second.PrevHash)
}

func TestAppendDerivesBranchServerSide(t *testing.T) {
	h := newHarness(t)
	ev := h.append(t, "petition.received.committed", map[string]interface{}{"petition_id": "p1"})
	assert.Equal(t, "petition", ev.Branch)
}

func TestAppendRejectsBadEventType(t *testing.T) {
	h := newHarness(t)
	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	req.EventType = "Not.Valid.TYPE"
	_, err := h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestAppendRejectsBadSchemaVersion(t *testing.T) {
	h := newHarness(t)
	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	req.SchemaVersion = "1.0"
	_, err := h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestAppendRejectsUnknownVariant(t *testing.T) {
	h := newHarness(t)
	req := h.buildRequest(t, "judicial.verdict.recorded", map[string]interface{}{"n": 1})
	_, err := h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestAppendRejectsBadSignature(t *testing.T) {
	h := newHarness(t)

	// Malformed shape.
	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	req.Signature = "not-a-signature"
	_, err := h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadSignature)

	// Well-formed but signed by the wrong key.
	req = h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	intruder, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)
	req.Signature, err = intruder.Sign([]byte("something else"))
	require.NoError(t, err)
	_, err = h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestAppendRejectsBadWitness(t *testing.T) {
	h := newHarness(t)

	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	req.WitnessID = "not-a-witness"
	_, err := h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadWitness)

	req = h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	stranger, err := crypto.NewEd25519Signer("")
	require.NoError(t, err)
	req.WitnessSignature, err = stranger.Sign([]byte("unwitnessed"))
	require.NoError(t, err)
	_, err = h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadWitness)
}

func TestAppendRejectsUnknownKey(t *testing.T) {
	h := newHarness(t)
	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	req.SigningKeyID = uuid.New().String()
	_, err := h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestAppendRejectsStalePrevHash(t *testing.T) {
	h := newHarness(t)
	h.append(t, "executive.task.accepted", map[string]interface{}{"n": 1})

	// A request signed against genesis while the head has moved.
	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 2})
	stale := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 3})
	stale.PrevHash = canonicalize.GenesisHash
	// Re-sign over the stale head so the signature itself is valid.
	canonical, err := canonicalize.CanonicalRaw(stale.Payload)
	require.NoError(t, err)
	signable := canonicalize.SignableContent(stale.EventType, canonical, stale.PrevHash)
	stale.Signature, err = h.signer.Sign(signable)
	require.NoError(t, err)
	stale.WitnessSignature, err = h.witness.Sign(signable)
	require.NoError(t, err)

	_, err = h.ledger.Append(context.Background(), stale)
	assert.ErrorIs(t, err, ErrChainViolation)

	// The correctly-chained request still lands.
	_, err = h.ledger.Append(context.Background(), req)
	assert.NoError(t, err)
}

func TestHaltGateRefusesWrites(t *testing.T) {
	h := newHarness(t)
	h.halt.halted = true

	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	_, err := h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrHalted)

	// Whitelisted lifecycle events still land.
	h.append(t, "system.heartbeat.emitted", map[string]interface{}{"beat": 1})
}

func TestTerminalEventBlocksAllSubsequentWrites(t *testing.T) {
	h := newHarness(t)
	h.append(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	h.append(t, "cessation.final.recorded", map[string]interface{}{"is_terminal": true, "reason": "wound down"})

	terminated, err := h.ledger.IsTerminated(context.Background())
	require.NoError(t, err)
	assert.True(t, terminated)

	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 2})
	_, err = h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrTerminated)

	count, err := h.store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestDriftWarningRecordedNotRejected(t *testing.T) {
	h := newHarness(t)
	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	req.LocalTimestamp = time.Now().Add(-time.Minute)

	_, err := h.ledger.Append(context.Background(), req)
	require.NoError(t, err)
	warnings := h.store.DriftWarnings()
	require.Len(t, warnings, 1)
	assert.Greater(t, warnings[0].Drift, 5*time.Second)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 1; i <= 100; i++ {
		h.append(t, "executive.task.accepted", map[string]interface{}{"n": i})
	}

	report, err := h.ledger.VerifyChain(ctx, 1, 100)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Zero(t, report.BrokenAt)

	// Simulated corruption (possible only against the memory store).
	require.NoError(t, h.store.Tamper(55, func(ev *Event) {
		ev.ContentHash = corruptHex(ev.ContentHash)
	}))

	report, err = h.ledger.VerifyChain(ctx, 50, 60)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, uint64(55), report.BrokenAt)
	assert.NotEmpty(t, report.Expected)
	assert.NotEmpty(t, report.Actual)
}

func TestVerifyChainChecksIncomingLink(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 1; i <= 10; i++ {
		h.append(t, "executive.task.accepted", map[string]interface{}{"n": i})
	}
	require.NoError(t, h.store.Tamper(5, func(ev *Event) {
		ev.ContentHash = corruptHex(ev.ContentHash)
	}))

	// Range starting at 6: the link back to 5 must be validated.
	report, err := h.ledger.VerifyChain(ctx, 6, 10)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, uint64(6), report.BrokenAt)
}

func TestClerkRecord(t *testing.T) {
	h := newHarness(t)
	clerk := NewClerk(h.ledger, "ARCHON:BAEL", h.signer, h.keyID, "WITNESS:recorder", h.witness)

	ev, err := clerk.Record(context.Background(), "legislative.motion.proposed", "1.0.0",
		map[string]interface{}{"motion_id": "m-1", "title": "On the matter of quorum"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ev.Sequence)
	assert.Equal(t, "legislative", ev.Branch)

	report, err := h.ledger.VerifyChain(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestEventTypeGrammar(t *testing.T) {
	cases := []struct {
		eventType string
		ok        bool
	}{
		{"legislative.motion.proposed", true},
		{"administrative_senior.report.filed", true},
		{"petition.received.committed", true},
		{"merkle.root.published", true},
		{"bad", false},
		{"Upper.case.bad", false},
		{"too.many.parts.here", false},
		{"unknownbranch.noun.verb", false},
	}
	for _, tc := range cases {
		err := ValidateEventType(tc.eventType)
		if tc.ok {
			assert.NoError(t, err, tc.eventType)
		} else {
			assert.Error(t, err, tc.eventType)
		}
	}
}

func TestGenesisPrevHashRequired(t *testing.T) {
	h := newHarness(t)
	req := h.buildRequest(t, "executive.task.accepted", map[string]interface{}{"n": 1})
	req.PrevHash = fmt.Sprintf("%064d", 1)
	canonical, err := canonicalize.CanonicalRaw(req.Payload)
	require.NoError(t, err)
	signable := canonicalize.SignableContent(req.EventType, canonical, req.PrevHash)
	req.Signature, err = h.signer.Sign(signable)
	require.NoError(t, err)
	req.WitnessSignature, err = h.witness.Sign(signable)
	require.NoError(t, err)

	_, err = h.ledger.Append(context.Background(), req)
	assert.ErrorIs(t, err, ErrChainViolation)
}
