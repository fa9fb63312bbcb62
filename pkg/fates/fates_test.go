package fates

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon72/pkg/agent"
	"github.com/archonhq/archon72/pkg/archon"
	"github.com/archonhq/archon72/pkg/jobs"
	"github.com/archonhq/archon72/pkg/ledger"
)

type stubGate struct{ halted bool }

func (g *stubGate) IsHalted(ctx context.Context) (bool, error) { return g.halted, nil }

type recordedEvent struct {
	EventType string
	Payload   map[string]interface{}
}

type stubRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *stubRecorder) Record(ctx context.Context, eventType, schemaVersion string, payload interface{}) (ledger.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, err := json.Marshal(payload)
	if err != nil {
		return ledger.Event{}, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ledger.Event{}, err
	}
	r.events = append(r.events, recordedEvent{EventType: eventType, Payload: m})
	return ledger.Event{EventType: eventType, Payload: raw}, nil
}

func (r *stubRecorder) ofType(eventType string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, ev := range r.events {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fatesHarness struct {
	store    *MemoryStore
	invoker  *agent.ScriptedInvoker
	recorder *stubRecorder
	queue    *jobs.MemoryQueue
	gate     *stubGate
	orch     *Orchestrator
}

func newHarness(t *testing.T, fallback string, opts ...OrchestratorOption) *fatesHarness {
	t.Helper()
	h := &fatesHarness{
		store:    NewMemoryStore(),
		invoker:  agent.NewScriptedInvoker(fallback),
		recorder: &stubRecorder{},
		queue: jobs.NewMemoryQueue(jobs.RetryPolicy{
			Base: time.Second, Max: time.Minute, MaxAttempts: 3,
		}),
		gate: &stubGate{},
	}
	bench := archon.NewRoster().ByRank(archon.RankMarquis)
	h.orch = NewOrchestrator(h.store, h.invoker, h.recorder, h.queue, h.gate, bench, opts...)
	return h
}

func testPetition() Petition {
	return Petition{
		PetitionID:  "11111111-2222-3333-4444-555555555555",
		Text:        "Petition to rebalance the eastern granary tithe.",
		ContentHash: strings.Repeat("ab", 32),
	}
}

func TestParseOutcome(t *testing.T) {
	cases := []struct {
		raw  string
		want Outcome
	}{
		{"I vote ACKNOWLEDGE.", OutcomeAcknowledge},
		{"escalate immediately", OutcomeEscalate},
		{"REFER to the legislative bench", OutcomeRefer},
		{"Defer until the next epoch", OutcomeDefer},
		{"mumbling without a disposition", OutcomeNoResponse},
		{"", OutcomeNoResponse},
		// Whole tokens only: embedded fragments are not dispositions.
		{"I PREFER silence on this matter", OutcomeNoResponse},
		{"the REFERENCE texts are unclear", OutcomeNoResponse},
		{"DEFERENCE to the bench", OutcomeNoResponse},
		{"NO_RESPONSE", OutcomeNoResponse},
		{"My vote: REFER.", OutcomeRefer},
		{"(escalate)", OutcomeEscalate},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseOutcome(tc.raw), tc.raw)
	}
}

func TestUnanimousVerdict(t *testing.T) {
	h := newHarness(t, "ACKNOWLEDGE")
	ctx := context.Background()

	s, err := h.orch.Run(ctx, testPetition())
	require.NoError(t, err)

	assert.Equal(t, PhaseComplete, s.Phase)
	assert.Equal(t, OutcomeAcknowledge, s.Outcome)
	assert.Equal(t, 1, s.RoundCount)
	assert.False(t, s.IsDeadlocked)
	assert.Empty(t, s.DissentAdjudicatorID)
	assert.NotNil(t, s.CompletedAt)

	// Every discussion phase left a transcript digest.
	for _, phase := range []Phase{PhaseAssess, PhasePosition, PhaseCrossExamine} {
		assert.Len(t, s.PhaseTranscripts[phase], 64, phase)
	}

	require.Len(t, h.recorder.ofType("judicial.panel.convened"), 1)
	verdicts := h.recorder.ofType("judicial.verdict.recorded")
	require.Len(t, verdicts, 1)
	assert.Equal(t, "acknowledge", verdicts[0].Payload["outcome"])
}

func TestPanelIsDeterministicAndDistinct(t *testing.T) {
	h := newHarness(t, "ACKNOWLEDGE")
	ctx := context.Background()

	first, err := h.orch.Convene(ctx, testPetition())
	require.NoError(t, err)

	other := newHarness(t, "ACKNOWLEDGE")
	second, err := other.orch.Convene(ctx, testPetition())
	require.NoError(t, err)

	assert.Equal(t, first.Adjudicators, second.Adjudicators)
	seen := map[string]bool{}
	for _, id := range first.Adjudicators {
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestMajorityVerdictFilesDissent(t *testing.T) {
	h := newHarness(t, "position text")
	ctx := context.Background()

	s, err := h.orch.Convene(ctx, testPetition())
	require.NoError(t, err)

	h.invoker.Queue(s.Adjudicators[0], agent.RoleVote, "REFER")
	h.invoker.Queue(s.Adjudicators[1], agent.RoleVote, "REFER")
	h.invoker.Queue(s.Adjudicators[2], agent.RoleVote, "ESCALATE: the tithe dispute implicates a King's domain")

	s, err = h.orch.Deliberate(ctx, s.SessionID, testPetition())
	require.NoError(t, err)

	assert.Equal(t, OutcomeRefer, s.Outcome)
	assert.Equal(t, s.Adjudicators[2], s.DissentAdjudicatorID)

	dissents, err := h.store.Dissents(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, dissents, 1)
	assert.Equal(t, OutcomeEscalate, dissents[0].DissentDisposition)
	assert.Equal(t, OutcomeRefer, dissents[0].MajorityDisposition)
	assert.Equal(t, HashRationale(dissents[0].Rationale), dissents[0].RationaleHash)
}

func TestThreeWaySplitDeadlocksIntoEscalation(t *testing.T) {
	h := newHarness(t, "position text")
	ctx := context.Background()

	s, err := h.orch.Convene(ctx, testPetition())
	require.NoError(t, err)

	// Three distinct ballots every round; no round converges.
	for round := 0; round < 3; round++ {
		h.invoker.Queue(s.Adjudicators[0], agent.RoleVote, "ACKNOWLEDGE")
		h.invoker.Queue(s.Adjudicators[1], agent.RoleVote, "REFER")
		h.invoker.Queue(s.Adjudicators[2], agent.RoleVote, "DEFER")
	}

	s, err = h.orch.Deliberate(ctx, s.SessionID, testPetition())
	require.NoError(t, err)

	assert.Equal(t, PhaseComplete, s.Phase)
	assert.Equal(t, OutcomeEscalate, s.Outcome)
	assert.True(t, s.IsDeadlocked)
	assert.Equal(t, DeadlockMaxRounds, s.DeadlockReason)
	assert.Equal(t, 3, s.RoundCount)
	assert.Len(t, s.VotesByRound, 3)

	verdicts := h.recorder.ofType("judicial.verdict.recorded")
	require.Len(t, verdicts, 1)
	assert.Equal(t, true, verdicts[0].Payload["deadlocked"])
}

func TestSplitConvergesOnLaterRound(t *testing.T) {
	h := newHarness(t, "position text")
	ctx := context.Background()

	s, err := h.orch.Convene(ctx, testPetition())
	require.NoError(t, err)

	h.invoker.Queue(s.Adjudicators[0], agent.RoleVote, "ACKNOWLEDGE", "ACKNOWLEDGE")
	h.invoker.Queue(s.Adjudicators[1], agent.RoleVote, "REFER", "ACKNOWLEDGE")
	h.invoker.Queue(s.Adjudicators[2], agent.RoleVote, "DEFER", "ACKNOWLEDGE")

	s, err = h.orch.Deliberate(ctx, s.SessionID, testPetition())
	require.NoError(t, err)

	assert.Equal(t, OutcomeAcknowledge, s.Outcome)
	assert.Equal(t, 2, s.RoundCount)
	assert.False(t, s.IsDeadlocked)
}

func TestSilentAdjudicatorReadsAsNoResponse(t *testing.T) {
	h := newHarness(t, "ACKNOWLEDGE")
	ctx := context.Background()

	s, err := h.orch.Convene(ctx, testPetition())
	require.NoError(t, err)
	h.invoker.Fail(s.Adjudicators[1], agent.RoleVote, errors.New("agent unreachable"))

	s, err = h.orch.Deliberate(ctx, s.SessionID, testPetition())
	require.NoError(t, err)

	// Two acknowledges carry against one missing ballot.
	assert.Equal(t, OutcomeAcknowledge, s.Outcome)
	assert.Equal(t, OutcomeNoResponse, s.Votes[s.Adjudicators[1]])
	assert.Equal(t, s.Adjudicators[1], s.DissentAdjudicatorID)
}

func TestHaltParksSessionAndRestoreResumes(t *testing.T) {
	h := newHarness(t, "ACKNOWLEDGE")
	ctx := context.Background()

	s, err := h.orch.Convene(ctx, testPetition())
	require.NoError(t, err)

	h.gate.halted = true
	_, err = h.orch.Deliberate(ctx, s.SessionID, testPetition())
	require.ErrorIs(t, err, ledger.ErrHalted)

	parked, err := h.store.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, PhaseHalted, parked.Phase)

	h.gate.halted = false
	s, err = h.orch.Deliberate(ctx, s.SessionID, testPetition())
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, s.Phase)
	assert.Equal(t, OutcomeAcknowledge, s.Outcome)
}

func TestConveneRefusedWhileHalted(t *testing.T) {
	h := newHarness(t, "ACKNOWLEDGE")
	h.gate.halted = true
	_, err := h.orch.Convene(context.Background(), testPetition())
	assert.ErrorIs(t, err, ledger.ErrHalted)
}

func TestOverloadedAdjudicatorsExcludedFromDraw(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxLoad = 1
	h := newHarness(t, "ACKNOWLEDGE", WithConfig(cfg))
	ctx := context.Background()

	first, err := h.orch.Convene(ctx, testPetition())
	require.NoError(t, err)

	second, err := h.orch.Convene(ctx, Petition{
		PetitionID:  "99999999-8888-7777-6666-555555555555",
		Text:        "Second petition.",
		ContentHash: strings.Repeat("ab", 32), // same seed as the first
	})
	require.NoError(t, err)

	// The first panel is at its load ceiling, so the same seed must
	// draw a disjoint panel.
	for _, busy := range first.Adjudicators {
		assert.NotContains(t, second.Adjudicators[:], busy)
	}
}

func TestTimeoutForcesEscalation(t *testing.T) {
	h := newHarness(t, "ACKNOWLEDGE")
	ctx := context.Background()

	s, err := h.orch.Convene(ctx, testPetition())
	require.NoError(t, err)
	require.NotEmpty(t, s.TimeoutJobID)

	handler := TimeoutHandler(h.store, h.recorder, nil, nil)
	payload, _ := json.Marshal(timeoutPayload{SessionID: s.SessionID})
	job := jobs.Job{ID: s.TimeoutJobID, JobType: jobs.TypeDeliberationTimeout, Payload: payload}

	require.NoError(t, handler(ctx, job))

	s, err = h.store.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, PhaseComplete, s.Phase)
	assert.Equal(t, OutcomeEscalate, s.Outcome)
	assert.True(t, s.TimedOut)

	// Firing again is a no-op: one verdict, not two.
	require.NoError(t, handler(ctx, job))
	assert.Len(t, h.recorder.ofType("judicial.verdict.recorded"), 1)
}

func TestTimeoutAfterCompletionIsNoOp(t *testing.T) {
	h := newHarness(t, "ACKNOWLEDGE")
	ctx := context.Background()

	s, err := h.orch.Run(ctx, testPetition())
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, s.Phase)

	handler := TimeoutHandler(h.store, h.recorder, nil, nil)
	payload, _ := json.Marshal(timeoutPayload{SessionID: s.SessionID})
	require.NoError(t, handler(ctx, jobs.Job{Payload: payload}))

	after, err := h.store.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledge, after.Outcome)
	assert.False(t, after.TimedOut)
}

type stubNotifier struct {
	mu       sync.Mutex
	started  []string
	resolved map[string]string // petition -> outcome
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{resolved: make(map[string]string)}
}

func (n *stubNotifier) DeliberationStarted(ctx context.Context, petitionID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, petitionID)
	return nil
}

func (n *stubNotifier) DeliberationResolved(ctx context.Context, petitionID, outcome string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved[petitionID] = outcome
	return nil
}

func TestVerdictNotifiesPetition(t *testing.T) {
	notifier := newStubNotifier()
	h := newHarness(t, "ACKNOWLEDGE", WithPetitionNotifier(notifier))
	ctx := context.Background()

	p := testPetition()
	s, err := h.orch.Run(ctx, p)
	require.NoError(t, err)
	require.Equal(t, PhaseComplete, s.Phase)

	assert.Equal(t, []string{p.PetitionID}, notifier.started)
	assert.Equal(t, "acknowledge", notifier.resolved[p.PetitionID])
}

func TestDeadlockNotifiesEscalation(t *testing.T) {
	notifier := newStubNotifier()
	h := newHarness(t, "position text", WithPetitionNotifier(notifier))
	ctx := context.Background()

	p := testPetition()
	s, err := h.orch.Convene(ctx, p)
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		h.invoker.Queue(s.Adjudicators[0], agent.RoleVote, "ACKNOWLEDGE")
		h.invoker.Queue(s.Adjudicators[1], agent.RoleVote, "REFER")
		h.invoker.Queue(s.Adjudicators[2], agent.RoleVote, "DEFER")
	}

	s, err = h.orch.Deliberate(ctx, s.SessionID, p)
	require.NoError(t, err)
	require.True(t, s.IsDeadlocked)

	assert.Equal(t, "escalate", notifier.resolved[p.PetitionID])
}

func TestTimeoutNotifiesEscalation(t *testing.T) {
	notifier := newStubNotifier()
	h := newHarness(t, "ACKNOWLEDGE")
	ctx := context.Background()

	p := testPetition()
	s, err := h.orch.Convene(ctx, p)
	require.NoError(t, err)

	handler := TimeoutHandler(h.store, h.recorder, notifier, nil)
	payload, _ := json.Marshal(timeoutPayload{SessionID: s.SessionID})
	require.NoError(t, handler(ctx, jobs.Job{Payload: payload}))

	assert.Equal(t, "escalate", notifier.resolved[p.PetitionID])
}

func TestStoreOptimisticVersioning(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	s := Session{
		SessionID:    "s-1",
		PetitionID:   "p-1",
		Adjudicators: [3]string{"A", "B", "C"},
		Phase:        PhaseAssess,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, s))

	first, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	second, err := store.Get(ctx, "s-1")
	require.NoError(t, err)

	first.Phase = PhasePosition
	_, err = store.Update(ctx, first)
	require.NoError(t, err)

	second.Phase = PhaseVote
	_, err = store.Update(ctx, second)
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestStoreRejectsSecondSessionForPetition(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	s := Session{
		SessionID:    "s-1",
		PetitionID:   "p-1",
		Adjudicators: [3]string{"A", "B", "C"},
		Phase:        PhaseAssess,
	}
	require.NoError(t, store.Create(ctx, s))
	s.SessionID = "s-2"
	assert.ErrorIs(t, store.Create(ctx, s), ErrSessionExists)
}

func TestDuplicateTimeoutScheduledOnConvene(t *testing.T) {
	h := newHarness(t, "ACKNOWLEDGE")
	s, err := h.orch.Convene(context.Background(), testPetition())
	require.NoError(t, err)
	require.NotNil(t, s.TimeoutAt)

	snap, ok := h.queue.Snapshot(s.TimeoutJobID)
	require.True(t, ok)
	assert.Equal(t, jobs.TypeDeliberationTimeout, snap.JobType)
	assert.Equal(t, jobs.StatusPending, snap.Status)
}
