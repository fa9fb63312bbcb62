package motion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon72/pkg/archon"
	"github.com/archonhq/archon72/pkg/emission"
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
	return ledger.Event{EventType: eventType}, nil
}

func (r *stubRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.EventType
	}
	return out
}

type enqueuedJob struct {
	jobType string
	payload json.RawMessage
	at      time.Time
}

// stubJobQueue captures Enqueue calls; the worker side is unused here.
type stubJobQueue struct {
	mu   sync.Mutex
	jobs []enqueuedJob
}

func (q *stubJobQueue) Enqueue(ctx context.Context, jobType string, payload interface{}, at time.Time) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, enqueuedJob{jobType: jobType, payload: raw, at: at})
	return fmt.Sprintf("job-%d", len(q.jobs)), nil
}

func (q *stubJobQueue) AcquireNext(ctx context.Context) (*jobs.Job, error) { return nil, nil }
func (q *stubJobQueue) Complete(ctx context.Context, jobID string) error   { return nil }
func (q *stubJobQueue) Fail(ctx context.Context, jobID, reason string) (bool, error) {
	return false, nil
}
func (q *stubJobQueue) DeadLetters(ctx context.Context) ([]jobs.DeadLetterJob, error) {
	return nil, nil
}

type intakeHarness struct {
	gate     *stubGate
	rates    *MemoryRateStore
	store    *MemoryPetitionStore
	recorder *stubRecorder
	intake   *Intake
	now      time.Time
}

func newIntakeHarness(t *testing.T, opts ...IntakeOption) *intakeHarness {
	t.Helper()
	h := &intakeHarness{
		gate:     &stubGate{},
		rates:    NewMemoryRateStore(),
		store:    NewMemoryPetitionStore(),
		recorder: &stubRecorder{},
		now:      time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
	opts = append(opts, WithIntakeClock(func() time.Time { return h.now }))
	intake, err := NewIntake(h.gate, h.rates, h.store, emission.New(h.recorder), opts...)
	require.NoError(t, err)
	h.intake = intake
	return h
}

func validSubmission(n int) Submission {
	return Submission{
		SubmitterID: "citizen-7",
		Type:        "grievance",
		Text:        fmt.Sprintf("The eastern granary tithe is unbearable, plea number %d.", n),
	}
}

func TestSubmitHappyPathEmitsTwoPhase(t *testing.T) {
	h := newIntakeHarness(t)

	p, err := h.intake.Submit(context.Background(), validSubmission(1))
	require.NoError(t, err)

	assert.Equal(t, StateReceived, p.State)
	assert.Len(t, p.ContentHash, 64)
	assert.Equal(t, []string{"petition.received.intent", "petition.received.committed"}, h.recorder.types())

	stored, err := h.store.Get(context.Background(), p.PetitionID)
	require.NoError(t, err)
	assert.Equal(t, p.ContentHash, stored.ContentHash)
}

func TestSchemaGateRunsFirst(t *testing.T) {
	h := newIntakeHarness(t)
	h.gate.halted = true // would also refuse, but schema must win

	_, err := h.intake.Submit(context.Background(), Submission{
		SubmitterID: "citizen-7",
		Type:        "rant", // not in the enum
		Text:        "This text is long enough to pass the length check.",
	})
	assert.ErrorIs(t, err, ErrSchemaViolation)

	_, err = h.intake.Submit(context.Background(), Submission{
		SubmitterID: "citizen-7",
		Type:        "grievance",
		Text:        "too short",
	})
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestPetitionTypeVocabulary(t *testing.T) {
	cfg := DefaultIntakeConfig()
	cfg.RateLimit = 1000
	h := newIntakeHarness(t, WithIntakeConfig(cfg))
	ctx := context.Background()

	for i, typ := range PetitionTypes {
		_, err := h.intake.Submit(ctx, Submission{
			SubmitterID: "citizen-7",
			Type:        typ,
			Text:        fmt.Sprintf("A plea of the %s kind, number %d, long enough.", typ, i),
		})
		require.NoError(t, err, "type %s must be accepted", typ)
	}

	_, err := h.intake.Submit(ctx, Submission{
		SubmitterID: "citizen-7",
		Type:        "proposal",
		Text:        "This type is not in the vocabulary and must be refused.",
	})
	assert.ErrorIs(t, err, ErrSchemaViolation)
}

func TestTextCapAtTenThousand(t *testing.T) {
	h := newIntakeHarness(t)
	ctx := context.Background()

	_, err := h.intake.Submit(ctx, Submission{
		SubmitterID: "citizen-7",
		Type:        "general",
		Text:        strings.Repeat("a", 10001),
	})
	assert.ErrorIs(t, err, ErrSchemaViolation)

	_, err = h.intake.Submit(ctx, Submission{
		SubmitterID: "citizen-7",
		Type:        "general",
		Text:        strings.Repeat("a", 10000),
	})
	assert.NoError(t, err)
}

func TestAnonymousSubmissionWithRealm(t *testing.T) {
	h := newIntakeHarness(t)
	ctx := context.Background()

	p, err := h.intake.Submit(ctx, Submission{
		Type:  "cessation",
		Realm: "eastern-march",
		Text:  "An unsigned plea to cease the levy in the eastern march.",
	})
	require.NoError(t, err)
	assert.Empty(t, p.SubmitterID)
	assert.Equal(t, "eastern-march", p.Realm)

	stored, err := h.store.Get(ctx, p.PetitionID)
	require.NoError(t, err)
	assert.Equal(t, "eastern-march", stored.Realm)
}

func TestAnonymousSubmittersShareOneRateBucket(t *testing.T) {
	cfg := DefaultIntakeConfig()
	cfg.RateLimit = 2
	h := newIntakeHarness(t, WithIntakeConfig(cfg))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := h.intake.Submit(ctx, Submission{
			Type: "general",
			Text: fmt.Sprintf("Unsigned plea number %d, long enough to pass.", i),
		})
		require.NoError(t, err)
	}

	_, err := h.intake.Submit(ctx, Submission{
		Type: "general",
		Text: "A third unsigned plea in the same window must be refused.",
	})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestHaltGateRefusesIntake(t *testing.T) {
	h := newIntakeHarness(t)
	h.gate.halted = true
	_, err := h.intake.Submit(context.Background(), validSubmission(1))
	assert.ErrorIs(t, err, ledger.ErrHalted)
	assert.Empty(t, h.recorder.types())
}

func TestRateLimitWindowSlides(t *testing.T) {
	h := newIntakeHarness(t)
	ctx := context.Background()

	for i := 0; i < DefaultIntakeConfig().RateLimit; i++ {
		_, err := h.intake.Submit(ctx, validSubmission(i))
		require.NoError(t, err)
		h.now = h.now.Add(time.Minute)
	}

	_, err := h.intake.Submit(ctx, validSubmission(100))
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different submitter is unaffected.
	_, err = h.intake.Submit(ctx, Submission{
		SubmitterID: "citizen-8",
		Type:        "grievance",
		Text:        "A different citizen with a different grievance entirely.",
	})
	require.NoError(t, err)

	// Once the window slides past the burst, intake reopens.
	h.now = h.now.Add(time.Hour)
	_, err = h.intake.Submit(ctx, validSubmission(101))
	assert.NoError(t, err)
}

func TestCapacityHysteresis(t *testing.T) {
	cfg := DefaultIntakeConfig()
	cfg.CapacityHigh = 3
	cfg.CapacityLow = 1
	cfg.RateLimit = 1000
	h := newIntakeHarness(t, WithIntakeConfig(cfg))
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		p, err := h.intake.Submit(ctx, validSubmission(i))
		require.NoError(t, err)
		ids = append(ids, p.PetitionID)
	}

	// At the high watermark the gate latches closed.
	_, err := h.intake.Submit(ctx, validSubmission(10))
	assert.ErrorIs(t, err, ErrAtCapacity)

	// Dropping below high but above low is not enough: hysteresis.
	require.NoError(t, h.store.SetState(ctx, ids[0], StateArchived, ""))
	_, err = h.intake.Submit(ctx, validSubmission(11))
	assert.ErrorIs(t, err, ErrAtCapacity)

	// Only at the low watermark does it reopen.
	require.NoError(t, h.store.SetState(ctx, ids[1], StateArchived, ""))
	_, err = h.intake.Submit(ctx, validSubmission(12))
	assert.NoError(t, err)
}

func TestDuplicateSubmissionRefused(t *testing.T) {
	h := newIntakeHarness(t)
	ctx := context.Background()

	_, err := h.intake.Submit(ctx, validSubmission(1))
	require.NoError(t, err)

	_, err = h.intake.Submit(ctx, validSubmission(1))
	assert.ErrorIs(t, err, ErrDuplicatePetition)

	// Same text from another submitter is a distinct petition.
	_, err = h.intake.Submit(ctx, Submission{
		SubmitterID: "citizen-9",
		Type:        "grievance",
		Text:        validSubmission(1).Text,
	})
	assert.NoError(t, err)
}

func TestCoSignThresholdEscalates(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	guard := NewMemorySybilGuard(1000, time.Hour)
	signer := NewCoSigner(store, guard, emission.New(recorder), WithCoSignThreshold(3))
	ctx := context.Background()

	p := Petition{
		PetitionID:  "p-1",
		SubmitterID: "citizen-7",
		Type:        "grievance",
		Text:        "tithe",
		ContentHash: strings.Repeat("ab", 32),
		State:       StateReceived,
		ReceivedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Insert(ctx, p))

	for i := 1; i <= 2; i++ {
		count, err := signer.CoSign(ctx, "p-1", fmt.Sprintf("signer-%d", i))
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}
	got, _ := store.Get(ctx, "p-1")
	assert.Equal(t, StateReceived, got.State)

	count, err := signer.CoSign(ctx, "p-1", "signer-3")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	got, _ = store.Get(ctx, "p-1")
	assert.Equal(t, StateEscalated, got.State)
	assert.Equal(t, EscalationCoSignerThreshold, got.EscalationSource)
	assert.Contains(t, recorder.types(), "petition.escalated.intent")
	assert.Contains(t, recorder.types(), "petition.escalated.committed")
}

func TestPerTypeEscalationThresholds(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	signer := NewCoSigner(store, NewMemorySybilGuard(1000, time.Hour), emission.New(recorder),
		WithCoSignThreshold(10),
		WithCoSignThresholds(map[string]int{"cessation": 2}))
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-cease", Type: "cessation",
		ContentHash: strings.Repeat("aa", 32), State: StateReceived,
	}))
	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-general", Type: "general",
		ContentHash: strings.Repeat("bb", 32), State: StateReceived,
	}))

	for i := 1; i <= 2; i++ {
		_, err := signer.CoSign(ctx, "p-cease", fmt.Sprintf("signer-%d", i))
		require.NoError(t, err)
		_, err = signer.CoSign(ctx, "p-general", fmt.Sprintf("signer-%d", i))
		require.NoError(t, err)
	}

	cease, _ := store.Get(ctx, "p-cease")
	assert.Equal(t, StateEscalated, cease.State)

	// The general petition sits under its higher default threshold.
	general, _ := store.Get(ctx, "p-general")
	assert.Equal(t, StateReceived, general.State)
}

func TestRepeatCoSignRefusedAndCounterUnmoved(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	signer := NewCoSigner(store, NewMemorySybilGuard(1000, time.Hour), emission.New(recorder))
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-1", ContentHash: strings.Repeat("cd", 32), State: StateReceived,
	}))

	_, err := signer.CoSign(ctx, "p-1", "signer-1")
	require.NoError(t, err)

	count, err := signer.CoSign(ctx, "p-1", "signer-1")
	assert.ErrorIs(t, err, ErrAlreadyCosigned)
	assert.Equal(t, 1, count)

	// The failed attempt still left its two-phase trace.
	assert.Contains(t, recorder.types(), "petition.cosign.failed")
}

func TestSybilGuardThrottlesSigner(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	guard := NewMemorySybilGuard(2, time.Hour)
	signer := NewCoSigner(store, guard, emission.New(recorder))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Insert(ctx, Petition{
			PetitionID:  fmt.Sprintf("p-%d", i),
			ContentHash: strings.Repeat(fmt.Sprintf("%02x", i+1), 32),
			State:       StateReceived,
		}))
	}

	_, err := signer.CoSign(ctx, "p-0", "sybil")
	require.NoError(t, err)
	_, err = signer.CoSign(ctx, "p-1", "sybil")
	require.NoError(t, err)
	_, err = signer.CoSign(ctx, "p-2", "sybil")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestAdoptionBridge(t *testing.T) {
	store := NewMemoryPetitionStore()
	queue := NewMemoryQueueStore()
	recorder := &stubRecorder{}
	bridge := NewBridge(store, &MemoryAdoptionStore{Petitions: store, Queue: queue},
		archon.NewRoster(), recorder)
	ctx := context.Background()

	p := Petition{
		PetitionID:  "p-1",
		SubmitterID: "citizen-7",
		Type:        "collaboration",
		Text:        "Rebalance the tithe.",
		ContentHash: strings.Repeat("ab", 32),
		State:       StateEscalated,
		CoSignCount: 61,
	}
	require.NoError(t, store.Insert(ctx, p))

	king := archon.NewRoster().Kings()[0]
	qm, err := bridge.Adopt(ctx, "p-1", king.ID)
	require.NoError(t, err)

	assert.Equal(t, QueueStatePending, qm.State)
	assert.Equal(t, 61, qm.EndorsementCount)
	assert.Equal(t, "p-1", qm.OriginPetitionID)
	assert.Equal(t, king.ID, qm.ProposedBy)

	adopted, _ := store.Get(ctx, "p-1")
	assert.Equal(t, StateAdopted, adopted.State)
	assert.Equal(t, king.ID, adopted.AdoptedBy)
	assert.Equal(t, qm.QueueID, adopted.AdoptedMotionID)

	// Adoption is immutable: a second King cannot re-adopt.
	otherKing := archon.NewRoster().Kings()[1]
	_, err = bridge.Adopt(ctx, "p-1", otherKing.ID)
	assert.ErrorIs(t, err, ErrNotEscalated)
}

// failingQueue refuses every enqueue, standing in for a queue outage.
type failingQueue struct{ *MemoryQueueStore }

func (q failingQueue) Enqueue(ctx context.Context, m QueuedMotion) error {
	return errors.New("queue write refused")
}

func TestAdoptionRollsBackWhenEnqueueFails(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	broken := failingQueue{NewMemoryQueueStore()}
	bridge := NewBridge(store, &MemoryAdoptionStore{Petitions: store, Queue: broken},
		archon.NewRoster(), recorder)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-1", Type: "grievance",
		ContentHash: strings.Repeat("ab", 32),
		State:       StateEscalated, CoSignCount: 61,
	}))

	king := archon.NewRoster().Kings()[0]
	_, err := bridge.Adopt(ctx, "p-1", king.ID)
	require.Error(t, err)

	// The petition must come back escalated and unadopted.
	p, err := store.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, StateEscalated, p.State)
	assert.Empty(t, p.AdoptedBy)
	assert.Empty(t, p.AdoptedMotionID)
	assert.Nil(t, p.AdoptedAt)
	assert.NotContains(t, recorder.types(), "petition.state.changed")

	// With a working queue the same petition adopts cleanly.
	working := NewMemoryQueueStore()
	bridge = NewBridge(store, &MemoryAdoptionStore{Petitions: store, Queue: working},
		archon.NewRoster(), recorder)
	qm, err := bridge.Adopt(ctx, "p-1", king.ID)
	require.NoError(t, err)
	queued, err := working.Get(ctx, qm.QueueID)
	require.NoError(t, err)
	assert.Equal(t, QueueStatePending, queued.State)
}

func TestAdoptionRequiresKingAndEscalation(t *testing.T) {
	store := NewMemoryPetitionStore()
	queue := NewMemoryQueueStore()
	recorder := &stubRecorder{}
	roster := archon.NewRoster()
	bridge := NewBridge(store, &MemoryAdoptionStore{Petitions: store, Queue: queue}, roster, recorder)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-1", ContentHash: strings.Repeat("ab", 32), State: StateReceived,
	}))

	duke := roster.ByRank(archon.RankDuke)[0]
	_, err := bridge.Adopt(ctx, "p-1", duke.ID)
	assert.Error(t, err)

	king := roster.Kings()[0]
	_, err = bridge.Adopt(ctx, "p-1", king.ID)
	assert.ErrorIs(t, err, ErrNotEscalated)
}

func TestQueueSelectionOrderAndAtomicPromotion(t *testing.T) {
	queue := NewMemoryQueueStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	enqueue := func(id string, endorsements int, age time.Duration) {
		require.NoError(t, queue.Enqueue(ctx, QueuedMotion{
			QueueID:          id,
			Title:            id,
			Text:             "text of " + id,
			Kind:             "substantive",
			ProposedBy:       "ARCHON:BAEL",
			EndorsementCount: endorsements,
			State:            QueueStatePending,
			CreatedAt:        base.Add(age),
		}))
	}
	enqueue("low-old", 5, 0)
	enqueue("high", 40, time.Minute)
	enqueue("mid-old", 20, 2*time.Minute)
	enqueue("mid-new", 20, 3*time.Minute)

	selected, err := queue.SelectForConclave(ctx, 3, TierSingle, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, selected, 3)
	assert.Equal(t, "high", selected[0].QueueID)
	assert.Equal(t, "mid-old", selected[1].QueueID)
	assert.Equal(t, "mid-new", selected[2].QueueID)
	for _, m := range selected {
		assert.Equal(t, QueueStatePromoted, m.State)
	}

	// A second selection cannot grab already-promoted motions.
	second, err := queue.SelectForConclave(ctx, 3, TierSingle, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "low-old", second[0].QueueID)
}

func TestSelectForConclaveHonorsMinConsensus(t *testing.T) {
	queue := NewMemoryQueueStore()
	ctx := context.Background()
	now := time.Now().UTC()

	for id, endorsements := range map[string]int{"lone": 0, "low": 5, "high": 30} {
		require.NoError(t, queue.Enqueue(ctx, QueuedMotion{
			QueueID: id, EndorsementCount: endorsements,
			State: QueueStatePending, CreatedAt: now,
		}))
	}

	selected, err := queue.SelectForConclave(ctx, 10, TierHigh, now)
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "high", selected[0].QueueID)

	// Below the floor the motions stay selectable for a lower bar.
	rest, err := queue.SelectForConclave(ctx, 10, TierSingle, now)
	require.NoError(t, err)
	assert.Len(t, rest, 2)
}

func TestEndorseMovesPendingToEndorsed(t *testing.T) {
	queue := NewMemoryQueueStore()
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, QueuedMotion{
		QueueID: "m-1", State: QueueStatePending, CreatedAt: time.Now().UTC(),
	}))

	count, err := queue.Endorse(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	m, err := queue.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, QueueStateEndorsed, m.State)
}

func TestRecoverStrandedPromoted(t *testing.T) {
	queue := NewMemoryQueueStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, queue.Enqueue(ctx, QueuedMotion{
		QueueID: "m-1", State: QueueStatePending, CreatedAt: now,
	}))
	_, err := queue.SelectForConclave(ctx, 1, TierSingle, now)
	require.NoError(t, err)

	recovered, err := queue.RecoverStranded(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	m, err := queue.Get(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, QueueStatePending, m.State)
	assert.Nil(t, m.PromotedAt)
}

func TestArchiveVotedMotions(t *testing.T) {
	queue := NewMemoryQueueStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-48 * time.Hour)

	require.NoError(t, queue.Enqueue(ctx, QueuedMotion{
		QueueID: "m-1", State: QueueStatePending, CreatedAt: old,
	}))
	_, err := queue.SelectForConclave(ctx, 1, TierSingle, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, queue.MarkVoted(ctx, "m-1"))

	archived, err := queue.Archive(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, archived)
}

func TestConsensusTiers(t *testing.T) {
	assert.Equal(t, TierSingle, QueuedMotion{EndorsementCount: 0}.Tier())
	assert.Equal(t, TierLow, QueuedMotion{EndorsementCount: 1}.Tier())
	assert.Equal(t, TierLow, QueuedMotion{EndorsementCount: 9}.Tier())
	assert.Equal(t, TierMedium, QueuedMotion{EndorsementCount: 10}.Tier())
	assert.Equal(t, TierHigh, QueuedMotion{EndorsementCount: 25}.Tier())
	assert.Equal(t, TierCritical, QueuedMotion{EndorsementCount: 50}.Tier())

	assert.Equal(t, "critical", TierCritical.String())
	assert.Equal(t, 25, TierHigh.MinEndorsements())

	parsed, err := ParseTier("medium")
	require.NoError(t, err)
	assert.Equal(t, TierMedium, parsed)
	_, err = ParseTier("cosmic")
	assert.Error(t, err)
}

func TestDeliberationLifecycleUpdatesPetition(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	queue := &stubJobQueue{}
	resolver := NewResolver(store, emission.New(recorder), recorder, queue)
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-1", Type: "general",
		ContentHash: strings.Repeat("ab", 32), State: StateReceived,
	}))

	require.NoError(t, resolver.DeliberationStarted(ctx, "p-1"))
	p, _ := store.Get(ctx, "p-1")
	assert.Equal(t, StateDeliberating, p.State)

	// Re-convening after a crash leaves the state alone.
	require.NoError(t, resolver.DeliberationStarted(ctx, "p-1"))
	p, _ = store.Get(ctx, "p-1")
	assert.Equal(t, StateDeliberating, p.State)

	require.NoError(t, resolver.DeliberationResolved(ctx, "p-1", "acknowledge"))
	p, _ = store.Get(ctx, "p-1")
	assert.Equal(t, StateAcknowledged, p.State)
	assert.Contains(t, recorder.types(), "petition.state.changed")
}

func TestDeliberationEscalationEmitsLedgerEvent(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	resolver := NewResolver(store, emission.New(recorder), recorder, &stubJobQueue{})
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-1", Type: "grievance",
		ContentHash: strings.Repeat("ab", 32), State: StateDeliberating,
	}))

	require.NoError(t, resolver.DeliberationResolved(ctx, "p-1", "escalate"))

	p, _ := store.Get(ctx, "p-1")
	assert.Equal(t, StateEscalated, p.State)
	assert.Equal(t, EscalationDeliberation, p.EscalationSource)
	assert.Contains(t, recorder.types(), "petition.escalated.committed")

	// A second verdict on the escalated petition is dropped.
	require.NoError(t, resolver.DeliberationResolved(ctx, "p-1", "acknowledge"))
	p, _ = store.Get(ctx, "p-1")
	assert.Equal(t, StateEscalated, p.State)
}

func TestReferralSchedulesTimeoutJob(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	queue := &stubJobQueue{}
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	resolver := NewResolver(store, emission.New(recorder), recorder, queue,
		WithReferralCycle(time.Hour),
		WithResolverClock(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-1", Type: "collaboration",
		ContentHash: strings.Repeat("ab", 32), State: StateDeliberating,
	}))

	require.NoError(t, resolver.DeliberationResolved(ctx, "p-1", "refer"))

	p, _ := store.Get(ctx, "p-1")
	assert.Equal(t, StateReferred, p.State)

	require.Len(t, queue.jobs, 1)
	assert.Equal(t, jobs.TypeReferralTimeout, queue.jobs[0].jobType)
	assert.Equal(t, now.Add(3*time.Hour), queue.jobs[0].at)
}

func TestUnknownDeliberationOutcomeRejected(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	resolver := NewResolver(store, emission.New(recorder), recorder, &stubJobQueue{})

	err := resolver.DeliberationResolved(context.Background(), "p-1", "shrug")
	assert.Error(t, err)
}

func TestReferralTimeoutExtendsThenCloses(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	queue := &stubJobQueue{}
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-1", Type: "general",
		ContentHash: strings.Repeat("ab", 32), State: StateReferred,
	}))

	handler := ReferralTimeoutHandler(store, recorder, queue, time.Hour, 2)

	// First two firings extend the referral by one cycle each.
	for ext := 0; ext < 2; ext++ {
		payload, _ := json.Marshal(referralPayload{PetitionID: "p-1", Extensions: ext})
		require.NoError(t, handler(ctx, jobs.Job{Payload: payload}))
		p, _ := store.Get(ctx, "p-1")
		assert.Equal(t, StateReferred, p.State)
	}
	require.Len(t, queue.jobs, 2)
	var extended referralPayload
	require.NoError(t, json.Unmarshal(queue.jobs[1].payload, &extended))
	assert.Equal(t, 2, extended.Extensions)

	// With extensions exhausted the petition closes as no_response.
	payload, _ := json.Marshal(referralPayload{PetitionID: "p-1", Extensions: 2})
	require.NoError(t, handler(ctx, jobs.Job{Payload: payload}))
	p, _ := store.Get(ctx, "p-1")
	assert.Equal(t, StateNoResponse, p.State)
	assert.Contains(t, recorder.types(), "petition.state.changed")

	// A resolved petition ignores a stale timeout.
	require.NoError(t, handler(ctx, jobs.Job{Payload: payload}))
	assert.Len(t, queue.jobs, 2)
}

func TestRateCounterTTLJobPrunes(t *testing.T) {
	rates := NewMemoryRateStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-3 * time.Hour)

	require.NoError(t, rates.Increment(ctx, "citizen-7", old))
	require.NoError(t, rates.Increment(ctx, "citizen-7", time.Now().UTC()))

	handler := RateCounterTTLHandler(rates, 2*time.Hour)
	require.NoError(t, handler(ctx, jobs.Job{JobType: jobs.TypeRateCounterTTL}))

	count, err := rates.CountWindow(ctx, "citizen-7", time.Now().UTC().Add(-24*time.Hour), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEscalationCheckHandlerIdempotent(t *testing.T) {
	store := NewMemoryPetitionStore()
	recorder := &stubRecorder{}
	ctx := context.Background()

	require.NoError(t, store.Insert(ctx, Petition{
		PetitionID: "p-1", Type: "general", ContentHash: strings.Repeat("ab", 32),
		State: StateReceived, CoSignCount: 60,
	}))

	handler := EscalationCheckHandler(store, emission.New(recorder), EscalationThresholds{Default: 50})
	payload, _ := json.Marshal(escalationPayload{PetitionID: "p-1"})

	require.NoError(t, handler(ctx, jobs.Job{Payload: payload}))
	p, _ := store.Get(ctx, "p-1")
	assert.Equal(t, StateEscalated, p.State)
	assert.Equal(t, []string{"petition.escalated.intent", "petition.escalated.committed"}, recorder.types())

	// Second firing is a no-op.
	require.NoError(t, handler(ctx, jobs.Job{Payload: payload}))
	assert.Len(t, recorder.types(), 2)
}

func TestContentHashDistinguishesSubmitterAndType(t *testing.T) {
	a := ContentHash("text", "alice", "grievance")
	assert.Equal(t, a, ContentHash("text", "alice", "grievance"))
	assert.NotEqual(t, a, ContentHash("text", "bob", "grievance"))
	assert.NotEqual(t, a, ContentHash("text", "alice", "general"))
	assert.NotEqual(t, a, ContentHash("other", "alice", "grievance"))
}
