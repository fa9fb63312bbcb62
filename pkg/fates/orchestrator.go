package fates

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/archonhq/archon72/pkg/agent"
	"github.com/archonhq/archon72/pkg/archon"
	"github.com/archonhq/archon72/pkg/jobs"
	"github.com/archonhq/archon72/pkg/ledger"
)

// Petition is the deliberation subject.
type Petition struct {
	PetitionID  string `json:"petition_id"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"` // hex, seeds the panel draw
}

// Recorder is the slice of ledger.Clerk the orchestrator needs.
type Recorder interface {
	Record(ctx context.Context, eventType, schemaVersion string, payload interface{}) (ledger.Event, error)
}

// Config tunes a deliberation run.
type Config struct {
	// MaxLoad is the in-flight session ceiling per adjudicator; an
	// adjudicator at the ceiling is excluded from the draw.
	MaxLoad int
	// Timeout bounds the whole deliberation; past it the timeout job
	// forces an escalate verdict.
	Timeout time.Duration
	// CrossExamineRounds is how many passes the panel gets to
	// challenge each other's positions.
	CrossExamineRounds int
	// MaxVoteRounds bounds re-voting after a split; exhausting it
	// deadlocks the session into escalation.
	MaxVoteRounds int
}

// DefaultConfig matches the constitutional defaults.
func DefaultConfig() Config {
	return Config{
		MaxLoad:            3,
		Timeout:            30 * time.Minute,
		CrossExamineRounds: 1,
		MaxVoteRounds:      3,
	}
}

// PetitionNotifier mirrors deliberation progress onto the petition
// record. Nil is fine for sessions run outside the intake flow.
type PetitionNotifier interface {
	DeliberationStarted(ctx context.Context, petitionID string) error
	DeliberationResolved(ctx context.Context, petitionID, outcome string) error
}

// Orchestrator runs Three-Fates deliberations end to end: panel draw,
// the four phases, consensus evaluation and the verdict event.
type Orchestrator struct {
	store      Store
	invoker    agent.Invoker
	recorder   Recorder
	queue      jobs.Queue
	halt       ledger.HaltGate
	notifier   PetitionNotifier
	candidates []archon.Archon
	cfg        Config
	log        *slog.Logger
	now        func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

func WithConfig(cfg Config) OrchestratorOption {
	return func(o *Orchestrator) { o.cfg = cfg }
}

func WithOrchestratorLogger(log *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.log = log }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// WithPetitionNotifier wires the petition record into the deliberation
// lifecycle.
func WithPetitionNotifier(n PetitionNotifier) OrchestratorOption {
	return func(o *Orchestrator) { o.notifier = n }
}

// NewOrchestrator wires a deliberation orchestrator. candidates is the
// eligible adjudicator pool, normally the judicial bench.
func NewOrchestrator(store Store, invoker agent.Invoker, recorder Recorder, queue jobs.Queue, halt ledger.HaltGate, candidates []archon.Archon, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:      store,
		invoker:    invoker,
		recorder:   recorder,
		queue:      queue,
		halt:       halt,
		candidates: candidates,
		cfg:        DefaultConfig(),
		log:        slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Convene draws the panel, persists the session in the assess phase,
// schedules the deliberation timeout and records the convening event.
func (o *Orchestrator) Convene(ctx context.Context, p Petition) (Session, error) {
	if err := o.refuseIfHalted(ctx); err != nil {
		return Session{}, err
	}

	panel, err := o.drawPanel(ctx, p)
	if err != nil {
		return Session{}, err
	}

	now := o.now()
	timeoutAt := now.Add(o.cfg.Timeout)
	s := Session{
		SessionID:        uuid.New().String(),
		PetitionID:       p.PetitionID,
		Adjudicators:     panel,
		Phase:            PhaseAssess,
		PhaseTranscripts: make(map[Phase]string),
		Votes:            make(map[string]Outcome),
		TimeoutAt:        &timeoutAt,
		CreatedAt:        now,
	}

	jobID, err := o.queue.Enqueue(ctx, jobs.TypeDeliberationTimeout,
		timeoutPayload{SessionID: s.SessionID}, timeoutAt)
	if err != nil {
		return Session{}, fmt.Errorf("schedule deliberation timeout: %w", err)
	}
	s.TimeoutJobID = jobID

	if err := o.store.Create(ctx, s); err != nil {
		return Session{}, err
	}
	s.Version = 1

	if _, err := o.recorder.Record(ctx, "judicial.panel.convened", "1.0.0", map[string]interface{}{
		"session_id":   s.SessionID,
		"petition_id":  s.PetitionID,
		"adjudicators": panel[:],
		"timeout_at":   timeoutAt.Format(time.RFC3339),
	}); err != nil {
		return Session{}, fmt.Errorf("record panel convening: %w", err)
	}

	if o.notifier != nil {
		if err := o.notifier.DeliberationStarted(ctx, s.PetitionID); err != nil {
			return Session{}, fmt.Errorf("mark petition deliberating: %w", err)
		}
	}

	o.log.InfoContext(ctx, "panel convened",
		"session", s.SessionID, "petition", s.PetitionID, "adjudicators", panel)
	return s, nil
}

// Deliberate runs a convened session through every remaining phase and
// returns the completed session. A halt mid-deliberation parks the
// session in the halted phase; resuming is a fresh Deliberate call
// after restore.
func (o *Orchestrator) Deliberate(ctx context.Context, sessionID string, p Petition) (Session, error) {
	s, err := o.store.Get(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Phase == PhaseComplete {
		return s, nil
	}
	if s.Phase == PhaseHalted {
		s.Phase = PhaseAssess
	}

	for _, phase := range []Phase{PhaseAssess, PhasePosition, PhaseCrossExamine} {
		if phaseOrder(s.Phase) > phaseOrder(phase) {
			continue
		}
		s, err = o.runDiscussionPhase(ctx, s, p, phase)
		if err != nil {
			return s, err
		}
	}
	return o.runVote(ctx, s, p)
}

// Run is Convene followed by Deliberate.
func (o *Orchestrator) Run(ctx context.Context, p Petition) (Session, error) {
	s, err := o.Convene(ctx, p)
	if err != nil {
		return Session{}, err
	}
	return o.Deliberate(ctx, s.SessionID, p)
}

// drawPanel filters overloaded adjudicators out of the candidate pool
// and draws three deterministically from the petition content hash.
func (o *Orchestrator) drawPanel(ctx context.Context, p Petition) ([3]string, error) {
	var panel [3]string
	load, err := o.store.ActiveLoad(ctx)
	if err != nil {
		return panel, err
	}
	eligible := make([]archon.Archon, 0, len(o.candidates))
	for _, a := range o.candidates {
		if o.cfg.MaxLoad > 0 && load[a.ID] >= o.cfg.MaxLoad {
			continue
		}
		eligible = append(eligible, a)
	}
	drawn, err := archon.DrawAdjudicators(eligible, p.ContentHash, 3)
	if err != nil {
		return panel, fmt.Errorf("panel draw for petition %s: %w", p.PetitionID, err)
	}
	for i, a := range drawn {
		panel[i] = a.ID
	}
	return panel, nil
}

func phaseOrder(p Phase) int {
	switch p {
	case PhaseAssess:
		return 0
	case PhasePosition:
		return 1
	case PhaseCrossExamine:
		return 2
	case PhaseVote:
		return 3
	case PhaseComplete:
		return 4
	}
	return 0
}

func nextPhase(p Phase) Phase {
	switch p {
	case PhaseAssess:
		return PhasePosition
	case PhasePosition:
		return PhaseCrossExamine
	case PhaseCrossExamine:
		return PhaseVote
	}
	return PhaseVote
}

// runDiscussionPhase collects one contribution per adjudicator, hashes
// the transcript into the session and advances the phase. An
// adjudicator that errors out is recorded as silent; the phase never
// fails because one agent did.
func (o *Orchestrator) runDiscussionPhase(ctx context.Context, s Session, p Petition, phase Phase) (Session, error) {
	if err := o.parkIfHalted(ctx, &s); err != nil {
		return s, err
	}

	rounds := 1
	if phase == PhaseCrossExamine && o.cfg.CrossExamineRounds > 1 {
		rounds = o.cfg.CrossExamineRounds
	}

	var entries []string
	for round := 0; round < rounds; round++ {
		for _, id := range s.Adjudicators {
			resp, err := o.invoker.Invoke(ctx, agent.Invocation{
				ArchonID: id,
				Role:     agent.RoleAdjudicator,
				Subject:  string(phase) + ": " + p.Text,
				Round:    round,
				Context:  lastN(entries, 10),
			})
			if err != nil {
				o.log.WarnContext(ctx, "adjudicator silent",
					"session", s.SessionID, "phase", phase, "adjudicator", id, "error", err)
				entries = append(entries, id+": (silent)")
				continue
			}
			entries = append(entries, id+": "+resp.Text)
		}
	}

	s.PhaseTranscripts[phase] = TranscriptHash(entries)
	s.Phase = nextPhase(phase)
	return o.store.Update(ctx, s)
}

// runVote collects ballots, evaluates consensus and completes the
// session: 3-0 adopts, 2-1 adopts the majority and files a dissent,
// and a three-way split re-votes until MaxVoteRounds deadlocks into
// escalation.
func (o *Orchestrator) runVote(ctx context.Context, s Session, p Petition) (Session, error) {
	for {
		if err := o.parkIfHalted(ctx, &s); err != nil {
			return s, err
		}

		raw := make(map[string]string, 3)
		for _, id := range s.Adjudicators {
			resp, err := o.invoker.Invoke(ctx, agent.Invocation{
				ArchonID: id,
				Role:     agent.RoleVote,
				Subject:  p.Text,
				Round:    s.RoundCount,
			})
			if err != nil {
				o.log.WarnContext(ctx, "ballot missing",
					"session", s.SessionID, "adjudicator", id, "error", err)
				resp.Text = string(OutcomeNoResponse)
			}
			raw[id] = resp.Text
			s.Votes[id] = ParseOutcome(resp.Text)
		}

		tally := make(map[Outcome]int, 3)
		for _, v := range s.Votes {
			tally[v]++
		}
		s.RoundCount++
		s.VotesByRound = append(s.VotesByRound, tally)

		majority, count := leadingOutcome(tally)
		switch {
		case count == 3:
			return o.complete(ctx, s, majority)
		case count == 2:
			if err := o.fileDissent(ctx, &s, majority, raw); err != nil {
				return s, err
			}
			return o.complete(ctx, s, majority)
		default:
			if s.RoundCount >= o.cfg.MaxVoteRounds {
				s.IsDeadlocked = true
				s.DeadlockReason = DeadlockMaxRounds
				o.log.WarnContext(ctx, "deliberation deadlocked",
					"session", s.SessionID, "rounds", s.RoundCount)
				return o.complete(ctx, s, OutcomeEscalate)
			}
			var err error
			if s, err = o.store.Update(ctx, s); err != nil {
				return s, err
			}
		}
	}
}

// leadingOutcome returns the most common ballot; ties break on the
// outcome name so the result is deterministic.
func leadingOutcome(tally map[Outcome]int) (Outcome, int) {
	outcomes := make([]Outcome, 0, len(tally))
	for o := range tally {
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i] < outcomes[j] })

	var best Outcome
	bestCount := 0
	for _, o := range outcomes {
		if tally[o] > bestCount {
			best, bestCount = o, tally[o]
		}
	}
	return best, bestCount
}

func (o *Orchestrator) fileDissent(ctx context.Context, s *Session, majority Outcome, raw map[string]string) error {
	for _, id := range s.Adjudicators {
		if s.Votes[id] == majority {
			continue
		}
		s.DissentAdjudicatorID = id
		rationale := raw[id]
		return o.store.AddDissent(ctx, DissentRecord{
			SessionID:           s.SessionID,
			PetitionID:          s.PetitionID,
			DissentAdjudicator:  id,
			DissentDisposition:  s.Votes[id],
			MajorityDisposition: majority,
			Rationale:           rationale,
			RationaleHash:       HashRationale(rationale),
			RecordedAt:          o.now(),
		})
	}
	return nil
}

func (o *Orchestrator) complete(ctx context.Context, s Session, outcome Outcome) (Session, error) {
	now := o.now()
	s.Phase = PhaseComplete
	s.Outcome = outcome
	s.CompletedAt = &now

	updated, err := o.store.Update(ctx, s)
	if err != nil {
		return s, err
	}

	if _, err := o.recorder.Record(ctx, "judicial.verdict.recorded", "1.0.0", verdictPayload(updated)); err != nil {
		return updated, fmt.Errorf("record verdict: %w", err)
	}
	if o.notifier != nil {
		if err := o.notifier.DeliberationResolved(ctx, updated.PetitionID, string(updated.Outcome)); err != nil {
			return updated, fmt.Errorf("apply verdict to petition: %w", err)
		}
	}
	o.log.InfoContext(ctx, "verdict recorded",
		"session", updated.SessionID, "outcome", updated.Outcome,
		"rounds", updated.RoundCount, "deadlocked", updated.IsDeadlocked)
	return updated, nil
}

// refuseIfHalted blocks new deliberations while the halt circuit is
// open.
func (o *Orchestrator) refuseIfHalted(ctx context.Context) error {
	halted, err := o.halt.IsHalted(ctx)
	if err != nil {
		return err
	}
	if halted {
		return ledger.ErrHalted
	}
	return nil
}

// parkIfHalted persists the session into the halted phase when the
// circuit opens mid-deliberation, so nothing is lost and a restore can
// resume it.
func (o *Orchestrator) parkIfHalted(ctx context.Context, s *Session) error {
	halted, err := o.halt.IsHalted(ctx)
	if err != nil {
		return err
	}
	if !halted {
		return nil
	}
	s.Phase = PhaseHalted
	if updated, err := o.store.Update(ctx, *s); err == nil {
		*s = updated
	}
	return ledger.ErrHalted
}

func lastN(entries []string, n int) []string {
	if len(entries) <= n {
		return entries
	}
	return entries[len(entries)-n:]
}

type timeoutPayload struct {
	SessionID string `json:"session_id"`
}

func verdictPayload(s Session) map[string]interface{} {
	payload := map[string]interface{}{
		"session_id":   s.SessionID,
		"petition_id":  s.PetitionID,
		"outcome":      string(s.Outcome),
		"round_count":  s.RoundCount,
		"deadlocked":   s.IsDeadlocked,
		"timed_out":    s.TimedOut,
		"adjudicators": s.Adjudicators[:],
	}
	if s.DissentAdjudicatorID != "" {
		payload["dissent_adjudicator_id"] = s.DissentAdjudicatorID
	}
	return payload
}

// TimeoutHandler is the deliberation_timeout job handler. It is
// idempotent: a session that completed before the deadline fired is
// left alone; anything still in flight is forced to an escalate
// verdict so a stuck panel cannot wedge a petition forever.
func TimeoutHandler(store Store, recorder Recorder, notifier PetitionNotifier, now func() time.Time) jobs.Handler {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return func(ctx context.Context, job jobs.Job) error {
		var p timeoutPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("deliberation timeout payload: %w", err)
		}
		s, err := store.Get(ctx, p.SessionID)
		if err != nil {
			return err
		}
		if s.Phase == PhaseComplete {
			return nil
		}

		at := now()
		s.Phase = PhaseComplete
		s.Outcome = OutcomeEscalate
		s.TimedOut = true
		s.CompletedAt = &at
		updated, err := store.Update(ctx, s)
		if err != nil {
			return err
		}
		if _, err := recorder.Record(ctx, "judicial.verdict.recorded", "1.0.0", verdictPayload(updated)); err != nil {
			return err
		}
		if notifier != nil {
			return notifier.DeliberationResolved(ctx, updated.PetitionID, string(updated.Outcome))
		}
		return nil
	}
}
