package conclave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archonhq/archon72/pkg/agent"
	"github.com/archonhq/archon72/pkg/archon"
	"github.com/archonhq/archon72/pkg/jobs"
	"github.com/archonhq/archon72/pkg/ledger"
)

// Recorder is the slice of ledger.Clerk the orchestrator needs.
type Recorder interface {
	Record(ctx context.Context, eventType, schemaVersion string, payload interface{}) (ledger.Event, error)
}

// Config tunes a sitting.
type Config struct {
	// DebateRounds is how many full passes over the floor each motion
	// gets before the question is called.
	DebateRounds int
	// ContextWindow is how many recent transcript entries each speaker
	// sees.
	ContextWindow int
	// RedTeamThreshold triggers consensus-break challenges when more
	// than this share of declared stances point the same way.
	RedTeamThreshold float64
	// RedTeamSize is how many Archons are asked to argue the opposite.
	RedTeamSize int
	// VotingConcurrency bounds in-flight ballot invocations; 0 means
	// unlimited.
	VotingConcurrency int
	// SupermajorityNum/Den is the substantive passage threshold:
	// yeas >= ceil(num*(yeas+nays)/den).
	SupermajorityNum int
	SupermajorityDen int
	// ProceduralSimpleMajority lets procedural motions pass on a
	// simple majority.
	ProceduralSimpleMajority bool
	// SecondAskLimit is how many Archons are offered the second before
	// a motion dies unseconded.
	SecondAskLimit int
}

// DefaultConfig matches the constitutional defaults.
func DefaultConfig() Config {
	return Config{
		DebateRounds:             3,
		ContextWindow:            10,
		RedTeamThreshold:         0.85,
		RedTeamSize:              5,
		VotingConcurrency:        1,
		SupermajorityNum:         2,
		SupermajorityDen:         3,
		ProceduralSimpleMajority: true,
		SecondAskLimit:           5,
	}
}

// Orchestrator chairs conclave sittings.
type Orchestrator struct {
	store       Store
	invoker     agent.Invoker
	recorder    Recorder
	halt        ledger.HaltGate
	roster      *archon.Roster
	rules       *RuleEngine
	secretaries [2]string
	witness     string
	cfg         Config
	log         *slog.Logger
	now         func() time.Time
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

// WithSpeechRules replaces the default standing orders.
func WithSpeechRules(engine *RuleEngine) OrchestratorOption {
	return func(o *Orchestrator) { o.rules = engine }
}

// NewOrchestrator wires a conclave chair. The two most senior
// Presidents serve as secretaries and the Knight as witness.
func NewOrchestrator(store Store, invoker agent.Invoker, recorder Recorder, halt ledger.HaltGate, roster *archon.Roster, opts ...OrchestratorOption) (*Orchestrator, error) {
	o := &Orchestrator{
		store:    store,
		invoker:  invoker,
		recorder: recorder,
		halt:     halt,
		roster:   roster,
		cfg:      DefaultConfig(),
		log:      slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rules == nil {
		engine, err := NewRuleEngine(DefaultSpeechRules())
		if err != nil {
			return nil, err
		}
		o.rules = engine
	}

	presidents := archon.DebateOrder(roster.ByRank(archon.RankPresident))
	if len(presidents) < 2 {
		return nil, fmt.Errorf("need two Presidents for the secretariat, have %d", len(presidents))
	}
	o.secretaries = [2]string{presidents[0].ID, presidents[1].ID}
	knights := roster.ByRank(archon.RankKnight)
	if len(knights) == 0 {
		return nil, fmt.Errorf("no Knight on the roster to witness")
	}
	o.witness = knights[0].ID
	return o, nil
}

// Run convenes a fresh sitting over the given business and drives it
// to adjournment.
func (o *Orchestrator) Run(ctx context.Context, motions []Motion) (Session, error) {
	if halted, err := o.halt.IsHalted(ctx); err != nil {
		return Session{}, err
	} else if halted {
		return Session{}, ledger.ErrHalted
	}

	s := Session{
		SessionID:  uuid.New().String(),
		Phase:      PhaseCallToOrder,
		Motions:    motions,
		Stances:    make(map[string]string),
		ConvenedAt: o.now(),
	}
	for i := range s.Motions {
		if s.Motions[i].MotionID == "" {
			s.Motions[i].MotionID = uuid.New().String()
		}
		s.Motions[i].State = MotionProposed
	}
	if err := o.store.Save(ctx, s); err != nil {
		return Session{}, err
	}
	return o.run(ctx, s)
}

// Resume picks a checkpointed session back up, including one parked by
// a halt.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (Session, error) {
	s, err := o.store.Load(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if s.Phase == PhaseHalted {
		if s.ResumePhase == "" {
			s.ResumePhase = PhaseCallToOrder
		}
		s.Phase = s.ResumePhase
		s.ResumePhase = ""
	}
	return o.run(ctx, s)
}

func (o *Orchestrator) run(ctx context.Context, s Session) (Session, error) {
	for {
		if err := o.parkIfHalted(ctx, &s); err != nil {
			return s, err
		}
		switch s.Phase {
		case PhaseCallToOrder:
			if err := o.callToOrder(ctx, &s); err != nil {
				return s, err
			}
		case PhaseRollCall:
			if err := o.rollCall(ctx, &s); err != nil {
				return s, err
			}
		case PhaseNewBusiness:
			if err := o.newBusiness(ctx, &s); err != nil {
				return s, err
			}
		case PhaseAdjournment:
			if err := o.adjourn(ctx, &s); err != nil {
				return s, err
			}
		case PhaseAdjourned, PhaseHalted:
			return s, nil
		default:
			return s, fmt.Errorf("session %s in unknown phase %q", s.SessionID, s.Phase)
		}
	}
}

func (o *Orchestrator) callToOrder(ctx context.Context, s *Session) error {
	s.minute(EntryProcedure, "", "", 0, "session called to order", o.now())
	if _, err := o.recorder.Record(ctx, "legislative.session.opened", "1.0.0", map[string]interface{}{
		"session_id": s.SessionID,
		"motions":    len(s.Motions),
	}); err != nil {
		return fmt.Errorf("record session opening: %w", err)
	}
	s.Phase = PhaseRollCall
	return o.store.Save(ctx, *s)
}

// rollCall asks every Archon to answer; those whose agents fail are
// marked absent for the sitting.
func (o *Orchestrator) rollCall(ctx context.Context, s *Session) error {
	s.Present = s.Present[:0]
	s.Absent = s.Absent[:0]
	for _, a := range archon.DebateOrder(o.roster.All()) {
		_, err := o.invoker.Invoke(ctx, agent.Invocation{
			ArchonID: a.ID,
			Role:     agent.RoleSpeech,
			Subject:  "roll call",
		})
		if err != nil {
			s.Absent = append(s.Absent, a.ID)
			continue
		}
		s.Present = append(s.Present, a.ID)
	}
	s.minute(EntryProcedure, "", "", 0,
		fmt.Sprintf("roll call: %d present, %d absent", len(s.Present), len(s.Absent)), o.now())
	s.Phase = PhaseNewBusiness
	return o.store.Save(ctx, *s)
}

func (o *Orchestrator) newBusiness(ctx context.Context, s *Session) error {
	for s.CurrentMotion < len(s.Motions) {
		if err := o.parkIfHalted(ctx, s); err != nil {
			return err
		}
		if err := o.processMotion(ctx, s, s.CurrentMotion); err != nil {
			return err
		}
		s.CurrentMotion++
		s.CurrentRound = 0
		if err := o.store.Save(ctx, *s); err != nil {
			return err
		}
	}
	s.Phase = PhaseAdjournment
	return o.store.Save(ctx, *s)
}

func (o *Orchestrator) processMotion(ctx context.Context, s *Session, idx int) error {
	m := &s.Motions[idx]
	if m.State.Terminal() {
		return nil
	}

	if m.State == MotionProposed {
		if !o.seekSecond(ctx, s, m) {
			now := o.now()
			m.State = MotionDiedNoSecond
			m.DecidedAt = &now
			s.minute(EntryProcedure, "", m.MotionID, 0, "motion died for want of a second", now)
			return o.recordMotionResolved(ctx, s, m)
		}
		m.State = MotionSeconded
		s.minute(EntryProcedure, m.SecondedBy, m.MotionID, 0, "motion seconded", o.now())
	}

	if m.State == MotionSeconded {
		m.State = MotionDebating
	}
	if m.State == MotionDebating {
		for s.CurrentRound < o.cfg.DebateRounds {
			if err := o.parkIfHalted(ctx, s); err != nil {
				return err
			}
			round := s.CurrentRound + 1
			if err := o.debateRound(ctx, s, m, round); err != nil {
				return err
			}
			o.redTeamIfConverged(ctx, s, m, round)
			s.CurrentRound = round
			if err := o.store.Save(ctx, *s); err != nil {
				return err
			}
		}
		m.State = MotionCalled
		s.minute(EntryProcedure, "", m.MotionID, 0, "question called", o.now())
	}

	if m.State == MotionCalled {
		m.State = MotionVoting
	}

	ballots, err := o.collectBallots(ctx, *m, s.Present)
	if err != nil {
		if errors.Is(err, ledger.ErrHalted) {
			return o.park(ctx, s)
		}
		return err
	}
	for _, b := range ballots {
		text := string(b.Vote)
		if b.Absent {
			text = "ABSTAIN (absent)"
		}
		s.minute(EntryVote, b.ArchonID, m.MotionID, 0, text, o.now())
		o.logDivergence(s, m, b)
	}
	o.tally(m, ballots)
	now := o.now()
	m.DecidedAt = &now
	return o.recordMotionResolved(ctx, s, m)
}

// seekSecond offers the second to the floor in debate order; the first
// assent takes it.
func (o *Orchestrator) seekSecond(ctx context.Context, s *Session, m *Motion) bool {
	asked := 0
	for _, id := range s.Present {
		if id == m.ProposedBy {
			continue
		}
		if asked >= o.cfg.SecondAskLimit {
			break
		}
		asked++
		resp, err := o.invoker.Invoke(ctx, agent.Invocation{
			ArchonID: id,
			Role:     agent.RoleSpeech,
			Subject:  "second the motion: " + m.Title,
		})
		if err != nil {
			continue
		}
		if v, ambiguous := agent.ParseVote(resp.Text); !ambiguous && v == agent.VoteAye {
			m.SecondedBy = id
			return true
		}
	}
	return false
}

// debateRound walks the floor in rank order, checking the halt
// circuit before every speaker. CurrentSpeaker checkpoints the floor
// position so a halt mid-round resumes with the next speaker rather
// than repeating delivered speeches. A failed invocation marks the
// speaker absent for the round and the debate moves on.
func (o *Orchestrator) debateRound(ctx context.Context, s *Session, m *Motion, round int) error {
	for ; s.CurrentSpeaker < len(s.Present); s.CurrentSpeaker++ {
		if err := o.parkIfHalted(ctx, s); err != nil {
			return err
		}
		id := s.Present[s.CurrentSpeaker]
		a, err := o.roster.ByID(id)
		if err != nil {
			continue
		}
		resp, err := o.invoker.Invoke(ctx, agent.Invocation{
			ArchonID: id,
			Role:     agent.RoleSpeech,
			Subject:  m.Text,
			Round:    round,
			Context:  o.recentSpeeches(s, m.MotionID),
		})
		if err != nil {
			s.minute(EntryProcedure, id, m.MotionID, round, "absent for round", o.now())
			continue
		}
		s.minute(EntrySpeech, id, m.MotionID, round, resp.Text, o.now())

		if stance, ambiguous := agent.ParseVote(resp.Text); !ambiguous {
			s.Stances[id] = string(stance)
		}

		violations, err := o.rules.Violations(SpeechInput{
			ArchonID:   id,
			Rank:       string(a.Rank),
			Branch:     a.Branch,
			MotionKind: m.Kind,
			Round:      round,
		})
		if err != nil {
			o.log.ErrorContext(ctx, "speech rule evaluation failed",
				"session", s.SessionID, "archon", id, "error", err)
			continue
		}
		for _, rule := range violations {
			s.minute(EntryViolation, id, m.MotionID, round, "standing order violated: "+rule, o.now())
			s.minute(EntryProcedure, o.witness, m.MotionID, round,
				"witness notes violation by "+id+" of "+rule, o.now())
		}
	}
	s.CurrentSpeaker = 0
	return nil
}

// recentSpeeches returns the last ContextWindow speech texts for the
// motion.
func (o *Orchestrator) recentSpeeches(s *Session, motionID string) []string {
	var texts []string
	for _, e := range s.Minutes {
		if e.Kind == EntrySpeech && e.MotionID == motionID {
			texts = append(texts, e.ArchonID+": "+e.Text)
		}
	}
	if len(texts) > o.cfg.ContextWindow {
		texts = texts[len(texts)-o.cfg.ContextWindow:]
	}
	return texts
}

// redTeamIfConverged counters groupthink: when the floor leans more
// than RedTeamThreshold one way, the most junior members are asked to
// argue the other side on the record.
func (o *Orchestrator) redTeamIfConverged(ctx context.Context, s *Session, m *Motion, round int) {
	ayes, nays := 0, 0
	for _, stance := range s.Stances {
		switch agent.Vote(stance) {
		case agent.VoteAye:
			ayes++
		case agent.VoteNay:
			nays++
		}
	}
	total := ayes + nays
	if total == 0 {
		return
	}
	share := float64(ayes) / float64(total)
	opposite := "argue against the motion"
	if nays > ayes {
		share = float64(nays) / float64(total)
		opposite = "argue for the motion"
	}
	if share <= o.cfg.RedTeamThreshold {
		return
	}

	s.minute(EntryProcedure, "", m.MotionID, round,
		fmt.Sprintf("consensus break invoked: %.0f%% single-stance", share*100), o.now())
	challengers := s.Present
	if len(challengers) > o.cfg.RedTeamSize {
		challengers = challengers[len(challengers)-o.cfg.RedTeamSize:]
	}
	for _, id := range challengers {
		resp, err := o.invoker.Invoke(ctx, agent.Invocation{
			ArchonID: id,
			Role:     agent.RoleSpeech,
			Subject:  opposite + ": " + m.Text,
			Round:    round,
			Context:  o.recentSpeeches(s, m.MotionID),
		})
		if err != nil {
			continue
		}
		s.minute(EntryRedTeam, id, m.MotionID, round, resp.Text, o.now())
	}
}

// logDivergence notes ballots that contradict the stance declared in
// debate.
func (o *Orchestrator) logDivergence(s *Session, m *Motion, b Ballot) {
	stance, ok := s.Stances[b.ArchonID]
	if !ok || b.Absent {
		return
	}
	if agent.Vote(stance) == b.Vote || b.Vote == agent.VoteAbstain {
		return
	}
	s.minute(EntryDivergence, b.ArchonID, m.MotionID, 0,
		"declared "+strings.ToLower(stance)+" in debate, voted "+strings.ToLower(string(b.Vote)), o.now())
	o.log.Info("stance diverged from ballot",
		"session", s.SessionID, "archon", b.ArchonID, "stance", stance, "vote", b.Vote)
}

func (o *Orchestrator) recordMotionResolved(ctx context.Context, s *Session, m *Motion) error {
	if _, err := o.recorder.Record(ctx, "legislative.motion.resolved", "1.0.0", map[string]interface{}{
		"session_id": s.SessionID,
		"motion_id":  m.MotionID,
		"state":      string(m.State),
		"yeas":       m.Yeas,
		"nays":       m.Nays,
		"abstains":   m.Abstains,
	}); err != nil {
		return fmt.Errorf("record motion resolution: %w", err)
	}
	return o.store.Save(ctx, *s)
}

// adjourn runs the reconciliation barrier: every motion must be in a
// terminal state before the session may close. An undecided motion
// parks the session instead of adjourning over it.
func (o *Orchestrator) adjourn(ctx context.Context, s *Session) error {
	for _, m := range s.Motions {
		if !m.State.Terminal() {
			s.ResumePhase = PhaseNewBusiness
			s.Phase = PhaseHalted
			s.minute(EntryProcedure, "", m.MotionID, 0, "adjournment refused: motion undecided", o.now())
			if err := o.store.Save(ctx, *s); err != nil {
				return err
			}
			return fmt.Errorf("%w: motion %s in state %s", ErrReconciliation, m.MotionID, m.State)
		}
	}
	now := o.now()
	s.Phase = PhaseAdjourned
	s.AdjournedAt = &now
	s.minute(EntryProcedure, "", "", 0, "session adjourned", now)
	if _, err := o.recorder.Record(ctx, "legislative.session.adjourned", "1.0.0", map[string]interface{}{
		"session_id": s.SessionID,
		"motions":    len(s.Motions),
	}); err != nil {
		return fmt.Errorf("record adjournment: %w", err)
	}
	return o.store.Save(ctx, *s)
}

// parkIfHalted checkpoints the session into the halted phase when the
// circuit opens mid-sitting.
func (o *Orchestrator) parkIfHalted(ctx context.Context, s *Session) error {
	halted, err := o.halt.IsHalted(ctx)
	if err != nil {
		return err
	}
	if !halted {
		return nil
	}
	return o.park(ctx, s)
}

// park checkpoints the session into the halted phase.
func (o *Orchestrator) park(ctx context.Context, s *Session) error {
	if s.Phase != PhaseHalted {
		s.ResumePhase = s.Phase
		s.Phase = PhaseHalted
		s.minute(EntryProcedure, "", "", 0, "session halted by circuit", o.now())
		if err := o.store.Save(ctx, *s); err != nil {
			return err
		}
	}
	return ledger.ErrHalted
}

// adjournPayload is the adjourn_reconciliation job payload.
type adjournPayload struct {
	SessionID string `json:"session_id"`
}

// AdjournReconcileHandler is the adjourn_reconciliation job handler:
// it resumes a parked session so undecided motions get their tally and
// the sitting can adjourn. A session still blocked, by the circuit or
// by the reconciliation barrier, is retried after the given delay.
func AdjournReconcileHandler(o *Orchestrator, queue jobs.Queue, retry time.Duration) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var p adjournPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("adjourn reconciliation payload: %w", err)
		}
		_, err := o.Resume(ctx, p.SessionID)
		if errors.Is(err, ledger.ErrHalted) || errors.Is(err, ErrReconciliation) {
			_, enqErr := queue.Enqueue(ctx, jobs.TypeAdjournReconcile,
				adjournPayload{SessionID: p.SessionID}, o.now().Add(retry))
			return enqErr
		}
		return err
	}
}
