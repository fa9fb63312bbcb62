// Package conclave runs full parliamentary sessions of the 72: call to
// order, roll call, motion debate in rank order, supermajority voting
// with three-channel ballot validation, and a reconciliation barrier
// before adjournment.
package conclave

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("conclave session not found")
	// ErrReconciliation is returned when the adjournment barrier finds
	// undecided motions; the session refuses to adjourn.
	ErrReconciliation = errors.New("reconciliation barrier: undecided motions remain")
)

// SessionPhase is the parliamentary state machine position.
type SessionPhase string

const (
	PhaseNotStarted  SessionPhase = "not_started"
	PhaseCallToOrder SessionPhase = "call_to_order"
	PhaseRollCall    SessionPhase = "roll_call"
	PhaseNewBusiness SessionPhase = "new_business"
	PhaseAdjournment SessionPhase = "adjournment"
	PhaseAdjourned   SessionPhase = "adjourned"
	PhaseHalted      SessionPhase = "halted"
)

// MotionState is a motion's lifecycle position.
type MotionState string

const (
	MotionProposed     MotionState = "proposed"
	MotionSeconded     MotionState = "seconded"
	MotionDebating     MotionState = "debating"
	MotionCalled       MotionState = "called"
	MotionVoting       MotionState = "voting"
	MotionPassed       MotionState = "passed"
	MotionFailed       MotionState = "failed"
	MotionDiedNoSecond MotionState = "died_no_second"
)

// Terminal reports whether the motion cannot move again.
func (s MotionState) Terminal() bool {
	return s == MotionPassed || s == MotionFailed || s == MotionDiedNoSecond
}

// MotionKind selects the tally rule: substantive motions need the
// supermajority, procedural ones a simple majority.
type MotionKind string

const (
	KindSubstantive MotionKind = "substantive"
	KindProcedural  MotionKind = "procedural"
)

// Motion is one item of business before the conclave.
type Motion struct {
	MotionID   string      `json:"motion_id"`
	Kind       MotionKind  `json:"kind"`
	Title      string      `json:"title"`
	Text       string      `json:"text"`
	ProposedBy string      `json:"proposed_by"`
	SecondedBy string      `json:"seconded_by,omitempty"`
	State      MotionState `json:"state"`
	Yeas       int         `json:"yeas"`
	Nays       int         `json:"nays"`
	Abstains   int         `json:"abstains"`
	DecidedAt  *time.Time  `json:"decided_at,omitempty"`
}

// Minute entry kinds.
const (
	EntrySpeech     = "speech"
	EntryViolation  = "violation.speech"
	EntryRedTeam    = "speech.red_team"
	EntryVote       = "vote"
	EntryDivergence = "vote.divergence"
	EntryProcedure  = "procedure"
)

// MinuteEntry is one line of the session minutes.
type MinuteEntry struct {
	Seq      int       `json:"seq"`
	Kind     string    `json:"kind"`
	ArchonID string    `json:"archon_id,omitempty"`
	MotionID string    `json:"motion_id,omitempty"`
	Round    int       `json:"round,omitempty"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}

// Session is one conclave sitting. The whole struct is the checkpoint
// unit: persisting it after each round and each tally makes any point
// of the sitting resumable.
type Session struct {
	SessionID     string          `json:"session_id"`
	Phase         SessionPhase    `json:"phase"`
	Present       []string        `json:"present"` // attendance, debate order
	Absent        []string        `json:"absent"`
	Motions       []Motion        `json:"motions"`
	Minutes       []MinuteEntry   `json:"minutes"`
	CurrentMotion int             `json:"current_motion"`
	CurrentRound  int             `json:"current_round"`
	// CurrentSpeaker is the next floor position within the current
	// round, so a halt mid-round resumes without repeating speeches.
	CurrentSpeaker int `json:"current_speaker"`
	// Stances is each speaker's latest declared leaning during debate,
	// kept for divergence logging against the final ballot.
	Stances map[string]string `json:"stances,omitempty"`
	// ResumePhase remembers where a halted session was parked.
	ResumePhase SessionPhase `json:"resume_phase,omitempty"`
	ConvenedAt  time.Time    `json:"convened_at"`
	AdjournedAt *time.Time   `json:"adjourned_at,omitempty"`
}

func (s *Session) minute(kind, archonID, motionID string, round int, text string, at time.Time) {
	s.Minutes = append(s.Minutes, MinuteEntry{
		Seq:      len(s.Minutes) + 1,
		Kind:     kind,
		ArchonID: archonID,
		MotionID: motionID,
		Round:    round,
		Text:     text,
		At:       at,
	})
}

// MinutesOfKind filters the minutes.
func (s *Session) MinutesOfKind(kind string) []MinuteEntry {
	var out []MinuteEntry
	for _, e := range s.Minutes {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Store checkpoints sessions. Save overwrites the previous checkpoint
// for the session; the session struct is self-contained.
type Store interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, sessionID string) (Session, error)
}

// MemoryStore is the in-memory checkpoint store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (m *MemoryStore) Save(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func cloneSession(s Session) Session {
	out := s
	out.Present = append([]string(nil), s.Present...)
	out.Absent = append([]string(nil), s.Absent...)
	out.Motions = append([]Motion(nil), s.Motions...)
	out.Minutes = append([]MinuteEntry(nil), s.Minutes...)
	if s.Stances != nil {
		out.Stances = make(map[string]string, len(s.Stances))
		for k, v := range s.Stances {
			out.Stances[k] = v
		}
	}
	return out
}
