// Package fates runs Three-Fates petition deliberation: a panel of
// exactly three adjudicators works a petition through assess,
// position, cross-examine and vote phases and produces a disposition.
package fates

import (
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

var (
	// ErrVersionConflict is returned when an optimistic update loses
	// the race on the session version column.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrSessionNotFound is returned for unknown session or petition ids.
	ErrSessionNotFound = errors.New("deliberation session not found")
	// ErrSessionExists is returned when a petition already has a session.
	ErrSessionExists = errors.New("petition already has a deliberation session")
)

// Phase is a deliberation phase.
type Phase string

const (
	PhaseAssess       Phase = "assess"
	PhasePosition     Phase = "position"
	PhaseCrossExamine Phase = "cross_examine"
	PhaseVote         Phase = "vote"
	PhaseComplete     Phase = "complete"
	PhaseHalted       Phase = "halted"
)

// Outcome is an adjudicator's disposition choice.
type Outcome string

const (
	OutcomeAcknowledge Outcome = "acknowledge"
	OutcomeRefer       Outcome = "refer"
	OutcomeEscalate    Outcome = "escalate"
	OutcomeDefer       Outcome = "defer"
	OutcomeNoResponse  Outcome = "no_response"
)

// DeadlockMaxRounds is the recorded reason when three voting rounds
// fail to produce a supermajority.
const DeadlockMaxRounds = "DEADLOCK_MAX_ROUNDS_EXCEEDED"

var outcomeTokens = map[string]Outcome{
	"ACKNOWLEDGE": OutcomeAcknowledge,
	"ESCALATE":    OutcomeEscalate,
	"REFER":       OutcomeRefer,
	"DEFER":       OutcomeDefer,
	"NO_RESPONSE": OutcomeNoResponse,
}

// ParseOutcome extracts a disposition from an adjudicator's raw
// response. Matching is on whole tokens, so "PREFER" is not a
// referral. No recognizable token reads as no_response.
func ParseOutcome(raw string) Outcome {
	for _, field := range strings.Fields(strings.ToUpper(raw)) {
		token := strings.Trim(field, ".,;:!?\"'()[]")
		if outcome, ok := outcomeTokens[token]; ok {
			return outcome
		}
	}
	return OutcomeNoResponse
}

// Session is one deliberation over one petition.
type Session struct {
	SessionID            string            `json:"session_id"`
	PetitionID           string            `json:"petition_id"`
	Adjudicators         [3]string         `json:"assigned_adjudicators"`
	Phase                Phase             `json:"phase"`
	PhaseTranscripts     map[Phase]string  `json:"phase_transcripts"` // blake3 hex per phase
	Votes                map[string]Outcome `json:"votes"`
	Outcome              Outcome           `json:"outcome,omitempty"`
	DissentAdjudicatorID string            `json:"dissent_adjudicator_id,omitempty"`
	RoundCount           int               `json:"round_count"`
	VotesByRound         []map[Outcome]int `json:"votes_by_round"`
	IsDeadlocked         bool              `json:"is_deadlocked"`
	DeadlockReason       string            `json:"deadlock_reason,omitempty"`
	TimeoutJobID         string            `json:"timeout_job_id,omitempty"`
	TimeoutAt            *time.Time        `json:"timeout_at,omitempty"`
	TimedOut             bool              `json:"timed_out"`
	CreatedAt            time.Time         `json:"created_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
	Version              int64             `json:"version"`
}

// HasAdjudicator reports panel membership.
func (s *Session) HasAdjudicator(id string) bool {
	for _, a := range s.Adjudicators {
		if a == id {
			return true
		}
	}
	return false
}

// DissentRecord preserves a 2-1 minority position.
type DissentRecord struct {
	SessionID           string    `json:"session_id"`
	PetitionID          string    `json:"petition_id"`
	DissentAdjudicator  string    `json:"dissent_adjudicator_id"`
	DissentDisposition  Outcome   `json:"dissent_disposition"`
	MajorityDisposition Outcome   `json:"majority_disposition"`
	Rationale           string    `json:"rationale"`
	RationaleHash       string    `json:"rationale_hash"` // blake3 hex
	RecordedAt          time.Time `json:"recorded_at"`
}

// HashRationale computes the stored digest of a dissent rationale.
func HashRationale(rationale string) string {
	sum := blake3.Sum256([]byte(rationale))
	return hex.EncodeToString(sum[:])
}

// TranscriptHash digests a phase transcript for the session record.
func TranscriptHash(entries []string) string {
	h := blake3.New(32, nil)
	for _, entry := range entries {
		h.Write([]byte(entry))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
