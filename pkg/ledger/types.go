// Package ledger implements the constitutional event ledger: an
// append-only, hash-chained, signed and witnessed event store with
// dual timestamps, monotonic sequencing and database-level
// enforcement of immutability.
package ledger

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for the ledger failure taxonomy. Integrity errors
// are never softened; callers branch with errors.Is.
var (
	ErrHalted         = errors.New("system halted: writes refused")
	ErrTerminated     = errors.New("system terminated: no further events may be appended")
	ErrChainViolation = errors.New("hash chain violation")
	ErrBadSignature   = errors.New("bad agent signature")
	ErrBadWitness     = errors.New("bad witness attestation")
	ErrSchemaInvalid  = errors.New("event schema invalid")
	ErrDuplicate      = errors.New("duplicate event")
	ErrNotFound       = errors.New("event not found")
)

// Event is one immutable record of a governance act. Exactly one
// append point; never updated, deleted or truncated after commit.
type Event struct {
	EventID            string          `json:"event_id"`
	Sequence           uint64          `json:"sequence"`
	EventType          string          `json:"event_type"`
	Branch             string          `json:"branch"`
	SchemaVersion      string          `json:"schema_version"`
	Payload            json.RawMessage `json:"payload"`
	PrevHash           string          `json:"prev_hash"`
	ContentHash        string          `json:"content_hash"`
	HashAlgVersion     int             `json:"hash_alg_version"`
	SigAlgVersion      int             `json:"sig_alg_version"`
	AgentID            string          `json:"agent_id"`
	WitnessID          string          `json:"witness_id"`
	Signature          string          `json:"signature"`
	SigningKeyID       string          `json:"signing_key_id"`
	WitnessSignature   string          `json:"witness_signature"`
	LocalTimestamp     time.Time       `json:"local_timestamp"`
	AuthorityTimestamp time.Time       `json:"authority_timestamp"`
	IsTerminal         bool            `json:"is_terminal,omitempty"`
}

// AppendRequest is the caller-supplied portion of an event. Branch,
// sequence, content hash and the authority timestamp are derived
// server-side and never trusted from the caller.
//
// PrevHash is the chain head the caller signed over; if the head moved
// before commit the append fails with ErrChainViolation and the caller
// re-signs against the new head.
type AppendRequest struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	SchemaVersion    string          `json:"schema_version"`
	Payload          json.RawMessage `json:"payload"`
	PrevHash         string          `json:"prev_hash"`
	HashAlgVersion   int             `json:"hash_alg_version"`
	SigAlgVersion    int             `json:"sig_alg_version"`
	AgentID          string          `json:"agent_id"`
	WitnessID        string          `json:"witness_id"`
	Signature        string          `json:"signature"`
	SigningKeyID     string          `json:"signing_key_id"`
	WitnessSignature string          `json:"witness_signature"`
	LocalTimestamp   time.Time       `json:"local_timestamp"`
}

// DriftWarning records clock drift between the caller's wall clock and
// the database commit time. Informational; drift never invalidates an
// event.
type DriftWarning struct {
	EventID            string        `json:"event_id"`
	Sequence           uint64        `json:"sequence"`
	LocalTimestamp     time.Time     `json:"local_timestamp"`
	AuthorityTimestamp time.Time     `json:"authority_timestamp"`
	Drift              time.Duration `json:"drift"`
}

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	Valid    bool   `json:"valid"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// terminalPayload is the portion of a payload the ledger itself
// interprets: the irreversible cessation marker.
type terminalPayload struct {
	IsTerminal bool `json:"is_terminal"`
}

// payloadIsTerminal reports whether the payload carries is_terminal=true.
func payloadIsTerminal(payload json.RawMessage) bool {
	var tp terminalPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		return false
	}
	return tp.IsTerminal
}
