// Package motion carries business into the conclave: petition intake
// behind a gate pipeline, co-signing with threshold escalation, the
// adoption bridge from escalated petitions to motions, and the queue
// motions wait in until a sitting selects them.
package motion

import (
	"encoding/hex"
	"errors"
	"time"

	"lukechampine.com/blake3"
)

var (
	ErrSchemaViolation   = errors.New("petition payload violates the intake schema")
	ErrRateLimited       = errors.New("submitter over the intake rate limit")
	ErrAtCapacity        = errors.New("petition intake closed: at capacity")
	ErrDuplicatePetition = errors.New("duplicate petition")
	ErrPetitionNotFound  = errors.New("petition not found")
	ErrAlreadyCosigned   = errors.New("signer already co-signed this petition")
	ErrNotEscalated      = errors.New("petition is not escalated")
	ErrAlreadyAdopted    = errors.New("petition already adopted")
	ErrMotionNotFound    = errors.New("queued motion not found")
)

// Escalation sources, recorded on the petition and in the ledger so an
// auditor can tell a co-sign surge from a panel verdict.
const (
	EscalationCoSignerThreshold = "CO_SIGNER_THRESHOLD"
	EscalationDeliberation      = "DELIBERATION"
)

// PetitionTypes is the closed intake vocabulary.
var PetitionTypes = []string{"general", "cessation", "grievance", "collaboration", "meta"}

// PetitionState is a petition's lifecycle position.
type PetitionState string

const (
	StateReceived     PetitionState = "received"
	StateDeliberating PetitionState = "deliberating"
	StateAcknowledged PetitionState = "acknowledged"
	StateReferred     PetitionState = "referred"
	StateEscalated    PetitionState = "escalated"
	StateDeferred     PetitionState = "deferred"
	StateNoResponse   PetitionState = "no_response"
	StateAdopted      PetitionState = "adopted"
	StateWithdrawn    PetitionState = "withdrawn"
	StateArchived     PetitionState = "archived"
)

// Open reports whether the petition still occupies intake capacity.
func (s PetitionState) Open() bool {
	switch s {
	case StateAdopted, StateArchived, StateAcknowledged, StateDeferred,
		StateNoResponse, StateWithdrawn:
		return false
	}
	return true
}

// Petition is one plea from outside the conclave.
type Petition struct {
	PetitionID       string        `json:"petition_id"`
	SubmitterID      string        `json:"submitter_id,omitempty"` // empty for anonymous pleas
	Type             string        `json:"type"`
	Realm            string        `json:"realm,omitempty"`
	Text             string        `json:"text"`
	ContentHash      string        `json:"content_hash"` // blake3 hex over text+submitter+type
	State            PetitionState `json:"state"`
	CoSignCount      int           `json:"cosign_count"`
	EscalationSource string        `json:"escalation_source,omitempty"`
	// Adoption fields are written once by the bridge and immutable
	// afterwards.
	AdoptedBy       string     `json:"adopted_by,omitempty"`
	AdoptedMotionID string     `json:"adopted_motion_id,omitempty"`
	AdoptedAt       *time.Time `json:"adopted_at,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
}

// ContentHash derives the dedup hash for a submission. Identical text
// from the same submitter under the same type is the same petition.
func ContentHash(text, submitterID, petitionType string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(submitterID))
	h.Write([]byte{0})
	h.Write([]byte(petitionType))
	return hex.EncodeToString(h.Sum(nil))
}
