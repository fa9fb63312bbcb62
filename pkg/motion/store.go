package motion

import (
	"context"
	"fmt"
	"time"
)

// PetitionStore persists petitions, co-signs and adoptions.
type PetitionStore interface {
	Insert(ctx context.Context, p Petition) error
	Get(ctx context.Context, petitionID string) (Petition, error)
	ByContentHash(ctx context.Context, hash string) (Petition, error)
	SetState(ctx context.Context, petitionID string, state PetitionState, source string) error
	// CoSign records the signer and increments the counter in one
	// transaction. A repeat signer gets ErrAlreadyCosigned and the
	// counter does not move.
	CoSign(ctx context.Context, petitionID, signerID string, at time.Time) (int, error)
	// Adopt writes the adoption fields once; a second adoption fails
	// with ErrAlreadyAdopted.
	Adopt(ctx context.Context, petitionID, kingID, motionID string, at time.Time) error
	// CountOpen counts petitions still occupying intake capacity.
	CountOpen(ctx context.Context) (int, error)
}

// AdoptionStore writes the adoption fields and the queued motion as
// one unit: if the motion cannot be enqueued, the adoption is rolled
// back and the petition stays escalated.
type AdoptionStore interface {
	AdoptAndEnqueue(ctx context.Context, petitionID, kingID string, m QueuedMotion, at time.Time) error
}

// RateStore counts intake submissions in minute buckets. The unique
// (submitter, bucket) row per minute keeps the counter idempotent
// under retries.
type RateStore interface {
	Increment(ctx context.Context, submitterID string, bucket time.Time) error
	CountWindow(ctx context.Context, submitterID string, from, to time.Time) (int, error)
	// PruneBefore drops buckets older than the cutoff; wired to the
	// rate_counter_ttl job.
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// QueueState is a queued motion's position. The happy path is
// pending, endorsed, promoted, voted, archived; withdrawn, deferred
// and merged retire an entry without a sitting.
type QueueState string

const (
	QueueStatePending   QueueState = "pending"
	QueueStateEndorsed  QueueState = "endorsed"
	QueueStatePromoted  QueueState = "promoted"
	QueueStateVoted     QueueState = "voted"
	QueueStateArchived  QueueState = "archived"
	QueueStateWithdrawn QueueState = "withdrawn"
	QueueStateDeferred  QueueState = "deferred"
	QueueStateMerged    QueueState = "merged"
)

// selectable reports whether a sitting may pick the entry up.
func (s QueueState) selectable() bool {
	return s == QueueStatePending || s == QueueStateEndorsed
}

// ConsensusTier buckets endorsement counts: the higher the tier, the
// broader the pre-existing support behind the motion.
type ConsensusTier int

const (
	TierSingle ConsensusTier = iota
	TierLow
	TierMedium
	TierHigh
	TierCritical
)

var tierNames = map[ConsensusTier]string{
	TierSingle:   "single",
	TierLow:      "low",
	TierMedium:   "medium",
	TierHigh:     "high",
	TierCritical: "critical",
}

func (t ConsensusTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// MinEndorsements is the endorsement floor of the tier.
func (t ConsensusTier) MinEndorsements() int {
	switch t {
	case TierCritical:
		return 50
	case TierHigh:
		return 25
	case TierMedium:
		return 10
	case TierLow:
		return 1
	}
	return 0
}

// ParseTier resolves a tier name from the selection API.
func ParseTier(name string) (ConsensusTier, error) {
	for tier, n := range tierNames {
		if n == name {
			return tier, nil
		}
	}
	return TierSingle, fmt.Errorf("unknown consensus tier %q", name)
}

// QueuedMotion is business waiting for a sitting.
type QueuedMotion struct {
	QueueID          string     `json:"queue_id"`
	Title            string     `json:"title"`
	Text             string     `json:"text"`
	Kind             string     `json:"kind"` // substantive or procedural
	OriginPetitionID string     `json:"origin_petition_id,omitempty"`
	ProposedBy       string     `json:"proposed_by"`
	EndorsementCount int        `json:"endorsement_count"`
	State            QueueState `json:"state"`
	CreatedAt        time.Time  `json:"created_at"`
	PromotedAt       *time.Time `json:"promoted_at,omitempty"`
}

// Tier is the motion's consensus tier under the endorsement floors.
func (m QueuedMotion) Tier() ConsensusTier {
	switch {
	case m.EndorsementCount >= TierCritical.MinEndorsements():
		return TierCritical
	case m.EndorsementCount >= TierHigh.MinEndorsements():
		return TierHigh
	case m.EndorsementCount >= TierMedium.MinEndorsements():
		return TierMedium
	case m.EndorsementCount >= TierLow.MinEndorsements():
		return TierLow
	}
	return TierSingle
}

// QueueStore persists the motion queue.
type QueueStore interface {
	Enqueue(ctx context.Context, m QueuedMotion) error
	Get(ctx context.Context, queueID string) (QueuedMotion, error)
	// Endorse increments the endorsement counter and moves a pending
	// entry to endorsed.
	Endorse(ctx context.Context, queueID string) (int, error)
	// SelectForConclave atomically promotes up to n pending or endorsed
	// motions at or above minConsensus, ordered by endorsement count
	// descending then age ascending. Two concurrent selections never
	// promote the same motion.
	SelectForConclave(ctx context.Context, n int, minConsensus ConsensusTier, at time.Time) ([]QueuedMotion, error)
	// MarkVoted retires a promoted entry once its sitting decided it.
	MarkVoted(ctx context.Context, queueID string) error
	// RecoverStranded requeues motions left in the promoted state by a
	// crashed sitting. Run at startup.
	RecoverStranded(ctx context.Context) (int, error)
	// Archive retires voted motions older than the cutoff.
	Archive(ctx context.Context, cutoff time.Time) (int, error)
}
