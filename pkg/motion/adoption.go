package motion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/archonhq/archon72/pkg/archon"
	"github.com/archonhq/archon72/pkg/emission"
	"github.com/archonhq/archon72/pkg/jobs"
)

// Bridge carries escalated petitions onto the motion queue. Only a
// King may adopt; the adoption fields and the queued motion are
// written as one unit, so a failed enqueue leaves the petition
// escalated and adoptable.
type Bridge struct {
	petitions PetitionStore
	adoptions AdoptionStore
	roster    *archon.Roster
	recorder  emission.Recorder
	log       *slog.Logger
	now       func() time.Time
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

func WithBridgeLogger(log *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.log = log }
}

// WithBridgeClock overrides the wall clock, for tests.
func WithBridgeClock(now func() time.Time) BridgeOption {
	return func(b *Bridge) { b.now = now }
}

func NewBridge(petitions PetitionStore, adoptions AdoptionStore, roster *archon.Roster, recorder emission.Recorder, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		petitions: petitions,
		adoptions: adoptions,
		roster:    roster,
		recorder:  recorder,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Adopt turns an escalated petition into queued business under the
// adopting King's name.
func (b *Bridge) Adopt(ctx context.Context, petitionID, kingID string) (QueuedMotion, error) {
	a, err := b.roster.ByID(kingID)
	if err != nil {
		return QueuedMotion{}, err
	}
	if a.Rank != archon.RankKing {
		return QueuedMotion{}, fmt.Errorf("only a King may adopt a petition; %s is a %s", kingID, a.Rank)
	}

	p, err := b.petitions.Get(ctx, petitionID)
	if err != nil {
		return QueuedMotion{}, err
	}
	if p.State != StateEscalated {
		return QueuedMotion{}, fmt.Errorf("%w: petition %s is %s", ErrNotEscalated, petitionID, p.State)
	}

	now := b.now()
	qm := QueuedMotion{
		QueueID:          uuid.New().String(),
		Title:            "Adopted petition: " + p.Type,
		Text:             p.Text,
		Kind:             "substantive",
		OriginPetitionID: p.PetitionID,
		ProposedBy:       kingID,
		EndorsementCount: p.CoSignCount,
		State:            QueueStatePending,
		CreatedAt:        now,
	}

	if err := b.adoptions.AdoptAndEnqueue(ctx, petitionID, kingID, qm, now); err != nil {
		return QueuedMotion{}, err
	}

	if _, err := b.recorder.Record(ctx, "petition.state.changed", "1.0.0", map[string]interface{}{
		"petition_id": petitionID,
		"state":       string(StateAdopted),
		"adopted_by":  kingID,
		"motion_id":   qm.QueueID,
	}); err != nil {
		return QueuedMotion{}, fmt.Errorf("record adoption: %w", err)
	}

	b.log.InfoContext(ctx, "petition adopted",
		"petition", petitionID, "king", kingID, "motion", qm.QueueID)
	return qm, nil
}

// RateCounterTTLHandler is the rate_counter_ttl job handler: it prunes
// intake rate buckets older than the retention window.
func RateCounterTTLHandler(rates RateStore, retention time.Duration) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		_, err := rates.PruneBefore(ctx, time.Now().UTC().Add(-retention))
		return err
	}
}

// escalationPayload is the escalation_check job payload.
type escalationPayload struct {
	PetitionID string `json:"petition_id"`
}

// EscalationCheckHandler is the escalation_check job handler: it
// re-examines a petition against its type's co-sign threshold,
// catching escalations missed when the threshold crossing and the
// state change raced.
func EscalationCheckHandler(store PetitionStore, emitter *emission.Emitter, thresholds EscalationThresholds) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var p escalationPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("escalation check payload: %w", err)
		}
		petition, err := store.Get(ctx, p.PetitionID)
		if err != nil {
			return err
		}
		if petition.CoSignCount < thresholds.For(petition.Type) ||
			petition.State == StateEscalated || petition.State == StateAdopted {
			return nil
		}
		_, err = emitter.Emit(ctx, "petition.escalated", "1.0.0", map[string]interface{}{
			"petition_id":       p.PetitionID,
			"escalation_source": EscalationCoSignerThreshold,
			"cosigns":           petition.CoSignCount,
		}, func(ctx context.Context) error {
			return store.SetState(ctx, p.PetitionID, StateEscalated, EscalationCoSignerThreshold)
		})
		return err
	}
}

// referralPayload is the referral_timeout job payload. Extensions
// counts how many grace cycles the referral has already been given.
type referralPayload struct {
	PetitionID string `json:"petition_id"`
	Extensions int    `json:"extensions"`
}

// ReferralTimeoutHandler is the referral_timeout job handler. When a
// referred petition's deadline passes without resolution, the referral
// is extended by one cycle up to maxExtensions; after that the
// petition closes as no_response.
func ReferralTimeoutHandler(store PetitionStore, recorder emission.Recorder, queue jobs.Queue, cycle time.Duration, maxExtensions int) jobs.Handler {
	return func(ctx context.Context, job jobs.Job) error {
		var p referralPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return fmt.Errorf("referral timeout payload: %w", err)
		}
		petition, err := store.Get(ctx, p.PetitionID)
		if err != nil {
			return err
		}
		if petition.State != StateReferred {
			return nil
		}
		if p.Extensions < maxExtensions {
			_, err := queue.Enqueue(ctx, jobs.TypeReferralTimeout, referralPayload{
				PetitionID: p.PetitionID,
				Extensions: p.Extensions + 1,
			}, time.Now().UTC().Add(cycle))
			return err
		}
		if err := store.SetState(ctx, p.PetitionID, StateNoResponse, ""); err != nil {
			return err
		}
		_, err = recorder.Record(ctx, "petition.state.changed", "1.0.0", map[string]interface{}{
			"petition_id": p.PetitionID,
			"state":       string(StateNoResponse),
			"reason":      "referral deadline exhausted",
		})
		return err
	}
}
