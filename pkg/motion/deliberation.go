package motion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/archonhq/archon72/pkg/emission"
	"github.com/archonhq/archon72/pkg/jobs"
)

// Resolver carries deliberation verdicts back onto the petition
// record: deliberating when a panel convenes, then the terminal or
// referred state when the panel rules. Escalation verdicts go through
// the two-phase petition.escalated protocol with the DELIBERATION
// source; referrals schedule a referral_timeout job.
type Resolver struct {
	store         PetitionStore
	emitter       *emission.Emitter
	recorder      emission.Recorder
	jobs          jobs.Queue
	referralCycle time.Duration
	log           *slog.Logger
	now           func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithReferralCycle sets one referral grace cycle; the initial
// deadline is three cycles out.
func WithReferralCycle(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.referralCycle = d }
}

func WithResolverLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.log = log }
}

// WithResolverClock overrides the wall clock, for tests.
func WithResolverClock(now func() time.Time) ResolverOption {
	return func(r *Resolver) { r.now = now }
}

func NewResolver(store PetitionStore, emitter *emission.Emitter, recorder emission.Recorder, queue jobs.Queue, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:         store,
		emitter:       emitter,
		recorder:      recorder,
		jobs:          queue,
		referralCycle: 24 * time.Hour,
		log:           slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DeliberationStarted moves a received petition to deliberating. A
// petition already past received is left alone, so re-convening after
// a crash is harmless.
func (r *Resolver) DeliberationStarted(ctx context.Context, petitionID string) error {
	p, err := r.store.Get(ctx, petitionID)
	if err != nil {
		return err
	}
	if p.State != StateReceived {
		return nil
	}
	if err := r.store.SetState(ctx, petitionID, StateDeliberating, ""); err != nil {
		return err
	}
	_, err = r.recorder.Record(ctx, "petition.state.changed", "1.0.0", map[string]interface{}{
		"petition_id": petitionID,
		"state":       string(StateDeliberating),
	})
	return err
}

// DeliberationResolved applies a panel outcome to the petition.
// Outcomes already overtaken by escalation or adoption are dropped.
func (r *Resolver) DeliberationResolved(ctx context.Context, petitionID, outcome string) error {
	state, err := outcomeState(outcome)
	if err != nil {
		return err
	}

	p, err := r.store.Get(ctx, petitionID)
	if err != nil {
		return err
	}
	if p.State == StateEscalated || p.State == StateAdopted || !p.State.Open() {
		return nil
	}

	if state == StateEscalated {
		_, err := r.emitter.Emit(ctx, "petition.escalated", "1.0.0", map[string]interface{}{
			"petition_id":       petitionID,
			"escalation_source": EscalationDeliberation,
		}, func(ctx context.Context) error {
			return r.store.SetState(ctx, petitionID, StateEscalated, EscalationDeliberation)
		})
		if err != nil {
			return fmt.Errorf("escalate petition: %w", err)
		}
		r.log.InfoContext(ctx, "petition escalated by deliberation", "petition", petitionID)
		return nil
	}

	if err := r.store.SetState(ctx, petitionID, state, ""); err != nil {
		return err
	}
	if _, err := r.recorder.Record(ctx, "petition.state.changed", "1.0.0", map[string]interface{}{
		"petition_id": petitionID,
		"state":       string(state),
		"reason":      "deliberation verdict",
	}); err != nil {
		return err
	}

	if state == StateReferred {
		// Referral deadline is three cycles; the handler extends twice
		// before closing as no_response.
		_, err := r.jobs.Enqueue(ctx, jobs.TypeReferralTimeout, referralPayload{
			PetitionID: petitionID,
		}, r.now().Add(3*r.referralCycle))
		if err != nil {
			return fmt.Errorf("schedule referral timeout: %w", err)
		}
	}

	r.log.InfoContext(ctx, "petition deliberation resolved",
		"petition", petitionID, "state", string(state))
	return nil
}

func outcomeState(outcome string) (PetitionState, error) {
	switch outcome {
	case "acknowledge":
		return StateAcknowledged, nil
	case "refer":
		return StateReferred, nil
	case "escalate":
		return StateEscalated, nil
	case "defer":
		return StateDeferred, nil
	case "no_response":
		return StateNoResponse, nil
	}
	return "", fmt.Errorf("unknown deliberation outcome %q", outcome)
}
