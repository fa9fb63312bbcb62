package conclave

import (
	"context"
	"sync"

	"github.com/archonhq/archon72/pkg/agent"
	"github.com/archonhq/archon72/pkg/ledger"
)

// Ballot is one validated vote. The raw response goes through three
// channels: the mechanical parse plus two secretaries reading it
// independently. Secretaries that disagree send the ballot to the
// witness for adjudication; a witness that cannot decide reads the
// ballot as an abstention.
type Ballot struct {
	ArchonID    string     `json:"archon_id"`
	Raw         string     `json:"raw"`
	Vote        agent.Vote `json:"vote"`
	Machine     agent.Vote `json:"machine"`
	Secretaries [2]agent.Vote `json:"secretaries"`
	Adjudicated bool       `json:"adjudicated"`
	Absent      bool       `json:"absent"`
}

// collectBallots gathers raw ballots from every voter, at most
// concurrency in flight (0 means unlimited), then validates each
// through the three channels in voter order. The halt circuit is
// checked before each dispatch; an open circuit stops the collection
// with ledger.ErrHalted once in-flight ballots drain.
func (o *Orchestrator) collectBallots(ctx context.Context, motion Motion, voters []string) ([]Ballot, error) {
	limit := o.cfg.VotingConcurrency
	if limit <= 0 {
		limit = len(voters)
	}
	sem := make(chan struct{}, limit)

	ballots := make([]Ballot, len(voters))
	var wg sync.WaitGroup
	for i, id := range voters {
		halted, err := o.halt.IsHalted(ctx)
		if err != nil {
			wg.Wait()
			return nil, err
		}
		if halted {
			wg.Wait()
			return nil, ledger.ErrHalted
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()
			resp, err := o.invoker.Invoke(ctx, agent.Invocation{
				ArchonID: id,
				Role:     agent.RoleVote,
				Subject:  motion.Text,
			})
			if err != nil {
				ballots[i] = Ballot{ArchonID: id, Absent: true, Vote: agent.VoteAbstain}
				return
			}
			ballots[i] = Ballot{ArchonID: id, Raw: resp.Text}
		}(i, id)
	}
	wg.Wait()

	for i := range ballots {
		if ballots[i].Absent {
			continue
		}
		o.validateBallot(ctx, motion, &ballots[i])
	}
	return ballots, nil
}

// validateBallot runs the three channels and settles the final vote.
func (o *Orchestrator) validateBallot(ctx context.Context, motion Motion, b *Ballot) {
	machine, _ := agent.ParseVote(b.Raw)
	b.Machine = machine

	for ch, secretary := range o.secretaries {
		resp, err := o.invoker.Invoke(ctx, agent.Invocation{
			ArchonID: secretary,
			Role:     agent.RoleSecretary,
			Subject:  "read ballot of " + b.ArchonID + " on " + motion.MotionID + ": " + b.Raw,
		})
		if err != nil {
			b.Secretaries[ch] = agent.VoteAbstain
			continue
		}
		v, _ := agent.ParseVote(resp.Text)
		b.Secretaries[ch] = v
	}

	if b.Secretaries[0] == b.Secretaries[1] {
		b.Vote = b.Secretaries[0]
		return
	}

	b.Adjudicated = true
	resp, err := o.invoker.Invoke(ctx, agent.Invocation{
		ArchonID: o.witness,
		Role:     agent.RoleWitness,
		Subject:  "adjudicate ballot of " + b.ArchonID + " on " + motion.MotionID + ": " + b.Raw,
	})
	if err != nil {
		b.Vote = agent.VoteAbstain
		return
	}
	v, ambiguous := agent.ParseVote(resp.Text)
	if ambiguous {
		b.Vote = agent.VoteAbstain
		return
	}
	b.Vote = v
}

// tally counts the ballots and decides the motion. Substantive motions
// need yeas >= ceil(num*(yeas+nays)/den); procedural motions may pass
// on a simple majority. Abstentions never count toward the base.
func (o *Orchestrator) tally(motion *Motion, ballots []Ballot) {
	for _, b := range ballots {
		switch b.Vote {
		case agent.VoteAye:
			motion.Yeas++
		case agent.VoteNay:
			motion.Nays++
		default:
			motion.Abstains++
		}
	}
	if o.passes(motion.Kind, motion.Yeas, motion.Nays) {
		motion.State = MotionPassed
	} else {
		motion.State = MotionFailed
	}
}

func (o *Orchestrator) passes(kind MotionKind, yeas, nays int) bool {
	if kind == KindProcedural && o.cfg.ProceduralSimpleMajority {
		return yeas > nays
	}
	base := yeas + nays
	if base == 0 {
		return false
	}
	need := (o.cfg.SupermajorityNum*base + o.cfg.SupermajorityDen - 1) / o.cfg.SupermajorityDen
	return yeas >= need
}
