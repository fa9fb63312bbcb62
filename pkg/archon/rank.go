// Package archon defines the fixed roster of 72 reasoning agents, the
// rank hierarchy that orders debate, and the deterministic adjudicator
// draw used by petition deliberation.
package archon

// Rank is the hierarchical class of an Archon.
type Rank string

const (
	RankKing      Rank = "king"
	RankDuke      Rank = "duke"
	RankMarquis   Rank = "marquis"
	RankPresident Rank = "president"
	RankPrince    Rank = "prince"
	RankEarl      Rank = "earl"
	RankKnight    Rank = "knight"
)

// Priority returns the debate-order tier: Kings speak first, then
// Dukes, Marquises, Presidents; Princes, Earls and Knights share the
// final tier and order among themselves by stable id.
func (r Rank) Priority() int {
	switch r {
	case RankKing:
		return 0
	case RankDuke:
		return 1
	case RankMarquis:
		return 2
	case RankPresident:
		return 3
	case RankPrince, RankEarl, RankKnight:
		return 4
	default:
		return 5
	}
}

// DefinesExecution reports whether the rank is entitled to define
// execution details in debate. Deliberative ranks below President may
// argue but not direct; a speech that does so is flagged, not
// rejected.
func (r Rank) DefinesExecution() bool {
	switch r {
	case RankKing, RankDuke:
		return true
	default:
		return false
	}
}

// Valid reports whether r is a member of the closed rank set.
func (r Rank) Valid() bool {
	switch r {
	case RankKing, RankDuke, RankMarquis, RankPresident, RankPrince, RankEarl, RankKnight:
		return true
	}
	return false
}
