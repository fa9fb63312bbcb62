package agent

import "strings"

// Vote is a parsed voting choice.
type Vote string

const (
	VoteAye     Vote = "AYE"
	VoteNay     Vote = "NAY"
	VoteAbstain Vote = "ABSTAIN"
)

// ParseVote extracts a vote from an agent's raw response. The first
// recognized token wins. Anything ambiguous (no token, or conflicting
// tokens) defaults to ABSTAIN with ambiguous=true so the tally can
// flag it.
func ParseVote(raw string) (vote Vote, ambiguous bool) {
	var found []Vote
	for _, field := range strings.Fields(strings.ToUpper(raw)) {
		token := strings.Trim(field, ".,;:!?\"'()[]")
		switch token {
		case "AYE", "YEA", "YES":
			found = appendVote(found, VoteAye)
		case "NAY", "NO":
			found = appendVote(found, VoteNay)
		case "ABSTAIN":
			found = appendVote(found, VoteAbstain)
		}
	}
	switch len(found) {
	case 0:
		return VoteAbstain, true
	case 1:
		return found[0], false
	default:
		return VoteAbstain, true
	}
}

func appendVote(found []Vote, v Vote) []Vote {
	for _, f := range found {
		if f == v {
			return found
		}
	}
	return append(found, v)
}
