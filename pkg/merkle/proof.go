package merkle

import "fmt"

// ProofStep is one level of an authentication path. Side names where
// the sibling sits relative to the running hash.
type ProofStep struct {
	Side        string `json:"side"` // "L" or "R"
	SiblingHash string `json:"sibling_hash"`
}

// Proof authenticates one event's membership in an epoch.
type Proof struct {
	EventID   string      `json:"event_id"`
	EpochID   uint64      `json:"epoch_id"`
	LeafIndex int         `json:"leaf_index"`
	LeafHash  string      `json:"leaf_hash"`
	Root      string      `json:"root"`
	Path      []ProofStep `json:"path"`
}

// PathFor extracts the authentication path for the leaf at index.
func (t *Tree) PathFor(index int) ([]ProofStep, error) {
	if index < 0 || index >= len(t.Levels[0]) {
		return nil, fmt.Errorf("leaf index %d out of range", index)
	}
	var path []ProofStep
	for _, level := range t.Levels[:len(t.Levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			// Odd level: the last node pairs with its own duplicate.
			sibling = index
		}
		side := "R"
		if sibling < index {
			side = "L"
		}
		path = append(path, ProofStep{Side: side, SiblingHash: level[sibling]})
		index /= 2
	}
	return path, nil
}

// VerifyProof recomputes the root from a leaf hash and its path and
// compares it to the prefixed expected root.
func VerifyProof(leafHash string, path []ProofStep, expectedRoot string) (bool, error) {
	alg, digest, err := SplitRoot(expectedRoot)
	if err != nil {
		return false, err
	}
	if digest == "" {
		return false, fmt.Errorf("empty epoch root cannot prove inclusion")
	}
	current := leafHash
	for _, step := range path {
		switch step.Side {
		case "L":
			current, err = nodeHash(alg, step.SiblingHash, current)
		case "R":
			current, err = nodeHash(alg, current, step.SiblingHash)
		default:
			return false, fmt.Errorf("invalid proof side %q", step.Side)
		}
		if err != nil {
			return false, err
		}
	}
	return current == digest, nil
}
