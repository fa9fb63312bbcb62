// Package merkle batches committed ledger events into epochs and
// publishes a Merkle root per epoch so external parties can verify
// inclusion without reading the whole chain.
//
// Leaves are the events' content hashes. Node hashes carry a domain
// prefix so leaf and interior preimages can never collide. Roots
// travel as "<algo>:<hex-root>"; the frozen empty-epoch representation
// is "<algo>:empty".
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// Algorithm selects the hash family for a tree.
type Algorithm string

const (
	AlgBLAKE3 Algorithm = "blake3"
	AlgSHA256 Algorithm = "sha256"
)

const nodePrefix = "archon:epoch:node:v1\x00"

// EmptyRoot is the frozen representation of an epoch with no events.
func EmptyRoot(alg Algorithm) string { return string(alg) + ":empty" }

func (a Algorithm) sum(data []byte) ([]byte, error) {
	switch a {
	case AlgBLAKE3:
		h := blake3.Sum256(data)
		return h[:], nil
	case AlgSHA256:
		h := sha256.Sum256(data)
		return h[:], nil
	default:
		return nil, fmt.Errorf("unknown merkle algorithm %q", a)
	}
}

// Tree is a binary Merkle tree over event content hashes. Levels[0] is
// the leaf level; the last level holds the single root hash.
type Tree struct {
	Algorithm Algorithm
	Levels    [][]string
}

// Build constructs a tree over leaf hashes (hex). An odd level
// duplicates its last node. An empty leaf set yields a nil tree; use
// EmptyRoot for its representation.
func Build(alg Algorithm, leaves []string) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, nil
	}
	t := &Tree{Algorithm: alg}
	level := make([]string, len(leaves))
	copy(level, leaves)
	t.Levels = append(t.Levels, level)

	for len(level) > 1 {
		next, err := nextLevel(alg, level)
		if err != nil {
			return nil, err
		}
		t.Levels = append(t.Levels, next)
		level = next
	}
	return t, nil
}

// Root returns the prefixed root string.
func (t *Tree) Root() string {
	top := t.Levels[len(t.Levels)-1]
	return string(t.Algorithm) + ":" + top[0]
}

func nextLevel(alg Algorithm, level []string) ([]string, error) {
	if len(level)%2 != 0 {
		level = append(level, level[len(level)-1])
	}
	out := make([]string, len(level)/2)
	for i := 0; i < len(level); i += 2 {
		h, err := nodeHash(alg, level[i], level[i+1])
		if err != nil {
			return nil, err
		}
		out[i/2] = h
	}
	return out, nil
}

func nodeHash(alg Algorithm, left, right string) (string, error) {
	lb, err := hex.DecodeString(left)
	if err != nil {
		return "", fmt.Errorf("left node not hex: %w", err)
	}
	rb, err := hex.DecodeString(right)
	if err != nil {
		return "", fmt.Errorf("right node not hex: %w", err)
	}
	buf := make([]byte, 0, len(nodePrefix)+len(lb)+len(rb))
	buf = append(buf, nodePrefix...)
	buf = append(buf, lb...)
	buf = append(buf, rb...)
	sum, err := alg.sum(buf)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// SplitRoot decomposes a prefixed root into algorithm and hex digest.
// The digest is empty for an empty-epoch root.
func SplitRoot(root string) (Algorithm, string, error) {
	alg, rest, ok := strings.Cut(root, ":")
	if !ok {
		return "", "", fmt.Errorf("malformed root %q", root)
	}
	switch Algorithm(alg) {
	case AlgBLAKE3, AlgSHA256:
	default:
		return "", "", fmt.Errorf("unknown merkle algorithm %q", alg)
	}
	if rest == "empty" {
		return Algorithm(alg), "", nil
	}
	return Algorithm(alg), rest, nil
}
