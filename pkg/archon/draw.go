package archon

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"

	"lukechampine.com/blake3"
)

// drawDomain separates the adjudicator draw from every other use of
// the petition content hash.
const drawDomain = "archon:fates:draw:v1\x00"

// DrawAdjudicators deterministically selects n distinct adjudicators
// from the eligible candidates, seeded by the petition content hash.
// Eligibility (rank, current load) is decided before the draw so the
// same hash always yields the same panel for the same candidate set.
func DrawAdjudicators(candidates []Archon, contentHash string, n int) ([]Archon, error) {
	if n <= 0 {
		return nil, fmt.Errorf("panel size must be positive")
	}
	if len(candidates) < n {
		return nil, fmt.Errorf("only %d eligible adjudicators, need %d", len(candidates), n)
	}
	seed, err := hex.DecodeString(contentHash)
	if err != nil {
		return nil, fmt.Errorf("content hash not hex: %w", err)
	}

	// Canonical candidate order makes the draw independent of caller
	// slice order.
	pool := make([]Archon, len(candidates))
	copy(pool, candidates)
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	h := blake3.New(32, nil)
	h.Write([]byte(drawDomain))
	h.Write(seed)
	xof := h.XOF()

	picked := make([]Archon, 0, n)
	var word [8]byte
	for len(picked) < n {
		if _, err := xof.Read(word[:]); err != nil {
			return nil, fmt.Errorf("draw stream: %w", err)
		}
		idx := int(binary.BigEndian.Uint64(word[:]) % uint64(len(pool)))
		picked = append(picked, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return picked, nil
}
