package ledger

import (
	"context"
	"fmt"

	"github.com/archonhq/archon72/pkg/canonicalize"
)

// VerifyChain revalidates the hash chain over [startSeq, endSeq]: each
// event's content hash is recomputed from its canonical form, and each
// prev_hash is compared to its predecessor's content hash. When
// startSeq > 1 the predecessor of startSeq is fetched so the incoming
// link is checked too.
func VerifyChain(ctx context.Context, store Store, startSeq, endSeq uint64) (ChainReport, error) {
	if startSeq == 0 || endSeq < startSeq {
		return ChainReport{}, fmt.Errorf("invalid range [%d, %d]", startSeq, endSeq)
	}

	prevHash := canonicalize.GenesisHash
	if startSeq > 1 {
		prev, err := store.BySequence(ctx, startSeq-1)
		if err != nil {
			return ChainReport{}, fmt.Errorf("load predecessor %d: %w", startSeq-1, err)
		}
		prevHash = prev.ContentHash
	}

	events, err := store.ReadRange(ctx, startSeq, endSeq)
	if err != nil {
		return ChainReport{}, err
	}

	for _, ev := range events {
		if !canonicalize.EqualHex(ev.PrevHash, prevHash) {
			return ChainReport{
				Valid:    false,
				BrokenAt: ev.Sequence,
				Expected: prevHash,
				Actual:   ev.PrevHash,
			}, nil
		}

		canonical, err := canonicalize.CanonicalRaw(ev.Payload)
		if err != nil {
			return ChainReport{}, fmt.Errorf("canonicalize payload at %d: %w", ev.Sequence, err)
		}
		computed := canonicalize.ContentHash(
			canonicalize.HashAlg(ev.HashAlgVersion), ev.EventType, canonical, ev.PrevHash)
		if !canonicalize.EqualHex(computed, ev.ContentHash) {
			return ChainReport{
				Valid:    false,
				BrokenAt: ev.Sequence,
				Expected: computed,
				Actual:   ev.ContentHash,
			}, nil
		}
		prevHash = ev.ContentHash
	}

	return ChainReport{Valid: true}, nil
}
