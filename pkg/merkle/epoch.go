package merkle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/archonhq/archon72/pkg/ledger"
)

var (
	// ErrNotCovered is returned when no published epoch contains the
	// event's sequence yet.
	ErrNotCovered = errors.New("event not covered by a published epoch")
	// ErrEpochNotFound is returned for an unknown epoch id.
	ErrEpochNotFound = errors.New("epoch not found")
)

// Epoch is one contiguous batch of events under a single root.
// Epochs partition the sequence space: end_sequence + 1 is always the
// next epoch's start_sequence. An empty epoch has EventCount 0 and
// EndSequence = StartSequence - 1.
type Epoch struct {
	EpochID       uint64    `json:"epoch_id"`
	StartSequence uint64    `json:"start_sequence"`
	EndSequence   uint64    `json:"end_sequence"`
	Algorithm     Algorithm `json:"algorithm"`
	RootHash      string    `json:"root_hash"`
	EventCount    uint64    `json:"event_count"`
	RootEventID   string    `json:"root_event_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// EpochStore persists published epochs.
type EpochStore interface {
	Save(ctx context.Context, e Epoch) error
	Last(ctx context.Context) (*Epoch, error)
	ByID(ctx context.Context, epochID uint64) (Epoch, error)
	ForSequence(ctx context.Context, seq uint64) (Epoch, error)
}

// Builder computes epoch roots over the ledger and records each root
// back into the ledger as a merkle.root.published event.
type Builder struct {
	events ledger.Store
	epochs EpochStore
	clerk  *ledger.Clerk
	alg    Algorithm
}

// NewBuilder creates a Builder. The clerk's signing and witness keys
// must be registered before the first publish.
func NewBuilder(events ledger.Store, epochs EpochStore, clerk *ledger.Clerk, alg Algorithm) *Builder {
	return &Builder{events: events, epochs: epochs, clerk: clerk, alg: alg}
}

type rootPublishedPayload struct {
	EpochID       uint64 `json:"epoch_id"`
	StartSequence uint64 `json:"start_sequence"`
	EndSequence   uint64 `json:"end_sequence"`
	Algorithm     string `json:"algorithm"`
	RootHash      string `json:"root_hash"`
	EventCount    uint64 `json:"event_count"`
}

// BuildNextEpoch covers at most maxEvents committed events past the
// previous epoch, publishes the root event and persists the epoch.
// When no new events exist the epoch is empty; its own root event then
// falls into the following epoch, so consecutive epochs are never both
// empty.
func (b *Builder) BuildNextEpoch(ctx context.Context, maxEvents uint64) (Epoch, error) {
	if maxEvents == 0 {
		return Epoch{}, fmt.Errorf("maxEvents must be positive")
	}

	var epochID, startSeq uint64 = 0, 1
	last, err := b.epochs.Last(ctx)
	if err != nil {
		return Epoch{}, err
	}
	if last != nil {
		epochID = last.EpochID + 1
		startSeq = last.EndSequence + 1
	}

	headSeq := uint64(0)
	head, err := b.events.Head(ctx)
	if err != nil {
		return Epoch{}, err
	}
	if head != nil {
		headSeq = head.Sequence
	}

	epoch := Epoch{
		EpochID:       epochID,
		StartSequence: startSeq,
		EndSequence:   startSeq - 1,
		Algorithm:     b.alg,
		RootHash:      EmptyRoot(b.alg),
	}

	if headSeq >= startSeq {
		endSeq := headSeq
		if span := endSeq - startSeq + 1; span > maxEvents {
			endSeq = startSeq + maxEvents - 1
		}
		events, err := b.events.ReadRange(ctx, startSeq, endSeq)
		if err != nil {
			return Epoch{}, err
		}
		if got := uint64(len(events)); got != endSeq-startSeq+1 {
			return Epoch{}, fmt.Errorf("sequence gap: expected %d events in [%d,%d], read %d",
				endSeq-startSeq+1, startSeq, endSeq, got)
		}
		leaves := make([]string, len(events))
		for i, ev := range events {
			leaves[i] = ev.ContentHash
		}
		tree, err := Build(b.alg, leaves)
		if err != nil {
			return Epoch{}, err
		}
		epoch.EndSequence = endSeq
		epoch.EventCount = uint64(len(events))
		epoch.RootHash = tree.Root()
	}

	rootEvent, err := b.clerk.Record(ctx, "merkle.root.published", "1.0.0", rootPublishedPayload{
		EpochID:       epoch.EpochID,
		StartSequence: epoch.StartSequence,
		EndSequence:   epoch.EndSequence,
		Algorithm:     string(epoch.Algorithm),
		RootHash:      epoch.RootHash,
		EventCount:    epoch.EventCount,
	})
	if err != nil {
		return Epoch{}, fmt.Errorf("publish root: %w", err)
	}
	epoch.RootEventID = rootEvent.EventID
	epoch.CreatedAt = rootEvent.AuthorityTimestamp

	if err := b.epochs.Save(ctx, epoch); err != nil {
		return Epoch{}, err
	}
	return epoch, nil
}

// ProofOfInclusion rebuilds the event's epoch tree and extracts its
// authentication path against the recorded root.
func (b *Builder) ProofOfInclusion(ctx context.Context, eventID string) (Proof, error) {
	ev, err := b.events.ByID(ctx, eventID)
	if err != nil {
		return Proof{}, err
	}
	epoch, err := b.epochs.ForSequence(ctx, ev.Sequence)
	if err != nil {
		return Proof{}, err
	}

	events, err := b.events.ReadRange(ctx, epoch.StartSequence, epoch.EndSequence)
	if err != nil {
		return Proof{}, err
	}
	leaves := make([]string, len(events))
	leafIndex := -1
	for i, e := range events {
		leaves[i] = e.ContentHash
		if e.EventID == eventID {
			leafIndex = i
		}
	}
	if leafIndex < 0 {
		return Proof{}, fmt.Errorf("event %s missing from epoch %d range", eventID, epoch.EpochID)
	}

	tree, err := Build(epoch.Algorithm, leaves)
	if err != nil {
		return Proof{}, err
	}
	if got := tree.Root(); got != epoch.RootHash {
		return Proof{}, fmt.Errorf("epoch %d root mismatch: recorded %s, recomputed %s",
			epoch.EpochID, epoch.RootHash, got)
	}
	path, err := tree.PathFor(leafIndex)
	if err != nil {
		return Proof{}, err
	}
	return Proof{
		EventID:   eventID,
		EpochID:   epoch.EpochID,
		LeafIndex: leafIndex,
		LeafHash:  ev.ContentHash,
		Root:      epoch.RootHash,
		Path:      path,
	}, nil
}

// MemoryEpochStore keeps epochs in process memory for tests and
// ephemeral tooling.
type MemoryEpochStore struct {
	mu     sync.RWMutex
	epochs []Epoch
}

func NewMemoryEpochStore() *MemoryEpochStore { return &MemoryEpochStore{} }

func (s *MemoryEpochStore) Save(ctx context.Context, e Epoch) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := uint64(len(s.epochs)); e.EpochID != want {
		return fmt.Errorf("epoch ids must be dense: want %d, got %d", want, e.EpochID)
	}
	s.epochs = append(s.epochs, e)
	return nil
}

func (s *MemoryEpochStore) Last(ctx context.Context) (*Epoch, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.epochs) == 0 {
		return nil, nil
	}
	last := s.epochs[len(s.epochs)-1]
	return &last, nil
}

func (s *MemoryEpochStore) ByID(ctx context.Context, epochID uint64) (Epoch, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if epochID >= uint64(len(s.epochs)) {
		return Epoch{}, fmt.Errorf("%w: %d", ErrEpochNotFound, epochID)
	}
	return s.epochs[epochID], nil
}

func (s *MemoryEpochStore) ForSequence(ctx context.Context, seq uint64) (Epoch, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.epochs {
		if seq >= e.StartSequence && seq <= e.EndSequence {
			return e, nil
		}
	}
	return Epoch{}, fmt.Errorf("%w: sequence %d", ErrNotCovered, seq)
}
