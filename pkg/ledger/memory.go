package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/archonhq/archon72/pkg/canonicalize"
)

// MemoryStore enforces the same invariants as the SQL stores in
// process memory. It backs orchestrator tests and ephemeral tooling;
// production runs on PostgresStore where the invariants are also
// trigger-enforced.
type MemoryStore struct {
	mu         sync.RWMutex
	events     []Event
	byID       map[string]int
	terminated bool
	drift      []DriftWarning
	clock      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]int),
		clock: func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the authority clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Append(ctx context.Context, ev Event) (Event, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return Event{}, fmt.Errorf("%w: terminated at sequence %d", ErrTerminated, len(s.events))
	}
	if _, dup := s.byID[ev.EventID]; dup {
		return Event{}, fmt.Errorf("%w: event_id %s", ErrDuplicate, ev.EventID)
	}

	expectedPrev := canonicalize.GenesisHash
	if n := len(s.events); n > 0 {
		expectedPrev = s.events[n-1].ContentHash
	}
	if !canonicalize.EqualHex(ev.PrevHash, expectedPrev) {
		return Event{}, fmt.Errorf("%w: expected prev_hash %s, got %s",
			ErrChainViolation, expectedPrev, ev.PrevHash)
	}

	ev.Sequence = uint64(len(s.events)) + 1
	ev.AuthorityTimestamp = s.clock()

	s.events = append(s.events, ev)
	s.byID[ev.EventID] = len(s.events) - 1
	if ev.IsTerminal {
		s.terminated = true
	}
	return ev, nil
}

func (s *MemoryStore) ReadRange(ctx context.Context, startSeq, endSeq uint64) ([]Event, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	if startSeq == 0 {
		startSeq = 1
	}
	if endSeq > uint64(len(s.events)) {
		endSeq = uint64(len(s.events))
	}
	if startSeq > endSeq {
		return nil, nil
	}
	out := make([]Event, endSeq-startSeq+1)
	copy(out, s.events[startSeq-1:endSeq])
	return out, nil
}

func (s *MemoryStore) ByID(ctx context.Context, eventID string) (Event, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byID[eventID]
	if !ok {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return s.events[i], nil
}

func (s *MemoryStore) BySequence(ctx context.Context, seq uint64) (Event, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	if seq == 0 || seq > uint64(len(s.events)) {
		return Event{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return s.events[seq-1], nil
}

func (s *MemoryStore) Head(ctx context.Context) (*Event, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.events) == 0 {
		return nil, nil
	}
	head := s.events[len(s.events)-1]
	return &head, nil
}

func (s *MemoryStore) Count(ctx context.Context) (uint64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.events)), nil
}

func (s *MemoryStore) IsTerminated(ctx context.Context) (bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.terminated, nil
}

func (s *MemoryStore) RecordDrift(ctx context.Context, w DriftWarning) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = append(s.drift, w)
	return nil
}

// DriftWarnings returns recorded drift rows (test observability).
func (s *MemoryStore) DriftWarnings() []DriftWarning {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DriftWarning, len(s.drift))
	copy(out, s.drift)
	return out
}

// Tamper overwrites a stored event in place. Impossible against the
// SQL stores (triggers refuse it); exists so chain-verification tests
// can simulate corruption.
func (s *MemoryStore) Tamper(seq uint64, mutate func(*Event)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq == 0 || seq > uint64(len(s.events)) {
		return fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	mutate(&s.events[seq-1])
	return nil
}
