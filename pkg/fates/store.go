package fates

import (
	"context"
	"sync"
)

// Store persists deliberation sessions and dissent records. Update is
// optimistic: the caller passes the session at the version it read,
// and the store bumps the version on success or returns
// ErrVersionConflict when another writer got there first.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, sessionID string) (Session, error)
	ByPetition(ctx context.Context, petitionID string) (Session, error)
	Update(ctx context.Context, s Session) (Session, error)
	AddDissent(ctx context.Context, d DissentRecord) error
	Dissents(ctx context.Context, sessionID string) ([]DissentRecord, error)
	// ActiveLoad counts in-flight sessions per adjudicator, for
	// eligibility filtering before a panel draw.
	ActiveLoad(ctx context.Context) (map[string]int, error)
}

// MemoryStore is the in-memory Store used by tests and the
// single-process runner.
type MemoryStore struct {
	mu         sync.Mutex
	sessions   map[string]Session
	byPetition map[string]string
	dissents   map[string][]DissentRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:   make(map[string]Session),
		byPetition: make(map[string]string),
		dissents:   make(map[string][]DissentRecord),
	}
}

func (m *MemoryStore) Create(ctx context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byPetition[s.PetitionID]; ok {
		return ErrSessionExists
	}
	s.Version = 1
	m.sessions[s.SessionID] = cloneSession(s)
	m.byPetition[s.PetitionID] = s.SessionID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) ByPetition(ctx context.Context, petitionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byPetition[petitionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.SessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if cur.Version != s.Version {
		return Session{}, ErrVersionConflict
	}
	s.Version++
	m.sessions[s.SessionID] = cloneSession(s)
	return cloneSession(s), nil
}

func (m *MemoryStore) AddDissent(ctx context.Context, d DissentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.dissents[d.SessionID] {
		if existing.DissentAdjudicator == d.DissentAdjudicator {
			return nil // one dissent per adjudicator per session
		}
	}
	m.dissents[d.SessionID] = append(m.dissents[d.SessionID], d)
	return nil
}

func (m *MemoryStore) Dissents(ctx context.Context, sessionID string) ([]DissentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DissentRecord, len(m.dissents[sessionID]))
	copy(out, m.dissents[sessionID])
	return out, nil
}

func (m *MemoryStore) ActiveLoad(ctx context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	load := make(map[string]int)
	for _, s := range m.sessions {
		if s.Phase == PhaseComplete || s.Phase == PhaseHalted {
			continue
		}
		for _, a := range s.Adjudicators {
			load[a]++
		}
	}
	return load, nil
}

func cloneSession(s Session) Session {
	out := s
	out.PhaseTranscripts = make(map[Phase]string, len(s.PhaseTranscripts))
	for k, v := range s.PhaseTranscripts {
		out.PhaseTranscripts[k] = v
	}
	out.Votes = make(map[string]Outcome, len(s.Votes))
	for k, v := range s.Votes {
		out.Votes[k] = v
	}
	out.VotesByRound = make([]map[Outcome]int, len(s.VotesByRound))
	for i, round := range s.VotesByRound {
		m := make(map[Outcome]int, len(round))
		for k, v := range round {
			m[k] = v
		}
		out.VotesByRound[i] = m
	}
	return out
}
