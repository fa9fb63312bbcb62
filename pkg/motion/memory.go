package motion

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryPetitionStore is the in-memory PetitionStore for tests and the
// single-process runner.
type MemoryPetitionStore struct {
	mu        sync.Mutex
	petitions map[string]Petition
	byHash    map[string]string
	cosigns   map[string]map[string]bool // petition -> signers
}

func NewMemoryPetitionStore() *MemoryPetitionStore {
	return &MemoryPetitionStore{
		petitions: make(map[string]Petition),
		byHash:    make(map[string]string),
		cosigns:   make(map[string]map[string]bool),
	}
}

func (m *MemoryPetitionStore) Insert(ctx context.Context, p Petition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byHash[p.ContentHash]; ok {
		return ErrDuplicatePetition
	}
	m.petitions[p.PetitionID] = p
	m.byHash[p.ContentHash] = p.PetitionID
	return nil
}

func (m *MemoryPetitionStore) Get(ctx context.Context, petitionID string) (Petition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.petitions[petitionID]
	if !ok {
		return Petition{}, ErrPetitionNotFound
	}
	return p, nil
}

func (m *MemoryPetitionStore) ByContentHash(ctx context.Context, hash string) (Petition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[hash]
	if !ok {
		return Petition{}, ErrPetitionNotFound
	}
	return m.petitions[id], nil
}

func (m *MemoryPetitionStore) SetState(ctx context.Context, petitionID string, state PetitionState, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.petitions[petitionID]
	if !ok {
		return ErrPetitionNotFound
	}
	p.State = state
	if source != "" {
		p.EscalationSource = source
	}
	m.petitions[petitionID] = p
	return nil
}

func (m *MemoryPetitionStore) CoSign(ctx context.Context, petitionID, signerID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.petitions[petitionID]
	if !ok {
		return 0, ErrPetitionNotFound
	}
	signers := m.cosigns[petitionID]
	if signers == nil {
		signers = make(map[string]bool)
		m.cosigns[petitionID] = signers
	}
	if signers[signerID] {
		return p.CoSignCount, ErrAlreadyCosigned
	}
	signers[signerID] = true
	p.CoSignCount++
	m.petitions[petitionID] = p
	return p.CoSignCount, nil
}

func (m *MemoryPetitionStore) Adopt(ctx context.Context, petitionID, kingID, motionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.petitions[petitionID]
	if !ok {
		return ErrPetitionNotFound
	}
	if p.AdoptedBy != "" {
		return ErrAlreadyAdopted
	}
	p.AdoptedBy = kingID
	p.AdoptedMotionID = motionID
	p.AdoptedAt = &at
	p.State = StateAdopted
	m.petitions[petitionID] = p
	return nil
}

// restore puts a snapshot back, for the adoption revert path.
func (m *MemoryPetitionStore) restore(p Petition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.petitions[p.PetitionID] = p
}

func (m *MemoryPetitionStore) CountOpen(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.petitions {
		if p.State.Open() {
			n++
		}
	}
	return n, nil
}

// MemoryRateStore is the in-memory minute-bucket counter.
type MemoryRateStore struct {
	mu      sync.Mutex
	buckets map[string]map[time.Time]int // submitter -> truncated minute -> count
}

func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{buckets: make(map[string]map[time.Time]int)}
}

func (m *MemoryRateStore) Increment(ctx context.Context, submitterID string, bucket time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	minute := bucket.UTC().Truncate(time.Minute)
	if m.buckets[submitterID] == nil {
		m.buckets[submitterID] = make(map[time.Time]int)
	}
	m.buckets[submitterID][minute]++
	return nil
}

func (m *MemoryRateStore) CountWindow(ctx context.Context, submitterID string, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for minute, count := range m.buckets[submitterID] {
		if !minute.Before(from.UTC().Truncate(time.Minute)) && !minute.After(to.UTC()) {
			n += count
		}
	}
	return n, nil
}

func (m *MemoryRateStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for submitter, buckets := range m.buckets {
		for minute := range buckets {
			if minute.Before(cutoff) {
				delete(buckets, minute)
				pruned++
			}
		}
		if len(buckets) == 0 {
			delete(m.buckets, submitter)
		}
	}
	return pruned, nil
}

// MemoryQueueStore is the in-memory motion queue.
type MemoryQueueStore struct {
	mu      sync.Mutex
	motions map[string]QueuedMotion
}

func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{motions: make(map[string]QueuedMotion)}
}

func (m *MemoryQueueStore) Enqueue(ctx context.Context, qm QueuedMotion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.motions[qm.QueueID] = qm
	return nil
}

func (m *MemoryQueueStore) Get(ctx context.Context, queueID string) (QueuedMotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qm, ok := m.motions[queueID]
	if !ok {
		return QueuedMotion{}, ErrMotionNotFound
	}
	return qm, nil
}

func (m *MemoryQueueStore) Endorse(ctx context.Context, queueID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qm, ok := m.motions[queueID]
	if !ok {
		return 0, ErrMotionNotFound
	}
	qm.EndorsementCount++
	if qm.State == QueueStatePending {
		qm.State = QueueStateEndorsed
	}
	m.motions[queueID] = qm
	return qm.EndorsementCount, nil
}

func (m *MemoryQueueStore) SelectForConclave(ctx context.Context, n int, minConsensus ConsensusTier, at time.Time) ([]QueuedMotion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var queued []QueuedMotion
	for _, qm := range m.motions {
		if qm.State.selectable() && qm.EndorsementCount >= minConsensus.MinEndorsements() {
			queued = append(queued, qm)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].EndorsementCount != queued[j].EndorsementCount {
			return queued[i].EndorsementCount > queued[j].EndorsementCount
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	if len(queued) > n {
		queued = queued[:n]
	}
	promoted := at
	for i := range queued {
		queued[i].State = QueueStatePromoted
		queued[i].PromotedAt = &promoted
		m.motions[queued[i].QueueID] = queued[i]
	}
	return queued, nil
}

func (m *MemoryQueueStore) MarkVoted(ctx context.Context, queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qm, ok := m.motions[queueID]
	if !ok {
		return ErrMotionNotFound
	}
	qm.State = QueueStateVoted
	m.motions[queueID] = qm
	return nil
}

func (m *MemoryQueueStore) RecoverStranded(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recovered := 0
	for id, qm := range m.motions {
		if qm.State == QueueStatePromoted {
			qm.State = QueueStatePending
			qm.PromotedAt = nil
			m.motions[id] = qm
			recovered++
		}
	}
	return recovered, nil
}

func (m *MemoryQueueStore) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	archived := 0
	for id, qm := range m.motions {
		if qm.State == QueueStateVoted && qm.CreatedAt.Before(cutoff) {
			qm.State = QueueStateArchived
			m.motions[id] = qm
			archived++
		}
	}
	return archived, nil
}

// MemoryAdoptionStore composes the two in-memory stores into the
// all-or-nothing adoption write: if the enqueue fails, the petition is
// restored to its pre-adoption snapshot.
type MemoryAdoptionStore struct {
	Petitions *MemoryPetitionStore
	Queue     QueueStore
}

func (m *MemoryAdoptionStore) AdoptAndEnqueue(ctx context.Context, petitionID, kingID string, qm QueuedMotion, at time.Time) error {
	prev, err := m.Petitions.Get(ctx, petitionID)
	if err != nil {
		return err
	}
	if err := m.Petitions.Adopt(ctx, petitionID, kingID, qm.QueueID, at); err != nil {
		return err
	}
	if err := m.Queue.Enqueue(ctx, qm); err != nil {
		m.Petitions.restore(prev)
		return err
	}
	return nil
}

var (
	_ PetitionStore = (*MemoryPetitionStore)(nil)
	_ AdoptionStore = (*MemoryAdoptionStore)(nil)
	_ RateStore     = (*MemoryRateStore)(nil)
	_ QueueStore    = (*MemoryQueueStore)(nil)
)
