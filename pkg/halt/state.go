// Package halt implements the halt circuit and terminal authority.
//
// Halt state is a fixed-id singleton row. Triggering is a
// compare-and-set on is_halted; clearing requires a validated ceremony
// id in the same update, enforced again by a database trigger beneath
// the application.
package halt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAlreadyHalted is returned when trigger races a standing halt.
	ErrAlreadyHalted = errors.New("system already halted")
	// ErrNotHalted is returned when restore finds no standing halt.
	ErrNotHalted = errors.New("system not halted")
	// ErrCeremonyRequired is returned when a clear carries no ceremony id.
	ErrCeremonyRequired = errors.New("halt clear requires a ceremony id")
	// ErrCeremonyInvalid is returned when the ceremony token fails validation.
	ErrCeremonyInvalid = errors.New("ceremony token invalid")
)

// Severity grades a halt trigger.
type Severity string

const (
	SeverityAdvisory Severity = "advisory"
	SeverityCritical Severity = "critical"
	SeverityCrisis   Severity = "crisis"
)

// State is the singleton halt snapshot.
type State struct {
	IsHalted      bool       `json:"is_halted"`
	HaltID        string     `json:"halt_id,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	CrisisEventID string     `json:"crisis_event_id,omitempty"`
	OperatorID    string     `json:"operator_id,omitempty"`
	Severity      Severity   `json:"severity,omitempty"`
	HaltedAt      *time.Time `json:"halted_at,omitempty"`
	ClearedAt     *time.Time `json:"cleared_at,omitempty"`
	CeremonyID    string     `json:"ceremony_id,omitempty"`
}

// Trigger carries the inputs of a halt trigger.
type Trigger struct {
	Reason        string
	OperatorID    string
	Severity      Severity
	CrisisEventID string
}

// Store persists the singleton halt row.
type Store interface {
	Get(ctx context.Context) (State, error)
	// Trigger sets is_halted atomically; a standing halt wins the race.
	Trigger(ctx context.Context, t Trigger, at time.Time) (State, error)
	// Clear resets is_halted. The ceremony id must be populated in the
	// same update.
	Clear(ctx context.Context, ceremonyID, clearReason string, at time.Time) (State, error)
}

// MemoryStore holds halt state in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state State
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Get(ctx context.Context) (State, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

func (s *MemoryStore) Trigger(ctx context.Context, t Trigger, at time.Time) (State, error) {
	_ = ctx
	if t.Reason == "" {
		return State{}, fmt.Errorf("halt trigger requires a reason")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsHalted {
		return State{}, ErrAlreadyHalted
	}
	at = at.UTC()
	s.state = State{
		IsHalted:      true,
		HaltID:        uuid.New().String(),
		Reason:        t.Reason,
		CrisisEventID: t.CrisisEventID,
		OperatorID:    t.OperatorID,
		Severity:      t.Severity,
		HaltedAt:      &at,
	}
	return s.state, nil
}

func (s *MemoryStore) Clear(ctx context.Context, ceremonyID, clearReason string, at time.Time) (State, error) {
	_ = ctx
	if ceremonyID == "" {
		return State{}, ErrCeremonyRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.IsHalted {
		return State{}, ErrNotHalted
	}
	at = at.UTC()
	s.state.IsHalted = false
	s.state.Reason = clearReason
	s.state.ClearedAt = &at
	s.state.CeremonyID = ceremonyID
	return s.state, nil
}
