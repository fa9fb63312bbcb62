package crypto

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownKey is returned when a signing key id has no registry entry.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrKeyInactive is returned when a key exists but its validity
	// window does not cover the requested instant.
	ErrKeyInactive = errors.New("signing key not active at timestamp")
)

// AgentKey is one entry in the key registry. Keys are retired, never
// deleted.
type AgentKey struct {
	KeyID       string     `json:"key_id"`
	AgentID     string     `json:"agent_id"`
	PublicKey   string     `json:"public_key"` // hex, 32 bytes
	ActiveFrom  time.Time  `json:"active_from"`
	ActiveUntil *time.Time `json:"active_until,omitempty"`
}

// ActiveAt reports whether the key's validity window covers t.
// The window is [active_from, active_until); a nil active_until means
// the key is still active.
func (k AgentKey) ActiveAt(t time.Time) bool {
	if t.Before(k.ActiveFrom) {
		return false
	}
	if k.ActiveUntil != nil && !t.Before(*k.ActiveUntil) {
		return false
	}
	return true
}

// KeyRegistry stores agent signing keys with validity windows.
type KeyRegistry interface {
	// Register records a new key and returns its key id.
	Register(ctx context.Context, agentID, publicKeyHex string) (string, error)
	// Lookup returns the key entry for keyID.
	Lookup(ctx context.Context, keyID string) (AgentKey, error)
	// Retire closes a key's validity window at the given instant.
	// Retiring an already-retired key is an error.
	Retire(ctx context.Context, keyID string, at time.Time) error
	// KeysForAgent lists all keys ever registered for an agent.
	KeysForAgent(ctx context.Context, agentID string) ([]AgentKey, error)
}

// VerifyAt resolves keyID, checks its validity window against at, and
// verifies the signature over data.
func VerifyAt(ctx context.Context, reg KeyRegistry, keyID string, at time.Time, sigB64 string, data []byte) error {
	key, err := reg.Lookup(ctx, keyID)
	if err != nil {
		return err
	}
	if !key.ActiveAt(at) {
		return fmt.Errorf("%w: key %s at %s", ErrKeyInactive, keyID, at.UTC().Format(time.RFC3339))
	}
	ok, err := Verify(key.PublicKey, sigB64, data)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("signature does not verify against key %s", keyID)
	}
	return nil
}

// MemoryKeyRegistry is the in-process registry used by tests and by
// single-node deployments before the database is available.
type MemoryKeyRegistry struct {
	mu   sync.RWMutex
	keys map[string]AgentKey
}

// NewMemoryKeyRegistry creates an empty registry.
func NewMemoryKeyRegistry() *MemoryKeyRegistry {
	return &MemoryKeyRegistry{keys: make(map[string]AgentKey)}
}

func (r *MemoryKeyRegistry) Register(ctx context.Context, agentID, publicKeyHex string) (string, error) {
	_ = ctx
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("public key must be 32 bytes hex")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	keyID := uuid.New().String()
	r.keys[keyID] = AgentKey{
		KeyID:      keyID,
		AgentID:    agentID,
		PublicKey:  publicKeyHex,
		ActiveFrom: time.Now().UTC(),
	}
	return keyID, nil
}

func (r *MemoryKeyRegistry) Lookup(ctx context.Context, keyID string) (AgentKey, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[keyID]
	if !ok {
		return AgentKey{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	return key, nil
}

func (r *MemoryKeyRegistry) Retire(ctx context.Context, keyID string, at time.Time) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	if key.ActiveUntil != nil {
		return fmt.Errorf("key %s already retired", keyID)
	}
	until := at.UTC()
	key.ActiveUntil = &until
	r.keys[keyID] = key
	return nil
}

func (r *MemoryKeyRegistry) KeysForAgent(ctx context.Context, agentID string) ([]AgentKey, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AgentKey
	for _, key := range r.keys {
		if key.AgentID == agentID {
			out = append(out, key)
		}
	}
	return out, nil
}
