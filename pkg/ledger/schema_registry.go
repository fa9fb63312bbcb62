package ledger

import (
	"encoding/json"
	"fmt"
	"sync"
)

// PayloadCheck validates a payload for one (event_type, schema_version)
// pair. Returning an error rejects the append with ErrSchemaInvalid.
type PayloadCheck func(payload json.RawMessage) error

// SchemaRegistry maps (event_type, schema_version) to payload layouts.
// Event types without a registered layout are rejected at append time:
// untyped dictionaries become tagged variants here.
type SchemaRegistry struct {
	mu     sync.RWMutex
	checks map[string]PayloadCheck
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{checks: make(map[string]PayloadCheck)}
}

func schemaKey(eventType, schemaVersion string) string {
	return eventType + "@" + schemaVersion
}

// Register installs the payload check for one event type and version.
func (r *SchemaRegistry) Register(eventType, schemaVersion string, check PayloadCheck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if check == nil {
		check = func(json.RawMessage) error { return nil }
	}
	r.checks[schemaKey(eventType, schemaVersion)] = check
}

// Validate rejects unknown variants and payloads failing their check.
func (r *SchemaRegistry) Validate(eventType, schemaVersion string, payload json.RawMessage) error {
	r.mu.RLock()
	check, ok := r.checks[schemaKey(eventType, schemaVersion)]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: no payload layout registered for %s@%s", ErrSchemaInvalid, eventType, schemaVersion)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrSchemaInvalid)
	}
	if err := check(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	return nil
}

// RequireObject is a PayloadCheck accepting any JSON object. Event
// types whose payloads are free-form start here and tighten later
// without a version bump being forced on producers.
func RequireObject(payload json.RawMessage) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return nil
}

// RequireFields returns a PayloadCheck demanding the named top-level
// fields be present and non-null.
func RequireFields(fields ...string) PayloadCheck {
	return func(payload json.RawMessage) error {
		var m map[string]json.RawMessage
		if err := json.Unmarshal(payload, &m); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}
		for _, f := range fields {
			raw, ok := m[f]
			if !ok || string(raw) == "null" {
				return fmt.Errorf("payload missing required field %q", f)
			}
		}
		return nil
	}
}
