// Package audit writes the operational audit trail: structured JSON
// records of who did what through which orchestrator. This trail is
// diagnostic plumbing, not the constitutional ledger; nothing here is
// signed or chained.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes an audit record.
type EventType string

const (
	EventAccess     EventType = "ACCESS"
	EventMutation   EventType = "MUTATION"
	EventSystem     EventType = "SYSTEM"
	EventGovernance EventType = "GOVERNANCE"
)

// Event is one structured audit record.
type Event struct {
	ID        string                 `json:"id"`
	ActorID   string                 `json:"actor_id"`
	Branch    string                 `json:"branch,omitempty"`
	Type      EventType              `json:"type"`
	Action    string                 `json:"action"`
	Resource  string                 `json:"resource"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Logger records audit events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error
}

type actorKey struct{}

// WithActor stamps the acting agent onto the context so every audit
// record downstream carries it.
func WithActor(ctx context.Context, actorID, branch string) context.Context {
	return context.WithValue(ctx, actorKey{}, [2]string{actorID, branch})
}

func actorFrom(ctx context.Context) (actorID, branch string) {
	if v, ok := ctx.Value(actorKey{}).([2]string); ok {
		return v[0], v[1]
	}
	return "system", ""
}

// logger writes structured JSON to a configurable writer.
type logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer.
// This allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w}
}

func (l *logger) Record(ctx context.Context, eventType EventType, action, resource string, metadata map[string]interface{}) error {
	actorID, branch := actorFrom(ctx)
	event := Event{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Branch:    branch,
		Type:      eventType,
		Action:    action,
		Resource:  resource,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	bytes, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(bytes, '\n')...))
	return err
}
