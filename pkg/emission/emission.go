// Package emission implements two-phase event emission: an intent
// event before the domain operation, then a committed or failed event
// after it. A crash between the phases leaves a dangling intent, which
// reconciliation can detect; a committed event always means the domain
// operation actually happened.
package emission

import (
	"context"
	"fmt"

	"github.com/archonhq/archon72/pkg/ledger"
)

// Recorder is the slice of ledger.Clerk the emitter needs.
type Recorder interface {
	Record(ctx context.Context, eventType, schemaVersion string, payload interface{}) (ledger.Event, error)
}

// Emitter wraps a recorder with the two-phase protocol.
type Emitter struct {
	recorder Recorder
}

func New(recorder Recorder) *Emitter {
	return &Emitter{recorder: recorder}
}

// failure is the payload shape of a .failed event.
type failure struct {
	Intent map[string]interface{} `json:"intent"`
	Reason string                 `json:"reason"`
}

// Emit records "<family>.intent", runs op, then records
// "<family>.committed" on success or "<family>.failed" on failure.
// The committed event is returned; an op error is returned wrapped
// after the failed event lands.
func (e *Emitter) Emit(ctx context.Context, family, schemaVersion string, payload map[string]interface{}, op func(ctx context.Context) error) (ledger.Event, error) {
	if _, err := e.recorder.Record(ctx, family+".intent", schemaVersion, payload); err != nil {
		return ledger.Event{}, fmt.Errorf("record %s.intent: %w", family, err)
	}

	if err := op(ctx); err != nil {
		if _, recErr := e.recorder.Record(ctx, family+".failed", schemaVersion, failure{
			Intent: payload,
			Reason: err.Error(),
		}); recErr != nil {
			return ledger.Event{}, fmt.Errorf("%v (and recording %s.failed also failed: %w)", err, family, recErr)
		}
		return ledger.Event{}, err
	}

	ev, err := e.recorder.Record(ctx, family+".committed", schemaVersion, payload)
	if err != nil {
		return ledger.Event{}, fmt.Errorf("record %s.committed: %w", family, err)
	}
	return ev, nil
}
