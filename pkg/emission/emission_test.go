package emission

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon72/pkg/ledger"
)

type captureRecorder struct {
	types []string
}

func (r *captureRecorder) Record(ctx context.Context, eventType, schemaVersion string, payload interface{}) (ledger.Event, error) {
	r.types = append(r.types, eventType)
	return ledger.Event{EventType: eventType}, nil
}

func TestEmitCommitsAfterOp(t *testing.T) {
	rec := &captureRecorder{}
	ran := false

	ev, err := New(rec).Emit(context.Background(), "petition.received", "1.0.0",
		map[string]interface{}{"petition_id": "p-1"},
		func(ctx context.Context) error { ran = true; return nil })
	require.NoError(t, err)

	assert.True(t, ran)
	assert.Equal(t, "petition.received.committed", ev.EventType)
	assert.Equal(t, []string{"petition.received.intent", "petition.received.committed"}, rec.types)
}

func TestEmitRecordsFailureAndReturnsOpError(t *testing.T) {
	rec := &captureRecorder{}
	opErr := errors.New("constraint violated")

	_, err := New(rec).Emit(context.Background(), "petition.cosign", "1.0.0",
		map[string]interface{}{"petition_id": "p-1"},
		func(ctx context.Context) error { return opErr })
	require.ErrorIs(t, err, opErr)

	assert.Equal(t, []string{"petition.cosign.intent", "petition.cosign.failed"}, rec.types)
}
