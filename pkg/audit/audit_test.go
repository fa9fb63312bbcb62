package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesPrefixedJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(&buf)

	ctx := WithActor(context.Background(), "ARCHON:BAEL", "executive")
	err := log.Record(ctx, EventGovernance, "motion.resolved", "motion/m-1",
		map[string]interface{}{"state": "passed"})
	require.NoError(t, err)

	line := buf.String()
	require.True(t, strings.HasPrefix(line, "AUDIT: "))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "AUDIT: ")), &ev))
	assert.Equal(t, "ARCHON:BAEL", ev.ActorID)
	assert.Equal(t, "executive", ev.Branch)
	assert.Equal(t, EventGovernance, ev.Type)
	assert.Equal(t, "motion.resolved", ev.Action)
	assert.NotEmpty(t, ev.ID)
}

func TestRecordDefaultsToSystemActor(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter(&buf)

	require.NoError(t, log.Record(context.Background(), EventSystem, "halt.triggered", "halt/1", nil))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &ev))
	assert.Equal(t, "system", ev.ActorID)
	assert.Empty(t, ev.Branch)
}
