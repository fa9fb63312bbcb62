package projection

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archonhq/archon72/pkg/ledger"
)

func taskEvent(seq uint64) ledger.Event {
	return ledger.Event{
		Sequence:    seq,
		EventID:     uuid.New().String(),
		EventType:   "executive.task.accepted",
		Branch:      "executive",
		Payload:     []byte(`{"task_id":"t-1","assigned_to":"ARCHON:BAEL"}`),
		ContentHash: "ab12",
		LocalTimestamp: time.Now().UTC(),
	}
}

func TestApplyEventSkipsReplayedEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ev := taskEvent(7)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(lockID("task_states")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM projections\.applies`).
		WithArgs("task_states", ev.EventID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	runner := NewRunner(db, ledger.NewMemoryStore())
	require.NoError(t, runner.ApplyEvent(context.Background(), TaskStates{}, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEventWritesRowLogAndCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ev := taskEvent(7)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM projections\.applies`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO projections\.task_states`).
		WithArgs("t-1", "accepted", "ARCHON:BAEL", ev.Sequence, ev.ContentHash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projections\.applies`).
		WithArgs("task_states", ev.EventID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projections\.checkpoints`).
		WithArgs("task_states", ev.EventID, ev.ContentHash, ev.Sequence).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	runner := NewRunner(db, ledger.NewMemoryStore())
	require.NoError(t, runner.ApplyEvent(context.Background(), TaskStates{}, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyIgnoresForeignEventTypes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ev := taskEvent(3)
	ev.EventType = "petition.received.committed"

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM projections\.applies`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// No domain write: TaskStates ignores petition events. Apply log
	// and checkpoint still advance so the skip is not replayed.
	mock.ExpectExec(`INSERT INTO projections\.applies`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO projections\.checkpoints`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	runner := NewRunner(db, ledger.NewMemoryStore())
	require.NoError(t, runner.ApplyEvent(context.Background(), TaskStates{}, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebuildResetsThenReplays(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM projections\.task_states`).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`DELETE FROM projections\.applies WHERE projection_name`).
		WithArgs("task_states").
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec(`DELETE FROM projections\.checkpoints WHERE projection_name`).
		WithArgs("task_states").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Replay finds nothing: empty ledger, no checkpoint.
	mock.ExpectQuery(`SELECT last_event_id, last_hash, last_sequence`).
		WithArgs("task_states").
		WillReturnRows(sqlmock.NewRows([]string{"last_event_id", "last_hash", "last_sequence"}))

	runner := NewRunner(db, ledger.NewMemoryStore())
	require.NoError(t, runner.Rebuild(context.Background(), TaskStates{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLockIDStablePerProjection(t *testing.T) {
	assert.Equal(t, lockID("task_states"), lockID("task_states"))
	assert.NotEqual(t, lockID("task_states"), lockID("petition_index"))
}

func TestAllProjectionsHaveDistinctNames(t *testing.T) {
	seen := make(map[string]bool)
	for _, p := range All() {
		assert.False(t, seen[p.Name()], p.Name())
		seen[p.Name()] = true
	}
	assert.Len(t, seen, 5)
}
