package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/archonhq/archon72/pkg/canonicalize"
)

// SQLiteStore is the embedded single-node store. SQLite lacks
// procedural triggers rich enough for the full guard set, so the chain
// and terminal rules are enforced inside the append transaction plus a
// pair of RAISE triggers for mutation.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) an embedded store at path. Use
// ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Serialized access keeps sequence assignment race-free.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	sequence            INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id            TEXT NOT NULL UNIQUE,
	event_type          TEXT NOT NULL,
	branch              TEXT NOT NULL,
	schema_version      TEXT NOT NULL,
	payload             TEXT NOT NULL,
	prev_hash           TEXT NOT NULL,
	content_hash        TEXT NOT NULL,
	hash_alg_version    INTEGER NOT NULL DEFAULT 1,
	sig_alg_version     INTEGER NOT NULL DEFAULT 1,
	agent_id            TEXT NOT NULL,
	witness_id          TEXT NOT NULL,
	signature           TEXT NOT NULL,
	signing_key_id      TEXT NOT NULL,
	witness_signature   TEXT NOT NULL,
	local_timestamp     TEXT NOT NULL,
	authority_timestamp TEXT NOT NULL,
	is_terminal         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS drift_warnings (
	event_id            TEXT NOT NULL,
	sequence            INTEGER NOT NULL,
	local_timestamp     TEXT NOT NULL,
	authority_timestamp TEXT NOT NULL,
	drift_ms            INTEGER NOT NULL
);

CREATE TRIGGER IF NOT EXISTS events_no_update
	BEFORE UPDATE ON events
BEGIN
	SELECT RAISE(ABORT, 'append-only violation: UPDATE on events is forbidden');
END;

CREATE TRIGGER IF NOT EXISTS events_no_delete
	BEFORE DELETE ON events
BEGIN
	SELECT RAISE(ABORT, 'append-only violation: DELETE on events is forbidden');
END;
`

// Init applies the embedded schema.
func (s *SQLiteStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Append(ctx context.Context, ev Event) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var terminalSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT sequence FROM events WHERE is_terminal = 1 LIMIT 1`).Scan(&terminalSeq); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, err
	}
	if terminalSeq.Valid {
		return Event{}, fmt.Errorf("%w: terminated at sequence %d", ErrTerminated, terminalSeq.Int64)
	}

	headHash := canonicalize.GenesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT content_hash FROM events ORDER BY sequence DESC LIMIT 1`).Scan(&headHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Event{}, err
	}
	if !canonicalize.EqualHex(ev.PrevHash, headHash) {
		return Event{}, fmt.Errorf("%w: expected prev_hash %s, got %s",
			ErrChainViolation, headHash, ev.PrevHash)
	}

	var dup int
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*) FROM events WHERE event_id = ?`, ev.EventID).Scan(&dup); err != nil {
		return Event{}, err
	}
	if dup > 0 {
		return Event{}, fmt.Errorf("%w: event_id %s", ErrDuplicate, ev.EventID)
	}

	ev.AuthorityTimestamp = time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			event_id, event_type, branch, schema_version, payload,
			prev_hash, content_hash, hash_alg_version, sig_alg_version,
			agent_id, witness_id, signature, signing_key_id, witness_signature,
			local_timestamp, authority_timestamp, is_terminal
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.EventType, ev.Branch, ev.SchemaVersion, string(ev.Payload),
		ev.PrevHash, ev.ContentHash, ev.HashAlgVersion, ev.SigAlgVersion,
		ev.AgentID, ev.WitnessID, ev.Signature, ev.SigningKeyID, ev.WitnessSignature,
		ev.LocalTimestamp.UTC().Format(time.RFC3339Nano),
		ev.AuthorityTimestamp.Format(time.RFC3339Nano),
		boolToInt(ev.IsTerminal),
	)
	if err != nil {
		return Event{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return Event{}, err
	}
	ev.Sequence = uint64(seq)

	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const sqliteEventColumns = `sequence, event_id, event_type, branch, schema_version, payload,
	prev_hash, content_hash, hash_alg_version, sig_alg_version,
	agent_id, witness_id, signature, signing_key_id, witness_signature,
	local_timestamp, authority_timestamp, is_terminal`

func scanSQLiteEvent(row rowScanner) (Event, error) {
	var ev Event
	var payload, localTS, authorityTS string
	var terminal int
	err := row.Scan(
		&ev.Sequence, &ev.EventID, &ev.EventType, &ev.Branch, &ev.SchemaVersion, &payload,
		&ev.PrevHash, &ev.ContentHash, &ev.HashAlgVersion, &ev.SigAlgVersion,
		&ev.AgentID, &ev.WitnessID, &ev.Signature, &ev.SigningKeyID, &ev.WitnessSignature,
		&localTS, &authorityTS, &terminal,
	)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = []byte(payload)
	ev.IsTerminal = terminal == 1
	if ev.LocalTimestamp, err = time.Parse(time.RFC3339Nano, localTS); err != nil {
		return Event{}, fmt.Errorf("corrupt local_timestamp: %w", err)
	}
	if ev.AuthorityTimestamp, err = time.Parse(time.RFC3339Nano, authorityTS); err != nil {
		return Event{}, fmt.Errorf("corrupt authority_timestamp: %w", err)
	}
	return ev, nil
}

func (s *SQLiteStore) ReadRange(ctx context.Context, startSeq, endSeq uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM events WHERE sequence BETWEEN ? AND ? ORDER BY sequence`,
		startSeq, endSeq,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ByID(ctx context.Context, eventID string) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM events WHERE event_id = ?`, eventID)
	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return ev, err
}

func (s *SQLiteStore) BySequence(ctx context.Context, seq uint64) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM events WHERE sequence = ?`, seq)
	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return ev, err
}

func (s *SQLiteStore) Head(ctx context.Context) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEventColumns+` FROM events ORDER BY sequence DESC LIMIT 1`)
	ev, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM events`).Scan(&n)
	return n, err
}

func (s *SQLiteStore) IsTerminated(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE is_terminal = 1`).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStore) RecordDrift(ctx context.Context, w DriftWarning) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drift_warnings (event_id, sequence, local_timestamp, authority_timestamp, drift_ms)
		VALUES (?, ?, ?, ?, ?)`,
		w.EventID, w.Sequence,
		w.LocalTimestamp.UTC().Format(time.RFC3339Nano),
		w.AuthorityTimestamp.UTC().Format(time.RFC3339Nano),
		w.Drift.Milliseconds(),
	)
	return err
}
