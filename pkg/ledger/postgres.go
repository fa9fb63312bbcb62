package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/archonhq/archon72/pkg/canonicalize"
)

// appendLockID serializes sequence assignment across writers. A single
// advisory lock keeps the chain-head read and the insert atomic
// without table locks.
const appendLockID = 720001

const eventsSchema = `
CREATE SCHEMA IF NOT EXISTS ledger;

CREATE TABLE IF NOT EXISTS ledger.events (
	sequence            BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	event_id            UUID NOT NULL UNIQUE,
	event_type          TEXT NOT NULL,
	branch              TEXT NOT NULL,
	schema_version      TEXT NOT NULL,
	payload             JSONB NOT NULL,
	prev_hash           TEXT NOT NULL,
	content_hash        TEXT NOT NULL,
	hash_alg_version    SMALLINT NOT NULL DEFAULT 1,
	sig_alg_version     SMALLINT NOT NULL DEFAULT 1,
	agent_id            TEXT NOT NULL,
	witness_id          TEXT NOT NULL,
	signature           TEXT NOT NULL,
	signing_key_id      TEXT NOT NULL,
	witness_signature   TEXT NOT NULL,
	local_timestamp     TIMESTAMPTZ NOT NULL,
	authority_timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
	is_terminal         BOOLEAN NOT NULL DEFAULT FALSE,
	CONSTRAINT witness_format CHECK (witness_id LIKE 'WITNESS:%')
);

CREATE INDEX IF NOT EXISTS events_type_idx ON ledger.events (event_type);
CREATE INDEX IF NOT EXISTS events_agent_idx ON ledger.events (agent_id);

CREATE TABLE IF NOT EXISTS ledger.drift_warnings (
	event_id            UUID NOT NULL,
	sequence            BIGINT NOT NULL,
	local_timestamp     TIMESTAMPTZ NOT NULL,
	authority_timestamp TIMESTAMPTZ NOT NULL,
	drift_ms            BIGINT NOT NULL,
	recorded_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Append-only: mutation is refused below the application, so a
-- compromised application role cannot rewrite history.
CREATE OR REPLACE FUNCTION ledger.reject_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'append-only violation: % on ledger.events is forbidden', TG_OP;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS events_append_only ON ledger.events;
CREATE TRIGGER events_append_only
	BEFORE UPDATE OR DELETE ON ledger.events
	FOR EACH ROW EXECUTE FUNCTION ledger.reject_mutation();

-- Hash-chain enforcement at insert time.
CREATE OR REPLACE FUNCTION ledger.enforce_chain() RETURNS trigger AS $$
DECLARE
	head_hash TEXT;
BEGIN
	SELECT content_hash INTO head_hash FROM ledger.events ORDER BY sequence DESC LIMIT 1;
	IF head_hash IS NULL THEN
		IF NEW.prev_hash <> repeat('0', 64) THEN
			RAISE EXCEPTION 'chain violation: first event must carry the genesis prev_hash';
		END IF;
	ELSIF NEW.prev_hash <> head_hash THEN
		RAISE EXCEPTION 'chain violation: prev_hash % does not match head %', NEW.prev_hash, head_hash;
	END IF;
	NEW.branch := split_part(NEW.event_type, '.', 1);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS events_enforce_chain ON ledger.events;
CREATE TRIGGER events_enforce_chain
	BEFORE INSERT ON ledger.events
	FOR EACH ROW EXECUTE FUNCTION ledger.enforce_chain();

-- Terminal-state enforcement: once a terminal event exists, every
-- further insert is refused. There is no event type that undoes this.
CREATE OR REPLACE FUNCTION ledger.enforce_terminal_event() RETURNS trigger AS $$
DECLARE
	terminal_seq BIGINT;
BEGIN
	SELECT sequence INTO terminal_seq FROM ledger.events WHERE is_terminal LIMIT 1;
	IF terminal_seq IS NOT NULL THEN
		RAISE EXCEPTION 'NFR40: system terminated at sequence %', terminal_seq;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS events_enforce_terminal ON ledger.events;
CREATE TRIGGER events_enforce_terminal
	BEFORE INSERT ON ledger.events
	FOR EACH ROW EXECUTE FUNCTION ledger.enforce_terminal_event();
`

// PostgresStore is the authoritative event store. Immutability, the
// hash chain and the terminal rule are enforced by triggers so the
// trust boundary is the database, not this process.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init applies the events schema and triggers. TRUNCATE privileges
// must be revoked from the application role by the migration that
// provisions roles; DDL here cannot grant or revoke for other roles.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, eventsSchema)
	return err
}

const eventColumns = `sequence, event_id, event_type, branch, schema_version, payload,
	prev_hash, content_hash, hash_alg_version, sig_alg_version,
	agent_id, witness_id, signature, signing_key_id, witness_signature,
	local_timestamp, authority_timestamp, is_terminal`

func (s *PostgresStore) Append(ctx context.Context, ev Event) (Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, appendLockID); err != nil {
		return Event{}, fmt.Errorf("append lock: %w", err)
	}

	// Pre-check the chain under the lock for a typed error; the
	// trigger is the authoritative enforcement.
	var headHash string
	err = tx.QueryRowContext(ctx,
		`SELECT content_hash FROM ledger.events ORDER BY sequence DESC LIMIT 1`).Scan(&headHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		headHash = canonicalize.GenesisHash
	case err != nil:
		return Event{}, err
	}
	if !canonicalize.EqualHex(ev.PrevHash, headHash) {
		return Event{}, fmt.Errorf("%w: expected prev_hash %s, got %s",
			ErrChainViolation, headHash, ev.PrevHash)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO ledger.events (
			event_id, event_type, branch, schema_version, payload,
			prev_hash, content_hash, hash_alg_version, sig_alg_version,
			agent_id, witness_id, signature, signing_key_id, witness_signature,
			local_timestamp, is_terminal
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING sequence, authority_timestamp`,
		ev.EventID, ev.EventType, ev.Branch, ev.SchemaVersion, []byte(ev.Payload),
		ev.PrevHash, ev.ContentHash, ev.HashAlgVersion, ev.SigAlgVersion,
		ev.AgentID, ev.WitnessID, ev.Signature, ev.SigningKeyID, ev.WitnessSignature,
		ev.LocalTimestamp, ev.IsTerminal,
	)
	if err := row.Scan(&ev.Sequence, &ev.AuthorityTimestamp); err != nil {
		return Event{}, mapPgError(err)
	}

	if err := tx.Commit(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// mapPgError folds database rejections back into the error taxonomy.
func mapPgError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		msg := string(pqErr.Message)
		switch {
		case strings.Contains(msg, "NFR40"):
			return fmt.Errorf("%w: %s", ErrTerminated, msg)
		case strings.Contains(msg, "chain violation"):
			return fmt.Errorf("%w: %s", ErrChainViolation, msg)
		case strings.Contains(msg, "append-only violation"):
			return fmt.Errorf("append-only violation: %s", msg)
		case pqErr.Code == "23505": // unique_violation
			return fmt.Errorf("%w: %s", ErrDuplicate, msg)
		}
	}
	return err
}

func (s *PostgresStore) ReadRange(ctx context.Context, startSeq, endSeq uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM ledger.events
		 WHERE sequence BETWEEN $1 AND $2 ORDER BY sequence`,
		startSeq, endSeq,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (Event, error) {
	var ev Event
	var payload []byte
	err := row.Scan(
		&ev.Sequence, &ev.EventID, &ev.EventType, &ev.Branch, &ev.SchemaVersion, &payload,
		&ev.PrevHash, &ev.ContentHash, &ev.HashAlgVersion, &ev.SigAlgVersion,
		&ev.AgentID, &ev.WitnessID, &ev.Signature, &ev.SigningKeyID, &ev.WitnessSignature,
		&ev.LocalTimestamp, &ev.AuthorityTimestamp, &ev.IsTerminal,
	)
	if err != nil {
		return Event{}, err
	}
	ev.Payload = payload
	return ev, nil
}

func (s *PostgresStore) ByID(ctx context.Context, eventID string) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger.events WHERE event_id = $1`, eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: %s", ErrNotFound, eventID)
	}
	return ev, err
}

func (s *PostgresStore) BySequence(ctx context.Context, seq uint64) (Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger.events WHERE sequence = $1`, seq)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, fmt.Errorf("%w: sequence %d", ErrNotFound, seq)
	}
	return ev, err
}

func (s *PostgresStore) Head(ctx context.Context) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM ledger.events ORDER BY sequence DESC LIMIT 1`)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *PostgresStore) Count(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM ledger.events`).Scan(&n)
	return n, err
}

func (s *PostgresStore) IsTerminated(ctx context.Context) (bool, error) {
	var terminated bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger.events WHERE is_terminal)`).Scan(&terminated)
	return terminated, err
}

func (s *PostgresStore) RecordDrift(ctx context.Context, w DriftWarning) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger.drift_warnings (event_id, sequence, local_timestamp, authority_timestamp, drift_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		w.EventID, w.Sequence, w.LocalTimestamp, w.AuthorityTimestamp, w.Drift.Milliseconds(),
	)
	return err
}
