package halt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const haltSchema = `
CREATE TABLE IF NOT EXISTS halt_state (
	id              SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
	is_halted       BOOLEAN NOT NULL DEFAULT FALSE,
	halt_id         UUID,
	reason          TEXT,
	crisis_event_id TEXT,
	operator_id     TEXT,
	severity        TEXT,
	halted_at       TIMESTAMPTZ,
	cleared_at      TIMESTAMPTZ,
	ceremony_id     TEXT,
	CONSTRAINT halted_requires_reason CHECK (NOT is_halted OR reason IS NOT NULL)
);

INSERT INTO halt_state (id) VALUES (1) ON CONFLICT (id) DO NOTHING;

-- Clearing a halt without a ceremony id is refused beneath the
-- application.
CREATE OR REPLACE FUNCTION enforce_clear_ceremony() RETURNS trigger AS $$
BEGIN
	IF OLD.is_halted AND NOT NEW.is_halted AND NEW.ceremony_id IS NULL THEN
		RAISE EXCEPTION 'ceremony required: cannot clear halt without ceremony_id';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS halt_clear_ceremony ON halt_state;
CREATE TRIGGER halt_clear_ceremony
	BEFORE UPDATE ON halt_state
	FOR EACH ROW EXECUTE FUNCTION enforce_clear_ceremony();
`

// PostgresStore persists the singleton halt row.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Init applies the halt schema, its seed row and the ceremony trigger.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, haltSchema)
	return err
}

const haltColumns = `is_halted, halt_id, reason, crisis_event_id, operator_id, severity, halted_at, cleared_at, ceremony_id`

func scanHalt(row *sql.Row) (State, error) {
	var st State
	var haltID, reason, crisisID, operatorID, severity, ceremonyID sql.NullString
	var haltedAt, clearedAt sql.NullTime
	err := row.Scan(&st.IsHalted, &haltID, &reason, &crisisID, &operatorID, &severity, &haltedAt, &clearedAt, &ceremonyID)
	if err != nil {
		return State{}, err
	}
	st.HaltID = haltID.String
	st.Reason = reason.String
	st.CrisisEventID = crisisID.String
	st.OperatorID = operatorID.String
	st.Severity = Severity(severity.String)
	st.CeremonyID = ceremonyID.String
	if haltedAt.Valid {
		t := haltedAt.Time
		st.HaltedAt = &t
	}
	if clearedAt.Valid {
		t := clearedAt.Time
		st.ClearedAt = &t
	}
	return st, nil
}

func (s *PostgresStore) Get(ctx context.Context) (State, error) {
	return scanHalt(s.db.QueryRowContext(ctx,
		`SELECT `+haltColumns+` FROM halt_state WHERE id = 1`))
}

func (s *PostgresStore) Trigger(ctx context.Context, t Trigger, at time.Time) (State, error) {
	if t.Reason == "" {
		return State{}, fmt.Errorf("halt trigger requires a reason")
	}
	haltID := uuid.New().String()

	// Compare-and-set on is_halted: a standing halt wins the race.
	res, err := s.db.ExecContext(ctx, `
		UPDATE halt_state SET
			is_halted = TRUE, halt_id = $1, reason = $2, crisis_event_id = $3,
			operator_id = $4, severity = $5, halted_at = $6, cleared_at = NULL, ceremony_id = NULL
		WHERE id = 1 AND NOT is_halted`,
		haltID, t.Reason, nullable(t.CrisisEventID), nullable(t.OperatorID), string(t.Severity), at.UTC(),
	)
	if err != nil {
		return State{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return State{}, err
	}
	if n == 0 {
		return State{}, ErrAlreadyHalted
	}
	return s.Get(ctx)
}

func (s *PostgresStore) Clear(ctx context.Context, ceremonyID, clearReason string, at time.Time) (State, error) {
	if ceremonyID == "" {
		return State{}, ErrCeremonyRequired
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE halt_state SET
			is_halted = FALSE, reason = $1, cleared_at = $2, ceremony_id = $3
		WHERE id = 1 AND is_halted`,
		nullable(clearReason), at.UTC(), ceremonyID,
	)
	if err != nil {
		return State{}, mapHaltError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return State{}, err
	}
	if n == 0 {
		return State{}, ErrNotHalted
	}
	return s.Get(ctx)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func mapHaltError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && strings.Contains(string(pqErr.Message), "ceremony required") {
		return fmt.Errorf("%w: %s", ErrCeremonyRequired, pqErr.Message)
	}
	return err
}
