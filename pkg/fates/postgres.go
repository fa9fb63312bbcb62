package fates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Schema is the deliberation DDL. The CHECK constraints are the
// backstop: a panel is exactly three distinct adjudicators, a complete
// session always carries an outcome, and a deadlocked one a reason.
const Schema = `
CREATE SCHEMA IF NOT EXISTS fates;

CREATE TABLE IF NOT EXISTS fates.deliberation_sessions (
	session_id      UUID PRIMARY KEY,
	petition_id     UUID NOT NULL UNIQUE,
	adjudicators    TEXT[] NOT NULL,
	phase           TEXT NOT NULL CHECK (phase IN ('assess', 'position', 'cross_examine', 'vote', 'complete', 'halted')),
	transcripts     JSONB NOT NULL DEFAULT '{}',
	votes           JSONB NOT NULL DEFAULT '{}',
	outcome         TEXT CHECK (outcome IS NULL OR outcome IN ('acknowledge', 'refer', 'escalate', 'defer', 'no_response')),
	dissent_adjudicator_id TEXT,
	round_count     INT NOT NULL DEFAULT 0 CHECK (round_count >= 0 AND round_count <= 3),
	votes_by_round  JSONB NOT NULL DEFAULT '[]',
	is_deadlocked   BOOLEAN NOT NULL DEFAULT FALSE,
	deadlock_reason TEXT,
	timeout_job_id  TEXT,
	timeout_at      TIMESTAMPTZ,
	timed_out       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at    TIMESTAMPTZ,
	version         BIGINT NOT NULL DEFAULT 1 CHECK (version >= 1),
	CONSTRAINT panel_of_three CHECK (
		array_length(adjudicators, 1) = 3 AND
		adjudicators[1] <> adjudicators[2] AND
		adjudicators[1] <> adjudicators[3] AND
		adjudicators[2] <> adjudicators[3]
	),
	CONSTRAINT complete_has_outcome CHECK (
		(phase = 'complete') = (outcome IS NOT NULL)
	),
	CONSTRAINT deadlock_has_reason CHECK (
		NOT is_deadlocked OR deadlock_reason IS NOT NULL
	),
	CONSTRAINT deadlock_forces_escalation CHECK (
		NOT is_deadlocked OR (outcome = 'escalate' AND phase = 'complete')
	),
	CONSTRAINT timeout_forces_escalation CHECK (
		NOT timed_out OR (outcome = 'escalate' AND phase = 'complete')
	),
	CONSTRAINT dissent_on_panel CHECK (
		dissent_adjudicator_id IS NULL OR dissent_adjudicator_id = ANY (adjudicators)
	),
	CONSTRAINT complete_has_completed_at CHECK (
		(phase = 'complete') = (completed_at IS NOT NULL)
	)
);

CREATE TABLE IF NOT EXISTS fates.dissent_records (
	session_id             UUID NOT NULL REFERENCES fates.deliberation_sessions (session_id),
	petition_id            UUID NOT NULL,
	dissent_adjudicator_id TEXT NOT NULL,
	dissent_disposition    TEXT NOT NULL,
	majority_disposition   TEXT NOT NULL,
	rationale              TEXT NOT NULL,
	rationale_hash         TEXT NOT NULL CHECK (rationale_hash ~ '^[0-9a-f]{64}$'),
	recorded_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, dissent_adjudicator_id)
);
`

// PostgresStore is the durable Store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

var _ Store = (*PostgresStore)(nil)

// Init applies the schema.
func (p *PostgresStore) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, s Session) error {
	transcripts, votes, rounds, err := marshalSessionJSON(s)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO fates.deliberation_sessions (
			session_id, petition_id, adjudicators, phase, transcripts, votes,
			outcome, dissent_adjudicator_id, round_count, votes_by_round,
			is_deadlocked, deadlock_reason, timeout_job_id, timeout_at,
			timed_out, created_at, completed_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)`,
		s.SessionID, s.PetitionID, pq.Array(s.Adjudicators[:]), string(s.Phase),
		transcripts, votes, nullableOutcome(s.Outcome), nullable(s.DissentAdjudicatorID),
		s.RoundCount, rounds, s.IsDeadlocked, nullable(s.DeadlockReason),
		nullable(s.TimeoutJobID), s.TimeoutAt, s.TimedOut, s.CreatedAt, s.CompletedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrSessionExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, sessionID string) (Session, error) {
	return p.scanOne(p.db.QueryRowContext(ctx,
		sessionQuery+` WHERE session_id = $1`, sessionID))
}

func (p *PostgresStore) ByPetition(ctx context.Context, petitionID string) (Session, error) {
	return p.scanOne(p.db.QueryRowContext(ctx,
		sessionQuery+` WHERE petition_id = $1`, petitionID))
}

// Update persists the session iff the stored version still matches the
// version the caller read. The version column is bumped in the same
// statement, so two racing writers cannot both succeed.
func (p *PostgresStore) Update(ctx context.Context, s Session) (Session, error) {
	transcripts, votes, rounds, err := marshalSessionJSON(s)
	if err != nil {
		return Session{}, err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE fates.deliberation_sessions SET
			phase = $1, transcripts = $2, votes = $3, outcome = $4,
			dissent_adjudicator_id = $5, round_count = $6, votes_by_round = $7,
			is_deadlocked = $8, deadlock_reason = $9, timeout_job_id = $10,
			timeout_at = $11, timed_out = $12, completed_at = $13,
			version = version + 1
		WHERE session_id = $14 AND version = $15`,
		string(s.Phase), transcripts, votes, nullableOutcome(s.Outcome),
		nullable(s.DissentAdjudicatorID), s.RoundCount, rounds,
		s.IsDeadlocked, nullable(s.DeadlockReason), nullable(s.TimeoutJobID),
		s.TimeoutAt, s.TimedOut, s.CompletedAt, s.SessionID, s.Version)
	if err != nil {
		return Session{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Session{}, err
	}
	if n == 0 {
		if _, getErr := p.Get(ctx, s.SessionID); errors.Is(getErr, ErrSessionNotFound) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, ErrVersionConflict
	}
	s.Version++
	return s, nil
}

func (p *PostgresStore) AddDissent(ctx context.Context, d DissentRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO fates.dissent_records (
			session_id, petition_id, dissent_adjudicator_id,
			dissent_disposition, majority_disposition, rationale,
			rationale_hash, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id, dissent_adjudicator_id) DO NOTHING`,
		d.SessionID, d.PetitionID, d.DissentAdjudicator,
		string(d.DissentDisposition), string(d.MajorityDisposition),
		d.Rationale, d.RationaleHash, d.RecordedAt)
	return err
}

func (p *PostgresStore) Dissents(ctx context.Context, sessionID string) ([]DissentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_id, petition_id, dissent_adjudicator_id,
			dissent_disposition, majority_disposition, rationale,
			rationale_hash, recorded_at
		FROM fates.dissent_records WHERE session_id = $1
		ORDER BY recorded_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DissentRecord
	for rows.Next() {
		var d DissentRecord
		var dissent, majority string
		if err := rows.Scan(&d.SessionID, &d.PetitionID, &d.DissentAdjudicator,
			&dissent, &majority, &d.Rationale, &d.RationaleHash, &d.RecordedAt); err != nil {
			return nil, err
		}
		d.DissentDisposition = Outcome(dissent)
		d.MajorityDisposition = Outcome(majority)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ActiveLoad(ctx context.Context) (map[string]int, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT adj, count(*)
		FROM fates.deliberation_sessions, unnest(adjudicators) AS adj
		WHERE phase NOT IN ('complete', 'halted')
		GROUP BY adj`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	load := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		load[id] = n
	}
	return load, rows.Err()
}

const sessionQuery = `
	SELECT session_id, petition_id, adjudicators, phase, transcripts,
		votes, outcome, dissent_adjudicator_id, round_count,
		votes_by_round, is_deadlocked, deadlock_reason, timeout_job_id,
		timeout_at, timed_out, created_at, completed_at, version
	FROM fates.deliberation_sessions`

func (p *PostgresStore) scanOne(row *sql.Row) (Session, error) {
	var s Session
	var adjudicators pq.StringArray
	var transcripts, votes, rounds []byte
	var outcome, dissent, deadlockReason, timeoutJobID sql.NullString
	err := row.Scan(&s.SessionID, &s.PetitionID, &adjudicators, &s.Phase,
		&transcripts, &votes, &outcome, &dissent, &s.RoundCount, &rounds,
		&s.IsDeadlocked, &deadlockReason, &timeoutJobID, &s.TimeoutAt,
		&s.TimedOut, &s.CreatedAt, &s.CompletedAt, &s.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if len(adjudicators) != 3 {
		return Session{}, fmt.Errorf("panel of %d stored for session %s", len(adjudicators), s.SessionID)
	}
	copy(s.Adjudicators[:], adjudicators)
	s.Outcome = Outcome(outcome.String)
	s.DissentAdjudicatorID = dissent.String
	s.DeadlockReason = deadlockReason.String
	s.TimeoutJobID = timeoutJobID.String
	if err := json.Unmarshal(transcripts, &s.PhaseTranscripts); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal(votes, &s.Votes); err != nil {
		return Session{}, err
	}
	if err := json.Unmarshal(rounds, &s.VotesByRound); err != nil {
		return Session{}, err
	}
	return s, nil
}

func marshalSessionJSON(s Session) (transcripts, votes, rounds []byte, err error) {
	if transcripts, err = json.Marshal(orEmptyMap(s.PhaseTranscripts)); err != nil {
		return
	}
	if votes, err = json.Marshal(orEmptyVotes(s.Votes)); err != nil {
		return
	}
	if s.VotesByRound == nil {
		rounds = []byte("[]")
		return
	}
	rounds, err = json.Marshal(s.VotesByRound)
	return
}

func orEmptyMap(m map[Phase]string) map[Phase]string {
	if m == nil {
		return map[Phase]string{}
	}
	return m
}

func orEmptyVotes(m map[string]Outcome) map[string]Outcome {
	if m == nil {
		return map[string]Outcome{}
	}
	return m
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableOutcome(o Outcome) sql.NullString {
	return nullable(string(o))
}
