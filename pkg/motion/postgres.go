package motion

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Schema is the intake DDL. Adoption immutability is enforced in the
// database: once the adoption fields are set, a trigger refuses any
// write that would change them.
const Schema = `
CREATE SCHEMA IF NOT EXISTS intake;

CREATE TABLE IF NOT EXISTS intake.petitions (
	petition_id       UUID PRIMARY KEY,
	submitter_id      TEXT,
	petition_type     TEXT NOT NULL CHECK (petition_type IN (
		'general', 'cessation', 'grievance', 'collaboration', 'meta')),
	realm             TEXT,
	text              TEXT NOT NULL,
	content_hash      TEXT NOT NULL UNIQUE CHECK (content_hash ~ '^[0-9a-f]{64}$'),
	state             TEXT NOT NULL CHECK (state IN (
		'received', 'deliberating', 'acknowledged', 'referred', 'escalated',
		'deferred', 'no_response', 'adopted', 'withdrawn', 'archived')),
	cosign_count      INT NOT NULL DEFAULT 0 CHECK (cosign_count >= 0),
	escalation_source TEXT,
	adopted_by        TEXT,
	adopted_motion_id TEXT,
	adopted_at        TIMESTAMPTZ,
	received_at       TIMESTAMPTZ NOT NULL,
	CONSTRAINT adoption_all_or_nothing CHECK (
		(adopted_by IS NULL) = (adopted_motion_id IS NULL) AND
		(adopted_by IS NULL) = (adopted_at IS NULL)
	)
);

CREATE TABLE IF NOT EXISTS intake.cosigns (
	petition_id UUID NOT NULL REFERENCES intake.petitions (petition_id),
	signer_id   TEXT NOT NULL,
	signed_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (petition_id, signer_id)
);

CREATE TABLE IF NOT EXISTS intake.rate_counters (
	submitter_id  TEXT NOT NULL,
	bucket_minute TIMESTAMPTZ NOT NULL,
	count         INT NOT NULL DEFAULT 1,
	PRIMARY KEY (submitter_id, bucket_minute)
);

CREATE TABLE IF NOT EXISTS intake.motion_queue (
	queue_id           UUID PRIMARY KEY,
	title              TEXT NOT NULL,
	text               TEXT NOT NULL,
	kind               TEXT NOT NULL CHECK (kind IN ('substantive', 'procedural')),
	origin_petition_id UUID,
	proposed_by        TEXT NOT NULL,
	endorsement_count  INT NOT NULL DEFAULT 0,
	state              TEXT NOT NULL CHECK (state IN (
		'pending', 'endorsed', 'promoted', 'voted', 'archived',
		'withdrawn', 'deferred', 'merged')),
	created_at         TIMESTAMPTZ NOT NULL,
	promoted_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS motion_queue_selection
	ON intake.motion_queue (endorsement_count DESC, created_at ASC)
	WHERE state IN ('pending', 'endorsed');

CREATE OR REPLACE FUNCTION intake.protect_adoption() RETURNS trigger AS $$
BEGIN
	IF OLD.adopted_by IS NOT NULL AND (
		NEW.adopted_by IS DISTINCT FROM OLD.adopted_by OR
		NEW.adopted_motion_id IS DISTINCT FROM OLD.adopted_motion_id OR
		NEW.adopted_at IS DISTINCT FROM OLD.adopted_at
	) THEN
		RAISE EXCEPTION 'adoption fields are immutable';
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS protect_adoption ON intake.petitions;
CREATE TRIGGER protect_adoption
	BEFORE UPDATE ON intake.petitions
	FOR EACH ROW EXECUTE FUNCTION intake.protect_adoption();
`

// PostgresPetitionStore is the durable PetitionStore.
type PostgresPetitionStore struct {
	db *sql.DB
}

func NewPostgresPetitionStore(db *sql.DB) *PostgresPetitionStore {
	return &PostgresPetitionStore{db: db}
}

var (
	_ PetitionStore = (*PostgresPetitionStore)(nil)
	_ AdoptionStore = (*PostgresPetitionStore)(nil)
)

// Init applies the intake schema.
func (s *PostgresPetitionStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

func (s *PostgresPetitionStore) Insert(ctx context.Context, p Petition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intake.petitions (
			petition_id, submitter_id, petition_type, realm, text,
			content_hash, state, cosign_count, received_at
		) VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), $5, $6, $7, 0, $8)`,
		p.PetitionID, p.SubmitterID, p.Type, p.Realm, p.Text, p.ContentHash,
		string(p.State), p.ReceivedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicatePetition
	}
	return err
}

const petitionColumns = `
	petition_id, submitter_id, petition_type, realm, text, content_hash,
	state, cosign_count, escalation_source, adopted_by, adopted_motion_id,
	adopted_at, received_at`

func (s *PostgresPetitionStore) Get(ctx context.Context, petitionID string) (Petition, error) {
	return scanPetition(s.db.QueryRowContext(ctx,
		`SELECT`+petitionColumns+` FROM intake.petitions WHERE petition_id = $1`, petitionID))
}

func (s *PostgresPetitionStore) ByContentHash(ctx context.Context, hash string) (Petition, error) {
	return scanPetition(s.db.QueryRowContext(ctx,
		`SELECT`+petitionColumns+` FROM intake.petitions WHERE content_hash = $1`, hash))
}

func (s *PostgresPetitionStore) SetState(ctx context.Context, petitionID string, state PetitionState, source string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intake.petitions
		SET state = $1, escalation_source = COALESCE(NULLIF($2, ''), escalation_source)
		WHERE petition_id = $3`,
		string(state), source, petitionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPetitionNotFound
	}
	return nil
}

func (s *PostgresPetitionStore) CoSign(ctx context.Context, petitionID, signerID string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO intake.cosigns (petition_id, signer_id, signed_at)
		VALUES ($1, $2, $3)`,
		petitionID, signerID, at); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case "23505":
				return 0, ErrAlreadyCosigned
			case "23503":
				return 0, ErrPetitionNotFound
			}
		}
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `
		UPDATE intake.petitions SET cosign_count = cosign_count + 1
		WHERE petition_id = $1
		RETURNING cosign_count`, petitionID).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (s *PostgresPetitionStore) Adopt(ctx context.Context, petitionID, kingID, motionID string, at time.Time) error {
	return adoptExec(ctx, s.db, s, petitionID, kingID, motionID, at)
}

// AdoptAndEnqueue writes the adoption fields and inserts the queued
// motion in one transaction, so a failed enqueue never leaves an
// adopted petition without its motion.
func (s *PostgresPetitionStore) AdoptAndEnqueue(ctx context.Context, petitionID, kingID string, m QueuedMotion, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := adoptExec(ctx, tx, s, petitionID, kingID, m.QueueID, at); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO intake.motion_queue (
			queue_id, title, text, kind, origin_petition_id, proposed_by,
			endorsement_count, state, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		m.QueueID, m.Title, m.Text, m.Kind, m.OriginPetitionID,
		m.ProposedBy, m.EndorsementCount, string(m.State), m.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

// execer lets adoptExec run against the pool or an open transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func adoptExec(ctx context.Context, db execer, s *PostgresPetitionStore, petitionID, kingID, motionID string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE intake.petitions
		SET adopted_by = $1, adopted_motion_id = $2, adopted_at = $3, state = 'adopted'
		WHERE petition_id = $4 AND adopted_by IS NULL`,
		kingID, motionID, at, petitionID)
	if err != nil {
		if strings.Contains(err.Error(), "adoption fields are immutable") {
			return ErrAlreadyAdopted
		}
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, petitionID); errors.Is(getErr, ErrPetitionNotFound) {
			return ErrPetitionNotFound
		}
		return ErrAlreadyAdopted
	}
	return nil
}

func (s *PostgresPetitionStore) CountOpen(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM intake.petitions
		WHERE state IN ('received', 'deliberating', 'referred', 'escalated')`).Scan(&n)
	return n, err
}

func scanPetition(row *sql.Row) (Petition, error) {
	var p Petition
	var state string
	var submitter, realm, source, adoptedBy, adoptedMotion sql.NullString
	var adoptedAt sql.NullTime
	err := row.Scan(&p.PetitionID, &submitter, &p.Type, &realm, &p.Text,
		&p.ContentHash, &state, &p.CoSignCount, &source, &adoptedBy,
		&adoptedMotion, &adoptedAt, &p.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Petition{}, ErrPetitionNotFound
	}
	if err != nil {
		return Petition{}, err
	}
	p.State = PetitionState(state)
	p.SubmitterID = submitter.String
	p.Realm = realm.String
	p.EscalationSource = source.String
	p.AdoptedBy = adoptedBy.String
	p.AdoptedMotionID = adoptedMotion.String
	if adoptedAt.Valid {
		t := adoptedAt.Time
		p.AdoptedAt = &t
	}
	return p, nil
}

// PostgresRateStore is the durable minute-bucket counter.
type PostgresRateStore struct {
	db *sql.DB
}

func NewPostgresRateStore(db *sql.DB) *PostgresRateStore { return &PostgresRateStore{db: db} }

var _ RateStore = (*PostgresRateStore)(nil)

func (s *PostgresRateStore) Increment(ctx context.Context, submitterID string, bucket time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intake.rate_counters (submitter_id, bucket_minute, count)
		VALUES ($1, date_trunc('minute', $2::timestamptz), 1)
		ON CONFLICT (submitter_id, bucket_minute) DO UPDATE
		SET count = intake.rate_counters.count + 1`,
		submitterID, bucket)
	return err
}

func (s *PostgresRateStore) CountWindow(ctx context.Context, submitterID string, from, to time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(sum(count), 0) FROM intake.rate_counters
		WHERE submitter_id = $1 AND bucket_minute >= date_trunc('minute', $2::timestamptz)
		AND bucket_minute <= $3`,
		submitterID, from, to).Scan(&n)
	return n, err
}

func (s *PostgresRateStore) PruneBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM intake.rate_counters WHERE bucket_minute < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PostgresQueueStore is the durable motion queue.
type PostgresQueueStore struct {
	db *sql.DB
}

func NewPostgresQueueStore(db *sql.DB) *PostgresQueueStore { return &PostgresQueueStore{db: db} }

var _ QueueStore = (*PostgresQueueStore)(nil)

func (s *PostgresQueueStore) Enqueue(ctx context.Context, m QueuedMotion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intake.motion_queue (
			queue_id, title, text, kind, origin_petition_id, proposed_by,
			endorsement_count, state, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)`,
		m.QueueID, m.Title, m.Text, m.Kind, m.OriginPetitionID,
		m.ProposedBy, m.EndorsementCount, string(m.State), m.CreatedAt)
	return err
}

const queueColumns = `
	queue_id, title, text, kind, COALESCE(origin_petition_id::text, ''),
	proposed_by, endorsement_count, state, created_at, promoted_at`

func (s *PostgresQueueStore) Get(ctx context.Context, queueID string) (QueuedMotion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT`+queueColumns+` FROM intake.motion_queue WHERE queue_id = $1`, queueID)
	m, err := scanQueued(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return QueuedMotion{}, ErrMotionNotFound
	}
	return m, err
}

func (s *PostgresQueueStore) Endorse(ctx context.Context, queueID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		UPDATE intake.motion_queue SET
			endorsement_count = endorsement_count + 1,
			state = CASE WHEN state = 'pending' THEN 'endorsed' ELSE state END
		WHERE queue_id = $1
		RETURNING endorsement_count`, queueID).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrMotionNotFound
	}
	return count, err
}

// SelectForConclave promotes in one statement: the SKIP LOCKED
// subquery keeps two concurrent sittings from selecting the same
// motion.
func (s *PostgresQueueStore) SelectForConclave(ctx context.Context, n int, minConsensus ConsensusTier, at time.Time) ([]QueuedMotion, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE intake.motion_queue SET state = 'promoted', promoted_at = $1
		WHERE queue_id IN (
			SELECT queue_id FROM intake.motion_queue
			WHERE state IN ('pending', 'endorsed') AND endorsement_count >= $3
			ORDER BY endorsement_count DESC, created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING`+queueColumns, at, n, minConsensus.MinEndorsements())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueuedMotion
	for rows.Next() {
		m, err := scanQueued(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is not the selection order.
	sortPromoted(out)
	return out, nil
}

func (s *PostgresQueueStore) MarkVoted(ctx context.Context, queueID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE intake.motion_queue SET state = 'voted' WHERE queue_id = $1`, queueID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrMotionNotFound
	}
	return nil
}

func (s *PostgresQueueStore) RecoverStranded(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intake.motion_queue SET state = 'pending', promoted_at = NULL
		WHERE state = 'promoted'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresQueueStore) Archive(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intake.motion_queue SET state = 'archived'
		WHERE state = 'voted' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func scanQueued(scan func(dest ...interface{}) error) (QueuedMotion, error) {
	var m QueuedMotion
	var state string
	var promotedAt sql.NullTime
	err := scan(&m.QueueID, &m.Title, &m.Text, &m.Kind, &m.OriginPetitionID,
		&m.ProposedBy, &m.EndorsementCount, &state, &m.CreatedAt, &promotedAt)
	if err != nil {
		return QueuedMotion{}, err
	}
	m.State = QueueState(state)
	if promotedAt.Valid {
		t := promotedAt.Time
		m.PromotedAt = &t
	}
	return m, nil
}

func sortPromoted(motions []QueuedMotion) {
	sort.Slice(motions, func(i, j int) bool {
		if motions[i].EndorsementCount != motions[j].EndorsementCount {
			return motions[i].EndorsementCount > motions[j].EndorsementCount
		}
		return motions[i].CreatedAt.Before(motions[j].CreatedAt)
	})
}
