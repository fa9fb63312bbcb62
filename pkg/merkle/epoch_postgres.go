package merkle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const epochsSchema = `
CREATE SCHEMA IF NOT EXISTS ledger;

CREATE TABLE IF NOT EXISTS ledger.merkle_epochs (
	epoch_id       BIGINT PRIMARY KEY,
	start_sequence BIGINT NOT NULL,
	end_sequence   BIGINT NOT NULL,
	algorithm      TEXT NOT NULL,
	root_hash      TEXT NOT NULL,
	event_count    BIGINT NOT NULL,
	root_event_id  UUID NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT epoch_span CHECK (end_sequence >= start_sequence - 1)
);
`

// PostgresEpochStore persists epochs next to the events they cover.
type PostgresEpochStore struct {
	db *sql.DB
}

func NewPostgresEpochStore(db *sql.DB) *PostgresEpochStore {
	return &PostgresEpochStore{db: db}
}

func (s *PostgresEpochStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, epochsSchema)
	return err
}

func (s *PostgresEpochStore) Save(ctx context.Context, e Epoch) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger.merkle_epochs
			(epoch_id, start_sequence, end_sequence, algorithm, root_hash, event_count, root_event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.EpochID, e.StartSequence, e.EndSequence, string(e.Algorithm),
		e.RootHash, e.EventCount, e.RootEventID, e.CreatedAt,
	)
	return err
}

const epochColumns = `epoch_id, start_sequence, end_sequence, algorithm, root_hash, event_count, root_event_id, created_at`

func scanEpoch(row interface{ Scan(...interface{}) error }) (Epoch, error) {
	var e Epoch
	var alg string
	err := row.Scan(&e.EpochID, &e.StartSequence, &e.EndSequence, &alg,
		&e.RootHash, &e.EventCount, &e.RootEventID, &e.CreatedAt)
	if err != nil {
		return Epoch{}, err
	}
	e.Algorithm = Algorithm(alg)
	return e, nil
}

func (s *PostgresEpochStore) Last(ctx context.Context) (*Epoch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+epochColumns+` FROM ledger.merkle_epochs ORDER BY epoch_id DESC LIMIT 1`)
	e, err := scanEpoch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresEpochStore) ByID(ctx context.Context, epochID uint64) (Epoch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+epochColumns+` FROM ledger.merkle_epochs WHERE epoch_id = $1`, epochID)
	e, err := scanEpoch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Epoch{}, fmt.Errorf("%w: %d", ErrEpochNotFound, epochID)
	}
	return e, err
}

func (s *PostgresEpochStore) ForSequence(ctx context.Context, seq uint64) (Epoch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+epochColumns+` FROM ledger.merkle_epochs
		WHERE start_sequence <= $1 AND end_sequence >= $1`, seq)
	e, err := scanEpoch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Epoch{}, fmt.Errorf("%w: sequence %d", ErrNotCovered, seq)
	}
	return e, err
}
