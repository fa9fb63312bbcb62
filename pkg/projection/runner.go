// Package projection maintains derived read models over the ledger.
// Projections hold no intrinsic state: every row is a pure function of
// the event stream and can be discarded and rebuilt from genesis.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"

	"github.com/archonhq/archon72/pkg/ledger"
)

// DBTX is the slice of *sql.Tx / *sql.DB the projections write
// through.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// Projection is one derived read model. Apply must be a pure function
// of the event: replaying from genesis reproduces identical rows.
type Projection interface {
	Name() string
	// Init creates the projection's derived tables.
	Init(ctx context.Context, db DBTX) error
	// Apply folds one event into the derived tables. Events the
	// projection does not care about must be ignored without error.
	Apply(ctx context.Context, tx DBTX, ev ledger.Event) error
	// Reset truncates the derived tables for a rebuild.
	Reset(ctx context.Context, tx DBTX) error
}

const projectionSchema = `
CREATE SCHEMA IF NOT EXISTS projections;

CREATE TABLE IF NOT EXISTS projections.checkpoints (
	projection_name TEXT PRIMARY KEY,
	last_event_id   UUID NOT NULL,
	last_hash       TEXT NOT NULL,
	last_sequence   BIGINT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS projections.applies (
	projection_name TEXT NOT NULL,
	event_id        UUID NOT NULL,
	applied_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (projection_name, event_id)
);
`

// Checkpoint is a projection's replay position.
type Checkpoint struct {
	LastEventID  string
	LastHash     string
	LastSequence uint64
}

// Runner drives projections over the ledger. A per-projection
// advisory lock keeps each projection single-writer so checkpoint
// sequences stay monotonic.
type Runner struct {
	db     *sql.DB
	source ledger.Store
	log    *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger overrides the default logger.
func WithRunnerLogger(log *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = log }
}

func NewRunner(db *sql.DB, source ledger.Store, opts ...RunnerOption) *Runner {
	r := &Runner{db: db, source: source, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init applies the framework schema and each projection's tables.
func (r *Runner) Init(ctx context.Context, projections ...Projection) error {
	if _, err := r.db.ExecContext(ctx, projectionSchema); err != nil {
		return err
	}
	for _, p := range projections {
		if err := p.Init(ctx, r.db); err != nil {
			return fmt.Errorf("init projection %s: %w", p.Name(), err)
		}
	}
	return nil
}

// lockID derives the advisory lock key for a projection name.
func lockID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("projection:" + name))
	return int64(h.Sum64())
}

// ApplyEvent folds one event into the projection, idempotently. A
// replayed event is a no-op.
func (r *Runner) ApplyEvent(ctx context.Context, p Projection, ev ledger.Event) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID(p.Name())); err != nil {
		return fmt.Errorf("projection lock: %w", err)
	}

	var applied bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM projections.applies WHERE projection_name = $1 AND event_id = $2)`,
		p.Name(), ev.EventID).Scan(&applied)
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	if err := p.Apply(ctx, tx, ev); err != nil {
		return fmt.Errorf("apply %s to %s: %w", ev.EventType, p.Name(), err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.applies (projection_name, event_id) VALUES ($1, $2)`,
		p.Name(), ev.EventID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.checkpoints (projection_name, last_event_id, last_hash, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (projection_name) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			last_hash = EXCLUDED.last_hash,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = now()`,
		p.Name(), ev.EventID, ev.ContentHash, ev.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

// CheckpointFor reads the projection's replay position; nil when the
// projection has never applied anything.
func (r *Runner) CheckpointFor(ctx context.Context, p Projection) (*Checkpoint, error) {
	var cp Checkpoint
	err := r.db.QueryRowContext(ctx, `
		SELECT last_event_id, last_hash, last_sequence
		FROM projections.checkpoints WHERE projection_name = $1`,
		p.Name()).Scan(&cp.LastEventID, &cp.LastHash, &cp.LastSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// CatchUp applies events past the checkpoint, batchSize at a time.
// Returns how many events were applied.
func (r *Runner) CatchUp(ctx context.Context, p Projection, batchSize uint64) (int, error) {
	if batchSize == 0 {
		batchSize = 256
	}
	cp, err := r.CheckpointFor(ctx, p)
	if err != nil {
		return 0, err
	}
	next := uint64(1)
	if cp != nil {
		next = cp.LastSequence + 1
	}

	applied := 0
	for {
		events, err := r.source.ReadRange(ctx, next, next+batchSize-1)
		if err != nil {
			return applied, err
		}
		if len(events) == 0 {
			return applied, nil
		}
		for _, ev := range events {
			if err := r.ApplyEvent(ctx, p, ev); err != nil {
				return applied, err
			}
			applied++
			next = ev.Sequence + 1
		}
	}
}

// Rebuild discards the projection's derived state and replays from
// genesis.
func (r *Runner) Rebuild(ctx context.Context, p Projection) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID(p.Name())); err != nil {
		return fmt.Errorf("projection lock: %w", err)
	}
	if err := p.Reset(ctx, tx); err != nil {
		return fmt.Errorf("reset %s: %w", p.Name(), err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projections.applies WHERE projection_name = $1`, p.Name()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM projections.checkpoints WHERE projection_name = $1`, p.Name()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	r.log.InfoContext(ctx, "projection rebuilding", "projection", p.Name())
	applied, err := r.CatchUp(ctx, p, 256)
	if err != nil {
		return err
	}
	r.log.InfoContext(ctx, "projection rebuilt", "projection", p.Name(), "events", applied)
	return nil
}
