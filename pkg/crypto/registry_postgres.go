package crypto

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresKeyRegistry is the durable key registry. DELETE on the
// agent_keys table is refused by a trigger; the only mutation allowed
// by the schema is setting active_until once.
type PostgresKeyRegistry struct {
	db *sql.DB
}

func NewPostgresKeyRegistry(db *sql.DB) *PostgresKeyRegistry {
	return &PostgresKeyRegistry{db: db}
}

const keyRegistrySchema = `
CREATE SCHEMA IF NOT EXISTS ledger;

CREATE TABLE IF NOT EXISTS ledger.agent_keys (
	key_id       TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL,
	public_key   TEXT NOT NULL,
	active_from  TIMESTAMPTZ NOT NULL,
	active_until TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS agent_keys_agent_idx ON ledger.agent_keys (agent_id);

CREATE OR REPLACE FUNCTION ledger.agent_keys_guard() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		RAISE EXCEPTION 'key registry violation: keys are retired, never deleted';
	END IF;
	IF TG_OP = 'UPDATE' THEN
		IF NEW.key_id <> OLD.key_id OR NEW.agent_id <> OLD.agent_id
			OR NEW.public_key <> OLD.public_key OR NEW.active_from <> OLD.active_from THEN
			RAISE EXCEPTION 'key registry violation: only active_until may change';
		END IF;
		IF OLD.active_until IS NOT NULL THEN
			RAISE EXCEPTION 'key registry violation: key % already retired', OLD.key_id;
		END IF;
	END IF;
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS agent_keys_guard ON ledger.agent_keys;
CREATE TRIGGER agent_keys_guard
	BEFORE UPDATE OR DELETE ON ledger.agent_keys
	FOR EACH ROW EXECUTE FUNCTION ledger.agent_keys_guard();
`

// Init applies the registry schema and its guard trigger.
func (r *PostgresKeyRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, keyRegistrySchema)
	return err
}

func (r *PostgresKeyRegistry) Register(ctx context.Context, agentID, publicKeyHex string) (string, error) {
	if len(publicKeyHex) != 64 {
		return "", fmt.Errorf("public key must be 32 bytes hex")
	}
	keyID := uuid.New().String()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO ledger.agent_keys (key_id, agent_id, public_key, active_from) VALUES ($1, $2, $3, $4)`,
		keyID, agentID, publicKeyHex, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("register key: %w", err)
	}
	return keyID, nil
}

func (r *PostgresKeyRegistry) Lookup(ctx context.Context, keyID string) (AgentKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT key_id, agent_id, public_key, active_from, active_until FROM ledger.agent_keys WHERE key_id = $1`,
		keyID,
	)
	var key AgentKey
	var until sql.NullTime
	if err := row.Scan(&key.KeyID, &key.AgentID, &key.PublicKey, &key.ActiveFrom, &until); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AgentKey{}, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
		}
		return AgentKey{}, err
	}
	if until.Valid {
		t := until.Time
		key.ActiveUntil = &t
	}
	return key, nil
}

func (r *PostgresKeyRegistry) Retire(ctx context.Context, keyID string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE ledger.agent_keys SET active_until = $1 WHERE key_id = $2 AND active_until IS NULL`,
		at.UTC(), keyID,
	)
	if err != nil {
		return fmt.Errorf("retire key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s (or already retired)", ErrUnknownKey, keyID)
	}
	return nil
}

func (r *PostgresKeyRegistry) KeysForAgent(ctx context.Context, agentID string) ([]AgentKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key_id, agent_id, public_key, active_from, active_until FROM ledger.agent_keys WHERE agent_id = $1 ORDER BY active_from`,
		agentID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []AgentKey
	for rows.Next() {
		var key AgentKey
		var until sql.NullTime
		if err := rows.Scan(&key.KeyID, &key.AgentID, &key.PublicKey, &key.ActiveFrom, &until); err != nil {
			return nil, err
		}
		if until.Valid {
			t := until.Time
			key.ActiveUntil = &t
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
