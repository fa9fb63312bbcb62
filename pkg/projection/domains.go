package projection

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/archonhq/archon72/pkg/ledger"
)

// The initial read models. Every row carries the sequence and hash of
// the event that last touched it so auditors can cross-check a
// projection row against the ledger.

// TaskStates tracks executive task lifecycles.
type TaskStates struct{}

func (TaskStates) Name() string { return "task_states" }

func (TaskStates) Init(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS projections.task_states (
			task_id             TEXT PRIMARY KEY,
			state               TEXT NOT NULL,
			assigned_to         TEXT,
			last_event_sequence BIGINT NOT NULL,
			last_event_hash     TEXT NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (TaskStates) Apply(ctx context.Context, tx DBTX, ev ledger.Event) error {
	var state string
	switch ev.EventType {
	case "executive.task.accepted":
		state = "accepted"
	case "executive.task.completed":
		state = "completed"
	case "executive.task.failed":
		state = "failed"
	case "executive.task.halted":
		state = "halted"
	default:
		return nil
	}
	var payload struct {
		TaskID     string `json:"task_id"`
		AssignedTo string `json:"assigned_to"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("task payload: %w", err)
	}
	if payload.TaskID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.task_states (task_id, state, assigned_to, last_event_sequence, last_event_hash)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5)
		ON CONFLICT (task_id) DO UPDATE SET
			state = EXCLUDED.state,
			assigned_to = COALESCE(EXCLUDED.assigned_to, projections.task_states.assigned_to),
			last_event_sequence = EXCLUDED.last_event_sequence,
			last_event_hash = EXCLUDED.last_event_hash,
			updated_at = now()`,
		payload.TaskID, state, payload.AssignedTo, ev.Sequence, ev.ContentHash)
	return err
}

func (TaskStates) Reset(ctx context.Context, tx DBTX) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections.task_states`)
	return err
}

// LegitimacyStates tracks each Archon's legitimacy standing.
type LegitimacyStates struct{}

func (LegitimacyStates) Name() string { return "legitimacy_states" }

func (LegitimacyStates) Init(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS projections.legitimacy_states (
			archon_id           TEXT PRIMARY KEY,
			standing            TEXT NOT NULL,
			score               DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_event_sequence BIGINT NOT NULL,
			last_event_hash     TEXT NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (LegitimacyStates) Apply(ctx context.Context, tx DBTX, ev ledger.Event) error {
	if ev.EventType != "legitimacy.standing.updated" {
		return nil
	}
	var payload struct {
		ArchonID string  `json:"archon_id"`
		Standing string  `json:"standing"`
		Score    float64 `json:"score"`
	}
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return fmt.Errorf("legitimacy payload: %w", err)
	}
	if payload.ArchonID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.legitimacy_states (archon_id, standing, score, last_event_sequence, last_event_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (archon_id) DO UPDATE SET
			standing = EXCLUDED.standing,
			score = EXCLUDED.score,
			last_event_sequence = EXCLUDED.last_event_sequence,
			last_event_hash = EXCLUDED.last_event_hash,
			updated_at = now()`,
		payload.ArchonID, payload.Standing, payload.Score, ev.Sequence, ev.ContentHash)
	return err
}

func (LegitimacyStates) Reset(ctx context.Context, tx DBTX) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections.legitimacy_states`)
	return err
}

// PanelRegistry tracks convened adjudication panels and their
// outcomes.
type PanelRegistry struct{}

func (PanelRegistry) Name() string { return "panel_registry" }

func (PanelRegistry) Init(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS projections.panel_registry (
			session_id          TEXT PRIMARY KEY,
			petition_id         TEXT NOT NULL,
			adjudicators        TEXT[] NOT NULL,
			outcome             TEXT,
			last_event_sequence BIGINT NOT NULL,
			last_event_hash     TEXT NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (PanelRegistry) Apply(ctx context.Context, tx DBTX, ev ledger.Event) error {
	switch ev.EventType {
	case "judicial.panel.convened":
		var payload struct {
			SessionID    string   `json:"session_id"`
			PetitionID   string   `json:"petition_id"`
			Adjudicators []string `json:"adjudicators"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("panel payload: %w", err)
		}
		if payload.SessionID == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.panel_registry (session_id, petition_id, adjudicators, last_event_sequence, last_event_hash)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id) DO UPDATE SET
				adjudicators = EXCLUDED.adjudicators,
				last_event_sequence = EXCLUDED.last_event_sequence,
				last_event_hash = EXCLUDED.last_event_hash,
				updated_at = now()`,
			payload.SessionID, payload.PetitionID, pq.Array(payload.Adjudicators), ev.Sequence, ev.ContentHash)
		return err
	case "judicial.verdict.recorded":
		var payload struct {
			SessionID string `json:"session_id"`
			Outcome   string `json:"outcome"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("verdict payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.panel_registry SET
				outcome = $2, last_event_sequence = $3, last_event_hash = $4, updated_at = now()
			WHERE session_id = $1`,
			payload.SessionID, payload.Outcome, ev.Sequence, ev.ContentHash)
		return err
	}
	return nil
}

func (PanelRegistry) Reset(ctx context.Context, tx DBTX) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections.panel_registry`)
	return err
}

// PetitionIndex is the queryable petition read model behind the
// status API.
type PetitionIndex struct{}

func (PetitionIndex) Name() string { return "petition_index" }

func (PetitionIndex) Init(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS projections.petition_index (
			petition_id         TEXT PRIMARY KEY,
			petition_type       TEXT NOT NULL,
			state               TEXT NOT NULL,
			realm               TEXT,
			submitter_id        TEXT,
			co_signer_count     INT NOT NULL DEFAULT 0,
			last_event_sequence BIGINT NOT NULL,
			last_event_hash     TEXT NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (PetitionIndex) Apply(ctx context.Context, tx DBTX, ev ledger.Event) error {
	switch ev.EventType {
	case "petition.received.committed":
		var payload struct {
			PetitionID   string `json:"petition_id"`
			PetitionType string `json:"petition_type"`
			Realm        string `json:"realm"`
			SubmitterID  string `json:"submitter_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("petition payload: %w", err)
		}
		if payload.PetitionID == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.petition_index
				(petition_id, petition_type, state, realm, submitter_id, last_event_sequence, last_event_hash)
			VALUES ($1, $2, 'received', NULLIF($3, ''), NULLIF($4, ''), $5, $6)
			ON CONFLICT (petition_id) DO NOTHING`,
			payload.PetitionID, payload.PetitionType, payload.Realm, payload.SubmitterID,
			ev.Sequence, ev.ContentHash)
		return err
	case "petition.state.changed":
		var payload struct {
			PetitionID string `json:"petition_id"`
			State      string `json:"state"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("petition state payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.petition_index SET
				state = $2, last_event_sequence = $3, last_event_hash = $4, updated_at = now()
			WHERE petition_id = $1`,
			payload.PetitionID, payload.State, ev.Sequence, ev.ContentHash)
		return err
	case "petition.escalated.committed":
		var payload struct {
			PetitionID string `json:"petition_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("petition escalation payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.petition_index SET
				state = 'escalated', last_event_sequence = $2, last_event_hash = $3, updated_at = now()
			WHERE petition_id = $1`,
			payload.PetitionID, ev.Sequence, ev.ContentHash)
		return err
	case "petition.cosign.committed":
		var payload struct {
			PetitionID    string `json:"petition_id"`
			CoSignerCount int    `json:"co_signer_count"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("cosign payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.petition_index SET
				co_signer_count = $2, last_event_sequence = $3, last_event_hash = $4, updated_at = now()
			WHERE petition_id = $1`,
			payload.PetitionID, payload.CoSignerCount, ev.Sequence, ev.ContentHash)
		return err
	}
	return nil
}

func (PetitionIndex) Reset(ctx context.Context, tx DBTX) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections.petition_index`)
	return err
}

// ActorRegistry tracks seat installations and retirements.
type ActorRegistry struct{}

func (ActorRegistry) Name() string { return "actor_registry" }

func (ActorRegistry) Init(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS projections.actor_registry (
			archon_id           TEXT PRIMARY KEY,
			rank                TEXT NOT NULL,
			branch              TEXT NOT NULL,
			active              BOOLEAN NOT NULL DEFAULT TRUE,
			last_event_sequence BIGINT NOT NULL,
			last_event_hash     TEXT NOT NULL,
			updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	return err
}

func (ActorRegistry) Apply(ctx context.Context, tx DBTX, ev ledger.Event) error {
	switch ev.EventType {
	case "actor.seat.installed":
		var payload struct {
			ArchonID string `json:"archon_id"`
			Rank     string `json:"rank"`
			Branch   string `json:"branch"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("actor payload: %w", err)
		}
		if payload.ArchonID == "" {
			return nil
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.actor_registry (archon_id, rank, branch, active, last_event_sequence, last_event_hash)
			VALUES ($1, $2, $3, TRUE, $4, $5)
			ON CONFLICT (archon_id) DO UPDATE SET
				rank = EXCLUDED.rank,
				branch = EXCLUDED.branch,
				active = TRUE,
				last_event_sequence = EXCLUDED.last_event_sequence,
				last_event_hash = EXCLUDED.last_event_hash,
				updated_at = now()`,
			payload.ArchonID, payload.Rank, payload.Branch, ev.Sequence, ev.ContentHash)
		return err
	case "actor.seat.retired":
		var payload struct {
			ArchonID string `json:"archon_id"`
		}
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return fmt.Errorf("actor payload: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.actor_registry SET
				active = FALSE, last_event_sequence = $2, last_event_hash = $3, updated_at = now()
			WHERE archon_id = $1`,
			payload.ArchonID, ev.Sequence, ev.ContentHash)
		return err
	}
	return nil
}

func (ActorRegistry) Reset(ctx context.Context, tx DBTX) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM projections.actor_registry`)
	return err
}

// All returns the initial projection set.
func All() []Projection {
	return []Projection{
		TaskStates{}, LegitimacyStates{}, PanelRegistry{}, PetitionIndex{}, ActorRegistry{},
	}
}
