// Package postgres persists audit events in a relational table for
// compliance retention queries. When a Kafka broker is configured the broker
// is the delivery path and this store is not used; it serves deployments that
// have a database but no broker.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	id "aport/pkg/domain"
	dErrors "aport/pkg/domain-errors"
	audit "aport/pkg/platform/audit"
)

// Store implements audit.Store on PostgreSQL. Events are append-only; the
// engine never updates or deletes a recorded decision.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the audit table when it does not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_decisions (
    decision_id UUID PRIMARY KEY,
    agent_id    TEXT        NOT NULL,
    policy_id   TEXT        NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    allow       BOOLEAN     NOT NULL,
    payload     JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_decisions_agent
    ON audit_decisions (agent_id, occurred_at);`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "ensure audit schema")
	}
	return nil
}

// Append records one event. The decision id is the primary key, so an
// at-least-once caller retrying the same decision is a no-op.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "marshal audit event")
	}

	const insert = `
INSERT INTO audit_decisions (decision_id, agent_id, policy_id, occurred_at, allow, payload)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (decision_id) DO NOTHING`
	_, err = s.db.ExecContext(ctx, insert,
		event.DecisionID.String(),
		event.AgentID.String(),
		event.PolicyID.String(),
		event.Timestamp,
		event.Allow,
		payload,
	)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "append audit event")
	}
	return nil
}

// List returns an agent's events in the order they occurred.
func (s *Store) List(ctx context.Context, agentID id.AgentID) ([]audit.Event, error) {
	const query = `
SELECT payload FROM audit_decisions
WHERE agent_id = $1
ORDER BY occurred_at`
	rows, err := s.db.QueryContext(ctx, query, agentID.String())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list audit events")
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "scan audit event")
		}
		var event audit.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decode audit event")
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list audit events")
	}
	return events, nil
}
