// Package audit captures decision events for compliance retention. Events are
// emitted after a decision is signed; delivery is at-least-once and consumers
// are expected to apply them idempotently by decision id.
package audit

import (
	"context"
	"time"

	id "aport/pkg/domain"
)

// Action names the audited operation.
type Action string

const (
	// ActionDecisionMade records one signed policy decision.
	ActionDecisionMade Action = "decision_made"
)

// Event is emitted from the engine to capture a decision. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Action         Action        `json:"action"`
	Timestamp      time.Time     `json:"timestamp"`
	DecisionID     id.DecisionID `json:"decision_id"`
	PolicyID       id.PolicyID   `json:"policy_id"`
	AgentID        id.AgentID    `json:"agent_id"`
	OwnerID        id.OwnerID    `json:"owner_id"`
	Allow          bool          `json:"allow"`
	ReasonCodes    []string      `json:"reason_codes"`
	PassportDigest string        `json:"passport_digest"`
	Replayed       bool          `json:"replayed"`
	RequestID      string        `json:"request_id,omitempty"`
}

// Publisher emits audit events. Implementations must not block the decision
// path longer than their configured timeout; a failed emit is the caller's
// to log, never to propagate into the decision.
type Publisher interface {
	Emit(ctx context.Context, event Event) error
}

// Store persists audit events for retrieval, used by tests and by the
// in-process fallback when no broker is configured.
type Store interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, agentID id.AgentID) ([]Event, error)
}
