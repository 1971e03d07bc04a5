package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Typed identifiers for the passport engine. String-backed IDs keep the
// zero value meaningful ("" = absent) and avoid accidental cross-assignment
// between, say, an agent and the organization that owns it.

// AgentID identifies the agent instance a passport was issued to.
// Registry-issued passports use UUIDs; the engine treats it as opaque.
type AgentID string

func (id AgentID) String() string { return string(id) }

// IsNil returns true when no agent ID is set.
func (id AgentID) IsNil() bool { return id == "" }

// OwnerID identifies the accountable owner of an agent (user or org).
// Examples: "org_demo_co", "user_4f2a".
type OwnerID string

func (id OwnerID) String() string { return string(id) }

func (id OwnerID) IsNil() bool { return id == "" }

// PolicyID names a registered policy pack, e.g. "finance.payment.charge.v1".
type PolicyID string

func (id PolicyID) String() string { return string(id) }

func (id PolicyID) IsNil() bool { return id == "" }

// Version returns the trailing version segment ("v1") or "" when the policy
// id carries none.
func (id PolicyID) Version() string {
	s := string(id)
	i := strings.LastIndex(s, ".")
	if i < 0 || i == len(s)-1 {
		return ""
	}
	v := s[i+1:]
	if len(v) < 2 || v[0] != 'v' {
		return ""
	}
	return v
}

// CapabilityID names a capability grant, e.g. "payments.charge".
type CapabilityID string

func (id CapabilityID) String() string { return string(id) }

func (id CapabilityID) IsNil() bool { return id == "" }

// DecisionID identifies a single signed decision record.
type DecisionID uuid.UUID

// NewDecisionID mints a random decision ID.
func NewDecisionID() DecisionID { return DecisionID(uuid.New()) }

func (id DecisionID) String() string { return uuid.UUID(id).String() }

func (id DecisionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// ParseDecisionID validates and returns a DecisionID.
func ParseDecisionID(s string) (DecisionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DecisionID{}, err
	}
	return DecisionID(u), nil
}

// MarshalText implements encoding.TextMarshaler so decision IDs render as
// canonical UUID strings in JSON.
func (id DecisionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DecisionID) UnmarshalText(b []byte) error {
	u, err := uuid.Parse(string(b))
	if err != nil {
		return err
	}
	*id = DecisionID(u)
	return nil
}
